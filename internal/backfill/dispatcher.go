package backfill

import (
	"fmt"
	"sync"
	"time"

	"github.com/cam3ron2/scm-ingest/internal/model"
	"github.com/google/uuid"
)

// Trigger reasons.
const (
	ReasonScheduled = "scheduled"
	ReasonManual    = "manual"
)

// QueuePublisher publishes sync requests.
type QueuePublisher interface {
	Publish(req SyncRequest) error
}

// Deduper acquires dedup locks for requests.
type Deduper interface {
	Acquire(key string, ttl time.Duration, now time.Time) bool
}

// Config controls dispatcher behavior.
type Config struct {
	CoalesceWindow              time.Duration
	DedupTTL                    time.Duration
	MaxEnqueuesPerRepoPerMinute int
}

// SyncRequest asks the worker to sync one registration.
type SyncRequest struct {
	JobID     string    `json:"job_id"`
	DedupKey  string    `json:"dedup_key"`
	RepoURL   string    `json:"repo_url"`
	Branch    string    `json:"branch"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// TriggerInput is the enqueue input for one registration.
type TriggerInput struct {
	RepoURL string
	Branch  string
	Reason  string
	Now     time.Time
}

// EnqueueResult contains enqueue outcomes for observability.
type EnqueueResult struct {
	Published          bool
	DedupSuppressed    bool
	DroppedByRateLimit bool
	Err                error
}

// Dispatcher coalesces, deduplicates, and rate-limits sync triggers.
type Dispatcher struct {
	mu            sync.Mutex
	config        Config
	queue         QueuePublisher
	deduper       Deduper
	perRepoMinute map[string]minuteCounter
}

type minuteCounter struct {
	minute int64
	count  int
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(config Config, queue QueuePublisher, deduper Deduper) *Dispatcher {
	return &Dispatcher{
		config:        config,
		queue:         queue,
		deduper:       deduper,
		perRepoMinute: make(map[string]minuteCounter),
	}
}

// Enqueue publishes a sync request unless an equivalent one is already pending in the same
// coalescing bucket or the registration exceeded its per-minute cap.
func (d *Dispatcher) Enqueue(input TriggerInput) EnqueueResult {
	repoKey := model.RegistrationKey(input.RepoURL, input.Branch)
	bucket := coalesceBucket(input.Now, d.config.CoalesceWindow)
	dedupKey := fmt.Sprintf("%s:%s", repoKey, bucket.UTC().Format(time.RFC3339))

	if d.deduper != nil && !d.deduper.Acquire(dedupKey, d.config.DedupTTL, input.Now) {
		return EnqueueResult{
			Published:       false,
			DedupSuppressed: true,
		}
	}

	minute := input.Now.Unix() / 60
	d.mu.Lock()
	counter := d.perRepoMinute[repoKey]
	if counter.minute != minute {
		counter = minuteCounter{minute: minute}
	}
	if d.config.MaxEnqueuesPerRepoPerMinute > 0 && counter.count >= d.config.MaxEnqueuesPerRepoPerMinute {
		d.mu.Unlock()
		return EnqueueResult{
			Published:          false,
			DroppedByRateLimit: true,
		}
	}
	counter.count++
	d.perRepoMinute[repoKey] = counter
	d.mu.Unlock()

	req := SyncRequest{
		JobID:     uuid.NewString(),
		DedupKey:  dedupKey,
		RepoURL:   input.RepoURL,
		Branch:    input.Branch,
		Reason:    input.Reason,
		CreatedAt: input.Now,
	}
	if err := d.queue.Publish(req); err != nil {
		return EnqueueResult{Published: false, Err: err}
	}
	return EnqueueResult{Published: true}
}

// ShouldDropByAge returns true when a request exceeds max age.
func ShouldDropByAge(req SyncRequest, now time.Time, maxAge time.Duration) bool {
	if req.CreatedAt.IsZero() || maxAge <= 0 {
		return false
	}
	return now.Sub(req.CreatedAt) > maxAge
}

func coalesceBucket(now time.Time, window time.Duration) time.Time {
	if window <= 0 {
		return now
	}
	return now.Truncate(window)
}
