package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cam3ron2/scm-ingest/internal/backfill"
	"github.com/cam3ron2/scm-ingest/internal/collector"
	"github.com/cam3ron2/scm-ingest/internal/config"
	"github.com/cam3ron2/scm-ingest/internal/exporter"
	"github.com/cam3ron2/scm-ingest/internal/health"
	"github.com/cam3ron2/scm-ingest/internal/identity"
	"github.com/cam3ron2/scm-ingest/internal/leader"
	"github.com/cam3ron2/scm-ingest/internal/model"
	"github.com/cam3ron2/scm-ingest/internal/store"
	"github.com/cam3ron2/scm-ingest/internal/webhook"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runtime is the application runtime orchestrator: one scheduler loop feeding a single
// sequential sync worker, plus the webhook path. Syncs and webhook events never overlap.
type Runtime struct {
	cfg        *config.Config
	store      store.Store
	queue      *backfill.InMemoryQueue
	dispatcher *backfill.Dispatcher
	syncer     *collector.Syncer
	webhooks   *webhook.Handler
	metrics    *exporter.Registry
	upstream   *health.UpstreamTracker
	evaluator  *health.StatusEvaluator
	logger     *zap.Logger

	// ingestMu serializes sync runs and webhook processing.
	ingestMu sync.Mutex

	mu               sync.RWMutex
	storeHealthy     bool
	schedulerHealthy bool
	workerHealthy    bool
	follower         bool

	// Now is injected for deterministic tests.
	Now func() time.Time
}

// NewRuntime wires the runtime over an opened store and an upstream connector.
func NewRuntime(cfg *config.Config, st store.Store, connector collector.Connector, logger *zap.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if st == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	exclusions, err := cfg.Sync.Exclusions()
	if err != nil {
		return nil, err
	}
	directory, _ := st.(identity.Directory)

	r := &Runtime{
		cfg:          cfg,
		store:        st,
		queue:        backfill.NewInMemoryQueue(cfg.Queue.Buffer),
		metrics:      exporter.NewRegistry(),
		evaluator:    health.NewStatusEvaluator(),
		logger:       logger,
		storeHealthy: true,
		upstream: health.NewUpstreamTracker(health.UpstreamConfig{
			FailureThreshold: cfg.GitHub.UnhealthyFailureThreshold,
			Cooldown:         cfg.GitHub.UnhealthyCooldown,
			RecoverThreshold: cfg.Health.GitHubRecoverSuccessThreshold,
		}),
		Now: time.Now,
	}

	r.dispatcher = backfill.NewDispatcher(backfill.Config{
		CoalesceWindow:              cfg.Queue.CoalesceWindow,
		DedupTTL:                    cfg.Queue.DedupTTL,
		MaxEnqueuesPerRepoPerMinute: cfg.Queue.MaxEnqueuesPerRepoPerMinute,
	}, r.queue, st)

	r.syncer = collector.NewSyncer(st, connector, collector.Config{
		FetchCount:         cfg.Sync.PageFetchSize,
		HistoryDepth:       cfg.Sync.HistoryDepth(),
		ClockSkew:          cfg.Sync.ClockSkew(),
		ReconcileWindow:    cfg.Sync.ReconcileWindow,
		ReconcileTolerance: cfg.Sync.ReconcileMatchTolerance,
		Exclusions:         exclusions,
		MaxErrors:          cfg.Sync.MaxErrors,
		Directory:          directory,
		Now:                func() time.Time { return r.Now() },
	}, logger.Named("collector"))

	processorCfg := webhook.Config{
		Store:        st,
		Connector:    connector,
		AutoRegister: cfg.Webhook.AutoRegister,
		Exclusions:   exclusions,
		Directory:    directory,
		Logger:       logger.Named("webhook"),
	}
	r.webhooks = webhook.NewHandler(cfg.Webhook.Secret, logger.Named("webhook"),
		r.serialized(webhook.NewPushProcessor(processorCfg)),
		r.serialized(webhook.NewPullRequestProcessor(processorCfg)),
	)
	r.webhooks.OnOutcome = r.metrics.ObserveWebhook

	return r, nil
}

// Metrics exposes the operational metric registry.
func (r *Runtime) Metrics() *exporter.Registry {
	return r.metrics
}

// QueueDepth returns pending sync requests.
func (r *Runtime) QueueDepth() int {
	return r.queue.Depth()
}

// Handler returns the combined HTTP handler.
func (r *Runtime) Handler() http.Handler {
	return NewHTTPHandler(Routes{
		Metrics:       exporter.NewOpenMetricsHandler(r.metrics),
		Health:        health.NewHandler(r),
		Webhook:       r.webhooks,
		SyncTrigger:   newSyncTriggerHandler(r, r.store, r.logger),
		Registrations: newRegistrationsHandler(r.store, r.logger),
	})
}

// SeedRegistrations saves configured repositories that are not registered yet.
func (r *Runtime) SeedRegistrations(ctx context.Context) error {
	var errs []error
	for _, repo := range r.cfg.Sync.Repositories {
		_, found, err := r.store.FindRegistration(ctx, repo.URL, repo.Branch)
		if err != nil {
			errs = append(errs, fmt.Errorf("find registration %s: %w", repo.URL, err))
			continue
		}
		if found {
			continue
		}
		if _, err := r.store.SaveRegistration(ctx, repo.Registration()); err != nil {
			errs = append(errs, fmt.Errorf("save registration %s: %w", repo.URL, err))
			continue
		}
		r.logger.Info("registered configured repository", zap.String("repo_url", repo.URL), zap.String("branch", repo.Branch))
	}
	return errors.Join(errs...)
}

// Trigger asks the worker to sync one registration.
func (r *Runtime) Trigger(repoURL, branch, reason string) backfill.EnqueueResult {
	result := r.dispatcher.Enqueue(backfill.TriggerInput{
		RepoURL: repoURL,
		Branch:  branch,
		Reason:  reason,
		Now:     r.Now(),
	})
	switch {
	case result.DedupSuppressed:
		r.metrics.ObserveSuppressedTrigger("dedup")
		r.logger.Debug("sync trigger dedup-suppressed", zap.String("repo_url", repoURL), zap.String("branch", branch), zap.String("reason", reason))
	case result.DroppedByRateLimit:
		r.metrics.ObserveSuppressedTrigger("repo_rate_cap")
		r.logger.Warn("sync trigger dropped by dispatcher rate limit", zap.String("repo_url", repoURL), zap.String("branch", branch), zap.String("reason", reason))
	case result.Err != nil:
		r.metrics.ObserveSuppressedTrigger("queue_full")
		r.logger.Warn("sync trigger not queued", zap.String("repo_url", repoURL), zap.Error(result.Err))
	}
	r.metrics.SetQueueDepth(r.queue.Depth())
	return result
}

// RunSchedulerCycle enqueues every registration once, unless the upstream is cooling down.
func (r *Runtime) RunSchedulerCycle(ctx context.Context) error {
	now := r.Now()
	storeErr := r.store.Healthy(ctx)
	r.mu.Lock()
	r.storeHealthy = storeErr == nil
	r.mu.Unlock()
	defer r.recordDependencyHealthMetrics()

	if storeErr != nil {
		r.logger.Warn("store health check failed", zap.Error(storeErr))
		return storeErr
	}

	regs, err := r.store.ListRegistrations(ctx)
	if err != nil {
		return fmt.Errorf("list registrations: %w", err)
	}

	if r.upstream.CoolingDown(now) {
		for range regs {
			r.metrics.ObserveSuppressedTrigger("upstream_cooldown")
		}
		r.logger.Warn("upstream cooling down; scheduled syncs skipped", zap.Int("registrations", len(regs)))
		return nil
	}

	published := 0
	for _, reg := range regs {
		if r.Trigger(reg.URL, reg.Branch, backfill.ReasonScheduled).Published {
			published++
		}
	}
	r.logger.Debug("scheduler cycle completed",
		zap.Int("registrations", len(regs)),
		zap.Int("published", published),
		zap.Int("queue_depth", r.queue.Depth()),
	)
	return nil
}

// Run runs the scheduler and sync worker while this replica holds leadership, until ctx
// is done or the elector fails.
func (r *Runtime) Run(ctx context.Context, elector leader.Elector) error {
	runner := leader.NewRunner(elector, r.logger.Named("leader"))
	runner.OnRole = r.setLeader
	return runner.Run(ctx, func(ctx context.Context) {
		group, groupCtx := errgroup.WithContext(ctx)
		group.Go(func() error {
			return r.RunScheduler(groupCtx)
		})
		group.Go(func() error {
			return r.RunWorker(groupCtx)
		})
		if err := group.Wait(); err != nil {
			r.logger.Warn("leader loops stopped with error", zap.Error(err))
		}
	})
}

// RunScheduler runs scheduler cycles every sync interval until ctx is done.
func (r *Runtime) RunScheduler(ctx context.Context) error {
	interval := r.cfg.Sync.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	r.setSchedulerHealthy(true)
	defer r.setSchedulerHealthy(false)
	r.logger.Info("starting scheduler loop", zap.Duration("interval", interval), zap.Int("configured_repositories", len(r.cfg.Sync.Repositories)))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := r.RunSchedulerCycle(ctx); err != nil {
		r.logger.Warn("scheduler cycle finished with errors", zap.Error(err))
	}
	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("scheduler loop stopped")
			return nil
		case <-ticker.C:
			if err := r.RunSchedulerCycle(ctx); err != nil {
				r.logger.Warn("scheduler cycle finished with errors", zap.Error(err))
			}
		}
	}
}

// RunWorker drains the sync queue one request at a time until ctx is done.
func (r *Runtime) RunWorker(ctx context.Context) error {
	r.setWorkerHealthy(true)
	defer r.setWorkerHealthy(false)
	r.logger.Info("starting sync worker", zap.Duration("max_message_age", r.cfg.Queue.MaxMessageAge))

	r.queue.Consume(ctx, r.HandleSyncRequest, r.cfg.Queue.MaxMessageAge, r.Now, func(req backfill.SyncRequest) {
		r.metrics.ObserveSuppressedTrigger("expired")
		r.logger.Warn("dropped expired sync request", zap.String("repo_url", req.RepoURL), zap.String("branch", req.Branch), zap.Time("created_at", req.CreatedAt))
	})
	return nil
}

// HandleSyncRequest runs one queued sync and records its outcome.
func (r *Runtime) HandleSyncRequest(ctx context.Context, req backfill.SyncRequest) error {
	r.ingestMu.Lock()
	result, err := r.syncer.SyncOne(ctx, req.RepoURL, req.Branch)
	r.ingestMu.Unlock()
	r.metrics.SetQueueDepth(r.queue.Depth())

	if err != nil {
		r.logger.Warn("sync request not run", zap.String("repo_url", req.RepoURL), zap.String("branch", req.Branch), zap.Error(err))
		return err
	}

	r.metrics.ObserveSync(result)
	if upstreamOutcome(result) {
		r.upstream.Observe(r.Now(), result.Succeeded())
	}
	if !result.Succeeded() {
		return result.Err
	}
	return nil
}

// SyncAll runs every registration immediately, bypassing the queue.
func (r *Runtime) SyncAll(ctx context.Context) ([]collector.Result, error) {
	r.ingestMu.Lock()
	defer r.ingestMu.Unlock()

	results, err := r.syncer.SyncAll(ctx)
	for _, result := range results {
		r.metrics.ObserveSync(result)
	}
	return results, err
}

// CurrentStatus returns current health status.
func (r *Runtime) CurrentStatus(_ context.Context) health.Status {
	r.mu.RLock()
	input := health.Input{
		StoreHealthy:     r.storeHealthy,
		SchedulerHealthy: r.schedulerHealthy,
		WorkerHealthy:    r.workerHealthy,
		UpstreamHealthy:  r.upstream.Healthy(),
		Follower:         r.follower,
	}
	r.mu.RUnlock()
	return r.evaluator.Evaluate(input)
}

func (r *Runtime) setSchedulerHealthy(healthy bool) {
	r.mu.Lock()
	r.schedulerHealthy = healthy
	r.mu.Unlock()
}

func (r *Runtime) setLeader(isLeader bool) {
	r.mu.Lock()
	r.follower = !isLeader
	r.mu.Unlock()
	r.metrics.SetLeader(isLeader)
}

func (r *Runtime) setWorkerHealthy(healthy bool) {
	r.mu.Lock()
	r.workerHealthy = healthy
	r.mu.Unlock()
}

func (r *Runtime) recordDependencyHealthMetrics() {
	status := r.CurrentStatus(context.Background())
	for dependency, healthy := range status.Components {
		r.metrics.SetDependencyHealth(dependency, healthy)
	}
}

// serialized makes a webhook processor share the sync worker's lock.
func (r *Runtime) serialized(processor webhook.Processor) webhook.Processor {
	return &serialProcessor{Processor: processor, mu: &r.ingestMu}
}

type serialProcessor struct {
	webhook.Processor
	mu *sync.Mutex
}

func (p *serialProcessor) Process(ctx context.Context, payload []byte) webhook.Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Processor.Process(ctx, payload)
}

// upstreamOutcome reports whether a run says anything about upstream health: successes
// do, and so do failures caused by rate limiting or unavailability.
func upstreamOutcome(result collector.Result) bool {
	if result.Succeeded() {
		return true
	}
	return model.IsRetryable(result.Err)
}
