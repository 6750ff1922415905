package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cam3ron2/scm-ingest/internal/model"
	"github.com/cam3ron2/scm-ingest/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type redisCommander interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	ZRangeByScore(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
	ExpireAt(ctx context.Context, key string, tm time.Time) *redis.BoolCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisStoreConfig configures the Redis-backed store.
type RedisStoreConfig struct {
	Namespace string
	// IdentityTTL bounds how long directory identities are cached. Zero keeps them forever.
	IdentityTTL time.Duration
}

// RedisStore keeps registrations, commits and requests as JSON documents in Redis hashes,
// with sorted-set indexes for the time-bounded reconciliation queries.
type RedisStore struct {
	client      redisCommander
	closeFn     func() error
	namespace   string
	identityTTL time.Duration
	now         func() time.Time
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.UniversalClient, cfg RedisStoreConfig) *RedisStore {
	closeFn := func() error { return nil }
	if client != nil {
		closeFn = client.Close
	}
	return newRedisStoreFromCommander(client, closeFn, cfg)
}

func newRedisStoreFromCommander(client redisCommander, closeFn func() error, cfg RedisStoreConfig) *RedisStore {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "scm-ingest"
	}
	if closeFn == nil {
		closeFn = func() error { return nil }
	}

	return &RedisStore{
		client:      client,
		closeFn:     closeFn,
		namespace:   namespace,
		identityTTL: cfg.IdentityTTL,
		now:         time.Now,
	}
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

// Healthy pings Redis.
func (s *RedisStore) Healthy(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// FindRegistration returns the registration for repoURL and branch.
func (s *RedisStore) FindRegistration(ctx context.Context, repoURL, branch string) (model.RepositoryRegistration, bool, error) {
	if err := s.ready(); err != nil {
		return model.RepositoryRegistration{}, false, err
	}
	var reg model.RepositoryRegistration
	found, err := s.readDocument(ctx, s.registrationKey(model.RegistrationKey(repoURL, branch)), &reg)
	return reg, found, err
}

// ListRegistrations returns every registration ordered by key.
func (s *RedisStore) ListRegistrations(ctx context.Context) ([]model.RepositoryRegistration, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	ids, err := s.client.SMembers(ctx, s.prefixed("registrations")).Result()
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}

	result := make([]model.RepositoryRegistration, 0, len(ids))
	for _, id := range ids {
		var reg model.RepositoryRegistration
		found, err := s.readDocument(ctx, s.prefixed("registration:"+id), &reg)
		if err != nil {
			return nil, err
		}
		if found {
			result = append(result, reg)
		}
	}
	sortRegistrations(result)
	return result, nil
}

// SaveRegistration creates or replaces a registration, keeping its ID.
func (s *RedisStore) SaveRegistration(ctx context.Context, reg model.RepositoryRegistration) (model.RepositoryRegistration, error) {
	if err := s.ready(); err != nil {
		return model.RepositoryRegistration{}, err
	}
	if err := validateRegistration(reg); err != nil {
		return model.RepositoryRegistration{}, err
	}

	ctx, span := s.startSpan(ctx, "store.redis.save_registration", attribute.String("repo.url", reg.URL))
	defer telemetry.EndSpan(span)

	key := reg.Key()
	var existing model.RepositoryRegistration
	found, err := s.readDocument(ctx, s.registrationKey(key), &existing)
	if err != nil {
		telemetry.FailSpan(span, err)
		return model.RepositoryRegistration{}, err
	}
	if found && existing.ID != "" {
		reg.ID = existing.ID
	}
	reg = prepareRegistration(reg)

	if err := s.writeDocument(ctx, s.registrationKey(key), reg); err != nil {
		telemetry.FailSpan(span, err)
		return model.RepositoryRegistration{}, err
	}
	if err := s.client.SAdd(ctx, s.prefixed("registrations"), hashKey(key)).Err(); err != nil {
		telemetry.FailSpan(span, err)
		return model.RepositoryRegistration{}, fmt.Errorf("index registration: %w", err)
	}
	return reg, nil
}

// FindCommit returns the commit with the given natural key.
func (s *RedisStore) FindCommit(ctx context.Context, repoURL, branch, revision string) (model.Commit, bool, error) {
	if err := s.ready(); err != nil {
		return model.Commit{}, false, err
	}
	var commit model.Commit
	found, err := s.readDocument(ctx, s.commitKey(commitKey(repoURL, branch, revision)), &commit)
	return commit, found, err
}

// UpsertCommit merges commit by natural key and maintains the orphan index.
func (s *RedisStore) UpsertCommit(ctx context.Context, commit model.Commit) (model.Commit, bool, error) {
	if err := s.ready(); err != nil {
		return model.Commit{}, false, err
	}
	if err := validateCommit(commit); err != nil {
		return model.Commit{}, false, err
	}

	ctx, span := s.startSpan(ctx, "store.redis.upsert_commit", attribute.String("commit.revision", commit.Revision))
	defer telemetry.EndSpan(span)

	naturalKey := commitKey(commit.RepoURL, commit.Branch, commit.Revision)
	var existing model.Commit
	found, err := s.readDocument(ctx, s.commitKey(naturalKey), &existing)
	if err != nil {
		telemetry.FailSpan(span, err)
		return model.Commit{}, false, err
	}
	stored := prepareCommit(existing, found, commit)

	if err := s.writeDocument(ctx, s.commitKey(naturalKey), stored); err != nil {
		telemetry.FailSpan(span, err)
		return model.Commit{}, false, err
	}

	branchHash := hashKey(model.RegistrationKey(stored.RepoURL, stored.Branch))
	member := hashKey(naturalKey)
	if err := s.client.SAdd(ctx, s.prefixed("commits:"+branchHash), member).Err(); err != nil {
		telemetry.FailSpan(span, err)
		return model.Commit{}, false, fmt.Errorf("index commit: %w", err)
	}
	orphans := s.prefixed("orphans:" + branchHash)
	if stored.HasPullRequest() {
		err = s.client.ZRem(ctx, orphans, member).Err()
	} else {
		err = s.client.ZAdd(ctx, orphans, redis.Z{Score: scoreOf(stored.Timestamp), Member: member}).Err()
	}
	if err != nil {
		telemetry.FailSpan(span, err)
		return model.Commit{}, false, fmt.Errorf("index orphan commit: %w", err)
	}
	return stored, !found, nil
}

// FindOrphanCommits returns unlinked commits at or after since, oldest first.
func (s *RedisStore) FindOrphanCommits(ctx context.Context, repoURL, branch string, since time.Time) ([]model.Commit, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	branchHash := hashKey(model.RegistrationKey(repoURL, branch))
	members, err := s.client.ZRangeByScore(ctx, s.prefixed("orphans:"+branchHash), &redis.ZRangeBy{
		Min: strconv.FormatFloat(scoreOf(since), 'f', -1, 64),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range orphan commits: %w", err)
	}

	result := make([]model.Commit, 0, len(members))
	for _, member := range members {
		var commit model.Commit
		found, err := s.readDocument(ctx, s.prefixed("commit:"+member), &commit)
		if err != nil {
			return nil, err
		}
		if !found || commit.HasPullRequest() || commit.Timestamp.Before(since) {
			continue
		}
		result = append(result, commit)
	}
	sortCommits(result)
	return result, nil
}

// ListCommits returns every commit of a branch, oldest first.
func (s *RedisStore) ListCommits(ctx context.Context, repoURL, branch string) ([]model.Commit, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	branchHash := hashKey(model.RegistrationKey(repoURL, branch))
	members, err := s.client.SMembers(ctx, s.prefixed("commits:"+branchHash)).Result()
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}

	result := make([]model.Commit, 0, len(members))
	for _, member := range members {
		var commit model.Commit
		found, err := s.readDocument(ctx, s.prefixed("commit:"+member), &commit)
		if err != nil {
			return nil, err
		}
		if found {
			result = append(result, commit)
		}
	}
	sortCommits(result)
	return result, nil
}

// FindRequest returns the pull request or issue with the given natural key.
func (s *RedisStore) FindRequest(ctx context.Context, repoURL, branch string, number int, requestType model.RequestType) (model.Request, bool, error) {
	if err := s.ready(); err != nil {
		return model.Request{}, false, err
	}
	var request model.Request
	found, err := s.readDocument(ctx, s.requestKey(requestKey(repoURL, branch, number, requestType)), &request)
	return request, found, err
}

// UpsertRequest merges request by natural key and maintains the merged-pull index.
func (s *RedisStore) UpsertRequest(ctx context.Context, request model.Request) (model.Request, bool, error) {
	if err := s.ready(); err != nil {
		return model.Request{}, false, err
	}
	if err := validateRequest(request); err != nil {
		return model.Request{}, false, err
	}

	ctx, span := s.startSpan(ctx, "store.redis.upsert_request", attribute.Int("request.number", request.Number))
	defer telemetry.EndSpan(span)

	naturalKey := requestKey(request.RepoURL, request.Branch, request.Number, request.Type)
	var existing model.Request
	found, err := s.readDocument(ctx, s.requestKey(naturalKey), &existing)
	if err != nil {
		telemetry.FailSpan(span, err)
		return model.Request{}, false, err
	}
	stored := prepareRequest(existing, found, request)

	if err := s.writeDocument(ctx, s.requestKey(naturalKey), stored); err != nil {
		telemetry.FailSpan(span, err)
		return model.Request{}, false, err
	}

	branchHash := hashKey(model.RegistrationKey(stored.RepoURL, stored.Branch))
	member := hashKey(naturalKey)
	if err := s.client.SAdd(ctx, s.prefixed("requests:"+branchHash), member).Err(); err != nil {
		telemetry.FailSpan(span, err)
		return model.Request{}, false, fmt.Errorf("index request: %w", err)
	}
	if stored.Type == model.RequestTypePull && stored.IsMerged() {
		if err := s.client.ZAdd(ctx, s.prefixed("merged:"+branchHash), redis.Z{Score: scoreOf(stored.MergedAt), Member: member}).Err(); err != nil {
			telemetry.FailSpan(span, err)
			return model.Request{}, false, fmt.Errorf("index merged request: %w", err)
		}
	}
	return stored, !found, nil
}

// FindMergedPullsSince returns pull requests merged at or after since.
func (s *RedisStore) FindMergedPullsSince(ctx context.Context, repoURL, branch string, since time.Time) ([]model.Request, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	branchHash := hashKey(model.RegistrationKey(repoURL, branch))
	members, err := s.client.ZRangeByScore(ctx, s.prefixed("merged:"+branchHash), &redis.ZRangeBy{
		Min: strconv.FormatFloat(scoreOf(since), 'f', -1, 64),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range merged requests: %w", err)
	}
	return s.readRequests(ctx, members, func(request model.Request) bool {
		return request.IsMerged() && !request.MergedAt.Before(since)
	})
}

// ListRequests returns every pull request and issue of a branch.
func (s *RedisStore) ListRequests(ctx context.Context, repoURL, branch string) ([]model.Request, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	branchHash := hashKey(model.RegistrationKey(repoURL, branch))
	members, err := s.client.SMembers(ctx, s.prefixed("requests:"+branchHash)).Result()
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	return s.readRequests(ctx, members, func(model.Request) bool { return true })
}

// GetIdentity returns a cached directory identity.
func (s *RedisStore) GetIdentity(ctx context.Context, handle string) (model.Identity, bool, error) {
	if err := s.ready(); err != nil {
		return model.Identity{}, false, err
	}
	fields, err := s.client.HGetAll(ctx, s.prefixed("identity:"+handle)).Result()
	if err != nil {
		return model.Identity{}, false, fmt.Errorf("read identity: %w", err)
	}
	if len(fields) == 0 {
		return model.Identity{}, false, nil
	}
	return model.Identity{DN: fields["dn"], AccountType: fields["account_type"]}, true, nil
}

// PutIdentity caches a directory identity.
func (s *RedisStore) PutIdentity(ctx context.Context, handle string, identity model.Identity) error {
	if err := s.ready(); err != nil {
		return err
	}
	key := s.prefixed("identity:" + handle)
	fields := map[string]any{
		"dn":           identity.DN,
		"account_type": identity.AccountType,
	}
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	if s.identityTTL > 0 {
		if err := s.client.ExpireAt(ctx, key, s.now().Add(s.identityTTL)).Err(); err != nil {
			return fmt.Errorf("set identity ttl: %w", err)
		}
	}
	return nil
}

// Acquire acquires a dedup lock for a key. It is an adapter for queue deduper interfaces.
func (s *RedisStore) Acquire(key string, ttl time.Duration, now time.Time) bool {
	if s == nil || s.client == nil {
		return false
	}
	if ttl <= 0 {
		return true
	}

	acquired, err := s.client.SetNX(context.Background(), s.prefixed("lock:dedup:"+key), now.UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false
	}
	return acquired
}

func (s *RedisStore) readRequests(ctx context.Context, members []string, keep func(model.Request) bool) ([]model.Request, error) {
	result := make([]model.Request, 0, len(members))
	for _, member := range members {
		var request model.Request
		found, err := s.readDocument(ctx, s.prefixed("request:"+member), &request)
		if err != nil {
			return nil, err
		}
		if found && keep(request) {
			result = append(result, request)
		}
	}
	sortRequests(result)
	return result, nil
}

func (s *RedisStore) readDocument(ctx context.Context, key string, out any) (bool, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	raw, ok := fields["data"]
	if !ok || raw == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *RedisStore) writeDocument(ctx context.Context, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	fields := map[string]any{
		"data":       string(payload),
		"updated_at": strconv.FormatInt(s.now().UnixNano(), 10),
	}
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) ready() error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis store is not initialized")
	}
	return nil
}

func (s *RedisStore) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("db.system", "redis"))
	return telemetry.StartDependencySpan(ctx, "store", name, attrs...)
}

func (s *RedisStore) prefixed(suffix string) string {
	return s.namespace + ":" + suffix
}

func (s *RedisStore) registrationKey(naturalKey string) string {
	return s.prefixed("registration:" + hashKey(naturalKey))
}

func (s *RedisStore) commitKey(naturalKey string) string {
	return s.prefixed("commit:" + hashKey(naturalKey))
}

func (s *RedisStore) requestKey(naturalKey string) string {
	return s.prefixed("request:" + hashKey(naturalKey))
}

// scoreOf uses milliseconds so scores stay exact in a float64.
func scoreOf(ts time.Time) float64 {
	return float64(ts.UnixMilli())
}

