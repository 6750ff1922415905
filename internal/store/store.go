package store

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cam3ron2/scm-ingest/internal/model"
	"github.com/google/uuid"
)

// RegistrationStore persists tracked repositories.
type RegistrationStore interface {
	FindRegistration(ctx context.Context, repoURL, branch string) (model.RepositoryRegistration, bool, error)
	ListRegistrations(ctx context.Context) ([]model.RepositoryRegistration, error)
	SaveRegistration(ctx context.Context, reg model.RepositoryRegistration) (model.RepositoryRegistration, error)
}

// CommitStore persists commits by (repository URL, branch, revision).
type CommitStore interface {
	FindCommit(ctx context.Context, repoURL, branch, revision string) (model.Commit, bool, error)
	// UpsertCommit merges commit into any stored record with the same natural key and
	// reports whether a new record was created.
	UpsertCommit(ctx context.Context, commit model.Commit) (model.Commit, bool, error)
	// FindOrphanCommits returns commits at or after since that have no pull request number.
	FindOrphanCommits(ctx context.Context, repoURL, branch string, since time.Time) ([]model.Commit, error)
	ListCommits(ctx context.Context, repoURL, branch string) ([]model.Commit, error)
}

// RequestStore persists pull requests and issues by (repository URL, branch, number, type).
type RequestStore interface {
	FindRequest(ctx context.Context, repoURL, branch string, number int, requestType model.RequestType) (model.Request, bool, error)
	UpsertRequest(ctx context.Context, request model.Request) (model.Request, bool, error)
	// FindMergedPullsSince returns pull requests merged at or after since.
	FindMergedPullsSince(ctx context.Context, repoURL, branch string, since time.Time) ([]model.Request, error)
	ListRequests(ctx context.Context, repoURL, branch string) ([]model.Request, error)
}

// Store is the full persistence surface.
type Store interface {
	RegistrationStore
	CommitStore
	RequestStore
	// Acquire takes a TTL lock on key and reports whether it was free.
	Acquire(key string, ttl time.Duration, now time.Time) bool
	Healthy(ctx context.Context) error
	Close() error
}

func commitKey(repoURL, branch, revision string) string {
	return model.RegistrationKey(repoURL, branch) + "|" + revision
}

func requestKey(repoURL, branch string, number int, requestType model.RequestType) string {
	return model.RegistrationKey(repoURL, branch) + "|" + string(requestType) + "|" + strconv.Itoa(number)
}

func hashKey(raw string) string {
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func validateCommit(commit model.Commit) error {
	if strings.TrimSpace(commit.RepoURL) == "" || strings.TrimSpace(commit.Branch) == "" || strings.TrimSpace(commit.Revision) == "" {
		return fmt.Errorf("commit natural key requires repo url, branch and revision")
	}
	return nil
}

func validateRequest(request model.Request) error {
	if strings.TrimSpace(request.RepoURL) == "" || strings.TrimSpace(request.Branch) == "" || request.Number <= 0 {
		return fmt.Errorf("request natural key requires repo url, branch and number")
	}
	switch request.Type {
	case model.RequestTypePull, model.RequestTypeIssue:
		return nil
	default:
		return fmt.Errorf("unknown request type %q", request.Type)
	}
}

func validateRegistration(reg model.RepositoryRegistration) error {
	if strings.TrimSpace(reg.URL) == "" || strings.TrimSpace(reg.Branch) == "" {
		return fmt.Errorf("registration requires url and branch")
	}
	return nil
}

// prepareCommit applies the merge rule and assigns an ID to new records.
func prepareCommit(existing model.Commit, found bool, incoming model.Commit) model.Commit {
	if !found {
		if incoming.ID == "" {
			incoming.ID = uuid.NewString()
		}
		return incoming
	}
	return model.MergeCommit(existing, incoming)
}

func prepareRequest(existing model.Request, found bool, incoming model.Request) model.Request {
	if !found {
		if incoming.ID == "" {
			incoming.ID = uuid.NewString()
		}
		return incoming
	}
	return model.MergeRequest(existing, incoming)
}

func sortCommits(commits []model.Commit) {
	sort.SliceStable(commits, func(i, j int) bool {
		if commits[i].Timestamp.Equal(commits[j].Timestamp) {
			return commits[i].Revision < commits[j].Revision
		}
		return commits[i].Timestamp.Before(commits[j].Timestamp)
	})
}

func sortRequests(requests []model.Request) {
	sort.SliceStable(requests, func(i, j int) bool {
		if requests[i].Type != requests[j].Type {
			return requests[i].Type < requests[j].Type
		}
		return requests[i].Number < requests[j].Number
	})
}

func cloneCommit(commit model.Commit) model.Commit {
	commit.ParentRevisions = slices.Clone(commit.ParentRevisions)
	commit.Statuses = slices.Clone(commit.Statuses)
	return commit
}

func cloneRequest(request model.Request) model.Request {
	commits := make([]model.Commit, 0, len(request.Commits))
	for _, commit := range request.Commits {
		commits = append(commits, cloneCommit(commit))
	}
	if request.Commits != nil {
		request.Commits = commits
	}
	request.Reviews = slices.Clone(request.Reviews)
	request.Comments = slices.Clone(request.Comments)
	request.CommitStatuses = slices.Clone(request.CommitStatuses)
	return request
}

func sortRegistrations(regs []model.RepositoryRegistration) {
	sort.Slice(regs, func(i, j int) bool {
		return regs[i].Key() < regs[j].Key()
	})
}

// prepareRegistration assigns an ID and drops the token, which is never persisted.
func prepareRegistration(reg model.RepositoryRegistration) model.RepositoryRegistration {
	if reg.ID == "" {
		reg.ID = uuid.NewString()
	}
	reg.Token = ""
	return reg
}

func cloneRegistration(reg model.RepositoryRegistration) model.RepositoryRegistration {
	reg.Errors = slices.Clone(reg.Errors)
	return reg
}

// MemoryStore is an in-memory store for single-process deployments and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	registrations map[string]model.RepositoryRegistration
	commits       map[string]model.Commit
	requests      map[string]model.Request
	identities    map[string]model.Identity
	dedupLocks    map[string]time.Time
}

// NewMemoryStore creates a memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		registrations: make(map[string]model.RepositoryRegistration),
		commits:       make(map[string]model.Commit),
		requests:      make(map[string]model.Request),
		identities:    make(map[string]model.Identity),
		dedupLocks:    make(map[string]time.Time),
	}
}

// FindRegistration returns the registration for repoURL and branch.
func (s *MemoryStore) FindRegistration(_ context.Context, repoURL, branch string) (model.RepositoryRegistration, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.registrations[model.RegistrationKey(repoURL, branch)]
	return cloneRegistration(reg), ok, nil
}

// ListRegistrations returns every registration ordered by key.
func (s *MemoryStore) ListRegistrations(_ context.Context) ([]model.RepositoryRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.RepositoryRegistration, 0, len(s.registrations))
	for _, reg := range s.registrations {
		result = append(result, cloneRegistration(reg))
	}
	sortRegistrations(result)
	return result, nil
}

// SaveRegistration creates or replaces a registration, keeping its ID.
func (s *MemoryStore) SaveRegistration(_ context.Context, reg model.RepositoryRegistration) (model.RepositoryRegistration, error) {
	if err := validateRegistration(reg); err != nil {
		return model.RepositoryRegistration{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := reg.Key()
	if existing, ok := s.registrations[key]; ok && existing.ID != "" {
		reg.ID = existing.ID
	}
	reg = prepareRegistration(reg)
	s.registrations[key] = cloneRegistration(reg)
	return cloneRegistration(reg), nil
}

// FindCommit returns the commit with the given natural key.
func (s *MemoryStore) FindCommit(_ context.Context, repoURL, branch, revision string) (model.Commit, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	commit, ok := s.commits[commitKey(repoURL, branch, revision)]
	return cloneCommit(commit), ok, nil
}

// UpsertCommit merges commit by natural key.
func (s *MemoryStore) UpsertCommit(_ context.Context, commit model.Commit) (model.Commit, bool, error) {
	if err := validateCommit(commit); err != nil {
		return model.Commit{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := commitKey(commit.RepoURL, commit.Branch, commit.Revision)
	existing, found := s.commits[key]
	stored := prepareCommit(existing, found, cloneCommit(commit))
	s.commits[key] = stored
	return cloneCommit(stored), !found, nil
}

// FindOrphanCommits returns unlinked commits at or after since, oldest first.
func (s *MemoryStore) FindOrphanCommits(_ context.Context, repoURL, branch string, since time.Time) ([]model.Commit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := model.RegistrationKey(repoURL, branch) + "|"
	result := make([]model.Commit, 0)
	for key, commit := range s.commits {
		if !strings.HasPrefix(key, prefix) || commit.HasPullRequest() || commit.Timestamp.Before(since) {
			continue
		}
		result = append(result, cloneCommit(commit))
	}
	sortCommits(result)
	return result, nil
}

// ListCommits returns every commit of a branch, oldest first.
func (s *MemoryStore) ListCommits(_ context.Context, repoURL, branch string) ([]model.Commit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := model.RegistrationKey(repoURL, branch) + "|"
	result := make([]model.Commit, 0)
	for key, commit := range s.commits {
		if strings.HasPrefix(key, prefix) {
			result = append(result, cloneCommit(commit))
		}
	}
	sortCommits(result)
	return result, nil
}

// FindRequest returns the pull request or issue with the given natural key.
func (s *MemoryStore) FindRequest(_ context.Context, repoURL, branch string, number int, requestType model.RequestType) (model.Request, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	request, ok := s.requests[requestKey(repoURL, branch, number, requestType)]
	return cloneRequest(request), ok, nil
}

// UpsertRequest merges request by natural key.
func (s *MemoryStore) UpsertRequest(_ context.Context, request model.Request) (model.Request, bool, error) {
	if err := validateRequest(request); err != nil {
		return model.Request{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := requestKey(request.RepoURL, request.Branch, request.Number, request.Type)
	existing, found := s.requests[key]
	stored := prepareRequest(existing, found, cloneRequest(request))
	s.requests[key] = stored
	return cloneRequest(stored), !found, nil
}

// FindMergedPullsSince returns pull requests merged at or after since.
func (s *MemoryStore) FindMergedPullsSince(_ context.Context, repoURL, branch string, since time.Time) ([]model.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := model.RegistrationKey(repoURL, branch) + "|"
	result := make([]model.Request, 0)
	for key, request := range s.requests {
		if !strings.HasPrefix(key, prefix) || !request.IsMerged() || request.MergedAt.Before(since) {
			continue
		}
		result = append(result, cloneRequest(request))
	}
	sortRequests(result)
	return result, nil
}

// ListRequests returns every pull request and issue of a branch.
func (s *MemoryStore) ListRequests(_ context.Context, repoURL, branch string) ([]model.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := model.RegistrationKey(repoURL, branch) + "|"
	result := make([]model.Request, 0)
	for key, request := range s.requests {
		if strings.HasPrefix(key, prefix) {
			result = append(result, cloneRequest(request))
		}
	}
	sortRequests(result)
	return result, nil
}

// GetIdentity returns a cached directory identity.
func (s *MemoryStore) GetIdentity(_ context.Context, handle string) (model.Identity, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.identities[handle]
	return identity, ok, nil
}

// PutIdentity caches a directory identity.
func (s *MemoryStore) PutIdentity(_ context.Context, handle string, identity model.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[handle] = identity
	return nil
}

// Acquire acquires a dedup lock for a key. It is an adapter for queue deduper interfaces.
func (s *MemoryStore) Acquire(key string, ttl time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return acquireLock(s.dedupLocks, key, ttl, now)
}

// GC deletes expired locks.
func (s *MemoryStore) GC(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trimExpiredLocks(s.dedupLocks, now)
}

// Healthy always succeeds for the memory store.
func (s *MemoryStore) Healthy(_ context.Context) error {
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

func acquireLock(lockMap map[string]time.Time, key string, ttl time.Duration, now time.Time) bool {
	if ttl <= 0 {
		return true
	}
	expiry, exists := lockMap[key]
	if exists && now.Before(expiry) {
		return false
	}
	lockMap[key] = now.Add(ttl)
	return true
}

func trimExpiredLocks(lockMap map[string]time.Time, now time.Time) {
	for key, expiry := range lockMap {
		if !now.Before(expiry) {
			delete(lockMap, key)
		}
	}
}
