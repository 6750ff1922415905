package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cam3ron2/scm-ingest/internal/model"
	"github.com/cam3ron2/scm-ingest/internal/telemetry"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies the embedded schema migrations to the database at dsn.
func Migrate(dsn string) error {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, dsn)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		_, _ = m.Close()
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// PostgresStore keeps each record as a JSONB document next to the columns its queries filter on.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pool to dsn.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreFromPool wraps an existing pool.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Healthy pings the database.
func (s *PostgresStore) Healthy(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("postgres store is not initialized")
	}
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// FindRegistration returns the registration for repoURL and branch.
func (s *PostgresStore) FindRegistration(ctx context.Context, repoURL, branch string) (model.RepositoryRegistration, bool, error) {
	var reg model.RepositoryRegistration
	found, err := queryDocument(ctx, s.pool, &reg,
		`SELECT document FROM registrations WHERE repo_key = $1`,
		model.RegistrationKey(repoURL, branch))
	return reg, found, err
}

// ListRegistrations returns every registration ordered by key.
func (s *PostgresStore) ListRegistrations(ctx context.Context) ([]model.RepositoryRegistration, error) {
	return queryDocuments[model.RepositoryRegistration](ctx, s.pool,
		`SELECT document FROM registrations ORDER BY repo_key`)
}

// SaveRegistration creates or replaces a registration, keeping its ID.
func (s *PostgresStore) SaveRegistration(ctx context.Context, reg model.RepositoryRegistration) (model.RepositoryRegistration, error) {
	if err := validateRegistration(reg); err != nil {
		return model.RepositoryRegistration{}, err
	}

	ctx, span := startPostgresSpan(ctx, "store.postgres.save_registration", attribute.String("repo.url", reg.URL))
	defer telemetry.EndSpan(span)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		telemetry.FailSpan(span, err)
		return model.RepositoryRegistration{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var existingID string
	err = tx.QueryRow(ctx, `SELECT id::text FROM registrations WHERE repo_key = $1 FOR UPDATE`, reg.Key()).Scan(&existingID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		telemetry.FailSpan(span, err)
		return model.RepositoryRegistration{}, fmt.Errorf("load registration: %w", err)
	}
	if existingID != "" {
		reg.ID = existingID
	}
	reg = prepareRegistration(reg)

	document, err := json.Marshal(reg)
	if err != nil {
		return model.RepositoryRegistration{}, fmt.Errorf("encode registration: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO registrations (id, repo_key, url, branch, private, last_synced, document)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (repo_key) DO UPDATE SET
			url = EXCLUDED.url,
			private = EXCLUDED.private,
			last_synced = EXCLUDED.last_synced,
			document = EXCLUDED.document`,
		reg.ID, reg.Key(), reg.URL, reg.Branch, reg.Private, nullableTime(reg.LastSynced), document)
	if err != nil {
		telemetry.FailSpan(span, err)
		return model.RepositoryRegistration{}, fmt.Errorf("save registration: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		telemetry.FailSpan(span, err)
		return model.RepositoryRegistration{}, fmt.Errorf("commit registration: %w", err)
	}
	return reg, nil
}

// FindCommit returns the commit with the given natural key.
func (s *PostgresStore) FindCommit(ctx context.Context, repoURL, branch, revision string) (model.Commit, bool, error) {
	var commit model.Commit
	found, err := queryDocument(ctx, s.pool, &commit,
		`SELECT document FROM commits WHERE repo_key = $1 AND revision = $2`,
		model.RegistrationKey(repoURL, branch), revision)
	return commit, found, err
}

// UpsertCommit merges commit by natural key inside a row-locking transaction.
func (s *PostgresStore) UpsertCommit(ctx context.Context, commit model.Commit) (model.Commit, bool, error) {
	if err := validateCommit(commit); err != nil {
		return model.Commit{}, false, err
	}

	ctx, span := startPostgresSpan(ctx, "store.postgres.upsert_commit", attribute.String("commit.revision", commit.Revision))
	defer telemetry.EndSpan(span)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		telemetry.FailSpan(span, err)
		return model.Commit{}, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	repoKey := model.RegistrationKey(commit.RepoURL, commit.Branch)
	var existing model.Commit
	found, err := queryDocument(ctx, tx, &existing,
		`SELECT document FROM commits WHERE repo_key = $1 AND revision = $2 FOR UPDATE`,
		repoKey, commit.Revision)
	if err != nil {
		telemetry.FailSpan(span, err)
		return model.Commit{}, false, err
	}
	stored := prepareCommit(existing, found, commit)

	document, err := json.Marshal(stored)
	if err != nil {
		return model.Commit{}, false, fmt.Errorf("encode commit: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO commits (id, repo_key, revision, pull_number, authored_at, document)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (repo_key, revision) DO UPDATE SET
			pull_number = EXCLUDED.pull_number,
			authored_at = EXCLUDED.authored_at,
			document = EXCLUDED.document`,
		stored.ID, repoKey, stored.Revision, stored.PullNumber, stored.Timestamp.UTC(), document)
	if err != nil {
		telemetry.FailSpan(span, err)
		return model.Commit{}, false, fmt.Errorf("upsert commit: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		telemetry.FailSpan(span, err)
		return model.Commit{}, false, fmt.Errorf("commit upsert: %w", err)
	}
	return stored, !found, nil
}

// FindOrphanCommits returns unlinked commits at or after since, oldest first.
func (s *PostgresStore) FindOrphanCommits(ctx context.Context, repoURL, branch string, since time.Time) ([]model.Commit, error) {
	return queryDocuments[model.Commit](ctx, s.pool, `
		SELECT document FROM commits
		WHERE repo_key = $1 AND pull_number = 0 AND authored_at >= $2
		ORDER BY authored_at, revision`,
		model.RegistrationKey(repoURL, branch), since.UTC())
}

// ListCommits returns every commit of a branch, oldest first.
func (s *PostgresStore) ListCommits(ctx context.Context, repoURL, branch string) ([]model.Commit, error) {
	return queryDocuments[model.Commit](ctx, s.pool,
		`SELECT document FROM commits WHERE repo_key = $1 ORDER BY authored_at, revision`,
		model.RegistrationKey(repoURL, branch))
}

// FindRequest returns the pull request or issue with the given natural key.
func (s *PostgresStore) FindRequest(ctx context.Context, repoURL, branch string, number int, requestType model.RequestType) (model.Request, bool, error) {
	var request model.Request
	found, err := queryDocument(ctx, s.pool, &request,
		`SELECT document FROM requests WHERE repo_key = $1 AND request_type = $2 AND number = $3`,
		model.RegistrationKey(repoURL, branch), string(requestType), number)
	return request, found, err
}

// UpsertRequest merges request by natural key inside a row-locking transaction.
func (s *PostgresStore) UpsertRequest(ctx context.Context, request model.Request) (model.Request, bool, error) {
	if err := validateRequest(request); err != nil {
		return model.Request{}, false, err
	}

	ctx, span := startPostgresSpan(ctx, "store.postgres.upsert_request", attribute.Int("request.number", request.Number))
	defer telemetry.EndSpan(span)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		telemetry.FailSpan(span, err)
		return model.Request{}, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	repoKey := model.RegistrationKey(request.RepoURL, request.Branch)
	var existing model.Request
	found, err := queryDocument(ctx, tx, &existing,
		`SELECT document FROM requests WHERE repo_key = $1 AND request_type = $2 AND number = $3 FOR UPDATE`,
		repoKey, string(request.Type), request.Number)
	if err != nil {
		telemetry.FailSpan(span, err)
		return model.Request{}, false, err
	}
	stored := prepareRequest(existing, found, request)

	document, err := json.Marshal(stored)
	if err != nil {
		return model.Request{}, false, fmt.Errorf("encode request: %w", err)
	}
	var mergedAt *time.Time
	if stored.Type == model.RequestTypePull && stored.IsMerged() {
		mergedAt = nullableTime(stored.MergedAt)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO requests (id, repo_key, request_type, number, merged_at, document)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (repo_key, request_type, number) DO UPDATE SET
			merged_at = EXCLUDED.merged_at,
			document = EXCLUDED.document`,
		stored.ID, repoKey, string(stored.Type), stored.Number, mergedAt, document)
	if err != nil {
		telemetry.FailSpan(span, err)
		return model.Request{}, false, fmt.Errorf("upsert request: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		telemetry.FailSpan(span, err)
		return model.Request{}, false, fmt.Errorf("commit upsert: %w", err)
	}
	return stored, !found, nil
}

// FindMergedPullsSince returns pull requests merged at or after since.
func (s *PostgresStore) FindMergedPullsSince(ctx context.Context, repoURL, branch string, since time.Time) ([]model.Request, error) {
	return queryDocuments[model.Request](ctx, s.pool, `
		SELECT document FROM requests
		WHERE repo_key = $1 AND request_type = $2 AND merged_at >= $3
		ORDER BY number`,
		model.RegistrationKey(repoURL, branch), string(model.RequestTypePull), since.UTC())
}

// ListRequests returns every pull request and issue of a branch.
func (s *PostgresStore) ListRequests(ctx context.Context, repoURL, branch string) ([]model.Request, error) {
	return queryDocuments[model.Request](ctx, s.pool,
		`SELECT document FROM requests WHERE repo_key = $1 ORDER BY request_type, number`,
		model.RegistrationKey(repoURL, branch))
}

// Acquire takes a TTL lock row. An expired row is taken over.
func (s *PostgresStore) Acquire(key string, ttl time.Duration, now time.Time) bool {
	if s == nil || s.pool == nil {
		return false
	}
	if ttl <= 0 {
		return true
	}

	var acquired string
	err := s.pool.QueryRow(context.Background(), `
		INSERT INTO dedup_locks (lock_key, expires_at) VALUES ($1, $2)
		ON CONFLICT (lock_key) DO UPDATE SET expires_at = EXCLUDED.expires_at
		WHERE dedup_locks.expires_at <= $3
		RETURNING lock_key`,
		key, now.Add(ttl).UTC(), now.UTC()).Scan(&acquired)
	return err == nil && acquired == key
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryDocument(ctx context.Context, q rowQuerier, out any, sql string, args ...any) (bool, error) {
	var document []byte
	err := q.QueryRow(ctx, sql, args...).Scan(&document)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query document: %w", err)
	}
	if err := json.Unmarshal(document, out); err != nil {
		return false, fmt.Errorf("decode document: %w", err)
	}
	return true, nil
}

func queryDocuments[T any](ctx context.Context, q rowQuerier, sql string, args ...any) ([]T, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	result := make([]T, 0)
	for rows.Next() {
		var document []byte
		if err := rows.Scan(&document); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		var item T
		if err := json.Unmarshal(document, &item); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return result, nil
}

func nullableTime(ts time.Time) *time.Time {
	if ts.IsZero() {
		return nil
	}
	utc := ts.UTC()
	return &utc
}

func startPostgresSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("db.system", "postgresql"))
	return telemetry.StartDependencySpan(ctx, "store", name, attrs...)
}
