package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/lead-enrichment/internal/model"
	"github.com/sells-group/lead-enrichment/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Pragmas are per connection and SQLite has a single writer.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Timestamps that are compared in SQL are stored as unix nanoseconds.
const sqliteMigration = `
CREATE TABLE IF NOT EXISTS enrichment_jobs (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	contact_id      TEXT NOT NULL,
	status          TEXT NOT NULL,
	total_cost      REAL NOT NULL DEFAULT 0,
	doc             TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_org_status ON enrichment_jobs(organization_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON enrichment_jobs(created_at);

CREATE TABLE IF NOT EXISTS provider_health (
	organization_id      TEXT NOT NULL,
	provider_id          TEXT NOT NULL,
	success_count        INTEGER NOT NULL DEFAULT 0,
	failure_count        INTEGER NOT NULL DEFAULT 0,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	circuit_state        TEXT NOT NULL DEFAULT 'closed',
	last_failure_at      INTEGER,
	last_success_at      INTEGER,
	PRIMARY KEY (organization_id, provider_id)
);

CREATE TABLE IF NOT EXISTS enrichment_cache (
	organization_id TEXT NOT NULL,
	field           TEXT NOT NULL,
	identity_key    TEXT NOT NULL,
	value           TEXT NOT NULL,
	confidence      REAL NOT NULL,
	provider        TEXT NOT NULL,
	cached_at       INTEGER NOT NULL,
	expires_at      INTEGER NOT NULL,
	PRIMARY KEY (organization_id, field, identity_key)
);

CREATE INDEX IF NOT EXISTS idx_cache_expires_at ON enrichment_cache(expires_at);

CREATE TABLE IF NOT EXISTS waterfall_configs (
	organization_id   TEXT NOT NULL,
	field             TEXT NOT NULL,
	provider_order    TEXT NOT NULL,
	max_attempts      INTEGER NOT NULL,
	timeout_ms        INTEGER NOT NULL,
	min_confidence    REAL NOT NULL,
	cache_ttl_days    INTEGER NOT NULL,
	max_cost_per_lead REAL,
	PRIMARY KEY (organization_id, field)
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id              TEXT PRIMARY KEY,
	job_id          TEXT NOT NULL,
	organization_id TEXT NOT NULL,
	contact_id      TEXT NOT NULL,
	error           TEXT NOT NULL,
	error_type      TEXT NOT NULL DEFAULT 'permanent',
	retry_count     INTEGER NOT NULL DEFAULT 0,
	max_retries     INTEGER NOT NULL DEFAULT 0,
	next_retry_at   INTEGER NOT NULL,
	created_at      INTEGER NOT NULL,
	last_failed_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dlq_org ON dead_letter_queue(organization_id);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Jobs

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.EnrichmentJob) error {
	return s.CreateJobs(ctx, []*model.EnrichmentJob{job})
}

func (s *SQLiteStore) CreateJobs(ctx context.Context, jobs []*model.EnrichmentJob) error {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin create jobs")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC().UnixNano()
	for _, job := range jobs {
		row, err := encodeJob(job)
		if err != nil {
			return eris.Wrap(err, "sqlite")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO enrichment_jobs (id, organization_id, contact_id, status, total_cost, doc, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			row.id, row.orgID, row.contactID, string(row.status), row.totalCost, string(row.doc),
			job.CreatedAt.UTC().UnixNano(), now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert job %s", row.id)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit create jobs")
}

func (s *SQLiteStore) SaveJob(ctx context.Context, job *model.EnrichmentJob) error {
	row, err := encodeJob(job)
	if err != nil {
		return eris.Wrap(err, "sqlite")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE enrichment_jobs SET status = ?, total_cost = ?, doc = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?, ?)`,
		string(row.status), row.totalCost, string(row.doc), time.Now().UTC().UnixNano(),
		row.id, terminalStatuses[0], terminalStatuses[1], terminalStatuses[2],
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save job %s", row.id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM enrichment_jobs WHERE id = ?`, row.id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "sqlite: job %s", row.id)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: check job %s", row.id)
	}
	return eris.Wrapf(ErrJobFinalized, "sqlite: job %s is %s", row.id, status)
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.EnrichmentJob, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM enrichment_jobs WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: job %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", id)
	}
	job, err := decodeJob([]byte(doc))
	return job, eris.Wrap(err, "sqlite")
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]*model.EnrichmentJob, error) {
	query := `SELECT doc FROM enrichment_jobs WHERE 1=1`
	var args []any

	if filter.OrganizationID != "" {
		query += ` AND organization_id = ?`
		args = append(args, filter.OrganizationID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close() //nolint:errcheck

	var jobs []*model.EnrichmentJob
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		job, err := decodeJob([]byte(doc))
		if err != nil {
			return nil, eris.Wrap(err, "sqlite")
		}
		jobs = append(jobs, job)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) JobStats(ctx context.Context, since time.Time) (*JobStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*), COALESCE(SUM(total_cost), 0) FROM enrichment_jobs
		 WHERE created_at >= ? GROUP BY status`,
		since.UTC().UnixNano(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: job stats")
	}
	defer rows.Close() //nolint:errcheck
	return scanJobStats(rows)
}

// Provider health

func (s *SQLiteStore) UpdateHealth(ctx context.Context, orgID, providerID string, fn func(h *model.ProviderHealth) error) (*model.ProviderHealth, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin update health")
	}
	defer tx.Rollback() //nolint:errcheck

	// The insert takes the write lock before the read, so concurrent updaters
	// queue on busy_timeout instead of racing the read.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO provider_health (organization_id, provider_id, circuit_state) VALUES (?, ?, ?)`,
		orgID, providerID, string(model.CircuitClosed),
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: seed health")
	}

	h, err := scanHealth(tx.QueryRowContext(ctx, sqliteHealthSelect+` WHERE organization_id = ? AND provider_id = ?`, orgID, providerID))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load health")
	}
	if err := fn(h); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE provider_health SET success_count = ?, failure_count = ?, consecutive_failures = ?,
		   circuit_state = ?, last_failure_at = ?, last_success_at = ?
		 WHERE organization_id = ? AND provider_id = ?`,
		h.SuccessCount, h.FailureCount, h.ConsecutiveFailures, string(h.CircuitState),
		nanosPtr(h.LastFailureAt), nanosPtr(h.LastSuccessAt), orgID, providerID,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: write health")
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit health")
	}
	return h, nil
}

const sqliteHealthSelect = `SELECT organization_id, provider_id, success_count, failure_count, consecutive_failures,
	circuit_state, last_failure_at, last_success_at FROM provider_health`

func (s *SQLiteStore) GetHealth(ctx context.Context, orgID, providerID string) (*model.ProviderHealth, error) {
	h, err := scanHealth(s.db.QueryRowContext(ctx,
		sqliteHealthSelect+` WHERE organization_id = ? AND provider_id = ?`, orgID, providerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return h, eris.Wrap(err, "sqlite: get health")
}

func (s *SQLiteStore) ListHealth(ctx context.Context, orgID string) ([]model.ProviderHealth, error) {
	query := sqliteHealthSelect
	var args []any
	if orgID != "" {
		query += ` WHERE organization_id = ?`
		args = append(args, orgID)
	}
	query += ` ORDER BY organization_id, provider_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list health")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ProviderHealth
	for rows.Next() {
		h, err := scanHealth(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan health")
		}
		out = append(out, *h)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list health iterate")
}

// Cache

func (s *SQLiteStore) GetCacheEntry(ctx context.Context, orgID, field, identityKey string, now time.Time) (*model.CacheEntry, error) {
	var e model.CacheEntry
	var value string
	var cachedAt, expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT organization_id, field, identity_key, value, confidence, provider, cached_at, expires_at
		 FROM enrichment_cache
		 WHERE organization_id = ? AND field = ? AND identity_key = ? AND expires_at > ?`,
		orgID, field, identityKey, now.UTC().UnixNano(),
	).Scan(&e.OrganizationID, &e.Field, &e.IdentityKey, &value, &e.Confidence, &e.Provider, &cachedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get cache entry")
	}
	if err := json.Unmarshal([]byte(value), &e.Value); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal cache value")
	}
	e.CachedAt = time.Unix(0, cachedAt).UTC()
	e.ExpiresAt = time.Unix(0, expiresAt).UTC()
	return &e, nil
}

func (s *SQLiteStore) PutCacheEntry(ctx context.Context, e model.CacheEntry) error {
	value, err := json.Marshal(e.Value)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal cache value")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO enrichment_cache (organization_id, field, identity_key, value, confidence, provider, cached_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (organization_id, field, identity_key) DO UPDATE SET
		   value = excluded.value, confidence = excluded.confidence, provider = excluded.provider,
		   cached_at = excluded.cached_at, expires_at = excluded.expires_at`,
		e.OrganizationID, e.Field, e.IdentityKey, string(value), e.Confidence, e.Provider,
		e.CachedAt.UTC().UnixNano(), e.ExpiresAt.UTC().UnixNano(),
	)
	return eris.Wrap(err, "sqlite: put cache entry")
}

func (s *SQLiteStore) DeleteExpiredFields(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM enrichment_cache WHERE expires_at <= ?`, now.UTC().UnixNano())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired cache")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// Waterfall configs

func (s *SQLiteStore) GetWaterfallConfig(ctx context.Context, orgID, field string) (*model.WaterfallConfig, error) {
	c := model.WaterfallConfig{OrganizationID: orgID, Field: field}
	var order string
	var maxCost sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT provider_order, max_attempts, timeout_ms, min_confidence, cache_ttl_days, max_cost_per_lead
		 FROM waterfall_configs WHERE organization_id = ? AND field = ?`,
		orgID, field,
	).Scan(&order, &c.MaxAttempts, &c.TimeoutMs, &c.MinConfidence, &c.CacheTTLDays, &maxCost)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get waterfall config %s/%s", orgID, field)
	}
	if err := json.Unmarshal([]byte(order), &c.ProviderOrder); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal provider order")
	}
	if maxCost.Valid {
		c.MaxCostPerLead = &maxCost.Float64
	}
	return &c, nil
}

func (s *SQLiteStore) PutWaterfallConfig(ctx context.Context, c model.WaterfallConfig) error {
	if err := c.Validate(); err != nil {
		return err
	}
	order, err := json.Marshal(c.ProviderOrder)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal provider order")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO waterfall_configs
		 (organization_id, field, provider_order, max_attempts, timeout_ms, min_confidence, cache_ttl_days, max_cost_per_lead)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (organization_id, field) DO UPDATE SET
		   provider_order = excluded.provider_order, max_attempts = excluded.max_attempts,
		   timeout_ms = excluded.timeout_ms, min_confidence = excluded.min_confidence,
		   cache_ttl_days = excluded.cache_ttl_days, max_cost_per_lead = excluded.max_cost_per_lead`,
		c.OrganizationID, c.Field, string(order), c.MaxAttempts, c.TimeoutMs, c.MinConfidence,
		c.CacheTTLDays, c.MaxCostPerLead,
	)
	return eris.Wrap(err, "sqlite: put waterfall config")
}

func (s *SQLiteStore) ListOrganizations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT organization_id FROM waterfall_configs
		 UNION SELECT organization_id FROM provider_health
		 ORDER BY organization_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list organizations")
	}
	defer rows.Close() //nolint:errcheck

	var orgs []string
	for rows.Next() {
		var org string
		if err := rows.Scan(&org); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan organization")
		}
		orgs = append(orgs, org)
	}
	return orgs, eris.Wrap(rows.Err(), "sqlite: list organizations iterate")
}

// Dead letter queue

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, e resilience.DLQEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue
		 (id, job_id, organization_id, contact_id, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   error = excluded.error, error_type = excluded.error_type, retry_count = excluded.retry_count,
		   next_retry_at = excluded.next_retry_at, last_failed_at = excluded.last_failed_at`,
		e.ID, e.JobID, e.OrganizationID, e.ContactID, e.Error, e.ErrorType, e.RetryCount, e.MaxRetries,
		e.NextRetryAt.UTC().UnixNano(), e.CreatedAt.UTC().UnixNano(), e.LastFailedAt.UTC().UnixNano(),
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	var conds []string
	var args []any
	if filter.OrganizationID != "" {
		conds = append(conds, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	if filter.ErrorType != "" {
		conds = append(conds, "error_type = ?")
		args = append(args, filter.ErrorType)
	}
	query := `SELECT id, job_id, organization_id, contact_id, error, error_type, retry_count, max_retries,
	          next_retry_at, created_at, last_failed_at FROM dead_letter_queue`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dlq")
	}
	defer rows.Close() //nolint:errcheck

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var next, created, last int64
		if err := rows.Scan(&e.ID, &e.JobID, &e.OrganizationID, &e.ContactID, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &next, &created, &last); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		e.NextRetryAt = time.Unix(0, next).UTC()
		e.CreatedAt = time.Unix(0, created).UTC()
		e.LastFailedAt = time.Unix(0, last).UTC()
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list dlq iterate")
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	if err != nil {
		return eris.Wrap(err, "sqlite: remove dlq")
	}
	return checkRowsAffected(res, "dlq entry", id)
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count dlq")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanHealth(row scannable) (*model.ProviderHealth, error) {
	var h model.ProviderHealth
	var state string
	var lastFailure, lastSuccess *int64
	if err := row.Scan(&h.OrganizationID, &h.ProviderID, &h.SuccessCount, &h.FailureCount,
		&h.ConsecutiveFailures, &state, &lastFailure, &lastSuccess); err != nil {
		return nil, err
	}
	h.CircuitState = model.CircuitState(state)
	h.LastFailureAt = timeFromNanos(lastFailure)
	h.LastSuccessAt = timeFromNanos(lastSuccess)
	return &h, nil
}

func scanJobStats(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) (*JobStats, error) {
	var stats JobStats
	for rows.Next() {
		var status string
		var count int
		var cost float64
		if err := rows.Scan(&status, &count, &cost); err != nil {
			return nil, eris.Wrap(err, "scan job stats")
		}
		switch model.JobStatus(status) {
		case model.JobStatusPending:
			stats.Pending = count
		case model.JobStatusRunning:
			stats.Running = count
		case model.JobStatusCompleted:
			stats.Completed = count
		case model.JobStatusExhausted:
			stats.Exhausted = count
		case model.JobStatusFailed:
			stats.Failed = count
		}
		stats.TotalCost += cost
	}
	return &stats, eris.Wrap(rows.Err(), "job stats iterate")
}
