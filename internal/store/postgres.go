package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-enrichment/internal/db"
	"github.com/sells-group/lead-enrichment/internal/model"
	"github.com/sells-group/lead-enrichment/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists the hot-path queries prepared on each connection.
var preparedStatements = map[string]string{
	"get_job":              `SELECT doc FROM enrichment_jobs WHERE id = $1`,
	"get_cache_entry":      pgCacheSelect,
	"get_waterfall":        pgWaterfallSelect,
	"get_health":           pgHealthSelect + ` WHERE organization_id = $1 AND provider_id = $2`,
	"count_dlq":            `SELECT COUNT(*) FROM dead_letter_queue`,
	"delete_expired_cache": `DELETE FROM enrichment_cache WHERE expires_at <= $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute
	prepareStatements(pgxCfg)

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// prepareStatements registers the hot-path statements on each new connection.
func prepareStatements(cfg *pgxpool.Config) {
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS enrichment_jobs (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	contact_id      TEXT NOT NULL,
	status          TEXT NOT NULL,
	total_cost      DOUBLE PRECISION NOT NULL DEFAULT 0,
	doc             JSONB NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_jobs_org_status ON enrichment_jobs(organization_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON enrichment_jobs(created_at);

CREATE TABLE IF NOT EXISTS provider_health (
	organization_id      TEXT NOT NULL,
	provider_id          TEXT NOT NULL,
	success_count        BIGINT NOT NULL DEFAULT 0,
	failure_count        BIGINT NOT NULL DEFAULT 0,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	circuit_state        TEXT NOT NULL DEFAULT 'closed',
	last_failure_at      TIMESTAMPTZ,
	last_success_at      TIMESTAMPTZ,
	PRIMARY KEY (organization_id, provider_id)
);

CREATE TABLE IF NOT EXISTS enrichment_cache (
	organization_id TEXT NOT NULL,
	field           TEXT NOT NULL,
	identity_key    TEXT NOT NULL,
	value           JSONB NOT NULL,
	confidence      DOUBLE PRECISION NOT NULL,
	provider        TEXT NOT NULL,
	cached_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (organization_id, field, identity_key)
);

CREATE INDEX IF NOT EXISTS idx_cache_expires_at ON enrichment_cache(expires_at);

CREATE TABLE IF NOT EXISTS waterfall_configs (
	organization_id   TEXT NOT NULL,
	field             TEXT NOT NULL,
	provider_order    JSONB NOT NULL,
	max_attempts      INTEGER NOT NULL,
	timeout_ms        BIGINT NOT NULL,
	min_confidence    DOUBLE PRECISION NOT NULL,
	cache_ttl_days    INTEGER NOT NULL,
	max_cost_per_lead DOUBLE PRECISION,
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (organization_id, field)
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	job_id          TEXT NOT NULL,
	organization_id TEXT NOT NULL,
	contact_id      TEXT NOT NULL,
	error           TEXT NOT NULL,
	error_type      TEXT NOT NULL DEFAULT 'permanent',
	retry_count     INTEGER NOT NULL DEFAULT 0,
	max_retries     INTEGER NOT NULL DEFAULT 0,
	next_retry_at   TIMESTAMPTZ NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dlq_org ON dead_letter_queue(organization_id);
CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Jobs

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.EnrichmentJob) error {
	row, err := encodeJob(job)
	if err != nil {
		return eris.Wrap(err, "postgres")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO enrichment_jobs (id, organization_id, contact_id, status, total_cost, doc, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		row.id, row.orgID, row.contactID, string(row.status), row.totalCost, row.doc, job.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert job %s", row.id)
}

var jobColumns = []string{"id", "organization_id", "contact_id", "status", "total_cost", "doc", "created_at", "updated_at"}

// CreateJobs inserts a batch with the COPY protocol.
func (s *PostgresStore) CreateJobs(ctx context.Context, jobs []*model.EnrichmentJob) error {
	rows := make([][]any, 0, len(jobs))
	for _, job := range jobs {
		row, err := encodeJob(job)
		if err != nil {
			return eris.Wrap(err, "postgres")
		}
		created := job.CreatedAt.UTC()
		rows = append(rows, []any{row.id, row.orgID, row.contactID, string(row.status), row.totalCost, row.doc, created, created})
	}
	_, err := db.CopyFrom(ctx, s.pool, "enrichment_jobs", jobColumns, rows)
	return eris.Wrap(err, "postgres: create jobs")
}

func (s *PostgresStore) SaveJob(ctx context.Context, job *model.EnrichmentJob) error {
	row, err := encodeJob(job)
	if err != nil {
		return eris.Wrap(err, "postgres")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE enrichment_jobs SET status = $1, total_cost = $2, doc = $3, updated_at = now()
		 WHERE id = $4 AND status <> ALL($5)`,
		string(row.status), row.totalCost, row.doc, row.id, terminalStatuses,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save job %s", row.id)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status string
	err = s.pool.QueryRow(ctx, `SELECT status FROM enrichment_jobs WHERE id = $1`, row.id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "postgres: job %s", row.id)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: check job %s", row.id)
	}
	return eris.Wrapf(ErrJobFinalized, "postgres: job %s is %s", row.id, status)
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.EnrichmentJob, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM enrichment_jobs WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: job %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", id)
	}
	job, err := decodeJob(doc)
	return job, eris.Wrap(err, "postgres")
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*model.EnrichmentJob, error) {
	query := `SELECT doc FROM enrichment_jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.OrganizationID != "" {
		query += fmt.Sprintf(` AND organization_id = $%d`, argIdx)
		args = append(args, filter.OrganizationID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []*model.EnrichmentJob
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		job, err := decodeJob(doc)
		if err != nil {
			return nil, eris.Wrap(err, "postgres")
		}
		jobs = append(jobs, job)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) JobStats(ctx context.Context, since time.Time) (*JobStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*), COALESCE(SUM(total_cost), 0) FROM enrichment_jobs
		 WHERE created_at >= $1 GROUP BY status`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: job stats")
	}
	defer rows.Close()
	stats, err := scanJobStats(rows)
	return stats, eris.Wrap(err, "postgres")
}

// Provider health

const pgHealthSelect = `SELECT organization_id, provider_id, success_count, failure_count, consecutive_failures,
	circuit_state, last_failure_at, last_success_at FROM provider_health`

func (s *PostgresStore) UpdateHealth(ctx context.Context, orgID, providerID string, fn func(h *model.ProviderHealth) error) (*model.ProviderHealth, error) {
	var out *model.ProviderHealth
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO provider_health (organization_id, provider_id, circuit_state) VALUES ($1, $2, $3)
			 ON CONFLICT (organization_id, provider_id) DO NOTHING`,
			orgID, providerID, string(model.CircuitClosed),
		); err != nil {
			return eris.Wrap(err, "postgres: seed health")
		}

		h, err := scanPgHealth(tx.QueryRow(ctx,
			pgHealthSelect+` WHERE organization_id = $1 AND provider_id = $2 FOR UPDATE`, orgID, providerID))
		if err != nil {
			return eris.Wrap(err, "postgres: lock health")
		}
		if err := fn(h); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`UPDATE provider_health SET success_count = $1, failure_count = $2, consecutive_failures = $3,
			   circuit_state = $4, last_failure_at = $5, last_success_at = $6
			 WHERE organization_id = $7 AND provider_id = $8`,
			h.SuccessCount, h.FailureCount, h.ConsecutiveFailures, string(h.CircuitState),
			h.LastFailureAt, h.LastSuccessAt, orgID, providerID,
		); err != nil {
			return eris.Wrap(err, "postgres: write health")
		}
		out = h
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) GetHealth(ctx context.Context, orgID, providerID string) (*model.ProviderHealth, error) {
	h, err := scanPgHealth(s.pool.QueryRow(ctx,
		pgHealthSelect+` WHERE organization_id = $1 AND provider_id = $2`, orgID, providerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return h, eris.Wrap(err, "postgres: get health")
}

func (s *PostgresStore) ListHealth(ctx context.Context, orgID string) ([]model.ProviderHealth, error) {
	query := pgHealthSelect
	var args []any
	if orgID != "" {
		query += ` WHERE organization_id = $1`
		args = append(args, orgID)
	}
	query += ` ORDER BY organization_id, provider_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list health")
	}
	defer rows.Close()

	var out []model.ProviderHealth
	for rows.Next() {
		h, err := scanPgHealth(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan health")
		}
		out = append(out, *h)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list health iterate")
}

func scanPgHealth(row scannable) (*model.ProviderHealth, error) {
	var h model.ProviderHealth
	var state string
	if err := row.Scan(&h.OrganizationID, &h.ProviderID, &h.SuccessCount, &h.FailureCount,
		&h.ConsecutiveFailures, &state, &h.LastFailureAt, &h.LastSuccessAt); err != nil {
		return nil, err
	}
	h.CircuitState = model.CircuitState(state)
	return &h, nil
}

// Cache

const pgCacheSelect = `SELECT organization_id, field, identity_key, value, confidence, provider, cached_at, expires_at
	FROM enrichment_cache
	WHERE organization_id = $1 AND field = $2 AND identity_key = $3 AND expires_at > $4`

func (s *PostgresStore) GetCacheEntry(ctx context.Context, orgID, field, identityKey string, now time.Time) (*model.CacheEntry, error) {
	var e model.CacheEntry
	var value []byte
	err := s.pool.QueryRow(ctx, pgCacheSelect, orgID, field, identityKey, now.UTC()).
		Scan(&e.OrganizationID, &e.Field, &e.IdentityKey, &value, &e.Confidence, &e.Provider, &e.CachedAt, &e.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get cache entry")
	}
	if err := json.Unmarshal(value, &e.Value); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal cache value")
	}
	return &e, nil
}

func (s *PostgresStore) PutCacheEntry(ctx context.Context, e model.CacheEntry) error {
	value, err := json.Marshal(e.Value)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal cache value")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO enrichment_cache (organization_id, field, identity_key, value, confidence, provider, cached_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (organization_id, field, identity_key) DO UPDATE SET
		   value = $4, confidence = $5, provider = $6, cached_at = $7, expires_at = $8`,
		e.OrganizationID, e.Field, e.IdentityKey, value, e.Confidence, e.Provider, e.CachedAt.UTC(), e.ExpiresAt.UTC(),
	)
	return eris.Wrap(err, "postgres: put cache entry")
}

func (s *PostgresStore) DeleteExpiredFields(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM enrichment_cache WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired cache")
	}
	return int(tag.RowsAffected()), nil
}

// Waterfall configs

const pgWaterfallSelect = `SELECT provider_order, max_attempts, timeout_ms, min_confidence, cache_ttl_days, max_cost_per_lead
	FROM waterfall_configs WHERE organization_id = $1 AND field = $2`

func (s *PostgresStore) GetWaterfallConfig(ctx context.Context, orgID, field string) (*model.WaterfallConfig, error) {
	c := model.WaterfallConfig{OrganizationID: orgID, Field: field}
	var order []byte
	err := s.pool.QueryRow(ctx, pgWaterfallSelect, orgID, field).
		Scan(&order, &c.MaxAttempts, &c.TimeoutMs, &c.MinConfidence, &c.CacheTTLDays, &c.MaxCostPerLead)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get waterfall config %s/%s", orgID, field)
	}
	if err := json.Unmarshal(order, &c.ProviderOrder); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal provider order")
	}
	return &c, nil
}

func (s *PostgresStore) PutWaterfallConfig(ctx context.Context, c model.WaterfallConfig) error {
	if err := c.Validate(); err != nil {
		return err
	}
	order, err := json.Marshal(c.ProviderOrder)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal provider order")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO waterfall_configs
		 (organization_id, field, provider_order, max_attempts, timeout_ms, min_confidence, cache_ttl_days, max_cost_per_lead, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		 ON CONFLICT (organization_id, field) DO UPDATE SET
		   provider_order = $3, max_attempts = $4, timeout_ms = $5, min_confidence = $6,
		   cache_ttl_days = $7, max_cost_per_lead = $8, updated_at = now()`,
		c.OrganizationID, c.Field, order, c.MaxAttempts, c.TimeoutMs, c.MinConfidence, c.CacheTTLDays, c.MaxCostPerLead,
	)
	return eris.Wrap(err, "postgres: put waterfall config")
}

func (s *PostgresStore) ListOrganizations(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT organization_id FROM waterfall_configs
		 UNION SELECT organization_id FROM provider_health
		 ORDER BY organization_id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list organizations")
	}
	defer rows.Close()

	var orgs []string
	for rows.Next() {
		var org string
		if err := rows.Scan(&org); err != nil {
			return nil, eris.Wrap(err, "postgres: scan organization")
		}
		orgs = append(orgs, org)
	}
	return orgs, eris.Wrap(rows.Err(), "postgres: list organizations iterate")
}

// Dead letter queue

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, e resilience.DLQEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue
		 (id, job_id, organization_id, contact_id, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		   error = $5, error_type = $6, retry_count = $7, next_retry_at = $9, last_failed_at = $11`,
		e.ID, e.JobID, e.OrganizationID, e.ContactID, e.Error, e.ErrorType,
		e.RetryCount, e.MaxRetries, e.NextRetryAt, e.CreatedAt, e.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, job_id, organization_id, contact_id, error, error_type, retry_count, max_retries,
	          next_retry_at, created_at, last_failed_at FROM dead_letter_queue WHERE true`
	args := []any{}
	argIdx := 1

	if filter.OrganizationID != "" {
		query += fmt.Sprintf(` AND organization_id = $%d`, argIdx)
		args = append(args, filter.OrganizationID)
		argIdx++
	}
	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` ORDER BY created_at ASC LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.ID, &e.JobID, &e.OrganizationID, &e.ContactID, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list dlq iterate")
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	if err != nil {
		return eris.Wrap(err, "postgres: remove dlq")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "dlq entry %s", id)
	}
	return nil
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}
