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
	"github.com/shopspring/decimal"

	"github.com/sells-group/treasury-cli/internal/db"
	"github.com/sells-group/treasury-cli/internal/model"
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

// NewPostgresWithPool wraps an existing pool. Tests use it with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: func() {}}
}

// Pool returns the underlying database pool for subsystems needing direct
// query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS companies (
	ticker       TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	asset        TEXT NOT NULL,
	registry_id  TEXT NOT NULL DEFAULT '',
	active       BOOLEAN NOT NULL DEFAULT true,
	last_checked TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS source_documents (
	id           TEXT PRIMARY KEY,
	ticker       TEXT NOT NULL REFERENCES companies(ticker),
	source_type  TEXT NOT NULL,
	origin_url   TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	external_ref TEXT NOT NULL DEFAULT '',
	fetched_at   TIMESTAMPTZ NOT NULL,
	UNIQUE (content_hash, external_ref)
);

CREATE TABLE IF NOT EXISTS extracted_facts (
	id                 TEXT PRIMARY KEY,
	ticker             TEXT NOT NULL,
	field              TEXT NOT NULL,
	value              NUMERIC NOT NULL,
	unit               TEXT NOT NULL DEFAULT '',
	extraction_method  TEXT NOT NULL,
	confidence         DOUBLE PRECISION NOT NULL,
	quote_or_anchor    TEXT NOT NULL DEFAULT '',
	period_end_date    TIMESTAMPTZ NOT NULL,
	source_document_id TEXT NOT NULL REFERENCES source_documents(id)
);

CREATE TABLE IF NOT EXISTS field_baselines (
	id             TEXT PRIMARY KEY,
	ticker         TEXT NOT NULL,
	field          TEXT NOT NULL,
	value          NUMERIC NOT NULL,
	as_of_date     TIMESTAMPTZ NOT NULL,
	established_by TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	superseded_at  TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_baselines_open
	ON field_baselines(ticker, field) WHERE superseded_at IS NULL;

CREATE TABLE IF NOT EXISTS field_events (
	seq                BIGSERIAL PRIMARY KEY,
	id                 TEXT NOT NULL UNIQUE,
	ticker             TEXT NOT NULL,
	field              TEXT NOT NULL,
	value              NUMERIC NOT NULL,
	effective_date     TIMESTAMPTZ NOT NULL,
	source_document_id TEXT NOT NULL DEFAULT '',
	confidence         DOUBLE PRECISION NOT NULL DEFAULT 1,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_events_pair ON field_events(ticker, field, effective_date);

CREATE TABLE IF NOT EXISTS pending_updates (
	id                  TEXT PRIMARY KEY,
	ticker              TEXT NOT NULL,
	field               TEXT NOT NULL,
	detected_value      NUMERIC NOT NULL,
	previous_value      NUMERIC,
	confidence_score    DOUBLE PRECISION NOT NULL,
	trust_level         TEXT NOT NULL,
	source_type         TEXT NOT NULL,
	source_document_id  TEXT NOT NULL DEFAULT '',
	quote_or_anchor     TEXT NOT NULL DEFAULT '',
	effective_date      TIMESTAMPTZ NOT NULL,
	status              TEXT NOT NULL DEFAULT 'pending',
	auto_approved       BOOLEAN NOT NULL DEFAULT false,
	auto_approve_reason TEXT NOT NULL DEFAULT '',
	reviewed_by         TEXT NOT NULL DEFAULT '',
	reviewed_at         TIMESTAMPTZ,
	resolution_notes    TEXT NOT NULL DEFAULT '',
	monitoring_run_id   TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_pending_status ON pending_updates(status);
CREATE INDEX IF NOT EXISTS idx_pending_pair ON pending_updates(ticker, field, status);

CREATE TABLE IF NOT EXISTS discrepancies (
	id                TEXT PRIMARY KEY,
	ticker            TEXT NOT NULL,
	field             TEXT NOT NULL,
	our_value         NUMERIC NOT NULL,
	source_values     JSONB NOT NULL,
	max_deviation_pct NUMERIC NOT NULL,
	severity          TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'pending',
	resolved_value    NUMERIC,
	resolution_notes  TEXT NOT NULL DEFAULT '',
	detected_at       TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_discrepancies_open
	ON discrepancies(ticker, field) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS monitoring_runs (
	id           TEXT PRIMARY KEY,
	run_type     TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	stats        JSONB
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON monitoring_runs(started_at);
`

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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// --- Companies ---

func (s *PostgresStore) UpsertCompany(ctx context.Context, c model.Company) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO companies (ticker, name, asset, registry_id, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (ticker) DO UPDATE SET
			name = EXCLUDED.name,
			asset = EXCLUDED.asset,
			registry_id = EXCLUDED.registry_id,
			active = EXCLUDED.active`,
		c.Ticker, c.Name, c.Asset, c.RegistryID, c.Active, c.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert company %s", c.Ticker)
}

func (s *PostgresStore) GetCompany(ctx context.Context, ticker string) (*model.Company, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT ticker, name, asset, registry_id, active, last_checked, created_at
		 FROM companies WHERE ticker = $1`, ticker)

	var c model.Company
	var lastChecked *time.Time
	err := row.Scan(&c.Ticker, &c.Name, &c.Asset, &c.RegistryID, &c.Active, &lastChecked, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get company %s", ticker)
	}
	c.LastChecked = lastChecked
	return &c, nil
}

func (s *PostgresStore) ListCompanies(ctx context.Context, activeOnly bool) ([]model.Company, error) {
	query := `SELECT ticker, name, asset, registry_id, active, last_checked, created_at FROM companies`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY ticker`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list companies")
	}
	defer rows.Close()

	var out []model.Company
	for rows.Next() {
		var c model.Company
		var lastChecked *time.Time
		if err := rows.Scan(&c.Ticker, &c.Name, &c.Asset, &c.RegistryID, &c.Active, &lastChecked, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan company")
		}
		c.LastChecked = lastChecked
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list companies iterate")
}

func (s *PostgresStore) TouchLastChecked(ctx context.Context, ticker string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE companies SET last_checked = $1 WHERE ticker = $2`, at.UTC(), ticker)
	if err != nil {
		return eris.Wrapf(err, "postgres: touch last_checked %s", ticker)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "company %s", ticker)
	}
	return nil
}

// --- Source documents ---

func (s *PostgresStore) StoreDocument(ctx context.Context, doc model.SourceDocument) (string, bool, error) {
	id := doc.ID
	if id == "" {
		id = uuid.New().String()
	}
	if doc.FetchedAt.IsZero() {
		doc.FetchedAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO source_documents (id, ticker, source_type, origin_url, content_hash, external_ref, fetched_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (content_hash, external_ref) DO NOTHING`,
		id, doc.Ticker, string(doc.SourceType), doc.OriginURL, doc.ContentHash, doc.ExternalRef, doc.FetchedAt,
	)
	if err != nil {
		return "", false, eris.Wrapf(err, "postgres: store document %s", doc.ExternalRef)
	}
	if tag.RowsAffected() > 0 {
		return id, true, nil
	}

	var existing string
	err = s.pool.QueryRow(ctx,
		`SELECT id FROM source_documents WHERE content_hash = $1 AND external_ref = $2`,
		doc.ContentHash, doc.ExternalRef,
	).Scan(&existing)
	if err != nil {
		return "", false, eris.Wrapf(err, "postgres: lookup existing document %s", doc.ExternalRef)
	}
	return existing, false, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (*model.SourceDocument, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, ticker, source_type, origin_url, content_hash, external_ref, fetched_at
		 FROM source_documents WHERE id = $1`, id)

	var d model.SourceDocument
	var st string
	err := row.Scan(&d.ID, &d.Ticker, &st, &d.OriginURL, &d.ContentHash, &d.ExternalRef, &d.FetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get document %s", id)
	}
	d.SourceType = model.SourceType(st)
	return &d, nil
}

// --- Extracted facts ---

func (s *PostgresStore) InsertFact(ctx context.Context, f model.ExtractedFact) (*model.ExtractedFact, error) {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO extracted_facts (id, ticker, field, value, unit, extraction_method, confidence, quote_or_anchor, period_end_date, source_document_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		f.ID, f.Ticker, string(f.Field), f.Value.String(), f.Unit, string(f.ExtractionMethod),
		f.Confidence, f.QuoteOrAnchor, f.PeriodEndDate, f.SourceDocumentID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert fact %s/%s", f.Ticker, f.Field)
	}
	return &f, nil
}

func (s *PostgresStore) ListFactsByDocument(ctx context.Context, docID string) ([]model.ExtractedFact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, ticker, field, value::text, unit, extraction_method, confidence, quote_or_anchor, period_end_date, source_document_id
		 FROM extracted_facts WHERE source_document_id = $1 ORDER BY field`, docID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list facts for document %s", docID)
	}
	defer rows.Close()

	var out []model.ExtractedFact
	for rows.Next() {
		var f model.ExtractedFact
		var field, method, value string
		if err := rows.Scan(&f.ID, &f.Ticker, &field, &value, &f.Unit, &method, &f.Confidence, &f.QuoteOrAnchor, &f.PeriodEndDate, &f.SourceDocumentID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan fact")
		}
		f.Field = model.Field(field)
		f.ExtractionMethod = model.ExtractionMethod(method)
		if f.Value, err = decimal.NewFromString(value); err != nil {
			return nil, eris.Wrapf(err, "postgres: parse fact value %q", value)
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list facts iterate")
}

// --- Field ledger ---

func (s *PostgresStore) GetBaseline(ctx context.Context, ticker string, field model.Field) (*model.FieldBaseline, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, ticker, field, value::text, as_of_date, established_by, created_at, superseded_at
		 FROM field_baselines WHERE ticker = $1 AND field = $2 AND superseded_at IS NULL`,
		ticker, string(field))
	b, err := scanBaseline(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get baseline %s/%s", ticker, field)
	}
	return b, nil
}

func (s *PostgresStore) PutBaseline(ctx context.Context, b model.FieldBaseline) (*model.FieldBaseline, error) {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin put baseline")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`UPDATE field_baselines SET superseded_at = $1 WHERE ticker = $2 AND field = $3 AND superseded_at IS NULL`,
		b.CreatedAt, b.Ticker, string(b.Field),
	); err != nil {
		return nil, eris.Wrapf(err, "postgres: supersede baseline %s/%s", b.Ticker, b.Field)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO field_baselines (id, ticker, field, value, as_of_date, established_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.ID, b.Ticker, string(b.Field), b.Value.String(), b.AsOfDate, string(b.EstablishedBy), b.CreatedAt,
	); err != nil {
		return nil, eris.Wrapf(err, "postgres: insert baseline %s/%s", b.Ticker, b.Field)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit put baseline")
	}
	return &b, nil
}

// pgxQuerier abstracts db.Pool and pgx.Tx so event appends can run inside
// the approval transaction.
type pgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func appendEventQuery(ctx context.Context, q pgxQuerier, ev model.FieldEvent) (*model.FieldEvent, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	err := q.QueryRow(ctx,
		`INSERT INTO field_events (id, ticker, field, value, effective_date, source_document_id, confidence, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING seq`,
		ev.ID, ev.Ticker, string(ev.Field), ev.Value.String(), ev.EffectiveDate, ev.SourceDocumentID, ev.Confidence, ev.CreatedAt,
	).Scan(&ev.Seq)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: append event %s/%s", ev.Ticker, ev.Field)
	}
	return &ev, nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev model.FieldEvent) (*model.FieldEvent, error) {
	return appendEventQuery(ctx, s.pool, ev)
}

func (s *PostgresStore) ListEvents(ctx context.Context, ticker string, field model.Field) ([]model.FieldEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, id, ticker, field, value::text, effective_date, source_document_id, confidence, created_at
		 FROM field_events WHERE ticker = $1 AND field = $2 ORDER BY effective_date, seq`,
		ticker, string(field))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list events %s/%s", ticker, field)
	}
	defer rows.Close()

	var out []model.FieldEvent
	for rows.Next() {
		var ev model.FieldEvent
		var f, value string
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.Ticker, &f, &value, &ev.EffectiveDate, &ev.SourceDocumentID, &ev.Confidence, &ev.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		ev.Field = model.Field(f)
		if ev.Value, err = decimal.NewFromString(value); err != nil {
			return nil, eris.Wrapf(err, "postgres: parse event value %q", value)
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list events iterate")
}

// --- Pending updates ---

func (s *PostgresStore) InsertPendingUpdate(ctx context.Context, u model.PendingUpdate) (*model.PendingUpdate, error) {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.Status == "" {
		u.Status = model.UpdatePending
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	var prev any
	if u.PreviousValue != nil {
		prev = u.PreviousValue.String()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO pending_updates (id, ticker, field, detected_value, previous_value, confidence_score,
			trust_level, source_type, source_document_id, quote_or_anchor, effective_date, status,
			auto_approved, auto_approve_reason, reviewed_by, reviewed_at, resolution_notes, monitoring_run_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		u.ID, u.Ticker, string(u.Field), u.DetectedValue.String(), prev, u.ConfidenceScore,
		string(u.TrustLevel), string(u.SourceType), u.SourceDocumentID, u.QuoteOrAnchor, u.EffectiveDate, string(u.Status),
		u.AutoApproved, u.AutoApproveReason, u.ReviewedBy, u.ReviewedAt, u.ResolutionNotes, u.MonitoringRunID, u.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert pending update %s/%s", u.Ticker, u.Field)
	}
	return &u, nil
}

const pgPendingUpdateCols = `id, ticker, field, detected_value::text, previous_value::text, confidence_score,
	trust_level, source_type, source_document_id, quote_or_anchor, effective_date, status,
	auto_approved, auto_approve_reason, reviewed_by, reviewed_at, resolution_notes, monitoring_run_id, created_at`

func (s *PostgresStore) GetPendingUpdate(ctx context.Context, id string) (*model.PendingUpdate, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgPendingUpdateCols+` FROM pending_updates WHERE id = $1`, id)
	u, err := scanPGPendingUpdate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get pending update %s", id)
	}
	return u, nil
}

func (s *PostgresStore) ListPendingUpdates(ctx context.Context, filter UpdateFilter) ([]model.PendingUpdate, error) {
	query := `SELECT ` + pgPendingUpdateCols + ` FROM pending_updates WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return placeholder(len(args))
	}
	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	if filter.Ticker != "" {
		query += ` AND ticker = ` + arg(filter.Ticker)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ` + arg(limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pending updates")
	}
	defer rows.Close()

	var out []model.PendingUpdate
	for rows.Next() {
		u, err := scanPGPendingUpdate(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan pending update")
		}
		out = append(out, *u)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list pending updates iterate")
}

func (s *PostgresStore) ResolvePendingUpdate(ctx context.Context, id string, status model.UpdateStatus, reviewedBy, notes string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pending_updates SET status = $1, reviewed_by = $2, reviewed_at = $3, resolution_notes = $4
		 WHERE id = $5 AND status = 'pending'`,
		string(status), reviewedBy, at.UTC(), notes, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: resolve pending update %s", id)
	}
	if tag.RowsAffected() == 0 {
		return s.pendingResolveFailure(ctx, id)
	}
	return nil
}

func (s *PostgresStore) pendingResolveFailure(ctx context.Context, id string) error {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM pending_updates WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: check pending update %s", id)
	}
	return ErrAlreadyResolved
}

func (s *PostgresStore) ApproveAndAppend(ctx context.Context, updateID, reviewedBy, notes string, at time.Time, ev model.FieldEvent) (*model.FieldEvent, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin approval")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE pending_updates SET status = 'approved', reviewed_by = $1, reviewed_at = $2, resolution_notes = $3
		 WHERE id = $4 AND status = 'pending'`,
		reviewedBy, at.UTC(), notes, updateID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: approve pending update %s", updateID)
	}
	if tag.RowsAffected() == 0 {
		return nil, s.pendingResolveFailure(ctx, updateID)
	}

	appended, err := appendEventQuery(ctx, tx, ev)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE pending_updates SET status = 'superseded', reviewed_by = 'system', reviewed_at = $1
		 WHERE ticker = $2 AND field = $3 AND status = 'pending' AND id != $4`,
		at.UTC(), ev.Ticker, string(ev.Field), updateID,
	); err != nil {
		return nil, eris.Wrapf(err, "postgres: supersede pendings %s/%s", ev.Ticker, ev.Field)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit approval")
	}
	return appended, nil
}

// --- Discrepancies ---

const pgDiscrepancyCols = `id, ticker, field, our_value::text, source_values, max_deviation_pct::text,
	severity, status, resolved_value::text, resolution_notes, detected_at, updated_at`

func (s *PostgresStore) GetOpenDiscrepancy(ctx context.Context, ticker string, field model.Field) (*model.Discrepancy, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgDiscrepancyCols+` FROM discrepancies
		 WHERE ticker = $1 AND field = $2 AND status = 'pending'`,
		ticker, string(field))
	d, err := scanPGDiscrepancy(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get open discrepancy %s/%s", ticker, field)
	}
	return d, nil
}

func (s *PostgresStore) GetDiscrepancy(ctx context.Context, id string) (*model.Discrepancy, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgDiscrepancyCols+` FROM discrepancies WHERE id = $1`, id)
	d, err := scanPGDiscrepancy(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get discrepancy %s", id)
	}
	return d, nil
}

func (s *PostgresStore) UpsertDiscrepancy(ctx context.Context, d model.Discrepancy) (*model.Discrepancy, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if d.DetectedAt.IsZero() {
		d.DetectedAt = now
	}
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = model.DiscrepancyPending
	}

	sourcesJSON, err := json.Marshal(d.SourceValues)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal source values")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO discrepancies (id, ticker, field, our_value, source_values, max_deviation_pct,
			severity, status, resolved_value, resolution_notes, detected_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (ticker, field) WHERE status = 'pending' DO UPDATE SET
			our_value = EXCLUDED.our_value,
			source_values = EXCLUDED.source_values,
			max_deviation_pct = EXCLUDED.max_deviation_pct,
			severity = EXCLUDED.severity,
			updated_at = EXCLUDED.updated_at`,
		d.ID, d.Ticker, string(d.Field), d.OurValue.String(), sourcesJSON, d.MaxDeviationPct.String(),
		string(d.Severity), string(d.Status), nil, d.ResolutionNotes, d.DetectedAt, d.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert discrepancy %s/%s", d.Ticker, d.Field)
	}

	return s.GetOpenDiscrepancy(ctx, d.Ticker, d.Field)
}

func (s *PostgresStore) ListDiscrepancies(ctx context.Context, filter DiscrepancyFilter) ([]model.Discrepancy, error) {
	query := `SELECT ` + pgDiscrepancyCols + ` FROM discrepancies WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return placeholder(len(args))
	}
	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	if filter.Severity != "" {
		query += ` AND severity = ` + arg(string(filter.Severity))
	}
	if filter.SinceDays > 0 {
		query += ` AND detected_at >= ` + arg(time.Now().UTC().AddDate(0, 0, -filter.SinceDays))
	}
	query += ` ORDER BY detected_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ` + arg(limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list discrepancies")
	}
	defer rows.Close()

	var out []model.Discrepancy
	for rows.Next() {
		d, err := scanPGDiscrepancy(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan discrepancy")
		}
		out = append(out, *d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list discrepancies iterate")
}

func (s *PostgresStore) ResolveDiscrepancy(ctx context.Context, id string, status model.DiscrepancyStatus, resolvedValue *decimal.Decimal, notes string) error {
	var rv any
	if resolvedValue != nil {
		rv = resolvedValue.String()
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE discrepancies SET status = $1, resolved_value = $2, resolution_notes = $3, updated_at = $4
		 WHERE id = $5 AND status = 'pending'`,
		string(status), rv, notes, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: resolve discrepancy %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "discrepancy %s", id)
	}
	return nil
}

// --- Monitoring runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, runType model.RunType) (*model.MonitoringRun, error) {
	run := model.MonitoringRun{
		ID:        uuid.New().String(),
		RunType:   runType,
		Status:    model.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO monitoring_runs (id, run_type, status, started_at) VALUES ($1, $2, $3, $4)`,
		run.ID, string(run.RunType), string(run.Status), run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create run")
	}
	return &run, nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, id string, status model.RunStatus, stats model.RunStats) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run stats")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE monitoring_runs SET status = $1, completed_at = $2, stats = $3 WHERE id = $4`,
		string(status), time.Now().UTC(), statsJSON, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", id)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]model.MonitoringRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_type, status, started_at, completed_at, stats
		 FROM monitoring_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var out []model.MonitoringRun
	for rows.Next() {
		var r model.MonitoringRun
		var runType, status string
		var completed *time.Time
		var statsJSON []byte
		if err := rows.Scan(&r.ID, &runType, &status, &r.StartedAt, &completed, &statsJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		r.RunType = model.RunType(runType)
		r.Status = model.RunStatus(status)
		r.CompletedAt = completed
		if len(statsJSON) > 0 {
			if err := json.Unmarshal(statsJSON, &r.Stats); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal run stats")
			}
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// --- scan helpers (pgx null handling differs from database/sql) ---

func scanPGPendingUpdate(row rowScanner) (*model.PendingUpdate, error) {
	var u model.PendingUpdate
	var field, trust, source, status, detected string
	var prev *string
	var reviewedAt *time.Time
	err := row.Scan(&u.ID, &u.Ticker, &field, &detected, &prev, &u.ConfidenceScore,
		&trust, &source, &u.SourceDocumentID, &u.QuoteOrAnchor, &u.EffectiveDate, &status,
		&u.AutoApproved, &u.AutoApproveReason, &u.ReviewedBy, &reviewedAt, &u.ResolutionNotes, &u.MonitoringRunID, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	u.Field = model.Field(field)
	u.TrustLevel = model.TrustLevel(trust)
	u.SourceType = model.SourceType(source)
	u.Status = model.UpdateStatus(status)
	u.ReviewedAt = reviewedAt
	if u.DetectedValue, err = decimal.NewFromString(detected); err != nil {
		return nil, eris.Wrapf(err, "store: parse detected value %q", detected)
	}
	if prev != nil {
		v, err := decimal.NewFromString(*prev)
		if err != nil {
			return nil, eris.Wrapf(err, "store: parse previous value %q", *prev)
		}
		u.PreviousValue = &v
	}
	return &u, nil
}

func scanPGDiscrepancy(row rowScanner) (*model.Discrepancy, error) {
	var d model.Discrepancy
	var field, ourValue, maxDev, severity, status string
	var sourcesJSON []byte
	var resolved *string
	err := row.Scan(&d.ID, &d.Ticker, &field, &ourValue, &sourcesJSON, &maxDev,
		&severity, &status, &resolved, &d.ResolutionNotes, &d.DetectedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Field = model.Field(field)
	d.Severity = model.DiscrepancySeverity(severity)
	d.Status = model.DiscrepancyStatus(status)
	if d.OurValue, err = decimal.NewFromString(ourValue); err != nil {
		return nil, eris.Wrapf(err, "store: parse our value %q", ourValue)
	}
	if d.MaxDeviationPct, err = decimal.NewFromString(maxDev); err != nil {
		return nil, eris.Wrapf(err, "store: parse deviation %q", maxDev)
	}
	if err := json.Unmarshal(sourcesJSON, &d.SourceValues); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal source values")
	}
	if resolved != nil {
		v, err := decimal.NewFromString(*resolved)
		if err != nil {
			return nil, eris.Wrapf(err, "store: parse resolved value %q", *resolved)
		}
		d.ResolvedValue = &v
	}
	return &d, nil
}

func placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}
