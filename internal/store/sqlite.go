package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/sells-group/treasury-cli/internal/model"
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
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Quantity columns are TEXT holding decimal strings; they are parsed with
// shopspring/decimal on scan so no float arithmetic ever touches them.
const sqliteMigration = `
CREATE TABLE IF NOT EXISTS companies (
	ticker       TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	asset        TEXT NOT NULL,
	registry_id  TEXT NOT NULL DEFAULT '',
	active       INTEGER NOT NULL DEFAULT 1,
	last_checked DATETIME,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS source_documents (
	id           TEXT PRIMARY KEY,
	ticker       TEXT NOT NULL REFERENCES companies(ticker),
	source_type  TEXT NOT NULL,
	origin_url   TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	external_ref TEXT NOT NULL DEFAULT '',
	fetched_at   DATETIME NOT NULL,
	UNIQUE (content_hash, external_ref)
);

CREATE TABLE IF NOT EXISTS extracted_facts (
	id                 TEXT PRIMARY KEY,
	ticker             TEXT NOT NULL,
	field              TEXT NOT NULL,
	value              TEXT NOT NULL,
	unit               TEXT NOT NULL DEFAULT '',
	extraction_method  TEXT NOT NULL,
	confidence         REAL NOT NULL,
	quote_or_anchor    TEXT NOT NULL DEFAULT '',
	period_end_date    DATETIME NOT NULL,
	source_document_id TEXT NOT NULL REFERENCES source_documents(id)
);

CREATE TABLE IF NOT EXISTS field_baselines (
	id             TEXT PRIMARY KEY,
	ticker         TEXT NOT NULL,
	field          TEXT NOT NULL,
	value          TEXT NOT NULL,
	as_of_date     DATETIME NOT NULL,
	established_by TEXT NOT NULL,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	superseded_at  DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_baselines_open
	ON field_baselines(ticker, field) WHERE superseded_at IS NULL;

CREATE TABLE IF NOT EXISTS field_events (
	seq                INTEGER PRIMARY KEY AUTOINCREMENT,
	id                 TEXT NOT NULL UNIQUE,
	ticker             TEXT NOT NULL,
	field              TEXT NOT NULL,
	value              TEXT NOT NULL,
	effective_date     DATETIME NOT NULL,
	source_document_id TEXT NOT NULL DEFAULT '',
	confidence         REAL NOT NULL DEFAULT 1,
	created_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_events_pair ON field_events(ticker, field, effective_date);

CREATE TABLE IF NOT EXISTS pending_updates (
	id                  TEXT PRIMARY KEY,
	ticker              TEXT NOT NULL,
	field               TEXT NOT NULL,
	detected_value      TEXT NOT NULL,
	previous_value      TEXT,
	confidence_score    REAL NOT NULL,
	trust_level         TEXT NOT NULL,
	source_type         TEXT NOT NULL,
	source_document_id  TEXT NOT NULL DEFAULT '',
	quote_or_anchor     TEXT NOT NULL DEFAULT '',
	effective_date      DATETIME NOT NULL,
	status              TEXT NOT NULL DEFAULT 'pending',
	auto_approved       INTEGER NOT NULL DEFAULT 0,
	auto_approve_reason TEXT NOT NULL DEFAULT '',
	reviewed_by         TEXT NOT NULL DEFAULT '',
	reviewed_at         DATETIME,
	resolution_notes    TEXT NOT NULL DEFAULT '',
	monitoring_run_id   TEXT NOT NULL DEFAULT '',
	created_at          DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_pending_status ON pending_updates(status);
CREATE INDEX IF NOT EXISTS idx_pending_pair ON pending_updates(ticker, field, status);

CREATE TABLE IF NOT EXISTS discrepancies (
	id                TEXT PRIMARY KEY,
	ticker            TEXT NOT NULL,
	field             TEXT NOT NULL,
	our_value         TEXT NOT NULL,
	source_values     TEXT NOT NULL,
	max_deviation_pct TEXT NOT NULL,
	severity          TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'pending',
	resolved_value    TEXT,
	resolution_notes  TEXT NOT NULL DEFAULT '',
	detected_at       DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_discrepancies_open
	ON discrepancies(ticker, field) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS monitoring_runs (
	id           TEXT PRIMARY KEY,
	run_type     TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	started_at   DATETIME NOT NULL,
	completed_at DATETIME,
	stats        TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON monitoring_runs(started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Companies ---

func (s *SQLiteStore) UpsertCompany(ctx context.Context, c model.Company) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO companies (ticker, name, asset, registry_id, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (ticker) DO UPDATE SET
			name = excluded.name,
			asset = excluded.asset,
			registry_id = excluded.registry_id,
			active = excluded.active`,
		c.Ticker, c.Name, c.Asset, c.RegistryID, boolToInt(c.Active), c.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: upsert company %s", c.Ticker)
}

func (s *SQLiteStore) GetCompany(ctx context.Context, ticker string) (*model.Company, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT ticker, name, asset, registry_id, active, last_checked, created_at
		 FROM companies WHERE ticker = ?`, ticker)

	var c model.Company
	var active int
	var lastChecked sql.NullTime
	err := row.Scan(&c.Ticker, &c.Name, &c.Asset, &c.RegistryID, &active, &lastChecked, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get company %s", ticker)
	}
	c.Active = active != 0
	if lastChecked.Valid {
		t := lastChecked.Time
		c.LastChecked = &t
	}
	return &c, nil
}

func (s *SQLiteStore) ListCompanies(ctx context.Context, activeOnly bool) ([]model.Company, error) {
	query := `SELECT ticker, name, asset, registry_id, active, last_checked, created_at FROM companies`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY ticker`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list companies")
	}
	defer rows.Close()

	var out []model.Company
	for rows.Next() {
		var c model.Company
		var active int
		var lastChecked sql.NullTime
		if err := rows.Scan(&c.Ticker, &c.Name, &c.Asset, &c.RegistryID, &active, &lastChecked, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan company")
		}
		c.Active = active != 0
		if lastChecked.Valid {
			t := lastChecked.Time
			c.LastChecked = &t
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list companies iterate")
}

func (s *SQLiteStore) TouchLastChecked(ctx context.Context, ticker string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE companies SET last_checked = ? WHERE ticker = ?`, at.UTC(), ticker)
	if err != nil {
		return eris.Wrapf(err, "sqlite: touch last_checked %s", ticker)
	}
	return checkRowsAffected(res, "company", ticker)
}

// --- Source documents ---

func (s *SQLiteStore) StoreDocument(ctx context.Context, doc model.SourceDocument) (string, bool, error) {
	id := doc.ID
	if id == "" {
		id = uuid.New().String()
	}
	if doc.FetchedAt.IsZero() {
		doc.FetchedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO source_documents (id, ticker, source_type, origin_url, content_hash, external_ref, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (content_hash, external_ref) DO NOTHING`,
		id, doc.Ticker, string(doc.SourceType), doc.OriginURL, doc.ContentHash, doc.ExternalRef, doc.FetchedAt,
	)
	if err != nil {
		return "", false, eris.Wrapf(err, "sqlite: store document %s", doc.ExternalRef)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, eris.Wrap(err, "sqlite: store document rows affected")
	}
	if n > 0 {
		return id, true, nil
	}

	// Already stored (possibly by a concurrent ingestion); return the existing row.
	var existing string
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM source_documents WHERE content_hash = ? AND external_ref = ?`,
		doc.ContentHash, doc.ExternalRef,
	).Scan(&existing)
	if err != nil {
		return "", false, eris.Wrapf(err, "sqlite: lookup existing document %s", doc.ExternalRef)
	}
	return existing, false, nil
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*model.SourceDocument, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, ticker, source_type, origin_url, content_hash, external_ref, fetched_at
		 FROM source_documents WHERE id = ?`, id)

	var d model.SourceDocument
	var st string
	err := row.Scan(&d.ID, &d.Ticker, &st, &d.OriginURL, &d.ContentHash, &d.ExternalRef, &d.FetchedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get document %s", id)
	}
	d.SourceType = model.SourceType(st)
	return &d, nil
}

// --- Extracted facts ---

func (s *SQLiteStore) InsertFact(ctx context.Context, f model.ExtractedFact) (*model.ExtractedFact, error) {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO extracted_facts (id, ticker, field, value, unit, extraction_method, confidence, quote_or_anchor, period_end_date, source_document_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Ticker, string(f.Field), f.Value.String(), f.Unit, string(f.ExtractionMethod),
		f.Confidence, f.QuoteOrAnchor, f.PeriodEndDate, f.SourceDocumentID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert fact %s/%s", f.Ticker, f.Field)
	}
	return &f, nil
}

func (s *SQLiteStore) ListFactsByDocument(ctx context.Context, docID string) ([]model.ExtractedFact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ticker, field, value, unit, extraction_method, confidence, quote_or_anchor, period_end_date, source_document_id
		 FROM extracted_facts WHERE source_document_id = ? ORDER BY field`, docID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list facts for document %s", docID)
	}
	defer rows.Close()

	var out []model.ExtractedFact
	for rows.Next() {
		var f model.ExtractedFact
		var field, method, value string
		if err := rows.Scan(&f.ID, &f.Ticker, &field, &value, &f.Unit, &method, &f.Confidence, &f.QuoteOrAnchor, &f.PeriodEndDate, &f.SourceDocumentID); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan fact")
		}
		f.Field = model.Field(field)
		f.ExtractionMethod = model.ExtractionMethod(method)
		if f.Value, err = decimal.NewFromString(value); err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse fact value %q", value)
		}
		out = append(out, f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list facts iterate")
}

// --- Field ledger ---

func (s *SQLiteStore) GetBaseline(ctx context.Context, ticker string, field model.Field) (*model.FieldBaseline, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, ticker, field, value, as_of_date, established_by, created_at, superseded_at
		 FROM field_baselines WHERE ticker = ? AND field = ? AND superseded_at IS NULL`,
		ticker, string(field))
	b, err := scanBaseline(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get baseline %s/%s", ticker, field)
	}
	return b, nil
}

func (s *SQLiteStore) PutBaseline(ctx context.Context, b model.FieldBaseline) (*model.FieldBaseline, error) {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin put baseline")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`UPDATE field_baselines SET superseded_at = ? WHERE ticker = ? AND field = ? AND superseded_at IS NULL`,
		b.CreatedAt, b.Ticker, string(b.Field),
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: supersede baseline %s/%s", b.Ticker, b.Field)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO field_baselines (id, ticker, field, value, as_of_date, established_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Ticker, string(b.Field), b.Value.String(), b.AsOfDate, string(b.EstablishedBy), b.CreatedAt,
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert baseline %s/%s", b.Ticker, b.Field)
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit put baseline")
	}
	return &b, nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev model.FieldEvent) (*model.FieldEvent, error) {
	ev2, err := appendEventExec(ctx, s.db, ev)
	if err != nil {
		return nil, err
	}
	return ev2, nil
}

// execer abstracts *sql.DB and *sql.Tx so event appends can run inside the
// approval transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func appendEventExec(ctx context.Context, ex execer, ev model.FieldEvent) (*model.FieldEvent, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	res, err := ex.ExecContext(ctx,
		`INSERT INTO field_events (id, ticker, field, value, effective_date, source_document_id, confidence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Ticker, string(ev.Field), ev.Value.String(), ev.EffectiveDate, ev.SourceDocumentID, ev.Confidence, ev.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: append event %s/%s", ev.Ticker, ev.Field)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: event seq")
	}
	ev.Seq = seq
	return &ev, nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, ticker string, field model.Field) ([]model.FieldEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, ticker, field, value, effective_date, source_document_id, confidence, created_at
		 FROM field_events WHERE ticker = ? AND field = ? ORDER BY effective_date, seq`,
		ticker, string(field))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list events %s/%s", ticker, field)
	}
	defer rows.Close()

	var out []model.FieldEvent
	for rows.Next() {
		var ev model.FieldEvent
		var f, value string
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.Ticker, &f, &value, &ev.EffectiveDate, &ev.SourceDocumentID, &ev.Confidence, &ev.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		ev.Field = model.Field(f)
		if ev.Value, err = decimal.NewFromString(value); err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse event value %q", value)
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list events iterate")
}

// --- Pending updates ---

func (s *SQLiteStore) InsertPendingUpdate(ctx context.Context, u model.PendingUpdate) (*model.PendingUpdate, error) {
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
	var reviewedAt any
	if u.ReviewedAt != nil {
		reviewedAt = *u.ReviewedAt
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_updates (id, ticker, field, detected_value, previous_value, confidence_score,
			trust_level, source_type, source_document_id, quote_or_anchor, effective_date, status,
			auto_approved, auto_approve_reason, reviewed_by, reviewed_at, resolution_notes, monitoring_run_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Ticker, string(u.Field), u.DetectedValue.String(), prev, u.ConfidenceScore,
		string(u.TrustLevel), string(u.SourceType), u.SourceDocumentID, u.QuoteOrAnchor, u.EffectiveDate, string(u.Status),
		boolToInt(u.AutoApproved), u.AutoApproveReason, u.ReviewedBy, reviewedAt, u.ResolutionNotes, u.MonitoringRunID, u.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert pending update %s/%s", u.Ticker, u.Field)
	}
	return &u, nil
}

const pendingUpdateCols = `id, ticker, field, detected_value, previous_value, confidence_score,
	trust_level, source_type, source_document_id, quote_or_anchor, effective_date, status,
	auto_approved, auto_approve_reason, reviewed_by, reviewed_at, resolution_notes, monitoring_run_id, created_at`

func (s *SQLiteStore) GetPendingUpdate(ctx context.Context, id string) (*model.PendingUpdate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pendingUpdateCols+` FROM pending_updates WHERE id = ?`, id)
	u, err := scanPendingUpdate(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get pending update %s", id)
	}
	return u, nil
}

func (s *SQLiteStore) ListPendingUpdates(ctx context.Context, filter UpdateFilter) ([]model.PendingUpdate, error) {
	query := `SELECT ` + pendingUpdateCols + ` FROM pending_updates WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Ticker != "" {
		query += ` AND ticker = ?`
		args = append(args, filter.Ticker)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pending updates")
	}
	defer rows.Close()

	var out []model.PendingUpdate
	for rows.Next() {
		u, err := scanPendingUpdate(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan pending update")
		}
		out = append(out, *u)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list pending updates iterate")
}

func (s *SQLiteStore) ResolvePendingUpdate(ctx context.Context, id string, status model.UpdateStatus, reviewedBy, notes string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_updates SET status = ?, reviewed_by = ?, reviewed_at = ?, resolution_notes = ?
		 WHERE id = ? AND status = 'pending'`,
		string(status), reviewedBy, at.UTC(), notes, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: resolve pending update %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: resolve rows affected")
	}
	if n == 0 {
		return s.pendingResolveFailure(ctx, id)
	}
	return nil
}

// pendingResolveFailure distinguishes "row missing" from "already terminal"
// after a guarded update matched nothing.
func (s *SQLiteStore) pendingResolveFailure(ctx context.Context, id string) error {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM pending_updates WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: check pending update %s", id)
	}
	return ErrAlreadyResolved
}

func (s *SQLiteStore) ApproveAndAppend(ctx context.Context, updateID, reviewedBy, notes string, at time.Time, ev model.FieldEvent) (*model.FieldEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin approval")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE pending_updates SET status = 'approved', reviewed_by = ?, reviewed_at = ?, resolution_notes = ?
		 WHERE id = ? AND status = 'pending'`,
		reviewedBy, at.UTC(), notes, updateID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: approve pending update %s", updateID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: approval rows affected")
	}
	if n == 0 {
		return nil, s.pendingResolveFailure(ctx, updateID)
	}

	appended, err := appendEventExec(ctx, tx, ev)
	if err != nil {
		return nil, err
	}

	// Older pendings for the same pair would otherwise stay approvable out of
	// order later; mark them superseded.
	if _, err := tx.ExecContext(ctx,
		`UPDATE pending_updates SET status = 'superseded', reviewed_by = 'system', reviewed_at = ?
		 WHERE ticker = ? AND field = ? AND status = 'pending' AND id != ?`,
		at.UTC(), ev.Ticker, string(ev.Field), updateID,
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: supersede pendings %s/%s", ev.Ticker, ev.Field)
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit approval")
	}
	return appended, nil
}

// --- Discrepancies ---

const discrepancyCols = `id, ticker, field, our_value, source_values, max_deviation_pct,
	severity, status, resolved_value, resolution_notes, detected_at, updated_at`

func (s *SQLiteStore) GetOpenDiscrepancy(ctx context.Context, ticker string, field model.Field) (*model.Discrepancy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+discrepancyCols+` FROM discrepancies
		 WHERE ticker = ? AND field = ? AND status = 'pending'`,
		ticker, string(field))
	d, err := scanDiscrepancy(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get open discrepancy %s/%s", ticker, field)
	}
	return d, nil
}

func (s *SQLiteStore) GetDiscrepancy(ctx context.Context, id string) (*model.Discrepancy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+discrepancyCols+` FROM discrepancies WHERE id = ?`, id)
	d, err := scanDiscrepancy(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get discrepancy %s", id)
	}
	return d, nil
}

func (s *SQLiteStore) UpsertDiscrepancy(ctx context.Context, d model.Discrepancy) (*model.Discrepancy, error) {
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
		return nil, eris.Wrap(err, "sqlite: marshal source values")
	}

	// The partial unique index on (ticker, field) WHERE status='pending'
	// turns this into an update of the open row across detector runs.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO discrepancies (`+discrepancyCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (ticker, field) WHERE status = 'pending' DO UPDATE SET
			our_value = excluded.our_value,
			source_values = excluded.source_values,
			max_deviation_pct = excluded.max_deviation_pct,
			severity = excluded.severity,
			updated_at = excluded.updated_at`,
		d.ID, d.Ticker, string(d.Field), d.OurValue.String(), string(sourcesJSON), d.MaxDeviationPct.String(),
		string(d.Severity), string(d.Status), nil, d.ResolutionNotes, d.DetectedAt, d.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert discrepancy %s/%s", d.Ticker, d.Field)
	}

	return s.GetOpenDiscrepancy(ctx, d.Ticker, d.Field)
}

func (s *SQLiteStore) ListDiscrepancies(ctx context.Context, filter DiscrepancyFilter) ([]model.Discrepancy, error) {
	query := `SELECT ` + discrepancyCols + ` FROM discrepancies WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(filter.Severity))
	}
	if filter.SinceDays > 0 {
		query += ` AND detected_at >= ?`
		args = append(args, time.Now().UTC().AddDate(0, 0, -filter.SinceDays))
	}
	query += ` ORDER BY detected_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list discrepancies")
	}
	defer rows.Close()

	var out []model.Discrepancy
	for rows.Next() {
		d, err := scanDiscrepancy(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan discrepancy")
		}
		out = append(out, *d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list discrepancies iterate")
}

func (s *SQLiteStore) ResolveDiscrepancy(ctx context.Context, id string, status model.DiscrepancyStatus, resolvedValue *decimal.Decimal, notes string) error {
	var rv any
	if resolvedValue != nil {
		rv = resolvedValue.String()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE discrepancies SET status = ?, resolved_value = ?, resolution_notes = ?, updated_at = ?
		 WHERE id = ? AND status = 'pending'`,
		string(status), rv, notes, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: resolve discrepancy %s", id)
	}
	return checkRowsAffected(res, "discrepancy", id)
}

// --- Monitoring runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, runType model.RunType) (*model.MonitoringRun, error) {
	run := model.MonitoringRun{
		ID:        uuid.New().String(),
		RunType:   runType,
		Status:    model.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO monitoring_runs (id, run_type, status, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, string(run.RunType), string(run.Status), run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: create run")
	}
	return &run, nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, id string, status model.RunStatus, stats model.RunStats) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run stats")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE monitoring_runs SET status = ?, completed_at = ?, stats = ? WHERE id = ?`,
		string(status), time.Now().UTC(), string(statsJSON), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", id)
	}
	return checkRowsAffected(res, "run", id)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]model.MonitoringRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_type, status, started_at, completed_at, stats
		 FROM monitoring_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var out []model.MonitoringRun
	for rows.Next() {
		var r model.MonitoringRun
		var runType, status string
		var completed sql.NullTime
		var statsJSON sql.NullString
		if err := rows.Scan(&r.ID, &runType, &status, &r.StartedAt, &completed, &statsJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		r.RunType = model.RunType(runType)
		r.Status = model.RunStatus(status)
		if completed.Valid {
			t := completed.Time
			r.CompletedAt = &t
		}
		if statsJSON.Valid && statsJSON.String != "" {
			if err := json.Unmarshal([]byte(statsJSON.String), &r.Stats); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal run stats")
			}
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBaseline(row rowScanner) (*model.FieldBaseline, error) {
	var b model.FieldBaseline
	var field, value, estBy string
	var superseded sql.NullTime
	err := row.Scan(&b.ID, &b.Ticker, &field, &value, &b.AsOfDate, &estBy, &b.CreatedAt, &superseded)
	if err != nil {
		return nil, err
	}
	b.Field = model.Field(field)
	b.EstablishedBy = model.EstablishedBy(estBy)
	if superseded.Valid {
		t := superseded.Time
		b.SupersededAt = &t
	}
	if b.Value, err = decimal.NewFromString(value); err != nil {
		return nil, eris.Wrapf(err, "store: parse baseline value %q", value)
	}
	return &b, nil
}

func scanPendingUpdate(row rowScanner) (*model.PendingUpdate, error) {
	var u model.PendingUpdate
	var field, trust, source, status, detected string
	var prev sql.NullString
	var autoApproved int
	var reviewedAt sql.NullTime
	err := row.Scan(&u.ID, &u.Ticker, &field, &detected, &prev, &u.ConfidenceScore,
		&trust, &source, &u.SourceDocumentID, &u.QuoteOrAnchor, &u.EffectiveDate, &status,
		&autoApproved, &u.AutoApproveReason, &u.ReviewedBy, &reviewedAt, &u.ResolutionNotes, &u.MonitoringRunID, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	u.Field = model.Field(field)
	u.TrustLevel = model.TrustLevel(trust)
	u.SourceType = model.SourceType(source)
	u.Status = model.UpdateStatus(status)
	u.AutoApproved = autoApproved != 0
	if reviewedAt.Valid {
		t := reviewedAt.Time
		u.ReviewedAt = &t
	}
	if u.DetectedValue, err = decimal.NewFromString(detected); err != nil {
		return nil, eris.Wrapf(err, "store: parse detected value %q", detected)
	}
	if prev.Valid {
		v, err := decimal.NewFromString(prev.String)
		if err != nil {
			return nil, eris.Wrapf(err, "store: parse previous value %q", prev.String)
		}
		u.PreviousValue = &v
	}
	return &u, nil
}

func scanDiscrepancy(row rowScanner) (*model.Discrepancy, error) {
	var d model.Discrepancy
	var field, ourValue, sourcesJSON, maxDev, severity, status string
	var resolved sql.NullString
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
	if err := json.Unmarshal([]byte(sourcesJSON), &d.SourceValues); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal source values")
	}
	if resolved.Valid {
		v, err := decimal.NewFromString(resolved.String)
		if err != nil {
			return nil, eris.Wrapf(err, "store: parse resolved value %q", resolved.String)
		}
		d.ResolvedValue = &v
	}
	return &d, nil
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "store: rows affected for %s %s", kind, id)
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", kind, id)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
