// Package store persists the verification engine's records: source documents,
// extracted facts, the field ledger, the review queue, discrepancies, and
// monitoring runs. Two backends implement Store: SQLite (default) and Postgres.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/treasury-cli/internal/model"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = eris.New("store: not found")

// ErrAlreadyResolved is returned when a state transition is attempted on a
// pending update that has already left the pending state.
var ErrAlreadyResolved = eris.New("store: pending update already resolved")

// UpdateFilter specifies criteria for listing pending updates.
type UpdateFilter struct {
	Status model.UpdateStatus `json:"status,omitempty"`
	Ticker string             `json:"ticker,omitempty"`
	Limit  int                `json:"limit,omitempty"`
}

// DiscrepancyFilter specifies criteria for listing discrepancies.
type DiscrepancyFilter struct {
	Status    model.DiscrepancyStatus   `json:"status,omitempty"`
	Severity  model.DiscrepancySeverity `json:"severity,omitempty"`
	SinceDays int                       `json:"since_days,omitempty"`
	Limit     int                       `json:"limit,omitempty"`
}

// Store defines the persistence interface for the verification engine.
type Store interface {
	// Companies
	UpsertCompany(ctx context.Context, c model.Company) error
	GetCompany(ctx context.Context, ticker string) (*model.Company, error)
	ListCompanies(ctx context.Context, activeOnly bool) ([]model.Company, error)
	TouchLastChecked(ctx context.Context, ticker string, at time.Time) error

	// Source documents. StoreDocument is idempotent on (content_hash,
	// external_ref): storing the same document twice returns the existing id
	// with isNew=false. The loser of a concurrent race is treated the same
	// way, never as an error. No update or delete is exposed.
	StoreDocument(ctx context.Context, doc model.SourceDocument) (id string, isNew bool, err error)
	GetDocument(ctx context.Context, id string) (*model.SourceDocument, error)

	// Extracted facts
	InsertFact(ctx context.Context, f model.ExtractedFact) (*model.ExtractedFact, error)
	ListFactsByDocument(ctx context.Context, docID string) ([]model.ExtractedFact, error)

	// Field ledger rows. PutBaseline supersedes any prior baseline for the
	// pair rather than deleting it. AppendEvent assigns the insertion
	// sequence used as the fold tie-break.
	GetBaseline(ctx context.Context, ticker string, field model.Field) (*model.FieldBaseline, error)
	PutBaseline(ctx context.Context, b model.FieldBaseline) (*model.FieldBaseline, error)
	AppendEvent(ctx context.Context, ev model.FieldEvent) (*model.FieldEvent, error)
	ListEvents(ctx context.Context, ticker string, field model.Field) ([]model.FieldEvent, error)

	// Review queue. ResolvePendingUpdate only transitions rows still in
	// pending; a terminal row yields ErrAlreadyResolved. ApproveAndAppend
	// performs the approval, the ledger event write, and the supersede of
	// older pendings for the same (ticker, field) in one transaction.
	InsertPendingUpdate(ctx context.Context, u model.PendingUpdate) (*model.PendingUpdate, error)
	GetPendingUpdate(ctx context.Context, id string) (*model.PendingUpdate, error)
	ListPendingUpdates(ctx context.Context, filter UpdateFilter) ([]model.PendingUpdate, error)
	ResolvePendingUpdate(ctx context.Context, id string, status model.UpdateStatus, reviewedBy, notes string, at time.Time) error
	ApproveAndAppend(ctx context.Context, updateID, reviewedBy, notes string, at time.Time, ev model.FieldEvent) (*model.FieldEvent, error)

	// Discrepancies. One open (pending) row per (ticker, field); UpsertDiscrepancy
	// updates it in place across detector runs.
	GetDiscrepancy(ctx context.Context, id string) (*model.Discrepancy, error)
	GetOpenDiscrepancy(ctx context.Context, ticker string, field model.Field) (*model.Discrepancy, error)
	UpsertDiscrepancy(ctx context.Context, d model.Discrepancy) (*model.Discrepancy, error)
	ListDiscrepancies(ctx context.Context, filter DiscrepancyFilter) ([]model.Discrepancy, error)
	ResolveDiscrepancy(ctx context.Context, id string, status model.DiscrepancyStatus, resolvedValue *decimal.Decimal, notes string) error

	// Monitoring runs
	CreateRun(ctx context.Context, runType model.RunType) (*model.MonitoringRun, error)
	CompleteRun(ctx context.Context, id string, status model.RunStatus, stats model.RunStats) error
	ListRuns(ctx context.Context, limit int) ([]model.MonitoringRun, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
