package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EstablishedBy records how a baseline came to exist.
type EstablishedBy string

const (
	EstablishedManual     EstablishedBy = "manual"
	EstablishedExtraction EstablishedBy = "extraction"
	EstablishedMigration  EstablishedBy = "migration"
)

// FieldBaseline is the last fully-trusted snapshot for a (company, field),
// the starting point from which later events are folded forward. A baseline
// is superseded, never mutated: establishing a new one stamps SupersededAt
// on the old row.
type FieldBaseline struct {
	ID            string          `json:"id"`
	Ticker        string          `json:"ticker"`
	Field         Field           `json:"field"`
	Value         decimal.Decimal `json:"value"`
	AsOfDate      time.Time       `json:"as_of_date"`
	EstablishedBy EstablishedBy   `json:"established_by"`
	CreatedAt     time.Time       `json:"created_at"`
	SupersededAt  *time.Time      `json:"superseded_at,omitempty"`
}

// FieldEvent is one append-only ledger entry for a (company, field). Values
// are absolute, not deltas, so replay is order-independent: the fold sorts by
// EffectiveDate at read time and breaks ties by insertion sequence.
type FieldEvent struct {
	ID               string          `json:"id"`
	Ticker           string          `json:"ticker"`
	Field            Field           `json:"field"`
	Value            decimal.Decimal `json:"value"`
	EffectiveDate    time.Time       `json:"effective_date"`
	SourceDocumentID string          `json:"source_document_id,omitempty"`
	Confidence       float64         `json:"confidence"`
	Seq              int64           `json:"seq"` // insertion order, the fold tie-break
	CreatedAt        time.Time       `json:"created_at"`
}

// Valuation is the result of folding a (company, field) as of a date.
type Valuation struct {
	Value            decimal.Decimal `json:"value"`
	AsOfEventDate    time.Time       `json:"as_of_event_date"`
	SourceDocumentID string          `json:"source_document_id,omitempty"`
}
