package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SourceDocument is the immutable evidentiary record of one fetched document.
// Uniqueness on (ContentHash, ExternalRef) makes ingestion idempotent: the
// same physical document is never stored twice. Rows are never mutated or
// deleted.
type SourceDocument struct {
	ID          string     `json:"id"`
	Ticker      string     `json:"ticker"`
	SourceType  SourceType `json:"source_type"`
	OriginURL   string     `json:"origin_url"`
	ContentHash string     `json:"content_hash"` // SHA-256 hex of raw bytes
	ExternalRef string     `json:"external_ref"` // e.g. filing accession number
	FetchedAt   time.Time  `json:"fetched_at"`
}

// ExtractedFact is one candidate value produced by the extraction rule engine.
// Facts are immutable; many facts may reference one document.
type ExtractedFact struct {
	ID               string           `json:"id"`
	Ticker           string           `json:"ticker"`
	Field            Field            `json:"field"`
	Value            decimal.Decimal  `json:"value"`
	Unit             string           `json:"unit"`
	ExtractionMethod ExtractionMethod `json:"extraction_method"`
	Confidence       float64          `json:"confidence"` // [0,1]
	QuoteOrAnchor    string           `json:"quote_or_anchor,omitempty"`
	PeriodEndDate    time.Time        `json:"period_end_date"`
	SourceDocumentID string           `json:"source_document_id"`
}
