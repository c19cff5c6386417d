package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// UpdateStatus is the state of a pending update in the review queue.
// pending is the only non-terminal state.
type UpdateStatus string

const (
	UpdatePending    UpdateStatus = "pending"
	UpdateApproved   UpdateStatus = "approved"
	UpdateRejected   UpdateStatus = "rejected"
	UpdateSuperseded UpdateStatus = "superseded"
)

// Terminal reports whether no further transition is allowed from this status.
func (s UpdateStatus) Terminal() bool {
	return s != UpdatePending
}

// PendingUpdate is one detected value awaiting (or past) disposition. Every
// accepted fact gets a row, auto-approved or human-approved alike, so there
// is a single queryable history of every decision.
type PendingUpdate struct {
	ID                string           `json:"id"`
	Ticker            string           `json:"ticker"`
	Field             Field            `json:"field"`
	DetectedValue     decimal.Decimal  `json:"detected_value"`
	PreviousValue     *decimal.Decimal `json:"previous_value,omitempty"`
	ConfidenceScore   float64          `json:"confidence_score"`
	TrustLevel        TrustLevel       `json:"trust_level"`
	SourceType        SourceType       `json:"source_type"`
	SourceDocumentID  string           `json:"source_document_id"`
	QuoteOrAnchor     string           `json:"quote_or_anchor,omitempty"`
	EffectiveDate     time.Time        `json:"effective_date"`
	Status            UpdateStatus     `json:"status"`
	AutoApproved      bool             `json:"auto_approved"`
	AutoApproveReason string           `json:"auto_approve_reason,omitempty"`
	ReviewedBy        string           `json:"reviewed_by,omitempty"`
	ReviewedAt        *time.Time       `json:"reviewed_at,omitempty"`
	ResolutionNotes   string           `json:"resolution_notes,omitempty"`
	MonitoringRunID   string           `json:"monitoring_run_id,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}
