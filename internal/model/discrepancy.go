package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DiscrepancySeverity classifies how far apart our value and a reference are.
type DiscrepancySeverity string

const (
	SeverityMinor    DiscrepancySeverity = "minor"
	SeverityModerate DiscrepancySeverity = "moderate"
	SeverityMajor    DiscrepancySeverity = "major"
)

// DiscrepancyStatus is the resolution state of a discrepancy.
type DiscrepancyStatus string

const (
	DiscrepancyPending   DiscrepancyStatus = "pending"
	DiscrepancyResolved  DiscrepancyStatus = "resolved"
	DiscrepancyDismissed DiscrepancyStatus = "dismissed"
)

// SourceObservation is one independently observed value for a (company, field).
type SourceObservation struct {
	Value      decimal.Decimal `json:"value"`
	URL        string          `json:"url,omitempty"`
	ObservedAt time.Time       `json:"observed_at"`
}

// Discrepancy records a detected disagreement between our current ledger
// value and one or more independently observed values.
type Discrepancy struct {
	ID              string                       `json:"id"`
	Ticker          string                       `json:"ticker"`
	Field           Field                        `json:"field"`
	OurValue        decimal.Decimal              `json:"our_value"`
	SourceValues    map[string]SourceObservation `json:"source_values"` // keyed by source name
	MaxDeviationPct decimal.Decimal              `json:"max_deviation_pct"`
	Severity        DiscrepancySeverity          `json:"severity"`
	Status          DiscrepancyStatus            `json:"status"`
	ResolvedValue   *decimal.Decimal             `json:"resolved_value,omitempty"`
	ResolutionNotes string                       `json:"resolution_notes,omitempty"`
	DetectedAt      time.Time                    `json:"detected_at"`
	UpdatedAt       time.Time                    `json:"updated_at"`
}
