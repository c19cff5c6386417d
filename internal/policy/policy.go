// Package policy decides whether an extracted fact can be written to the
// ledger without a human in the loop. The decision is a pure function of the
// fact, its source trust, the current ledger value, and configuration.
package policy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/sells-group/treasury-cli/internal/model"
)

// Action is the disposition for a fact.
type Action string

const (
	// ActionAutoApprove writes the fact to the ledger immediately, with an
	// audit PendingUpdate row marked auto-approved.
	ActionAutoApprove Action = "auto-approve"
	// ActionQueue holds the fact for human review.
	ActionQueue Action = "queue"
)

// Decision is the outcome of Decide, with the reason recorded on the
// PendingUpdate row.
type Decision struct {
	Action Action
	Reason string
}

// SourcePolicy tunes auto-approval for one source type.
type SourcePolicy struct {
	// ConfidenceThreshold is the minimum extraction confidence for
	// auto-approval of non-official sources.
	ConfidenceThreshold float64

	// MaxAutoApproveChangePct caps how far an auto-approved value may move
	// from the current ledger value, in percent. Zero disables the cap.
	// A change beyond the cap is queued regardless of trust.
	MaxAutoApproveChangePct decimal.Decimal
}

// Config is the full auto-approval policy: a default plus per-source
// overrides.
type Config struct {
	Default  SourcePolicy
	BySource map[model.SourceType]SourcePolicy
}

// For returns the effective policy for a source type.
func (c Config) For(st model.SourceType) SourcePolicy {
	if p, ok := c.BySource[st]; ok {
		return p
	}
	return c.Default
}

// Decide classifies one extracted fact:
//
//  1. official trust auto-approves;
//  2. confidence at or above the source's threshold auto-approves, unless
//     the source is unverified — unverified never auto-approves;
//  3. everything else queues.
//
// An otherwise auto-approvable fact whose value moves more than the
// source's change cap away from the current ledger value is queued instead:
// a tagged filing can still carry a fat-fingered number, and a large swing is
// exactly when a human should look.
func Decide(fact model.ExtractedFact, source model.SourceType, trust model.TrustLevel, current *model.Valuation, cfg Config) Decision {
	sp := cfg.For(source)

	var auto *Decision
	switch {
	case trust == model.TrustOfficial:
		auto = &Decision{Action: ActionAutoApprove, Reason: "official source"}
	case trust == model.TrustUnverified:
		return Decision{Action: ActionQueue, Reason: "unverified source"}
	case fact.Confidence >= sp.ConfidenceThreshold:
		auto = &Decision{
			Action: ActionAutoApprove,
			Reason: fmt.Sprintf("confidence %.2f >= %.2f", fact.Confidence, sp.ConfidenceThreshold),
		}
	default:
		return Decision{
			Action: ActionQueue,
			Reason: fmt.Sprintf("confidence %.2f below %.2f", fact.Confidence, sp.ConfidenceThreshold),
		}
	}

	if current != nil && !sp.MaxAutoApproveChangePct.IsZero() && !current.Value.IsZero() {
		changePct := fact.Value.Sub(current.Value).Abs().
			Div(current.Value.Abs()).
			Mul(decimal.NewFromInt(100))
		if changePct.GreaterThan(sp.MaxAutoApproveChangePct) {
			return Decision{
				Action: ActionQueue,
				Reason: fmt.Sprintf("change %s%% exceeds auto-approve band %s%%",
					changePct.Round(2), sp.MaxAutoApproveChangePct),
			}
		}
	}
	return *auto
}
