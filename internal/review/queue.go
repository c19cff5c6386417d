// Package review runs the pending-update state machine: submission of
// detected facts, approval into the ledger, rejection, and supersession.
package review

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/treasury-cli/internal/ledger"
	"github.com/sells-group/treasury-cli/internal/model"
	"github.com/sells-group/treasury-cli/internal/policy"
	"github.com/sells-group/treasury-cli/internal/store"
)

// SystemReviewer is recorded as the reviewer on auto-approved updates.
const SystemReviewer = "system"

// Queue manages pending updates over the store and ledger.
type Queue struct {
	store  store.Store
	ledger *ledger.Ledger
	log    *zap.Logger
}

// New creates a review queue.
func New(st store.Store) *Queue {
	return &Queue{
		store:  st,
		ledger: ledger.New(st),
		log:    zap.L().With(zap.String("component", "review")),
	}
}

// Submit records a detected fact as a PendingUpdate and, when the policy
// decision is auto-approve, immediately approves it with the system
// reviewer. Every accepted value gets a row either way, so the decision
// history stays queryable.
func (q *Queue) Submit(ctx context.Context, fact model.ExtractedFact, source model.SourceType, trust model.TrustLevel, decision policy.Decision, runID string) (*model.PendingUpdate, error) {
	now := time.Now().UTC()

	var prev *model.Valuation
	cur, err := q.ledger.CurrentValue(ctx, fact.Ticker, fact.Field, now)
	switch {
	case err == nil:
		prev = cur
	case eris.Is(err, ledger.ErrNoValue):
		// First observation for the pair.
	default:
		return nil, eris.Wrap(err, "review: read current value")
	}

	u := model.PendingUpdate{
		ID:               uuid.NewString(),
		Ticker:           fact.Ticker,
		Field:            fact.Field,
		DetectedValue:    fact.Value,
		ConfidenceScore:  fact.Confidence,
		TrustLevel:       trust,
		SourceType:       source,
		SourceDocumentID: fact.SourceDocumentID,
		QuoteOrAnchor:    fact.QuoteOrAnchor,
		EffectiveDate:    fact.PeriodEndDate,
		Status:           model.UpdatePending,
		MonitoringRunID:  runID,
		CreatedAt:        now,
	}
	if prev != nil {
		v := prev.Value
		u.PreviousValue = &v
	}
	if decision.Action == policy.ActionAutoApprove {
		u.AutoApproved = true
		u.AutoApproveReason = decision.Reason
	}

	inserted, err := q.store.InsertPendingUpdate(ctx, u)
	if err != nil {
		return nil, eris.Wrap(err, "review: insert pending update")
	}

	if decision.Action != policy.ActionAutoApprove {
		q.log.Info("queued for review",
			zap.String("ticker", u.Ticker),
			zap.String("field", string(u.Field)),
			zap.String("value", u.DetectedValue.String()),
			zap.String("reason", decision.Reason),
		)
		return inserted, nil
	}

	approved, err := q.Approve(ctx, inserted.ID, SystemReviewer, decision.Reason)
	if err != nil {
		return nil, eris.Wrap(err, "review: auto-approve")
	}
	return approved, nil
}

// Approve atomically marks the update approved, appends the ledger event,
// and supersedes any older pendings for the same (ticker, field). Approving
// a resolved update returns store.ErrAlreadyResolved.
func (q *Queue) Approve(ctx context.Context, id, reviewer, notes string) (*model.PendingUpdate, error) {
	u, err := q.store.GetPendingUpdate(ctx, id)
	if err != nil {
		return nil, eris.Wrap(err, "review: load update")
	}
	if u.Status.Terminal() {
		return nil, store.ErrAlreadyResolved
	}

	now := time.Now().UTC()
	ev := model.FieldEvent{
		ID:               uuid.NewString(),
		Ticker:           u.Ticker,
		Field:            u.Field,
		Value:            u.DetectedValue,
		EffectiveDate:    u.EffectiveDate,
		SourceDocumentID: u.SourceDocumentID,
		Confidence:       u.ConfidenceScore,
		CreatedAt:        now,
	}
	if _, err := q.store.ApproveAndAppend(ctx, id, reviewer, notes, now, ev); err != nil {
		return nil, eris.Wrap(err, "review: approve and append")
	}

	q.log.Info("update approved",
		zap.String("id", id),
		zap.String("ticker", u.Ticker),
		zap.String("field", string(u.Field)),
		zap.String("value", u.DetectedValue.String()),
		zap.String("reviewer", reviewer),
	)
	return q.store.GetPendingUpdate(ctx, id)
}

// Reject marks the update rejected. The row is kept; nothing reaches the
// ledger.
func (q *Queue) Reject(ctx context.Context, id, reviewer, notes string) (*model.PendingUpdate, error) {
	if err := q.store.ResolvePendingUpdate(ctx, id, model.UpdateRejected, reviewer, notes, time.Now().UTC()); err != nil {
		return nil, eris.Wrap(err, "review: reject")
	}
	return q.store.GetPendingUpdate(ctx, id)
}

// List returns pending updates matching the filter.
func (q *Queue) List(ctx context.Context, filter store.UpdateFilter) ([]model.PendingUpdate, error) {
	return q.store.ListPendingUpdates(ctx, filter)
}
