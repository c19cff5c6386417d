// Package ledger implements the event-sourced field ledger: one baseline
// snapshot per (company, field) plus an append-only sequence of dated events.
// The current value is always a fold over stored rows, computed at read time,
// so replaying from scratch reproduces the same answer and out-of-order
// insertion (backfills) never corrupts history.
package ledger

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/treasury-cli/internal/model"
	"github.com/sells-group/treasury-cli/internal/store"
)

// ErrNoValue is returned when a (company, field) has no baseline and no
// event at or before the requested date.
var ErrNoValue = eris.New("ledger: no value")

// Ledger exposes fold and append operations over the store's baseline and
// event rows. It owns those rows exclusively.
type Ledger struct {
	store store.Store
}

// New creates a Ledger backed by the given store.
func New(st store.Store) *Ledger {
	return &Ledger{store: st}
}

// CurrentValue folds the (ticker, field) ledger as of the given time. A zero
// asOf means "now". The fold picks the entry with the latest effective date
// at or before asOf among the baseline and its events, breaking date ties by
// insertion order (latest wins). Events dated before the open baseline's
// as-of date stay stored for audit but are outside the fold window.
func (l *Ledger) CurrentValue(ctx context.Context, ticker string, field model.Field, asOf time.Time) (*model.Valuation, error) {
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	baseline, err := l.store.GetBaseline(ctx, ticker, field)
	if err != nil && !eris.Is(err, store.ErrNotFound) {
		return nil, err
	}

	events, err := l.store.ListEvents(ctx, ticker, field)
	if err != nil {
		return nil, err
	}

	return fold(baseline, events, asOf)
}

// fold is the pure core of CurrentValue. Events arrive sorted by
// (effectiveDate, seq); scanning in order and keeping the last eligible entry
// implements both the date ordering and the insertion tie-break.
func fold(baseline *model.FieldBaseline, events []model.FieldEvent, asOf time.Time) (*model.Valuation, error) {
	var best *model.Valuation
	var bestDate time.Time

	if baseline != nil && !baseline.AsOfDate.After(asOf) {
		best = &model.Valuation{Value: baseline.Value, AsOfEventDate: baseline.AsOfDate}
		bestDate = baseline.AsOfDate
	}

	for _, ev := range events {
		if baseline != nil && ev.EffectiveDate.Before(baseline.AsOfDate) {
			continue
		}
		if ev.EffectiveDate.After(asOf) {
			continue
		}
		// Later in the sorted sequence wins ties: an event dated the same as
		// the current best was inserted after it.
		if best == nil || !ev.EffectiveDate.Before(bestDate) {
			best = &model.Valuation{
				Value:            ev.Value,
				AsOfEventDate:    ev.EffectiveDate,
				SourceDocumentID: ev.SourceDocumentID,
			}
			bestDate = ev.EffectiveDate
		}
	}

	if best == nil {
		return nil, ErrNoValue
	}
	return best, nil
}

// AppendEvent validates structure and appends. Plausibility is not checked
// here; that is the trust policy's job before the event reaches the ledger.
func (l *Ledger) AppendEvent(ctx context.Context, ev model.FieldEvent) (*model.FieldEvent, error) {
	if ev.Ticker == "" || ev.Field == "" {
		return nil, eris.New("ledger: event requires ticker and field")
	}
	if ev.EffectiveDate.IsZero() {
		return nil, eris.New("ledger: event requires an effective date")
	}
	return l.store.AppendEvent(ctx, ev)
}

// EstablishBaseline replaces the open baseline for a (ticker, field). Used
// for initial seeding and explicit reconciliation resets. Prior events are
// not deleted; those dated before asOfDate simply fall out of future folds.
func (l *Ledger) EstablishBaseline(ctx context.Context, ticker string, field model.Field, value decimal.Decimal, asOfDate time.Time, by model.EstablishedBy) (*model.FieldBaseline, error) {
	if ticker == "" || field == "" {
		return nil, eris.New("ledger: baseline requires ticker and field")
	}
	if asOfDate.IsZero() {
		return nil, eris.New("ledger: baseline requires an as-of date")
	}
	return l.store.PutBaseline(ctx, model.FieldBaseline{
		Ticker:        ticker,
		Field:         field,
		Value:         value,
		AsOfDate:      asOfDate,
		EstablishedBy: by,
	})
}

// History returns the fold-ordered series for a (ticker, field): the open
// baseline followed by every event inside its window, oldest first. Suitable
// for backfilling historical valuation charts.
func (l *Ledger) History(ctx context.Context, ticker string, field model.Field) ([]model.Valuation, error) {
	baseline, err := l.store.GetBaseline(ctx, ticker, field)
	if err != nil && !eris.Is(err, store.ErrNotFound) {
		return nil, err
	}
	events, err := l.store.ListEvents(ctx, ticker, field)
	if err != nil {
		return nil, err
	}

	var out []model.Valuation
	if baseline != nil {
		out = append(out, model.Valuation{Value: baseline.Value, AsOfEventDate: baseline.AsOfDate})
	}
	for _, ev := range events {
		if baseline != nil && ev.EffectiveDate.Before(baseline.AsOfDate) {
			continue
		}
		out = append(out, model.Valuation{
			Value:            ev.Value,
			AsOfEventDate:    ev.EffectiveDate,
			SourceDocumentID: ev.SourceDocumentID,
		})
	}
	return out, nil
}
