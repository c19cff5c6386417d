// Package discrepancy reconciles the field ledger against independent
// reference sources and tracks the disagreements it finds.
package discrepancy

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/treasury-cli/internal/ledger"
	"github.com/sells-group/treasury-cli/internal/model"
	"github.com/sells-group/treasury-cli/internal/policy"
	"github.com/sells-group/treasury-cli/internal/resilience"
	"github.com/sells-group/treasury-cli/internal/review"
	"github.com/sells-group/treasury-cli/internal/store"
)

// Thresholds are the deviation cut points, in percent. Bounds are inclusive:
// a deviation of exactly ModeratePct is moderate, exactly MajorPct is major.
// DismissPct is the hysteresis band — an open discrepancy whose deviation
// falls below it is auto-dismissed, so a value oscillating around the
// detection threshold doesn't flap.
type Thresholds struct {
	ModeratePct decimal.Decimal
	MajorPct    decimal.Decimal
	DismissPct  decimal.Decimal
}

// DefaultThresholds returns the standard 1% / 5% / 0.5% cut points.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ModeratePct: decimal.NewFromInt(1),
		MajorPct:    decimal.NewFromInt(5),
		DismissPct:  decimal.NewFromFloat(0.5),
	}
}

// Detector checks ledger values against reference sources.
type Detector struct {
	store      store.Store
	ledger     *ledger.Ledger
	queue      *review.Queue
	policyCfg  policy.Config
	sources    []ReferenceSource
	thresholds Thresholds
	breakers   *resilience.SourceBreakers
	retry      resilience.RetryConfig
	log        *zap.Logger
}

// NewDetector creates a discrepancy detector. Resolved values re-enter the
// system through the review queue, never directly into the ledger.
func NewDetector(st store.Store, q *review.Queue, policyCfg policy.Config, sources []ReferenceSource, th Thresholds) *Detector {
	return &Detector{
		store:      st,
		ledger:     ledger.New(st),
		queue:      q,
		policyCfg:  policyCfg,
		sources:    sources,
		thresholds: th,
		breakers:   resilience.NewSourceBreakers(resilience.DefaultCircuitBreakerConfig()),
		retry:      resilience.DefaultRetryConfig(),
		log:        zap.L().With(zap.String("component", "discrepancy")),
	}
}

// Check reconciles one (company, field) against every reference source.
// Returns the open discrepancy after the check, or nil when the ledger and
// references agree. Source failures are logged and skipped; a check never
// fails because one reference is down.
func (d *Detector) Check(ctx context.Context, company model.Company, field model.Field) (*model.Discrepancy, error) {
	cur, err := d.ledger.CurrentValue(ctx, company.Ticker, field, time.Now().UTC())
	if err != nil {
		if eris.Is(err, ledger.ErrNoValue) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "discrepancy: current value %s/%s", company.Ticker, field)
	}

	observations := make(map[string]model.SourceObservation)
	maxDev := decimal.Zero
	for _, src := range d.sources {
		cb := d.breakers.Get(src.Name())
		obs, err := resilience.ExecuteVal(ctx, cb, func(ctx context.Context) (model.SourceObservation, error) {
			return resilience.DoVal(ctx, d.retry, func(ctx context.Context) (model.SourceObservation, error) {
				return src.Fetch(ctx, company, field)
			})
		})
		if err != nil {
			if eris.Is(err, ErrFieldNotCovered) {
				continue
			}
			d.log.Warn("reference source unavailable",
				zap.String("source", src.Name()),
				zap.String("ticker", company.Ticker),
				zap.String("field", string(field)),
				zap.Error(err),
			)
			continue
		}

		observations[src.Name()] = obs
		if dev := deviationPct(cur.Value, obs.Value); dev.GreaterThan(maxDev) {
			maxDev = dev
		}
	}
	if len(observations) == 0 {
		return nil, nil
	}

	existing, err := d.store.GetOpenDiscrepancy(ctx, company.Ticker, field)
	if err != nil && !eris.Is(err, store.ErrNotFound) {
		return nil, eris.Wrapf(err, "discrepancy: open row %s/%s", company.Ticker, field)
	}

	// Hysteresis: agreement within the dismiss band closes an open row.
	if maxDev.LessThan(d.thresholds.DismissPct) {
		if existing != nil {
			note := "deviation " + maxDev.Round(2).String() + "% fell below dismiss threshold"
			if err := d.store.ResolveDiscrepancy(ctx, existing.ID, model.DiscrepancyDismissed, nil, note); err != nil {
				return nil, eris.Wrapf(err, "discrepancy: auto-dismiss %s", existing.ID)
			}
			d.log.Info("discrepancy auto-dismissed",
				zap.String("ticker", company.Ticker),
				zap.String("field", string(field)),
				zap.String("deviation_pct", maxDev.Round(2).String()),
			)
		}
		return nil, nil
	}

	// Sub-threshold deviation with no open row: not worth a human's time.
	if maxDev.LessThan(d.thresholds.ModeratePct) && existing == nil {
		return nil, nil
	}

	disc := model.Discrepancy{
		Ticker:          company.Ticker,
		Field:           field,
		OurValue:        cur.Value,
		SourceValues:    observations,
		MaxDeviationPct: maxDev,
		Severity:        d.classify(maxDev),
		Status:          model.DiscrepancyPending,
	}
	if existing != nil {
		disc.ID = existing.ID
		disc.DetectedAt = existing.DetectedAt
	}

	out, err := d.store.UpsertDiscrepancy(ctx, disc)
	if err != nil {
		return nil, eris.Wrapf(err, "discrepancy: upsert %s/%s", company.Ticker, field)
	}
	d.log.Info("discrepancy recorded",
		zap.String("ticker", company.Ticker),
		zap.String("field", string(field)),
		zap.String("our_value", cur.Value.String()),
		zap.String("deviation_pct", maxDev.Round(2).String()),
		zap.String("severity", string(out.Severity)),
	)
	return out, nil
}

// Resolve marks a discrepancy resolved with the verified value. When that
// value differs from the ledger, it is re-submitted through the review queue
// as a manual-source fact; resolution never writes the ledger directly.
func (d *Detector) Resolve(ctx context.Context, id string, resolvedValue decimal.Decimal, notes string) error {
	disc, err := d.store.GetDiscrepancy(ctx, id)
	if err != nil {
		return eris.Wrapf(err, "discrepancy: load %s", id)
	}

	if err := d.store.ResolveDiscrepancy(ctx, id, model.DiscrepancyResolved, &resolvedValue, notes); err != nil {
		return eris.Wrapf(err, "discrepancy: resolve %s", id)
	}

	cur, err := d.ledger.CurrentValue(ctx, disc.Ticker, disc.Field, time.Now().UTC())
	if err != nil && !eris.Is(err, ledger.ErrNoValue) {
		return eris.Wrapf(err, "discrepancy: current value after resolve %s", id)
	}
	if cur != nil && cur.Value.Equal(resolvedValue) {
		return nil
	}

	fact := model.ExtractedFact{
		Ticker:        disc.Ticker,
		Field:         disc.Field,
		Value:         resolvedValue,
		Confidence:    1.0,
		QuoteOrAnchor: "discrepancy resolution " + id,
		PeriodEndDate: time.Now().UTC(),
	}
	trust := model.DefaultTrustForSource(model.SourceManual)
	decision := policy.Decide(fact, model.SourceManual, trust, cur, d.policyCfg)
	if _, err := d.queue.Submit(ctx, fact, model.SourceManual, trust, decision, ""); err != nil {
		return eris.Wrapf(err, "discrepancy: submit resolved value %s", id)
	}
	return nil
}

func (d *Detector) classify(devPct decimal.Decimal) model.DiscrepancySeverity {
	switch {
	case devPct.GreaterThanOrEqual(d.thresholds.MajorPct):
		return model.SeverityMajor
	case devPct.GreaterThanOrEqual(d.thresholds.ModeratePct):
		return model.SeverityModerate
	default:
		return model.SeverityMinor
	}
}

// deviationPct is |ours − ref| / |ours| × 100. A zero ledger value against a
// nonzero reference is treated as full deviation.
func deviationPct(ours, ref decimal.Decimal) decimal.Decimal {
	if ours.IsZero() {
		if ref.IsZero() {
			return decimal.Zero
		}
		return decimal.NewFromInt(100)
	}
	return ours.Sub(ref).Abs().Div(ours.Abs()).Mul(decimal.NewFromInt(100))
}
