package discrepancy

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/treasury-cli/internal/ledger"
	"github.com/sells-group/treasury-cli/internal/model"
	"github.com/sells-group/treasury-cli/internal/policy"
	"github.com/sells-group/treasury-cli/internal/review"
	"github.com/sells-group/treasury-cli/internal/store"
)

// fakeSource returns a fixed observation, or an error, for every fetch.
type fakeSource struct {
	name  string
	value decimal.Decimal
	err   error
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(_ context.Context, _ model.Company, _ model.Field) (model.SourceObservation, error) {
	if f.err != nil {
		return model.SourceObservation{}, f.err
	}
	return model.SourceObservation{Value: f.value, ObservedAt: time.Now().UTC()}, nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type detectorFixture struct {
	store    store.Store
	ledger   *ledger.Ledger
	queue    *review.Queue
	company  model.Company
	policyCf policy.Config
}

func newFixture(t *testing.T) *detectorFixture {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return &detectorFixture{
		store:   st,
		ledger:  ledger.New(st),
		queue:   review.New(st),
		company: model.Company{Ticker: "MSTR", Name: "Strategy Inc", Asset: "BTC", Active: true},
		policyCf: policy.Config{
			Default: policy.SourcePolicy{ConfidenceThreshold: 0.90},
		},
	}
}

func (f *detectorFixture) detector(t *testing.T, sources ...ReferenceSource) *Detector {
	t.Helper()
	return NewDetector(f.store, f.queue, f.policyCf, sources, DefaultThresholds())
}

func (f *detectorFixture) seedLedger(t *testing.T, value string) {
	t.Helper()
	_, err := f.ledger.EstablishBaseline(context.Background(), f.company.Ticker, model.FieldHoldings,
		dec(value), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), model.EstablishedManual)
	require.NoError(t, err)
}

func TestDetector_NoLedgerValue(t *testing.T) {
	f := newFixture(t)
	d := f.detector(t, &fakeSource{name: "agg", value: dec("1000")})

	disc, err := d.Check(context.Background(), f.company, model.FieldHoldings)
	require.NoError(t, err)
	assert.Nil(t, disc)
}

func TestDetector_AgreementYieldsNothing(t *testing.T) {
	f := newFixture(t)
	f.seedLedger(t, "1200")
	d := f.detector(t, &fakeSource{name: "agg", value: dec("1200")})

	disc, err := d.Check(context.Background(), f.company, model.FieldHoldings)
	require.NoError(t, err)
	assert.Nil(t, disc)
}

func TestDetector_SubThresholdDeviationIgnored(t *testing.T) {
	f := newFixture(t)
	f.seedLedger(t, "1000")
	// 0.9% deviation: below the 1% moderate bound.
	d := f.detector(t, &fakeSource{name: "agg", value: dec("1009")})

	disc, err := d.Check(context.Background(), f.company, model.FieldHoldings)
	require.NoError(t, err)
	assert.Nil(t, disc)
}

func TestDetector_ModerateAtExactBound(t *testing.T) {
	f := newFixture(t)
	f.seedLedger(t, "1000")
	// Exactly 1%: the bound is inclusive.
	d := f.detector(t, &fakeSource{name: "agg", value: dec("1010")})

	disc, err := d.Check(context.Background(), f.company, model.FieldHoldings)
	require.NoError(t, err)
	require.NotNil(t, disc)
	assert.Equal(t, model.SeverityModerate, disc.Severity)
	assert.True(t, disc.MaxDeviationPct.Equal(dec("1")))
}

func TestDetector_MajorAtExactBound(t *testing.T) {
	f := newFixture(t)
	f.seedLedger(t, "1200")
	// 1260 vs 1200 is exactly 5%.
	d := f.detector(t, &fakeSource{name: "agg", value: dec("1260")})

	disc, err := d.Check(context.Background(), f.company, model.FieldHoldings)
	require.NoError(t, err)
	require.NotNil(t, disc)
	assert.Equal(t, model.SeverityMajor, disc.Severity)
	assert.True(t, disc.MaxDeviationPct.Equal(dec("5")))
	require.Contains(t, disc.SourceValues, "agg")
	assert.True(t, disc.SourceValues["agg"].Value.Equal(dec("1260")))
}

func TestDetector_WorstSourceSetsDeviation(t *testing.T) {
	f := newFixture(t)
	f.seedLedger(t, "1000")
	d := f.detector(t,
		&fakeSource{name: "near", value: dec("1015")},
		&fakeSource{name: "far", value: dec("1100")},
	)

	disc, err := d.Check(context.Background(), f.company, model.FieldHoldings)
	require.NoError(t, err)
	require.NotNil(t, disc)
	assert.True(t, disc.MaxDeviationPct.Equal(dec("10")))
	assert.Equal(t, model.SeverityMajor, disc.Severity)
	assert.Len(t, disc.SourceValues, 2)
}

func TestDetector_SourceFailureIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.seedLedger(t, "1000")
	d := f.detector(t,
		&fakeSource{name: "down", err: assert.AnError},
		&fakeSource{name: "up", value: dec("1100")},
	)

	disc, err := d.Check(context.Background(), f.company, model.FieldHoldings)
	require.NoError(t, err)
	require.NotNil(t, disc)
	assert.Len(t, disc.SourceValues, 1)
	assert.Contains(t, disc.SourceValues, "up")
}

func TestDetector_FieldNotCoveredIsNotAFailure(t *testing.T) {
	f := newFixture(t)
	f.seedLedger(t, "1000")
	d := f.detector(t, &fakeSource{name: "agg", err: ErrFieldNotCovered})

	disc, err := d.Check(context.Background(), f.company, model.FieldHoldings)
	require.NoError(t, err)
	assert.Nil(t, disc)
}

func TestDetector_RepeatCheckUpdatesOpenRow(t *testing.T) {
	f := newFixture(t)
	f.seedLedger(t, "1000")
	ctx := context.Background()

	first, err := f.detector(t, &fakeSource{name: "agg", value: dec("1100")}).Check(ctx, f.company, model.FieldHoldings)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, model.SeverityMajor, first.Severity)

	// The gap narrows on the next pass; same row, downgraded severity.
	second, err := f.detector(t, &fakeSource{name: "agg", value: dec("1020")}).Check(ctx, f.company, model.FieldHoldings)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, model.SeverityModerate, second.Severity)
	assert.True(t, second.DetectedAt.Equal(first.DetectedAt))
}

func TestDetector_HysteresisAutoDismiss(t *testing.T) {
	f := newFixture(t)
	f.seedLedger(t, "1000")
	ctx := context.Background()

	opened, err := f.detector(t, &fakeSource{name: "agg", value: dec("1100")}).Check(ctx, f.company, model.FieldHoldings)
	require.NoError(t, err)
	require.NotNil(t, opened)

	// Deviation falls inside the 0.5% dismiss band; the open row closes.
	disc, err := f.detector(t, &fakeSource{name: "agg", value: dec("1001")}).Check(ctx, f.company, model.FieldHoldings)
	require.NoError(t, err)
	assert.Nil(t, disc)

	closed, err := f.store.GetDiscrepancy(ctx, opened.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DiscrepancyDismissed, closed.Status)
	assert.Contains(t, closed.ResolutionNotes, "dismiss threshold")
}

func TestDetector_OpenRowHeldBetweenBands(t *testing.T) {
	f := newFixture(t)
	f.seedLedger(t, "1000")
	ctx := context.Background()

	opened, err := f.detector(t, &fakeSource{name: "agg", value: dec("1100")}).Check(ctx, f.company, model.FieldHoldings)
	require.NoError(t, err)
	require.NotNil(t, opened)

	// 0.8% is below moderate but above the dismiss band: the row stays open
	// rather than flapping shut.
	disc, err := f.detector(t, &fakeSource{name: "agg", value: dec("1008")}).Check(ctx, f.company, model.FieldHoldings)
	require.NoError(t, err)
	require.NotNil(t, disc)
	assert.Equal(t, opened.ID, disc.ID)
	assert.Equal(t, model.SeverityMinor, disc.Severity)
}

func TestDetector_ZeroLedgerValueFullDeviation(t *testing.T) {
	f := newFixture(t)
	f.seedLedger(t, "0")
	d := f.detector(t, &fakeSource{name: "agg", value: dec("500")})

	disc, err := d.Check(context.Background(), f.company, model.FieldHoldings)
	require.NoError(t, err)
	require.NotNil(t, disc)
	assert.True(t, disc.MaxDeviationPct.Equal(dec("100")))
	assert.Equal(t, model.SeverityMajor, disc.Severity)
}

func TestDetector_ResolveResubmitsThroughQueue(t *testing.T) {
	f := newFixture(t)
	f.seedLedger(t, "1200")
	ctx := context.Background()
	d := f.detector(t, &fakeSource{name: "agg", value: dec("1260")})

	disc, err := d.Check(ctx, f.company, model.FieldHoldings)
	require.NoError(t, err)
	require.NotNil(t, disc)

	require.NoError(t, d.Resolve(ctx, disc.ID, dec("1260"), "aggregator was right, 8-K restated"))

	resolved, err := f.store.GetDiscrepancy(ctx, disc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DiscrepancyResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedValue)
	assert.True(t, resolved.ResolvedValue.Equal(dec("1260")))

	// The corrected value went through the review queue as a manual fact.
	updates, err := f.store.ListPendingUpdates(ctx, store.UpdateFilter{Ticker: "MSTR"})
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, model.SourceManual, updates[0].SourceType)
	assert.True(t, updates[0].DetectedValue.Equal(dec("1260")))
	// Manual sources default to verified trust with confidence 1.0, so the
	// corrected value lands in the ledger.
	assert.Equal(t, model.UpdateApproved, updates[0].Status)

	v, err := f.ledger.CurrentValue(ctx, "MSTR", model.FieldHoldings, time.Time{})
	require.NoError(t, err)
	assert.True(t, v.Value.Equal(dec("1260")))
}

func TestDetector_ResolveMatchingLedgerSkipsQueue(t *testing.T) {
	f := newFixture(t)
	f.seedLedger(t, "1200")
	ctx := context.Background()
	d := f.detector(t, &fakeSource{name: "agg", value: dec("1260")})

	disc, err := d.Check(ctx, f.company, model.FieldHoldings)
	require.NoError(t, err)
	require.NotNil(t, disc)

	// Resolution confirms our ledger value; nothing to re-submit.
	require.NoError(t, d.Resolve(ctx, disc.ID, dec("1200"), "aggregator was stale"))

	updates, err := f.store.ListPendingUpdates(ctx, store.UpdateFilter{Ticker: "MSTR"})
	require.NoError(t, err)
	assert.Empty(t, updates)
}

func TestDetector_ResolveMissing(t *testing.T) {
	f := newFixture(t)
	d := f.detector(t)

	err := d.Resolve(context.Background(), "missing-id", dec("1"), "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// Walks one company's field through the whole lifecycle: verified baseline,
// auto-approved filing update, queued community update, and a reference
// disagreement against the approved value.
func TestDetector_FullLifecycle(t *testing.T) {
	f := newFixture(t)
	f.seedLedger(t, "1000")
	ctx := context.Background()

	submit := func(value string, confidence float64, source model.SourceType, effective time.Time) *model.PendingUpdate {
		t.Helper()
		fact := model.ExtractedFact{
			Ticker:        "MSTR",
			Field:         model.FieldHoldings,
			Value:         dec(value),
			Confidence:    confidence,
			PeriodEndDate: effective,
		}
		trust := model.DefaultTrustForSource(source)
		current, err := f.ledger.CurrentValue(ctx, "MSTR", model.FieldHoldings, time.Time{})
		if err != nil {
			current = nil
		}
		decision := policy.Decide(fact, source, trust, current, f.policyCf)
		u, err := f.queue.Submit(ctx, fact, source, trust, decision, "run-1")
		require.NoError(t, err)
		return u
	}

	// An official filing moves the ledger without review.
	official := submit("1200", 1.0, model.SourceRegulatoryFiling, time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, model.UpdateApproved, official.Status)
	assert.True(t, official.AutoApproved)

	// A community aggregator value below the confidence bar waits for a human.
	community := submit("1150", 0.80, model.SourceAggregator, time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, model.UpdatePending, community.Status)

	v, err := f.ledger.CurrentValue(ctx, "MSTR", model.FieldHoldings, time.Time{})
	require.NoError(t, err)
	assert.True(t, v.Value.Equal(dec("1200")), "queued update must not touch the ledger")

	// A reference source 5% away from the approved value is a major finding.
	d := f.detector(t, &fakeSource{name: "agg", value: dec("1260")})
	disc, err := d.Check(ctx, f.company, model.FieldHoldings)
	require.NoError(t, err)
	require.NotNil(t, disc)
	assert.Equal(t, model.SeverityMajor, disc.Severity)
	assert.True(t, disc.MaxDeviationPct.Equal(dec("5")))
	assert.True(t, disc.OurValue.Equal(dec("1200")))
}
