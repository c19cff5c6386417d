package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/treasury-cli/internal/extract"
	"github.com/sells-group/treasury-cli/internal/filings"
	"github.com/sells-group/treasury-cli/internal/ledger"
	"github.com/sells-group/treasury-cli/internal/model"
	"github.com/sells-group/treasury-cli/internal/policy"
	"github.com/sells-group/treasury-cli/internal/review"
	"github.com/sells-group/treasury-cli/internal/store"
)

// fakeFilings serves a fixed set of filings per ticker.
type fakeFilings struct {
	refs      map[string][]filings.FilingRef
	docs      map[string]*filings.Document
	listErr   map[string]error
	fetchErr  map[string]error
	listCalls atomic.Int32
}

func (f *fakeFilings) List(_ context.Context, company model.Company, _ time.Time) ([]filings.FilingRef, error) {
	f.listCalls.Add(1)
	if err := f.listErr[company.Ticker]; err != nil {
		return nil, err
	}
	return f.refs[company.Ticker], nil
}

func (f *fakeFilings) FetchDocument(_ context.Context, ref filings.FilingRef) (*filings.Document, error) {
	if err := f.fetchErr[ref.ExternalRef]; err != nil {
		return nil, err
	}
	return f.docs[ref.ExternalRef], nil
}

const monitorRulesYAML = `
companies:
  MSTR:
    holdings:
      - category: "10-Q"
        structured:
          namespace: mstr
          concept: DigitalAssetsHeld
          unit: BTC
      - text:
          anchor: "bitcoin holdings"
          pattern: 'approximately ([\d,\.]+)\s*(thousand|million|billion)?\s*bitcoin'
  SMLR:
    holdings:
      - text:
          anchor: "bitcoin holdings"
          pattern: 'approximately ([\d,\.]+)\s*(thousand|million|billion)?\s*bitcoin'
`

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	store  store.Store
	ledger *ledger.Ledger
	queue  *review.Queue
	engine *extract.Engine
	policy policy.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	rules, err := extract.ParseRules([]byte(monitorRulesYAML))
	require.NoError(t, err)

	floors := map[model.Field]decimal.Decimal{model.FieldHoldings: dec("1")}
	return &fixture{
		store:  st,
		ledger: ledger.New(st),
		queue:  review.New(st),
		engine: extract.NewEngine(rules, floors),
		policy: policy.Config{
			Default: policy.SourcePolicy{ConfidenceThreshold: 0.90, MaxAutoApproveChangePct: dec("25")},
			BySource: map[model.SourceType]policy.SourcePolicy{
				model.SourceRegulatoryFiling: {ConfidenceThreshold: 0.90, MaxAutoApproveChangePct: dec("100")},
			},
		},
	}
}

func (f *fixture) orchestrator(fs FilingSource, cfg Config) *Orchestrator {
	return New(f.store, fs, f.engine, f.queue, f.policy, nil, cfg)
}

func (f *fixture) addCompany(t *testing.T, ticker string) model.Company {
	t.Helper()
	c := model.Company{Ticker: ticker, Name: ticker + " Inc", Asset: "BTC", Active: true}
	require.NoError(t, f.store.UpsertCompany(context.Background(), c))
	return c
}

func structuredDoc(value string) *filings.Document {
	return &filings.Document{
		Raw: []byte("<html>quarterly report</html>"),
		Facts: &filings.CompanyFacts{
			Facts: map[string]filings.FactNS{
				"mstr": {
					"DigitalAssetsHeld": filings.Fact{
						Units: map[string][]filings.FactValue{
							"BTC": {{End: "2026-06-30", Val: json.Number(value), Form: "10-Q"}},
						},
					},
				},
			},
		},
	}
}

func tenQ(accn string) filings.FilingRef {
	return filings.FilingRef{
		Ticker:      "MSTR",
		ExternalRef: accn,
		Category:    "10-Q",
		FiledDate:   time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		DocumentURL: "https://filings.example/" + accn,
	}
}

func TestRun_AutoApproveAndQueuePaths(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addCompany(t, "MSTR")

	_, err := f.ledger.EstablishBaseline(ctx, "MSTR", model.FieldHoldings, dec("1000"),
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), model.EstablishedManual)
	require.NoError(t, err)

	eightK := filings.FilingRef{
		Ticker:      "MSTR",
		ExternalRef: "accn-8k",
		Category:    "8-K",
		FiledDate:   time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC),
		DocumentURL: "https://filings.example/accn-8k",
	}
	fs := &fakeFilings{
		refs: map[string][]filings.FilingRef{"MSTR": {tenQ("accn-10q"), eightK}},
		docs: map[string]*filings.Document{
			// Tagged value, 20% over baseline: inside the filing band.
			"accn-10q": structuredDoc("1200"),
			// Text value, 150% over the new ledger value: outside the band.
			"accn-8k": {Raw: []byte("our bitcoin holdings total approximately 3,000 bitcoin")},
		},
	}

	run, err := f.orchestrator(fs, Config{Workers: 1}).Run(ctx, Options{Force: true})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, 1, run.Stats.CompaniesChecked)
	assert.Equal(t, 2, run.Stats.SourcesChecked)
	assert.Equal(t, 2, run.Stats.UpdatesDetected)
	assert.Equal(t, 1, run.Stats.UpdatesAutoApproved)
	assert.Equal(t, 1, run.Stats.UpdatesPendingReview)
	assert.Equal(t, 0, run.Stats.ErrorsCount)

	// The tagged filing value reached the ledger; the outsized text match
	// is waiting for review.
	v, err := f.ledger.CurrentValue(ctx, "MSTR", model.FieldHoldings, time.Time{})
	require.NoError(t, err)
	assert.True(t, v.Value.Equal(dec("1200")))

	pending, err := f.store.ListPendingUpdates(ctx, store.UpdateFilter{Status: model.UpdatePending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].DetectedValue.Equal(dec("3000")))
	assert.Equal(t, run.ID, pending[0].MonitoringRunID)
}

func TestRun_SecondRunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addCompany(t, "MSTR")

	fs := &fakeFilings{
		refs: map[string][]filings.FilingRef{"MSTR": {tenQ("accn-1")}},
		docs: map[string]*filings.Document{"accn-1": structuredDoc("1200")},
	}
	orch := f.orchestrator(fs, Config{Workers: 1})

	first, err := orch.Run(ctx, Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Stats.UpdatesDetected)

	// Same filing listed again: the document dedups on content hash and
	// nothing new is extracted or submitted.
	second, err := orch.Run(ctx, Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 0, second.Stats.UpdatesDetected)

	events, err := f.store.ListEvents(ctx, "MSTR", model.FieldHoldings)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRun_SameValueFromNewDocumentConfirms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addCompany(t, "MSTR")

	fs := &fakeFilings{
		refs: map[string][]filings.FilingRef{"MSTR": {tenQ("accn-1")}},
		docs: map[string]*filings.Document{"accn-1": structuredDoc("1200")},
	}
	orch := f.orchestrator(fs, Config{Workers: 1})
	_, err := orch.Run(ctx, Options{Force: true})
	require.NoError(t, err)

	// A later filing reports the same value; it is stored as evidence but
	// produces no update.
	fs.refs["MSTR"] = []filings.FilingRef{tenQ("accn-2")}
	fs.docs["accn-2"] = &filings.Document{
		Raw:   []byte("<html>amended quarterly report</html>"),
		Facts: structuredDoc("1200").Facts,
	}
	run, err := orch.Run(ctx, Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 0, run.Stats.UpdatesDetected)

	events, err := f.store.ListEvents(ctx, "MSTR", model.FieldHoldings)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRun_CompanyFailureIsIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addCompany(t, "MSTR")
	f.addCompany(t, "SMLR")

	fs := &fakeFilings{
		refs:    map[string][]filings.FilingRef{"MSTR": {tenQ("accn-1")}},
		docs:    map[string]*filings.Document{"accn-1": structuredDoc("1200")},
		listErr: map[string]error{"SMLR": assert.AnError},
	}

	run, err := f.orchestrator(fs, Config{Workers: 2}).Run(ctx, Options{Force: true})
	require.NoError(t, err)

	// The run completes; the broken company is an error detail, not a
	// run failure.
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, 1, run.Stats.UpdatesDetected)
	assert.Equal(t, 1, run.Stats.ErrorsCount)
	require.Len(t, run.Stats.ErrorDetails, 1)
	assert.Contains(t, run.Stats.ErrorDetails[0], "SMLR")
}

func TestRun_FetchFailureKeepsDocumentInWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addCompany(t, "MSTR")

	fs := &fakeFilings{
		refs:     map[string][]filings.FilingRef{"MSTR": {tenQ("accn-1")}},
		fetchErr: map[string]error{"accn-1": assert.AnError},
	}

	run, err := f.orchestrator(fs, Config{Workers: 1}).Run(ctx, Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 1, run.Stats.ErrorsCount)

	// last_checked did not advance, so the failed document stays inside the
	// next run's listing window.
	c, err := f.store.GetCompany(ctx, "MSTR")
	require.NoError(t, err)
	assert.Nil(t, c.LastChecked)
}

func TestRun_ThrottleSkipsRecentlyChecked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addCompany(t, "MSTR")
	require.NoError(t, f.store.TouchLastChecked(ctx, "MSTR", time.Now().UTC()))

	fs := &fakeFilings{}
	run, err := f.orchestrator(fs, Config{Workers: 1, CheckInterval: 6 * time.Hour}).Run(ctx, Options{})
	require.NoError(t, err)

	assert.Equal(t, 0, run.Stats.CompaniesChecked)
	assert.Equal(t, int32(0), fs.listCalls.Load())

	// Force bypasses the throttle.
	run, err = f.orchestrator(fs, Config{Workers: 1, CheckInterval: 6 * time.Hour}).Run(ctx, Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 1, run.Stats.CompaniesChecked)
}

func TestRun_TickerSelection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addCompany(t, "MSTR")
	f.addCompany(t, "SMLR")

	fs := &fakeFilings{}
	run, err := f.orchestrator(fs, Config{Workers: 1}).Run(ctx, Options{Tickers: []string{"SMLR"}, Force: true})
	require.NoError(t, err)
	assert.Equal(t, 1, run.Stats.CompaniesChecked)

	_, err = f.orchestrator(fs, Config{Workers: 1}).Run(ctx, Options{Tickers: []string{"NOPE"}})
	assert.Error(t, err)
}

func TestRun_DiscardsAreCounted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addCompany(t, "SMLR")

	ref := filings.FilingRef{
		Ticker:      "SMLR",
		ExternalRef: "accn-s1",
		Category:    "8-K",
		FiledDate:   time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}
	fs := &fakeFilings{
		refs: map[string][]filings.FilingRef{"SMLR": {ref}},
		docs: map[string]*filings.Document{
			// 0.5 is below the plausibility floor of 1.
			"accn-s1": {Raw: []byte("our bitcoin holdings fell approximately 0.5 bitcoin short")},
		},
	}

	run, err := f.orchestrator(fs, Config{Workers: 1}).Run(ctx, Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 1, run.Stats.FactsDiscarded)
	assert.Equal(t, 0, run.Stats.UpdatesDetected)
}

func TestRun_RecordsRunRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orchestrator(&fakeFilings{}, Config{Workers: 1}).Run(ctx, Options{RunType: model.RunScheduled})
	require.NoError(t, err)

	runs, err := f.store.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunScheduled, runs[0].RunType)
	assert.Equal(t, model.RunStatusCompleted, runs[0].Status)
	assert.NotNil(t, runs[0].CompletedAt)
}

func TestAlerter_Evaluate(t *testing.T) {
	a := NewAlerter("")

	run := &model.MonitoringRun{ID: "run-1", Status: model.RunStatusFailed,
		Stats: model.RunStats{ErrorsCount: 1, ErrorDetails: []string{"boom"}}}
	alerts := a.Evaluate(run, nil)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRunFailure, alerts[0].Type)

	run = &model.MonitoringRun{ID: "run-2", Status: model.RunStatusCompleted,
		Stats: model.RunStats{ErrorsCount: 2, CompaniesChecked: 5}}
	alerts = a.Evaluate(run, []model.Discrepancy{{
		Ticker: "MSTR", Field: model.FieldHoldings,
		OurValue: dec("1200"), MaxDeviationPct: dec("5"), Severity: model.SeverityMajor,
	}})
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertRunErrors, alerts[0].Type)
	assert.Equal(t, AlertMajorDiscrepancy, alerts[1].Type)

	clean := &model.MonitoringRun{ID: "run-3", Status: model.RunStatusCompleted}
	assert.Empty(t, a.Evaluate(clean, nil))
}

func TestAlerter_SendWebhook(t *testing.T) {
	var got []Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		got = append(got, a)
	}))
	defer srv.Close()

	a := NewAlerter(srv.URL)
	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertRunErrors, Severity: "medium", Message: "two errors"},
		{Type: AlertMajorDiscrepancy, Severity: "high", Message: "MSTR deviates"},
	})
	assert.Equal(t, 2, sent)
	require.Len(t, got, 2)
	assert.Equal(t, AlertRunErrors, got[0].Type)

	// No webhook configured: nothing goes out.
	assert.Equal(t, 0, NewAlerter("").SendAlerts(context.Background(), []Alert{{Type: AlertRunFailure}}))
}

func TestAlerter_WebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := NewAlerter(srv.URL)
	assert.Equal(t, 0, a.SendAlerts(context.Background(), []Alert{{Type: AlertRunFailure}}))
}
