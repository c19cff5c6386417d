// Package monitor runs the batch verification cycle: list each company's new
// disclosures, fetch and dedup them, extract candidate facts, and route them
// through the auto-approval policy into the ledger or the review queue.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/treasury-cli/internal/extract"
	"github.com/sells-group/treasury-cli/internal/filings"
	"github.com/sells-group/treasury-cli/internal/ledger"
	"github.com/sells-group/treasury-cli/internal/model"
	"github.com/sells-group/treasury-cli/internal/policy"
	"github.com/sells-group/treasury-cli/internal/review"
	"github.com/sells-group/treasury-cli/internal/store"
)

// FilingSource lists and fetches disclosure documents. Satisfied by
// *filings.Client; tests use fakes.
type FilingSource interface {
	List(ctx context.Context, company model.Company, since time.Time) ([]filings.FilingRef, error)
	FetchDocument(ctx context.Context, ref filings.FilingRef) (*filings.Document, error)
}

// Options selects what one run covers.
type Options struct {
	// Tickers restricts the run to specific companies. Empty means all
	// active companies.
	Tickers []string
	// Force bypasses the last-checked throttle.
	Force bool
	// RunType defaults to manual.
	RunType model.RunType
}

// Config tunes the orchestrator.
type Config struct {
	// Workers bounds concurrent company checks. Default 4.
	Workers int
	// CheckInterval is the minimum time between checks of one company
	// without Force. Default 6h.
	CheckInterval time.Duration
	// DocumentTimeout bounds fetch+extract for one document. A timeout is a
	// per-document failure; the document is retried next run. Default 2m.
	DocumentTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 6 * time.Hour
	}
	if c.DocumentTimeout <= 0 {
		c.DocumentTimeout = 2 * time.Minute
	}
	return c
}

// Orchestrator drives monitoring runs.
type Orchestrator struct {
	store     store.Store
	filings   FilingSource
	engine    *extract.Engine
	queue     *review.Queue
	ledger    *ledger.Ledger
	policyCfg policy.Config
	alerter   *Alerter
	cfg       Config
	log       *zap.Logger
}

// New creates an orchestrator.
func New(st store.Store, fs FilingSource, engine *extract.Engine, queue *review.Queue, policyCfg policy.Config, alerter *Alerter, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:     st,
		filings:   fs,
		engine:    engine,
		queue:     queue,
		ledger:    ledger.New(st),
		policyCfg: policyCfg,
		alerter:   alerter,
		cfg:       cfg.withDefaults(),
		log:       zap.L().With(zap.String("component", "monitor")),
	}
}

// runStats accumulates counters across company workers.
type runStats struct {
	mu    sync.Mutex
	stats model.RunStats
}

func (rs *runStats) add(fn func(s *model.RunStats)) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	fn(&rs.stats)
}

func (rs *runStats) recordError(ticker string, err error) {
	rs.add(func(s *model.RunStats) {
		s.ErrorsCount++
		s.ErrorDetails = append(s.ErrorDetails, fmt.Sprintf("%s: %v", ticker, err))
	})
}

// Run executes one monitoring batch. One company's failure never aborts the
// run; it is recorded in the run's error details and that company is retried
// on the next run.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*model.MonitoringRun, error) {
	runType := opts.RunType
	if runType == "" {
		runType = model.RunManual
	}
	run, err := o.store.CreateRun(ctx, runType)
	if err != nil {
		return nil, eris.Wrap(err, "monitor: create run")
	}
	o.log.Info("monitoring run started",
		zap.String("run_id", run.ID),
		zap.String("run_type", string(runType)),
		zap.Strings("tickers", opts.Tickers),
		zap.Bool("force", opts.Force),
	)

	companies, err := o.selectCompanies(ctx, opts.Tickers)
	if err != nil {
		o.completeRun(ctx, run, model.RunStatusFailed, model.RunStats{
			ErrorsCount:  1,
			ErrorDetails: []string{err.Error()},
		})
		return run, err
	}

	var rs runStats
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	for _, company := range companies {
		g.Go(func() error {
			if err := o.checkCompany(gctx, company, run.ID, opts.Force, &rs); err != nil {
				o.log.Error("company check failed",
					zap.String("ticker", company.Ticker),
					zap.Error(err),
				)
				rs.recordError(company.Ticker, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	status := model.RunStatusCompleted
	if ctx.Err() != nil {
		status = model.RunStatusFailed
		rs.recordError("run", ctx.Err())
	}
	o.completeRun(ctx, run, status, rs.stats)

	run.Status = status
	run.Stats = rs.stats
	if o.alerter != nil {
		// Detached context: alerts still go out when the run was canceled.
		alertCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		o.alerter.SendAlerts(alertCtx, o.alerter.Evaluate(run, nil))
	}
	o.log.Info("monitoring run finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(status)),
		zap.Int("companies_checked", run.Stats.CompaniesChecked),
		zap.Int("updates_detected", run.Stats.UpdatesDetected),
		zap.Int("auto_approved", run.Stats.UpdatesAutoApproved),
		zap.Int("pending_review", run.Stats.UpdatesPendingReview),
		zap.Int("errors", run.Stats.ErrorsCount),
	)
	return run, nil
}

func (o *Orchestrator) completeRun(ctx context.Context, run *model.MonitoringRun, status model.RunStatus, stats model.RunStats) {
	if err := o.store.CompleteRun(ctx, run.ID, status, stats); err != nil {
		o.log.Error("failed to record run completion", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func (o *Orchestrator) selectCompanies(ctx context.Context, tickers []string) ([]model.Company, error) {
	if len(tickers) == 0 {
		companies, err := o.store.ListCompanies(ctx, true)
		if err != nil {
			return nil, eris.Wrap(err, "monitor: list companies")
		}
		return companies, nil
	}

	var out []model.Company
	for _, t := range tickers {
		c, err := o.store.GetCompany(ctx, t)
		if err != nil {
			return nil, eris.Wrapf(err, "monitor: company %s", t)
		}
		out = append(out, *c)
	}
	return out, nil
}

func (o *Orchestrator) checkCompany(ctx context.Context, company model.Company, runID string, force bool, rs *runStats) error {
	now := time.Now().UTC()
	if !force && company.LastChecked != nil && now.Sub(*company.LastChecked) < o.cfg.CheckInterval {
		o.log.Debug("skipping recently checked company", zap.String("ticker", company.Ticker))
		return nil
	}

	var since time.Time
	if company.LastChecked != nil {
		since = *company.LastChecked
	}

	refs, err := o.filings.List(ctx, company, since)
	if err != nil {
		return eris.Wrapf(err, "monitor: list filings %s", company.Ticker)
	}
	rs.add(func(s *model.RunStats) {
		s.CompaniesChecked++
		s.SourcesChecked += len(refs)
	})

	var firstErr error
	for _, ref := range refs {
		if err := o.processFiling(ctx, company, ref, runID, rs); err != nil {
			// Storage or fetch failure is fatal for this document only.
			o.log.Warn("filing processing failed",
				zap.String("ticker", company.Ticker),
				zap.String("accession", ref.ExternalRef),
				zap.Error(err),
			)
			rs.recordError(company.Ticker+"/"+ref.ExternalRef, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	// Only advance the throttle when every document landed; otherwise the
	// failed ones would slip out of the next run's window.
	if firstErr == nil {
		if err := o.store.TouchLastChecked(ctx, company.Ticker, now); err != nil {
			return eris.Wrapf(err, "monitor: touch last checked %s", company.Ticker)
		}
	}
	return nil
}

func (o *Orchestrator) processFiling(ctx context.Context, company model.Company, ref filings.FilingRef, runID string, rs *runStats) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.DocumentTimeout)
	defer cancel()

	fetched, err := o.filings.FetchDocument(ctx, ref)
	if err != nil {
		return eris.Wrap(err, "monitor: fetch document")
	}

	doc := model.SourceDocument{
		Ticker:      company.Ticker,
		SourceType:  model.SourceRegulatoryFiling,
		OriginURL:   ref.DocumentURL,
		ContentHash: filings.ContentHash(fetched.Raw),
		ExternalRef: ref.ExternalRef,
		FetchedAt:   time.Now().UTC(),
	}
	id, isNew, err := o.store.StoreDocument(ctx, doc)
	if err != nil {
		return eris.Wrap(err, "monitor: store document")
	}
	if !isNew {
		o.log.Debug("document already ingested",
			zap.String("ticker", company.Ticker),
			zap.String("accession", ref.ExternalRef),
		)
		return nil
	}
	doc.ID = id

	facts, discards := o.engine.Extract(doc, extract.Payload{
		Category:  ref.Category,
		Body:      fetched.Raw,
		Facts:     fetched.Facts,
		FiledDate: ref.FiledDate,
	})
	if len(discards) > 0 {
		rs.add(func(s *model.RunStats) { s.FactsDiscarded += len(discards) })
	}

	trust := model.DefaultTrustForSource(doc.SourceType)
	for _, fact := range facts {
		if _, err := o.store.InsertFact(ctx, fact); err != nil {
			rs.recordError(company.Ticker+"/"+ref.ExternalRef, err)
			continue
		}

		current, err := o.ledger.CurrentValue(ctx, fact.Ticker, fact.Field, time.Now().UTC())
		if err != nil && !eris.Is(err, ledger.ErrNoValue) {
			rs.recordError(company.Ticker+"/"+ref.ExternalRef, err)
			continue
		}
		if current != nil && current.Value.Equal(fact.Value) {
			// Same value from a new document confirms, not updates.
			continue
		}

		decision := policy.Decide(fact, doc.SourceType, trust, current, o.policyCfg)
		update, err := o.queue.Submit(ctx, fact, doc.SourceType, trust, decision, runID)
		if err != nil {
			rs.recordError(company.Ticker+"/"+ref.ExternalRef, err)
			continue
		}
		rs.add(func(s *model.RunStats) {
			s.UpdatesDetected++
			if update.AutoApproved && update.Status == model.UpdateApproved {
				s.UpdatesAutoApproved++
			} else if update.Status == model.UpdatePending {
				s.UpdatesPendingReview++
			}
		})
	}
	return nil
}
