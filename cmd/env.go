package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/treasury-cli/internal/config"
	"github.com/sells-group/treasury-cli/internal/discrepancy"
	"github.com/sells-group/treasury-cli/internal/extract"
	"github.com/sells-group/treasury-cli/internal/fetcher"
	"github.com/sells-group/treasury-cli/internal/filings"
	"github.com/sells-group/treasury-cli/internal/ledger"
	"github.com/sells-group/treasury-cli/internal/model"
	"github.com/sells-group/treasury-cli/internal/monitor"
	"github.com/sells-group/treasury-cli/internal/policy"
	"github.com/sells-group/treasury-cli/internal/review"
	"github.com/sells-group/treasury-cli/internal/store"
)

// appEnv wires the engine's components for one command invocation.
type appEnv struct {
	Store        store.Store
	Ledger       *ledger.Ledger
	Queue        *review.Queue
	Fetcher      fetcher.Fetcher
	Filings      *filings.Client
	Policy       policy.Config
	Detector     *discrepancy.Detector
	Orchestrator *monitor.Orchestrator
}

func (e *appEnv) Close() {
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("store close", zap.Error(err))
	}
}

// openStore opens the configured backend and runs migrations.
func openStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, err
		}
		return st, nil
	case "sqlite", "":
		st, err := store.NewSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, err
		}
		return st, nil
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// policyFromConfig maps config numbers onto the decision function's types.
func policyFromConfig(pc config.PolicyConfig) policy.Config {
	out := policy.Config{
		Default: policy.SourcePolicy{
			ConfidenceThreshold:     pc.ConfidenceThreshold,
			MaxAutoApproveChangePct: decimal.NewFromFloat(pc.MaxChangePct),
		},
		BySource: make(map[model.SourceType]policy.SourcePolicy),
	}
	for name, o := range pc.BySource {
		sp := out.Default
		if o.ConfidenceThreshold > 0 {
			sp.ConfidenceThreshold = o.ConfidenceThreshold
		}
		if o.MaxChangePct > 0 {
			sp.MaxAutoApproveChangePct = decimal.NewFromFloat(o.MaxChangePct)
		}
		out.BySource[model.SourceType(name)] = sp
	}
	return out
}

func floorsFromConfig(ec config.ExtractConfig) (map[model.Field]decimal.Decimal, error) {
	floors := make(map[model.Field]decimal.Decimal, len(ec.Floors))
	for name, raw := range ec.Floors {
		field, err := model.ParseField(name)
		if err != nil {
			return nil, eris.Wrap(err, "extract floors")
		}
		val, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, eris.Wrapf(err, "extract floor for %s", name)
		}
		floors[field] = val
	}
	return floors, nil
}

func thresholdsFromConfig(dc config.DiscrepancyConfig) discrepancy.Thresholds {
	th := discrepancy.DefaultThresholds()
	if dc.ModeratePct > 0 {
		th.ModeratePct = decimal.NewFromFloat(dc.ModeratePct)
	}
	if dc.MajorPct > 0 {
		th.MajorPct = decimal.NewFromFloat(dc.MajorPct)
	}
	if dc.DismissPct > 0 {
		th.DismissPct = decimal.NewFromFloat(dc.DismissPct)
	}
	return th
}

// initEnv builds the full component graph from config.
func initEnv(ctx context.Context) (*appEnv, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}

	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:    cfg.Fetcher.UserAgent,
		RateLimiters: fetcher.DefaultRateLimiters(),
	})
	filingsClient := filings.NewClient(f, cfg.Filings.DataBaseURL, cfg.Filings.ArchiveBaseURL)

	rules, err := extract.LoadRules(cfg.Extract.RulesPath)
	if err != nil {
		st.Close()
		return nil, err
	}
	floors, err := floorsFromConfig(cfg.Extract)
	if err != nil {
		st.Close()
		return nil, err
	}
	engine := extract.NewEngine(rules, floors)

	policyCfg := policyFromConfig(cfg.Policy)
	queue := review.New(st)
	led := ledger.New(st)

	var sources []discrepancy.ReferenceSource
	for _, sc := range cfg.Discrepancy.Sources {
		sources = append(sources, discrepancy.NewAggregatorSource(sc.Name, sc.BaseURL, f))
	}
	if cfg.Discrepancy.CrossCheck {
		sources = append(sources, discrepancy.NewDocumentCrossCheckSource(st, led))
	}
	detector := discrepancy.NewDetector(st, queue, policyCfg, sources, thresholdsFromConfig(cfg.Discrepancy))

	alerter := monitor.NewAlerter(cfg.Monitor.WebhookURL)
	orchestrator := monitor.New(st, filingsClient, engine, queue, policyCfg, alerter, monitor.Config{
		Workers:         cfg.Monitor.Workers,
		CheckInterval:   time.Duration(cfg.Monitor.CheckIntervalHours) * time.Hour,
		DocumentTimeout: time.Duration(cfg.Monitor.DocumentTimeoutSecs) * time.Second,
	})

	return &appEnv{
		Store:        st,
		Ledger:       led,
		Queue:        queue,
		Fetcher:      f,
		Filings:      filingsClient,
		Policy:       policyCfg,
		Detector:     detector,
		Orchestrator: orchestrator,
	}, nil
}
