package discrepancy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/treasury-cli/internal/fetcher"
	"github.com/sells-group/treasury-cli/internal/ledger"
	"github.com/sells-group/treasury-cli/internal/model"
	"github.com/sells-group/treasury-cli/internal/store"
)

// ErrFieldNotCovered is returned when a reference source does not publish
// the requested field. The detector skips the source without counting it as
// a failure.
var ErrFieldNotCovered = eris.New("discrepancy: field not covered by source")

// ReferenceSource is an independent publisher of values we can check the
// ledger against.
type ReferenceSource interface {
	Name() string
	Fetch(ctx context.Context, company model.Company, field model.Field) (model.SourceObservation, error)
}

// aggregatorCompany is the aggregator API's per-company payload. Quantities
// arrive as JSON strings to preserve precision.
type aggregatorCompany struct {
	Ticker            string  `json:"ticker"`
	Holdings          *string `json:"holdings"`
	SharesOutstanding *string `json:"shares_outstanding"`
	TotalDebt         *string `json:"total_debt"`
	CashReserves      *string `json:"cash_reserves"`
	PreferredEquity   *string `json:"preferred_equity"`
}

// AggregatorSource reads a community treasury-tracker API.
type AggregatorSource struct {
	name    string
	baseURL string
	fetcher fetcher.Fetcher
}

// NewAggregatorSource creates a reference source over an aggregator API.
func NewAggregatorSource(name, baseURL string, f fetcher.Fetcher) *AggregatorSource {
	return &AggregatorSource{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		fetcher: f,
	}
}

func (a *AggregatorSource) Name() string { return a.name }

func (a *AggregatorSource) Fetch(ctx context.Context, company model.Company, field model.Field) (model.SourceObservation, error) {
	url := fmt.Sprintf("%s/api/v1/companies/%s", a.baseURL, company.Ticker)
	body, err := a.fetcher.Download(ctx, url)
	if err != nil {
		return model.SourceObservation{}, eris.Wrapf(err, "discrepancy: fetch %s for %s", a.name, company.Ticker)
	}
	defer body.Close()

	payload, err := fetcher.DecodeJSONObject[aggregatorCompany](body)
	if err != nil {
		return model.SourceObservation{}, eris.Wrapf(err, "discrepancy: decode %s payload", a.name)
	}

	raw := payload.fieldValue(field)
	if raw == nil {
		return model.SourceObservation{}, ErrFieldNotCovered
	}
	val, err := decimal.NewFromString(*raw)
	if err != nil {
		return model.SourceObservation{}, eris.Wrapf(err, "discrepancy: %s value for %s/%s", a.name, company.Ticker, field)
	}
	return model.SourceObservation{
		Value:      val,
		URL:        url,
		ObservedAt: time.Now().UTC(),
	}, nil
}

func (c *aggregatorCompany) fieldValue(field model.Field) *string {
	switch field {
	case model.FieldHoldings:
		return c.Holdings
	case model.FieldSharesOutstanding:
		return c.SharesOutstanding
	case model.FieldTotalDebt:
		return c.TotalDebt
	case model.FieldCashReserves:
		return c.CashReserves
	case model.FieldPreferredEquity:
		return c.PreferredEquity
	default:
		return nil
	}
}

// crossCheckWindow is how close two documents' effective dates must be for
// their values to be compared.
const crossCheckWindow = 30 * 24 * time.Hour

// DocumentCrossCheckSource compares the ledger's current value against the
// most recent detected value that came from a different document covering
// the same period. Two documents describing the same period should agree;
// when they don't, one of them is wrong.
type DocumentCrossCheckSource struct {
	store  store.Store
	ledger *ledger.Ledger
}

// NewDocumentCrossCheckSource creates the second-document cross-check.
func NewDocumentCrossCheckSource(st store.Store, l *ledger.Ledger) *DocumentCrossCheckSource {
	return &DocumentCrossCheckSource{store: st, ledger: l}
}

func (s *DocumentCrossCheckSource) Name() string { return "document-cross-check" }

func (s *DocumentCrossCheckSource) Fetch(ctx context.Context, company model.Company, field model.Field) (model.SourceObservation, error) {
	cur, err := s.ledger.CurrentValue(ctx, company.Ticker, field, time.Now().UTC())
	if err != nil {
		if eris.Is(err, ledger.ErrNoValue) {
			return model.SourceObservation{}, ErrFieldNotCovered
		}
		return model.SourceObservation{}, eris.Wrapf(err, "discrepancy: current value %s/%s", company.Ticker, field)
	}

	updates, err := s.store.ListPendingUpdates(ctx, store.UpdateFilter{Ticker: company.Ticker})
	if err != nil {
		return model.SourceObservation{}, eris.Wrapf(err, "discrepancy: list updates %s", company.Ticker)
	}
	for _, u := range updates {
		if u.Field != field || u.Status == model.UpdateRejected {
			continue
		}
		if u.SourceDocumentID == "" || u.SourceDocumentID == cur.SourceDocumentID {
			continue
		}
		gap := u.EffectiveDate.Sub(cur.AsOfEventDate)
		if gap < 0 {
			gap = -gap
		}
		if gap > crossCheckWindow {
			continue
		}
		obs := model.SourceObservation{
			Value:      u.DetectedValue,
			ObservedAt: u.CreatedAt,
		}
		if doc, err := s.store.GetDocument(ctx, u.SourceDocumentID); err == nil {
			obs.URL = doc.OriginURL
		}
		return obs, nil
	}
	return model.SourceObservation{}, ErrFieldNotCovered
}
