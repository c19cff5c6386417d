package filings

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/treasury-cli/internal/fetcher"
	"github.com/sells-group/treasury-cli/internal/model"
)

const (
	defaultDataBaseURL    = "https://data.sec.gov"
	defaultArchiveBaseURL = "https://www.sec.gov/Archives/edgar/data"
)

// relevantForms are the form types worth extracting treasury data from.
// Everything else in a filer's history is skipped.
var relevantForms = map[string]bool{
	"10-K":  true,
	"10-Q":  true,
	"8-K":   true,
	"20-F":  true,
	"6-K":   true,
	"S-1":   true,
	"424B5": true,
}

// FilingRef identifies one disclosure document to fetch. ExternalRef is the
// accession number, stable across re-fetches, and anchors dedup.
type FilingRef struct {
	Ticker      string
	ExternalRef string
	Category    string
	FiledDate   time.Time
	DocumentURL string
	FactsURL    string
}

// Document is the fetched content of a filing.
type Document struct {
	Raw   []byte
	Facts *CompanyFacts
}

// submissionIndex is the filer submissions JSON: company metadata plus
// parallel arrays describing recent filings.
type submissionIndex struct {
	CIK     json.Number `json:"cik"`
	Name    string      `json:"name"`
	Filings struct {
		Recent struct {
			AccessionNumber []string `json:"accessionNumber"`
			FilingDate      []string `json:"filingDate"`
			Form            []string `json:"form"`
			PrimaryDoc      []string `json:"primaryDocument"`
		} `json:"recent"`
	} `json:"filings"`
}

// Client lists and fetches filings for tracked companies over the
// rate-limited fetcher.
type Client struct {
	fetcher     fetcher.Fetcher
	dataBase    string
	archiveBase string
	log         *zap.Logger
}

// NewClient creates a filings client. Empty base URLs use the public SEC
// endpoints; tests point them at a local server.
func NewClient(f fetcher.Fetcher, dataBaseURL, archiveBaseURL string) *Client {
	if dataBaseURL == "" {
		dataBaseURL = defaultDataBaseURL
	}
	if archiveBaseURL == "" {
		archiveBaseURL = defaultArchiveBaseURL
	}
	return &Client{
		fetcher:     f,
		dataBase:    strings.TrimRight(dataBaseURL, "/"),
		archiveBase: strings.TrimRight(archiveBaseURL, "/"),
		log:         zap.L().With(zap.String("component", "filings")),
	}
}

// List returns the company's relevant filings filed after since, newest
// first as the index reports them.
func (c *Client) List(ctx context.Context, company model.Company, since time.Time) ([]FilingRef, error) {
	cik, err := padCIK(company.RegistryID)
	if err != nil {
		return nil, eris.Wrapf(err, "filings: list %s", company.Ticker)
	}

	url := fmt.Sprintf("%s/submissions/CIK%s.json", c.dataBase, cik)
	data, err := c.fetcher.DownloadBytes(ctx, url)
	if err != nil {
		return nil, eris.Wrapf(err, "filings: fetch submissions index for %s", company.Ticker)
	}

	var idx submissionIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, eris.Wrapf(err, "filings: parse submissions index for %s", company.Ticker)
	}

	recent := idx.Filings.Recent
	factsURL := fmt.Sprintf("%s/api/xbrl/companyfacts/CIK%s.json", c.dataBase, cik)
	cikNum := strings.TrimLeft(cik, "0")

	var refs []FilingRef
	for i, accn := range recent.AccessionNumber {
		if i >= len(recent.FilingDate) || i >= len(recent.Form) || i >= len(recent.PrimaryDoc) {
			break
		}
		form := recent.Form[i]
		if !relevantForms[form] {
			continue
		}
		filed, err := time.Parse("2006-01-02", recent.FilingDate[i])
		if err != nil {
			c.log.Warn("skipping filing with bad date",
				zap.String("ticker", company.Ticker),
				zap.String("accession", accn),
				zap.String("date", recent.FilingDate[i]),
			)
			continue
		}
		if !filed.After(since) {
			continue
		}

		docURL := fmt.Sprintf("%s/%s/%s/%s",
			c.archiveBase, cikNum, strings.ReplaceAll(accn, "-", ""), recent.PrimaryDoc[i])
		refs = append(refs, FilingRef{
			Ticker:      company.Ticker,
			ExternalRef: accn,
			Category:    form,
			FiledDate:   filed,
			DocumentURL: docURL,
			FactsURL:    factsURL,
		})
	}
	return refs, nil
}

// FetchDocument downloads the filing body and, when available, its
// company-facts table. A facts fetch failure degrades to text-only
// extraction rather than failing the document.
func (c *Client) FetchDocument(ctx context.Context, ref FilingRef) (*Document, error) {
	raw, err := c.fetcher.DownloadBytes(ctx, ref.DocumentURL)
	if err != nil {
		return nil, eris.Wrapf(err, "filings: fetch document %s", ref.ExternalRef)
	}

	doc := &Document{Raw: raw}
	if ref.FactsURL != "" {
		factsRaw, err := c.fetcher.DownloadBytes(ctx, ref.FactsURL)
		if err != nil {
			c.log.Warn("company facts unavailable, text extraction only",
				zap.String("ticker", ref.Ticker),
				zap.String("accession", ref.ExternalRef),
				zap.Error(err),
			)
			return doc, nil
		}
		facts, err := ParseCompanyFacts(bytes.NewReader(factsRaw))
		if err != nil {
			c.log.Warn("company facts unparseable, text extraction only",
				zap.String("ticker", ref.Ticker),
				zap.String("accession", ref.ExternalRef),
				zap.Error(err),
			)
			return doc, nil
		}
		doc.Facts = facts
	}
	return doc, nil
}

// ContentHash returns the SHA-256 hex digest of a document body.
func ContentHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// padCIK left-pads a numeric registry id to the 10 digits EDGAR URLs expect.
func padCIK(registryID string) (string, error) {
	id := strings.TrimSpace(registryID)
	if id == "" {
		return "", eris.New("filings: empty registry id")
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return "", eris.Errorf("filings: registry id %q is not numeric", registryID)
		}
	}
	if len(id) > 10 {
		return "", eris.Errorf("filings: registry id %q too long", registryID)
	}
	return strings.Repeat("0", 10-len(id)) + id, nil
}
