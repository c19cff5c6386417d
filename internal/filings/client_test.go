package filings

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/treasury-cli/internal/model"
)

// mapFetcher serves canned responses by URL.
type mapFetcher struct {
	responses map[string][]byte
}

func (m *mapFetcher) Download(_ context.Context, url string) (io.ReadCloser, error) {
	data, ok := m.responses[url]
	if !ok {
		return nil, eris.Errorf("no response for %s", url)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *mapFetcher) DownloadBytes(ctx context.Context, url string) ([]byte, error) {
	body, err := m.Download(ctx, url)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(body)
}

const submissionsJSON = `{
	"cik": 1050446,
	"name": "Strategy Inc",
	"filings": {
		"recent": {
			"accessionNumber": ["0001050446-26-000030", "0001050446-26-000020", "0001050446-26-000010"],
			"filingDate": ["2026-08-05", "2026-07-01", "2026-02-10"],
			"form": ["8-K", "10-Q", "4"],
			"primaryDocument": ["ex99.htm", "mstr-10q.htm", "form4.xml"]
		}
	}
}`

func testCompany() model.Company {
	return model.Company{Ticker: "MSTR", Name: "Strategy Inc", Asset: "BTC", RegistryID: "1050446"}
}

func TestClient_List(t *testing.T) {
	f := &mapFetcher{responses: map[string][]byte{
		"https://data.test/submissions/CIK0001050446.json": []byte(submissionsJSON),
	}}
	c := NewClient(f, "https://data.test", "https://archive.test")

	refs, err := c.List(context.Background(), testCompany(), time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	// Form 4 is irrelevant and the since cutoff drops nothing else.
	require.Len(t, refs, 2)
	assert.Equal(t, "0001050446-26-000030", refs[0].ExternalRef)
	assert.Equal(t, "8-K", refs[0].Category)
	assert.Equal(t, "https://archive.test/1050446/000105044626000030/ex99.htm", refs[0].DocumentURL)
	assert.Equal(t, "https://data.test/api/xbrl/companyfacts/CIK0001050446.json", refs[0].FactsURL)
	assert.Equal(t, "10-Q", refs[1].Category)
	assert.True(t, refs[1].FiledDate.Equal(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)))
}

func TestClient_ListSinceCutoff(t *testing.T) {
	f := &mapFetcher{responses: map[string][]byte{
		"https://data.test/submissions/CIK0001050446.json": []byte(submissionsJSON),
	}}
	c := NewClient(f, "https://data.test", "https://archive.test")

	refs, err := c.List(context.Background(), testCompany(), time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "8-K", refs[0].Category)

	// A filing dated exactly at since is not "after" it.
	refs, err = c.List(context.Background(), testCompany(), time.Date(2026, 8, 5, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestClient_ListBadRegistryID(t *testing.T) {
	c := NewClient(&mapFetcher{}, "https://data.test", "https://archive.test")

	company := testCompany()
	company.RegistryID = ""
	_, err := c.List(context.Background(), company, time.Time{})
	assert.Error(t, err)

	company.RegistryID = "not-a-cik"
	_, err = c.List(context.Background(), company, time.Time{})
	assert.Error(t, err)
}

func TestClient_FetchDocument(t *testing.T) {
	f := &mapFetcher{responses: map[string][]byte{
		"https://archive.test/doc.htm": []byte("<html>report</html>"),
		"https://data.test/facts.json": []byte(`{
			"cik": 1050446,
			"entityName": "Strategy Inc",
			"facts": {
				"mstr": {
					"DigitalAssetsHeld": {
						"units": {"BTC": [{"end": "2026-06-30", "val": 190000, "form": "10-Q"}]}
					}
				}
			}
		}`),
	}}
	c := NewClient(f, "https://data.test", "https://archive.test")

	doc, err := c.FetchDocument(context.Background(), FilingRef{
		Ticker:      "MSTR",
		ExternalRef: "accn-1",
		DocumentURL: "https://archive.test/doc.htm",
		FactsURL:    "https://data.test/facts.json",
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("<html>report</html>"), doc.Raw)
	require.NotNil(t, doc.Facts)

	val, end, ok := doc.Facts.Lookup("mstr", "DigitalAssetsHeld", "BTC")
	require.True(t, ok)
	assert.True(t, val.Equal(decimal.RequireFromString("190000")))
	assert.True(t, end.Equal(time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)))
}

func TestClient_FetchDocument_FactsFailureDegrades(t *testing.T) {
	f := &mapFetcher{responses: map[string][]byte{
		"https://archive.test/doc.htm": []byte("<html>report</html>"),
	}}
	c := NewClient(f, "https://data.test", "https://archive.test")

	doc, err := c.FetchDocument(context.Background(), FilingRef{
		DocumentURL: "https://archive.test/doc.htm",
		FactsURL:    "https://data.test/missing-facts.json",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, doc.Raw)
	assert.Nil(t, doc.Facts)
}

func TestClient_FetchDocument_BodyFailureFails(t *testing.T) {
	c := NewClient(&mapFetcher{}, "https://data.test", "https://archive.test")

	_, err := c.FetchDocument(context.Background(), FilingRef{DocumentURL: "https://archive.test/missing.htm"})
	assert.Error(t, err)
}

func TestLookup_LatestPeriodWins(t *testing.T) {
	cf := &CompanyFacts{Facts: map[string]FactNS{
		"us-gaap": {
			"CashAndCashEquivalentsAtCarryingValue": Fact{
				Units: map[string][]FactValue{
					"USD": {
						{End: "2026-03-31", Val: "50000000"},
						{End: "2026-06-30", Val: "60250000"},
						// Amendment for the same period, appended after the
						// original, must win.
						{End: "2026-06-30", Val: "60300000"},
					},
				},
			},
		},
	}}

	val, end, ok := cf.Lookup("us-gaap", "CashAndCashEquivalentsAtCarryingValue", "USD")
	require.True(t, ok)
	assert.True(t, val.Equal(decimal.RequireFromString("60300000")))
	assert.True(t, end.Equal(time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)))
}

func TestLookup_Missing(t *testing.T) {
	cf := &CompanyFacts{Facts: map[string]FactNS{}}

	_, _, ok := cf.Lookup("us-gaap", "Anything", "USD")
	assert.False(t, ok)
}

func TestContentHash(t *testing.T) {
	a := ContentHash([]byte("same bytes"))
	b := ContentHash([]byte("same bytes"))
	c := ContentHash([]byte("different bytes"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestPadCIK(t *testing.T) {
	got, err := padCIK("1050446")
	require.NoError(t, err)
	assert.Equal(t, "0001050446", got)

	got, err = padCIK("0001050446")
	require.NoError(t, err)
	assert.Equal(t, "0001050446", got)

	_, err = padCIK("")
	assert.Error(t, err)
	_, err = padCIK("12345678901")
	assert.Error(t, err)
	_, err = padCIK("10CIK")
	assert.Error(t, err)
}

func TestParseCompanyFacts_Invalid(t *testing.T) {
	_, err := ParseCompanyFacts(bytes.NewReader([]byte("not json")))
	assert.Error(t, err)
}
