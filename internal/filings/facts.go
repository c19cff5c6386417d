// Package filings acquires disclosure documents and their structured fact
// tables from EDGAR-style regulatory endpoints.
package filings

import (
	"encoding/json"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// CompanyFacts represents the EDGAR company facts JSON-LD structure: every
// tagged concept a filer has reported, grouped by taxonomy namespace.
type CompanyFacts struct {
	CIK        int               `json:"cik"`
	EntityName string            `json:"entityName"`
	Facts      map[string]FactNS `json:"facts"`
}

// FactNS groups facts by namespace (e.g., "us-gaap", "dei", or a company
// extension taxonomy).
type FactNS map[string]Fact

// Fact is a single tagged concept with its units and reported values.
type Fact struct {
	Label       string                 `json:"label"`
	Description string                 `json:"description"`
	Units       map[string][]FactValue `json:"units"`
}

// FactValue is a single data point for a concept.
type FactValue struct {
	End   string      `json:"end"`
	Val   json.Number `json:"val"`
	Accn  string      `json:"accn"`
	FY    int         `json:"fy"`
	FP    string      `json:"fp"`
	Form  string      `json:"form"`
	Filed string      `json:"filed"`
	Frame string      `json:"frame,omitempty"`
}

// ParseCompanyFacts parses a company facts JSON-LD payload from a reader.
func ParseCompanyFacts(r io.Reader) (*CompanyFacts, error) {
	var facts CompanyFacts
	if err := json.NewDecoder(r).Decode(&facts); err != nil {
		return nil, eris.Wrap(err, "filings: parse company facts")
	}
	return &facts, nil
}

// Lookup finds the most recently ended value for a concept in the given
// namespace and unit. Returns false when the concept, unit, or any usable
// value is absent.
func (cf *CompanyFacts) Lookup(namespace, concept, unit string) (decimal.Decimal, time.Time, bool) {
	ns, ok := cf.Facts[namespace]
	if !ok {
		return decimal.Decimal{}, time.Time{}, false
	}
	fact, ok := ns[concept]
	if !ok {
		return decimal.Decimal{}, time.Time{}, false
	}
	values, ok := fact.Units[unit]
	if !ok || len(values) == 0 {
		return decimal.Decimal{}, time.Time{}, false
	}

	var (
		best    decimal.Decimal
		bestEnd time.Time
		found   bool
	)
	for _, fv := range values {
		end, err := time.Parse("2006-01-02", fv.End)
		if err != nil {
			continue
		}
		val, err := decimal.NewFromString(fv.Val.String())
		if err != nil {
			continue
		}
		// Latest period end wins; later filings of the same period win on
		// slice order (EDGAR appends amendments after originals).
		if !found || !end.Before(bestEnd) {
			best = val
			bestEnd = end
			found = true
		}
	}
	return best, bestEnd, found
}
