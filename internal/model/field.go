package model

import "github.com/rotisserie/eris"

// Field identifies a verifiable balance-sheet field tracked per company.
type Field string

const (
	FieldHoldings          Field = "holdings"
	FieldSharesOutstanding Field = "shares_outstanding"
	FieldTotalDebt         Field = "total_debt"
	FieldCashReserves      Field = "cash_reserves"
	FieldPreferredEquity   Field = "preferred_equity"
)

// Fields lists all verifiable fields in a stable order.
var Fields = []Field{
	FieldHoldings,
	FieldSharesOutstanding,
	FieldTotalDebt,
	FieldCashReserves,
	FieldPreferredEquity,
}

// ParseField validates a field name from user input.
func ParseField(s string) (Field, error) {
	for _, f := range Fields {
		if string(f) == s {
			return f, nil
		}
	}
	return "", eris.Errorf("model: unknown field %q", s)
}

// SourceType classifies where a source document came from.
type SourceType string

const (
	SourceRegulatoryFiling SourceType = "regulatory-filing"
	SourcePressRelease     SourceType = "press-release"
	SourceCompanyWebsite   SourceType = "company-website"
	SourceAggregator       SourceType = "aggregator"
	SourceSocial           SourceType = "social"
	SourceManual           SourceType = "manual"
)

// TrustLevel is a coarse classification of how reliable a source type is by default.
type TrustLevel string

const (
	TrustOfficial   TrustLevel = "official"
	TrustVerified   TrustLevel = "verified"
	TrustCommunity  TrustLevel = "community"
	TrustUnverified TrustLevel = "unverified"
)

// Rank orders trust levels from most (3) to least (0) trusted.
func (t TrustLevel) Rank() int {
	switch t {
	case TrustOfficial:
		return 3
	case TrustVerified:
		return 2
	case TrustCommunity:
		return 1
	default:
		return 0
	}
}

// DefaultTrustForSource returns the default trust level for a source type.
// Per-source overrides live in config; this is the fallback hierarchy.
func DefaultTrustForSource(st SourceType) TrustLevel {
	switch st {
	case SourceRegulatoryFiling:
		return TrustOfficial
	case SourcePressRelease, SourceCompanyWebsite, SourceManual:
		return TrustVerified
	case SourceAggregator:
		return TrustCommunity
	default:
		return TrustUnverified
	}
}

// ExtractionMethod identifies how a fact was pulled out of a document.
type ExtractionMethod string

const (
	MethodStructuredFact ExtractionMethod = "structured-fact-lookup"
	MethodTextPattern    ExtractionMethod = "text-pattern-match"
)
