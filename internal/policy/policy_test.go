package policy

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/sells-group/treasury-cli/internal/model"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testConfig() Config {
	return Config{
		Default: SourcePolicy{
			ConfidenceThreshold:     0.90,
			MaxAutoApproveChangePct: dec("25"),
		},
		BySource: map[model.SourceType]SourcePolicy{
			model.SourceRegulatoryFiling: {
				ConfidenceThreshold:     0.90,
				MaxAutoApproveChangePct: dec("100"),
			},
			model.SourceAggregator: {
				ConfidenceThreshold:     0.95,
				MaxAutoApproveChangePct: dec("10"),
			},
		},
	}
}

func fact(value string, confidence float64) model.ExtractedFact {
	return model.ExtractedFact{
		Ticker:     "MSTR",
		Field:      model.FieldHoldings,
		Value:      dec(value),
		Confidence: confidence,
	}
}

func valuation(value string) *model.Valuation {
	return &model.Valuation{Value: dec(value)}
}

func TestDecide_OfficialAutoApproves(t *testing.T) {
	// Official trust wins even at low extraction confidence.
	d := Decide(fact("1250", 0.5), model.SourceRegulatoryFiling, model.TrustOfficial, valuation("1200"), testConfig())
	assert.Equal(t, ActionAutoApprove, d.Action)
	assert.Equal(t, "official source", d.Reason)
}

func TestDecide_UnverifiedNeverAutoApproves(t *testing.T) {
	d := Decide(fact("1250", 1.0), model.SourceSocial, model.TrustUnverified, valuation("1200"), testConfig())
	assert.Equal(t, ActionQueue, d.Action)
	assert.Equal(t, "unverified source", d.Reason)
}

func TestDecide_ConfidenceThreshold(t *testing.T) {
	cfg := testConfig()

	// At the threshold exactly: approve.
	d := Decide(fact("1210", 0.90), model.SourcePressRelease, model.TrustVerified, valuation("1200"), cfg)
	assert.Equal(t, ActionAutoApprove, d.Action)
	assert.Contains(t, d.Reason, "confidence")

	// Just below: queue.
	d = Decide(fact("1210", 0.89), model.SourcePressRelease, model.TrustVerified, valuation("1200"), cfg)
	assert.Equal(t, ActionQueue, d.Action)
	assert.Contains(t, d.Reason, "below")
}

func TestDecide_PerSourceOverride(t *testing.T) {
	cfg := testConfig()

	// 0.92 clears the default threshold but not the aggregator's 0.95.
	d := Decide(fact("1210", 0.92), model.SourceAggregator, model.TrustCommunity, valuation("1200"), cfg)
	assert.Equal(t, ActionQueue, d.Action)

	d = Decide(fact("1210", 0.92), model.SourceCompanyWebsite, model.TrustVerified, valuation("1200"), cfg)
	assert.Equal(t, ActionAutoApprove, d.Action)
}

func TestDecide_ChangeCapQueuesLargeSwings(t *testing.T) {
	cfg := testConfig()

	// 1200 -> 1250 is ~4.2%, inside the default 25% band.
	d := Decide(fact("1250", 0.95), model.SourcePressRelease, model.TrustVerified, valuation("1200"), cfg)
	assert.Equal(t, ActionAutoApprove, d.Action)

	// 1200 -> 2000 is ~66.7%, outside the band even at full confidence.
	d = Decide(fact("2000", 1.0), model.SourcePressRelease, model.TrustVerified, valuation("1200"), cfg)
	assert.Equal(t, ActionQueue, d.Action)
	assert.Contains(t, d.Reason, "exceeds auto-approve band")
}

func TestDecide_ChangeCapAppliesToOfficialToo(t *testing.T) {
	cfg := testConfig()

	// A tagged filing can still carry a fat-fingered number: the filing
	// band is 100%, so a 150% jump queues despite official trust.
	d := Decide(fact("3100", 1.0), model.SourceRegulatoryFiling, model.TrustOfficial, valuation("1200"), cfg)
	assert.Equal(t, ActionQueue, d.Action)
}

func TestDecide_NoCurrentValueSkipsChangeCap(t *testing.T) {
	// First observation for a pair has nothing to compare against.
	d := Decide(fact("190000", 1.0), model.SourceRegulatoryFiling, model.TrustOfficial, nil, testConfig())
	assert.Equal(t, ActionAutoApprove, d.Action)
}

func TestDecide_ZeroCapDisablesBand(t *testing.T) {
	cfg := Config{Default: SourcePolicy{ConfidenceThreshold: 0.90}}

	d := Decide(fact("10000", 0.95), model.SourcePressRelease, model.TrustVerified, valuation("1"), cfg)
	assert.Equal(t, ActionAutoApprove, d.Action)
}

func TestDecide_ZeroCurrentValueSkipsChangeCap(t *testing.T) {
	// Division by a zero ledger value is undefined; the band does not apply.
	d := Decide(fact("1000", 0.95), model.SourcePressRelease, model.TrustVerified, valuation("0"), testConfig())
	assert.Equal(t, ActionAutoApprove, d.Action)
}
