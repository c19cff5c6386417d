package extract

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/treasury-cli/internal/filings"
	"github.com/sells-group/treasury-cli/internal/model"
)

// Payload is the fetched content of one document: raw body, the parsed fact
// table when the source publishes one, and the filing date used as the
// effective date for text matches.
type Payload struct {
	Category  string
	Body      []byte
	Facts     *filings.CompanyFacts
	FiledDate time.Time
}

// Discard records a candidate value the engine rejected, so runs can report
// how many implausible matches were thrown away.
type Discard struct {
	Field  model.Field
	Value  decimal.Decimal
	Reason string
}

// anchorWindow bounds how far past an anchor phrase a text pattern may match.
const anchorWindow = 400

// Engine applies a rule set to documents. Floors are per-field minimum
// plausible values for text matches; a match below the floor is discarded
// rather than submitted.
type Engine struct {
	rules  *RuleSet
	floors map[model.Field]decimal.Decimal
	log    *zap.Logger
}

// NewEngine creates an extraction engine.
func NewEngine(rules *RuleSet, floors map[model.Field]decimal.Decimal) *Engine {
	return &Engine{
		rules:  rules,
		floors: floors,
		log:    zap.L().With(zap.String("component", "extract")),
	}
}

// Extract produces at most one fact per field from a document. Structured
// lookups win over text matches for the same field. A document matching no
// rules yields nothing; that is not an error.
func (e *Engine) Extract(doc model.SourceDocument, p Payload) ([]model.ExtractedFact, []Discard) {
	rules := e.rules.RulesFor(doc.Ticker, p.Category)
	if len(rules) == 0 {
		return nil, nil
	}

	// Normalized lazily: fact-table-only documents never pay for it.
	var normalized string
	normalize := func() string {
		if normalized == "" {
			normalized = Normalize(string(p.Body))
		}
		return normalized
	}

	var (
		facts    []model.ExtractedFact
		discards []Discard
	)
	for _, field := range model.Fields {
		fieldRules, ok := rules[field]
		if !ok {
			continue
		}

		fact, ds := e.extractField(doc, p, field, fieldRules, normalize)
		discards = append(discards, ds...)
		if fact != nil {
			facts = append(facts, *fact)
		}
	}
	return facts, discards
}

func (e *Engine) extractField(doc model.SourceDocument, p Payload, field model.Field, rules []Rule, normalize func() string) (*model.ExtractedFact, []Discard) {
	// Structured pass first: tagged data beats prose.
	if p.Facts != nil {
		for _, r := range rules {
			if r.Structured == nil {
				continue
			}
			val, end, ok := p.Facts.Lookup(r.Structured.Namespace, r.Structured.Concept, r.Structured.Unit)
			if !ok {
				continue
			}
			confidence := r.Confidence
			if confidence == 0 {
				confidence = DefaultStructuredConfidence
			}
			return &model.ExtractedFact{
				ID:               uuid.NewString(),
				Ticker:           doc.Ticker,
				Field:            field,
				Value:            val,
				Unit:             r.Structured.Unit,
				ExtractionMethod: model.MethodStructuredFact,
				Confidence:       confidence,
				QuoteOrAnchor:    r.Structured.Namespace + ":" + r.Structured.Concept,
				PeriodEndDate:    end,
				SourceDocumentID: doc.ID,
			}, nil
		}
	}

	var discards []Discard
	if len(p.Body) == 0 {
		return nil, nil
	}
	for _, r := range rules {
		if r.Text == nil {
			continue
		}
		val, snippet, ok := matchText(normalize(), r.Text)
		if !ok {
			continue
		}

		if floor, has := e.floors[field]; has && val.LessThan(floor) {
			e.log.Warn("discarding implausible text match",
				zap.String("ticker", doc.Ticker),
				zap.String("field", string(field)),
				zap.String("value", val.String()),
				zap.String("floor", floor.String()),
			)
			discards = append(discards, Discard{
				Field:  field,
				Value:  val,
				Reason: "below plausibility floor " + floor.String(),
			})
			continue
		}

		confidence := r.Confidence
		if confidence == 0 {
			confidence = DefaultTextConfidence
		}
		effective := p.FiledDate
		if effective.IsZero() {
			effective = doc.FetchedAt
		}
		return &model.ExtractedFact{
			ID:               uuid.NewString(),
			Ticker:           doc.Ticker,
			Field:            field,
			Value:            val,
			ExtractionMethod: model.MethodTextPattern,
			Confidence:       confidence,
			QuoteOrAnchor:    snippet,
			PeriodEndDate:    effective,
			SourceDocumentID: doc.ID,
		}, discards
	}
	return nil, discards
}

// matchText applies a text rule to normalized text. When the rule has an
// anchor, the pattern must match within anchorWindow characters after it.
func matchText(text string, tr *TextRule) (decimal.Decimal, string, bool) {
	search := text
	offset := 0
	if tr.Anchor != "" {
		idx := strings.Index(strings.ToLower(text), strings.ToLower(tr.Anchor))
		if idx < 0 {
			return decimal.Decimal{}, "", false
		}
		offset = idx
		end := idx + len(tr.Anchor) + anchorWindow
		if end > len(text) {
			end = len(text)
		}
		search = text[idx:end]
	}

	loc := tr.re.FindStringSubmatchIndex(search)
	if loc == nil {
		return decimal.Decimal{}, "", false
	}
	groups := tr.re.FindStringSubmatch(search)
	scale := ""
	if len(groups) > 2 {
		scale = groups[2]
	}
	val, err := ParseNumber(groups[1], scale)
	if err != nil {
		return decimal.Decimal{}, "", false
	}
	return val, snippetAround(text, offset+loc[0], offset+loc[1]), true
}

// snippetAround returns the matched text with surrounding context, for the
// reviewer-facing evidence quote.
func snippetAround(text string, start, end int) string {
	const pad = 80
	s := start - pad
	if s < 0 {
		s = 0
	}
	e := end + pad
	if e > len(text) {
		e = len(text)
	}
	return strings.TrimSpace(text[s:e])
}
