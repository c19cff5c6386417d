// Package extract turns source documents into candidate field facts using
// per-company rules: structured fact-table lookups where filers tag their
// data, text-pattern matches everywhere else.
package extract

import (
	"os"
	"regexp"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/treasury-cli/internal/model"
)

// Confidence defaults per extraction method. Structured lookups read values
// the filer tagged; text matches read prose and carry less certainty.
const (
	DefaultStructuredConfidence = 1.0
	DefaultTextConfidence       = 0.85
)

// StructuredRule addresses one concept in a document's fact table.
type StructuredRule struct {
	Namespace string `yaml:"namespace"`
	Concept   string `yaml:"concept"`
	Unit      string `yaml:"unit"`
}

// TextRule matches a value in normalized document text. Anchor narrows the
// search to text following a phrase; Pattern's first capture group is the
// number, and an optional second group captures a scale word
// (thousand/million/billion).
type TextRule struct {
	Anchor  string `yaml:"anchor"`
	Pattern string `yaml:"pattern"`

	re *regexp.Regexp
}

// Rule extracts one field from documents of one category. Exactly one of
// Structured or Text is set.
type Rule struct {
	// Category restricts the rule to documents of a category (e.g. "10-Q",
	// "8-K", "press-release"). Empty matches any category.
	Category string `yaml:"category,omitempty"`

	// Confidence overrides the method default when > 0.
	Confidence float64 `yaml:"confidence,omitempty"`

	Structured *StructuredRule `yaml:"structured,omitempty"`
	Text       *TextRule       `yaml:"text,omitempty"`
}

// CompanyRules maps each field to its ordered extraction rules.
type CompanyRules map[model.Field][]Rule

// RuleSet is the full per-company extraction configuration.
type RuleSet struct {
	Companies map[string]CompanyRules `yaml:"companies"`
}

// LoadRules reads and compiles a rule set from a YAML file.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "extract: read rules file %s", path)
	}
	return ParseRules(data)
}

// ParseRules parses and compiles a rule set from YAML bytes.
func ParseRules(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, eris.Wrap(err, "extract: parse rules yaml")
	}
	if err := rs.compile(); err != nil {
		return nil, err
	}
	return &rs, nil
}

func (rs *RuleSet) compile() error {
	for ticker, fields := range rs.Companies {
		for field, rules := range fields {
			if _, err := model.ParseField(string(field)); err != nil {
				return eris.Wrapf(err, "extract: rules for %s", ticker)
			}
			for i := range rules {
				r := &rules[i]
				switch {
				case r.Structured != nil && r.Text != nil:
					return eris.Errorf("extract: rule %s/%s[%d] sets both structured and text", ticker, field, i)
				case r.Structured == nil && r.Text == nil:
					return eris.Errorf("extract: rule %s/%s[%d] sets neither structured nor text", ticker, field, i)
				}
				if r.Text != nil {
					re, err := regexp.Compile("(?i)" + r.Text.Pattern)
					if err != nil {
						return eris.Wrapf(err, "extract: rule %s/%s[%d] pattern", ticker, field, i)
					}
					if re.NumSubexp() < 1 {
						return eris.Errorf("extract: rule %s/%s[%d] pattern has no capture group", ticker, field, i)
					}
					r.Text.re = re
				}
			}
		}
	}
	return nil
}

// RulesFor returns the rules for a company, field by field, matching the
// document category. Category-specific rules come before catch-alls so the
// engine can stop at the first match.
func (rs *RuleSet) RulesFor(ticker, category string) CompanyRules {
	fields, ok := rs.Companies[ticker]
	if !ok {
		return nil
	}
	out := make(CompanyRules, len(fields))
	for field, rules := range fields {
		var matched []Rule
		for _, r := range rules {
			if r.Category == category {
				matched = append(matched, r)
			}
		}
		for _, r := range rules {
			if r.Category == "" {
				matched = append(matched, r)
			}
		}
		if len(matched) > 0 {
			out[field] = matched
		}
	}
	return out
}
