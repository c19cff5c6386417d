package extract

import (
	"html"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

var (
	tagRe   = regexp.MustCompile(`<[^>]*>`)
	spaceRe = regexp.MustCompile(`\s+`)
)

// Normalize reduces an HTML or plain-text document body to searchable text:
// script/style blocks dropped, tags stripped, entities decoded, whitespace
// collapsed to single spaces.
func Normalize(body string) string {
	body = stripBlocks(body)
	body = tagRe.ReplaceAllString(body, " ")
	body = html.UnescapeString(body)
	return strings.TrimSpace(spaceRe.ReplaceAllString(body, " "))
}

// stripBlocks removes script, style, and noscript elements with their
// contents. Backreferences aren't supported by regexp, so each tag gets its
// own pass.
func stripBlocks(body string) string {
	for _, tag := range []string{"script", "style", "noscript"} {
		re := regexp.MustCompile(`(?is)<` + tag + `\b[^>]*>.*?</` + tag + `>`)
		body = re.ReplaceAllString(body, " ")
	}
	return body
}

var scales = map[string]int32{
	"thousand": 3,
	"million":  6,
	"billion":  9,
}

// ParseNumber converts a captured numeric string plus an optional scale word
// into a decimal value. "1,234.5" + "million" → 1234500000.
func ParseNumber(num, scale string) (decimal.Decimal, error) {
	num = strings.ReplaceAll(num, ",", "")
	d, err := decimal.NewFromString(num)
	if err != nil {
		return decimal.Decimal{}, eris.Wrapf(err, "extract: parse number %q", num)
	}
	if scale != "" {
		exp, ok := scales[strings.ToLower(strings.TrimSpace(scale))]
		if !ok {
			return decimal.Decimal{}, eris.Errorf("extract: unknown scale word %q", scale)
		}
		d = d.Shift(exp)
	}
	return d, nil
}
