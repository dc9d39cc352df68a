package parser

import (
	"regexp"
	"strings"

	"github.com/dvloznov/mailtx/internal/domain"
	"github.com/shopspring/decimal"
)

// Rule is one row of an extraction table.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	// Group selects the capture group; 0 means the whole match.
	Group  int
	Source domain.Source
	// Fixed, when set, is the value produced by any match.
	Fixed  string
	Clean  func(string) string
	Accept func(string) bool
}

// Match is a value produced by a rule.
type Match struct {
	Value  string
	Rule   string
	Source domain.Source
}

// Provenance converts the match into a field provenance entry.
func (m Match) Provenance(fromHTML bool) domain.Provenance {
	return domain.Provenance{Source: m.Source, Rule: m.Rule, FromHTML: fromHTML}
}

// RuleTable is evaluated in order; the first accepted match wins.
type RuleTable []Rule

// First returns the first accepted match. Every occurrence of a rule's pattern
// is tried before moving to the next rule.
func (t RuleTable) First(text string) (Match, bool) {
	for _, r := range t {
		if v, ok := r.apply(text); ok {
			return Match{Value: v, Rule: r.Name, Source: r.Source}, true
		}
	}
	return Match{}, false
}

// Only returns the named rules in the given order. It panics on an unknown
// name, so it belongs in package-level initialisation.
func (t RuleTable) Only(names ...string) RuleTable {
	out := make(RuleTable, 0, len(names))
	for _, name := range names {
		found := false
		for _, r := range t {
			if r.Name == name {
				out = append(out, r)
				found = true
				break
			}
		}
		if !found {
			panic("parser: unknown rule " + name)
		}
	}
	return out
}

func (r Rule) apply(text string) (string, bool) {
	for _, sm := range r.Pattern.FindAllStringSubmatch(text, -1) {
		if r.Group >= len(sm) {
			continue
		}
		if r.Fixed != "" {
			return r.Fixed, true
		}
		v := sm[r.Group]
		if r.Clean != nil {
			v = r.Clean(v)
		} else {
			v = strings.TrimSpace(v)
		}
		if v == "" {
			continue
		}
		if r.Accept != nil && !r.Accept(v) {
			continue
		}
		return v, true
	}
	return "", false
}

const amountNumber = `([0-9][0-9,]*(?:\.[0-9]+)?)`

// ParseAmount parses "1,234.56" style amounts.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.NewReplacer(",", "", "$", "", " ", "").Replace(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, ".")
	return decimal.NewFromString(s)
}

func positiveAmount(s string) bool {
	d, err := ParseAmount(s)
	return err == nil && d.IsPositive()
}

// Amount rules shared by both parsers, in priority order.
var (
	dollarAmountRule = Rule{
		Name:    "dollar-sign",
		Pattern: regexp.MustCompile(`\$[ \t]?` + amountNumber),
		Group:   1,
		Source:  domain.SourcePatternHeuristic,
		Accept:  positiveAmount,
	}
	usdSuffixAmountRule = Rule{
		Name:    "usd-suffix",
		Pattern: regexp.MustCompile(amountNumber + `[ \t]*USD\b`),
		Group:   1,
		Source:  domain.SourcePatternHeuristic,
		Accept:  positiveAmount,
	}
	labelledAmountRule = Rule{
		Name:    "amount-label",
		Pattern: regexp.MustCompile(`(?i)\bamount[:\s]+\$?[ \t]?` + amountNumber),
		Group:   1,
		Source:  domain.SourceExplicitLabel,
		Accept:  positiveAmount,
	}
	totalAmountRule = Rule{
		Name:    "total-label",
		Pattern: regexp.MustCompile(`(?i)\btotal[:\s]+\$?[ \t]?` + amountNumber),
		Group:   1,
		Source:  domain.SourceExplicitLabel,
		Accept:  positiveAmount,
	}
)

// Free-text description, used by both parsers before falling back to the subject.
var descriptionRules = RuleTable{
	{
		Name:    "note-label",
		Pattern: regexp.MustCompile(`(?im)^[ \t]*(?:note|memo|description|for)[ \t]*:[ \t]*([^\n]+)`),
		Group:   1,
		Source:  domain.SourceExplicitLabel,
		Accept:  func(s string) bool { return len(s) > 3 },
	},
}

var (
	crlf          = strings.NewReplacer("\r\n", "\n", "\r", "\n")
	forwardMarker = regexp.MustCompile(`(?i)(from:\s*cash\s+app\s*<cash@square\.com>|from:\s*cash@square\.com|-{3,}\s*forwarded message|original message)`)
	hasDigit      = regexp.MustCompile(`[0-9]`)
	separatorOnly = regexp.MustCompile(`^[\s|:\-_=*]*$`)
)

func normalizeNewlines(s string) string { return crlf.Replace(s) }

// forwardedSection returns the text from the first forwarding marker onward,
// or the whole body when the message was not forwarded.
func forwardedSection(body string) string {
	if loc := forwardMarker.FindStringIndex(body); loc != nil {
		return body[loc[0]:]
	}
	return body
}
