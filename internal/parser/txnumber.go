package parser

import (
	"regexp"
	"strings"

	"github.com/dvloznov/mailtx/internal/domain"
)

var (
	uuidPattern   = regexp.MustCompile(`(?i)^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	dTokenExact   = regexp.MustCompile(`^#?[Dd]-[A-Za-z0-9-]{4,}$`)
	dTokenInline  = regexp.MustCompile(`#[Dd]-[A-Za-z0-9-]{4,}`)
	moneyToken    = regexp.MustCompile(`^(?:[$€£]\S*|[0-9]{1,3}(?:,[0-9]{3})+(?:\.[0-9]+)?|[0-9]+\.[0-9]{1,2})$`)
	numberLabel   = regexp.MustCompile(`(?i)\b(?:transaction|payment|confirmation)[ \t]+(?:number|no\.?|id|#)[ \t]*[:#]?[ \t]*(.*)$`)
	tokenTrimmer  = " \t|:;,.()[]"
	nextLineLimit = 10
)

// cashNumberRules run after the label scan fails.
var cashNumberRules = RuleTable{
	{
		Name:    "pipe-format",
		Pattern: regexp.MustCompile(`\|[^|\n]*?(#[Dd]-[A-Za-z0-9-]{4,})[^|\n]*\|`),
		Group:   1,
		Source:  domain.SourcePatternHeuristic,
	},
	{
		Name:    "hash-d-token",
		Pattern: dTokenInline,
		Source:  domain.SourcePatternHeuristic,
	},
	{
		Name:    "payments-url",
		Pattern: regexp.MustCompile(`/payments/([A-Za-z0-9-]{6,})`),
		Group:   1,
		Source:  domain.SourcePatternHeuristic,
		Accept:  notUUID,
	},
	{
		Name:    "transactions-url",
		Pattern: regexp.MustCompile(`/transactions?/([A-Za-z0-9-]{6,})`),
		Group:   1,
		Source:  domain.SourcePatternHeuristic,
		Accept:  notUUID,
	},
}

func notUUID(s string) bool { return !uuidPattern.MatchString(strings.TrimPrefix(s, "#")) }

// isMoney reports an amount such as "$5.00" or "1,234.56". Bare digit runs
// are not money: plain numeric confirmation numbers exist.
func isMoney(s string) bool { return moneyToken.MatchString(s) }

// numberToken returns the first identifier-looking token in s.
func numberToken(s string) (string, bool) {
	for _, f := range strings.Fields(s) {
		f = strings.Trim(f, tokenTrimmer)
		if len(f) < 4 || strings.ContainsAny(f, "/@") || !notUUID(f) || isMoney(f) {
			continue
		}
		if dTokenExact.MatchString(f) {
			if !strings.HasPrefix(f, "#") {
				f = "#" + f
			}
			return f, true
		}
		if hasDigit.MatchString(f) {
			return f, true
		}
	}
	return "", false
}

// findCashTransactionNumber scans for a labelled number on the label's line,
// then on the lines after it, before falling back to pattern rules.
func findCashTransactionNumber(text string) (Match, bool) {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		sm := numberLabel.FindStringSubmatch(line)
		if sm == nil {
			continue
		}
		if v, ok := numberToken(sm[1]); ok {
			return Match{Value: v, Rule: "label-same-line", Source: domain.SourceExplicitLabel}, true
		}
		if v, ok := numberAfterLabel(lines[i+1:]); ok {
			return Match{Value: v, Rule: "label-next-line", Source: domain.SourceExplicitLabel}, true
		}
	}
	return cashNumberRules.First(text)
}

func numberAfterLabel(lines []string) (string, bool) {
	var candidates []string
	for _, l := range lines {
		if len(candidates) == nextLineLimit-1 {
			break
		}
		l = strings.TrimSpace(l)
		if l == "" || separatorOnly.MatchString(l) {
			continue
		}
		candidates = append(candidates, l)
	}
	for _, l := range candidates {
		if t := strings.Trim(l, tokenTrimmer); dTokenExact.MatchString(t) {
			if !strings.HasPrefix(t, "#") {
				t = "#" + t
			}
			return t, true
		}
	}
	for _, l := range candidates {
		if t := dTokenInline.FindString(l); t != "" {
			return t, true
		}
	}
	for _, l := range candidates {
		if strings.Contains(l, "|") {
			continue
		}
		return numberToken(l)
	}
	return "", false
}

const genericNumber = `(#?[A-Z0-9][A-Z0-9-]{3,})`

var genericNumberRules = RuleTable{
	{
		Name:    "transaction-label",
		Pattern: regexp.MustCompile(`(?i)\btransaction[ \t]+(?:number|id|no\.?|#)[:\s#]+` + genericNumber),
		Group:   1,
		Source:  domain.SourceExplicitLabel,
		Accept:  acceptGenericNumber,
	},
	{
		Name:    "reference-label",
		Pattern: regexp.MustCompile(`(?i)\breference(?:[ \t]+(?:number|no\.?|id))?[:\s#]+` + genericNumber),
		Group:   1,
		Source:  domain.SourceExplicitLabel,
		Accept:  acceptGenericNumber,
	},
	{
		Name:    "confirmation-label",
		Pattern: regexp.MustCompile(`(?i)\bconfirmation(?:[ \t]+(?:number|code|no\.?))?[:\s#]+` + genericNumber),
		Group:   1,
		Source:  domain.SourceExplicitLabel,
		Accept:  acceptGenericNumber,
	},
	{
		Name:    "hash-token",
		Pattern: regexp.MustCompile(`#([A-Z0-9][A-Z0-9-]{3,})\b`),
		Group:   1,
		Source:  domain.SourcePatternHeuristic,
		Accept:  acceptGenericNumber,
	},
}

func acceptGenericNumber(s string) bool {
	return notUUID(s) && (hasDigit.MatchString(s) || dTokenExact.MatchString(s))
}
