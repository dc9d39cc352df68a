package parser

import (
	"regexp"
	"strings"
	"time"
)

// US zone abbreviations that appear in forwarded header blocks.
var zoneOffsets = map[string]int{
	"EDT": -4 * 3600,
	"EST": -5 * 3600,
	"CDT": -5 * 3600,
	"CST": -6 * 3600,
	"MDT": -6 * 3600,
	"MST": -7 * 3600,
	"PDT": -7 * 3600,
	"PST": -8 * 3600,
	"UTC": 0,
	"GMT": 0,
}

const (
	clockPart = `(\d{1,2}:\d{2}(?::\d{2})?[ \t]*[AaPp]\.?[Mm]\.?)`
	zonePart  = `(?:[ \t]+([A-Z]{2,4})\b)?`
)

type datePattern struct {
	name    string
	re      *regexp.Regexp
	layouts []string
}

var forwardedDatePatterns = []datePattern{
	{
		name:    "labelled-long-date",
		re:      regexp.MustCompile(`(?i:date)[:\s]+(?:[A-Z][a-z]{2,8},?[ \t]+)?([A-Z][a-z]+\.?[ \t]+\d{1,2},?[ \t]+\d{4})(?:,|[ \t]+at)?[ \t]+` + clockPart + zonePart),
		layouts: longDateLayouts,
	},
	{
		name:    "long-date",
		re:      regexp.MustCompile(`\b([A-Z][a-z]+\.?[ \t]+\d{1,2},?[ \t]+\d{4})(?:,|[ \t]+at)?[ \t]+` + clockPart + zonePart),
		layouts: longDateLayouts,
	},
	{
		name:    "numeric-date",
		re:      regexp.MustCompile(`\b(\d{1,2}/\d{1,2}/\d{4})(?:,|[ \t]+at)?[ \t]+` + clockPart + zonePart),
		layouts: []string{"1/2/2006 3:04:05 PM", "1/2/2006 3:04 PM"},
	},
}

var longDateLayouts = []string{
	"January 2 2006 3:04:05 PM",
	"January 2 2006 3:04 PM",
	"Jan 2 2006 3:04:05 PM",
	"Jan 2 2006 3:04 PM",
}

var clockSuffix = regexp.MustCompile(`(?i)[ \t]*([ap])\.?m\.?$`)

// parseForwardedDate finds the original send time inside a forwarded block.
// The clock time is kept; a known zone abbreviation sets the offset, otherwise
// the time is read as UTC.
func parseForwardedDate(text string) (time.Time, string, bool) {
	for _, p := range forwardedDatePatterns {
		for _, sm := range p.re.FindAllStringSubmatch(text, -1) {
			date := strings.Join(strings.Fields(strings.NewReplacer(",", " ", ".", "").Replace(sm[1])), " ")
			clock := clockSuffix.ReplaceAllStringFunc(sm[2], func(s string) string {
				return " " + strings.ToUpper(strings.Trim(s, " \t.mM")) + "M"
			})

			loc := time.UTC
			if off, ok := zoneOffsets[sm[3]]; ok {
				loc = time.FixedZone(sm[3], off)
			}

			for _, layout := range p.layouts {
				if t, err := time.ParseInLocation(layout, date+" "+clock, loc); err == nil {
					return t, p.name, true
				}
			}
		}
	}
	return time.Time{}, "", false
}
