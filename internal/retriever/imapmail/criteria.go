package imapmail

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/dvloznov/mailtx/internal/retriever"
)

// dateLayout is the IMAP search date format (RFC 3501 date).
const dateLayout = "02-Jan-2006"

// Criteria is an IMAP SEARCH. Dates are day-granular: Since is inclusive,
// Before is exclusive.
type Criteria struct {
	From    string
	Subject string
	Text    string
	Since   time.Time
	Before  time.Time
	Unseen  bool
}

// String renders the criteria in IMAP SEARCH syntax, for logs.
func (c Criteria) String() string {
	var parts []string
	if c.From != "" {
		parts = append(parts, fmt.Sprintf("FROM %q", c.From))
	}
	if c.Subject != "" {
		parts = append(parts, fmt.Sprintf("SUBJECT %q", c.Subject))
	}
	if c.Text != "" {
		parts = append(parts, fmt.Sprintf("TEXT %q", c.Text))
	}
	if !c.Since.IsZero() {
		parts = append(parts, "SINCE "+c.Since.Format(dateLayout))
	}
	if !c.Before.IsZero() {
		parts = append(parts, "BEFORE "+c.Before.Format(dateLayout))
	}
	if c.Unseen {
		parts = append(parts, "UNSEEN")
	}
	if len(parts) == 0 {
		return "ALL"
	}
	return strings.Join(parts, " ")
}

// SearchCriteria converts c for the client library.
func (c Criteria) SearchCriteria() *imap.SearchCriteria {
	sc := &imap.SearchCriteria{}
	if c.From != "" {
		sc.Header = append(sc.Header, imap.SearchCriteriaHeaderField{Key: "From", Value: c.From})
	}
	if c.Subject != "" {
		sc.Header = append(sc.Header, imap.SearchCriteriaHeaderField{Key: "Subject", Value: c.Subject})
	}
	if c.Text != "" {
		sc.Text = append(sc.Text, c.Text)
	}
	if !c.Since.IsZero() {
		sc.Since = truncateDay(c.Since)
	}
	if !c.Before.IsZero() {
		sc.Before = truncateDay(c.Before)
	}
	if c.Unseen {
		sc.NotFlag = append(sc.NotFlag, imap.FlagSeen)
	}
	return sc
}

// rangeCriteria bounds a search to [start, end] by whole days.
func rangeCriteria(c Criteria, start, end time.Time) Criteria {
	c.Since = truncateDay(start)
	if !end.IsZero() {
		c.Before = retriever.DayAfter(end)
	}
	return c
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
