// Package normalizer converts parser output into the canonical Transaction
// record handed to sinks.
package normalizer

import (
	netmail "net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/dvloznov/mailtx/internal/domain"
	"github.com/dvloznov/mailtx/internal/mail"
)

// Envelope carries the integration context a message was retrieved under.
type Envelope struct {
	IntegrationID string
	UserID        string
}

var (
	dateHeaderLine = regexp.MustCompile(`(?mi)^Date:[ \t]*(.+)$`)
	receivedLine   = regexp.MustCompile(`(?mi)^Received:(.*)$`)
	rfcTimestamp   = regexp.MustCompile(`(?:(?:Mon|Tue|Wed|Thu|Fri|Sat|Sun),[ \t]*)?\d{1,2}[ \t]+(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)[ \t]+\d{4}[ \t]+\d{1,2}:\d{2}(?::\d{2})?[ \t]+(?:[+-]\d{4}|[A-Z]{2,5})`)
)

// Normalize builds the canonical record. The parser's timestamp wins unless it
// is absent or carries no time of day, in which case the header block is
// searched for a full timestamp.
func Normalize(tx *domain.ParsedTransaction, msg *mail.Message, env Envelope) domain.Transaction {
	out := domain.Transaction{
		TransactionNumber: tx.TransactionNumber,
		Sender:            tx.Sender,
		Recipient:         tx.Recipient,
		Amount:            tx.Amount,
		Currency:          tx.Currency,
		Type:              tx.Type,
		Status:            strings.ToLower(strings.TrimSpace(tx.Status)),
		Description:       tx.Description,
		Subject:           msg.Subject(),
		Provider:          tx.Provider,
		DepositTarget:     tx.DepositTarget,
		RawBody:           msg.TextBody(),
		Provenance:        copyProvenance(tx.Provenance),
		IntegrationID:     env.IntegrationID,
		UserID:            env.UserID,
		MessageID:         msg.MessageID(),
	}
	if out.Currency == "" {
		out.Currency = domain.DefaultCurrency
	}
	if out.Status == "" {
		out.Status = domain.StatusCompleted
	}
	if out.Description == "" {
		out.Description = out.Subject
	}

	if tx.OccurredAt != nil && !isMidnight(*tx.OccurredAt) {
		t := *tx.OccurredAt
		out.OccurredAt = &t
		out.TimestampSource = domain.TimestampParsed
		return out
	}

	if t, snippet, ok := HeaderTimestamp(msg.HeaderText()); ok {
		out.OccurredAt = &t
		out.TimestampSource = domain.TimestampRawHeaders
		out.HeaderMatch = snippet
		return out
	}

	if tx.OccurredAt != nil {
		t := *tx.OccurredAt
		out.OccurredAt = &t
		out.TimestampSource = domain.TimestampParsed
	}
	return out
}

// HeaderTimestamp scans a header block for the message time: the Date header,
// then the topmost Received trace, then any RFC 5322 shaped timestamp. It
// returns the parsed time and the text it came from.
func HeaderTimestamp(headers string) (time.Time, string, bool) {
	if sm := dateHeaderLine.FindStringSubmatch(headers); sm != nil {
		if t, err := netmail.ParseDate(strings.TrimSpace(sm[1])); err == nil {
			return t, strings.TrimSpace(sm[0]), true
		}
	}

	for _, sm := range receivedLine.FindAllStringSubmatch(headers, -1) {
		i := strings.LastIndexByte(sm[1], ';')
		if i < 0 {
			continue
		}
		if t, err := netmail.ParseDate(strings.TrimSpace(sm[1][i+1:])); err == nil {
			return t, strings.TrimSpace(sm[0]), true
		}
	}

	for _, s := range rfcTimestamp.FindAllString(headers, -1) {
		if t, err := netmail.ParseDate(s); err == nil {
			return t, s, true
		}
	}
	return time.Time{}, "", false
}

func isMidnight(t time.Time) bool {
	h, m, s := t.Clock()
	return h == 0 && m == 0 && s == 0 && t.Nanosecond() == 0
}

func copyProvenance(in map[domain.Field]domain.Provenance) map[domain.Field]domain.Provenance {
	if in == nil {
		return nil
	}
	out := make(map[domain.Field]domain.Provenance, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
