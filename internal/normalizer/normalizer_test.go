package normalizer

import (
	"strings"
	"testing"
	"time"

	"github.com/dvloznov/mailtx/internal/domain"
	"github.com/dvloznov/mailtx/internal/mail"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func message(t *testing.T, headers string) *mail.Message {
	t.Helper()
	raw := strings.ReplaceAll(headers, "\n", "\r\n") + "\r\nbody\r\n"
	m, err := mail.Parse([]byte(raw))
	require.NoError(t, err)
	return m
}

func parsed(at *time.Time) *domain.ParsedTransaction {
	return &domain.ParsedTransaction{
		TransactionNumber: "#D-1234",
		Sender:            "Bob",
		Recipient:         "Jane",
		Amount:            decimal.NewFromInt(5),
		Provider:          "cashapp",
		Status:            "Completed",
		OccurredAt:        at,
	}
}

func TestNormalizeKeepsParsedTime(t *testing.T) {
	at := time.Date(2024, 6, 3, 14, 5, 0, 0, time.UTC)
	msg := message(t, "Subject: hi\nDate: Tue, 04 Jun 2024 10:00:00 +0000\n")

	out := Normalize(parsed(&at), msg, Envelope{IntegrationID: "int-1", UserID: "user-1"})

	require.NotNil(t, out.OccurredAt)
	assert.True(t, at.Equal(*out.OccurredAt))
	assert.Equal(t, domain.TimestampParsed, out.TimestampSource)
	assert.Equal(t, "completed", out.Status)
	assert.Equal(t, domain.DefaultCurrency, out.Currency)
	assert.Equal(t, "hi", out.Description)
	assert.Equal(t, "int-1", out.IntegrationID)
	assert.Equal(t, "user-1", out.UserID)
}

func TestNormalizeUpgradesMidnightFromDateHeader(t *testing.T) {
	at := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	msg := message(t, "Subject: hi\nDate: Mon, 03 Jun 2024 14:05:00 -0400\n")

	out := Normalize(parsed(&at), msg, Envelope{})

	require.NotNil(t, out.OccurredAt)
	assert.True(t, time.Date(2024, 6, 3, 18, 5, 0, 0, time.UTC).Equal(*out.OccurredAt))
	assert.Equal(t, domain.TimestampRawHeaders, out.TimestampSource)
	assert.Equal(t, "Date: Mon, 03 Jun 2024 14:05:00 -0400", out.HeaderMatch)
}

func TestNormalizeUsesTopmostReceived(t *testing.T) {
	msg := message(t, "Subject: hi\n"+
		"Received: from a by b;\n\tWed, 05 Jun 2024 08:00:00 +0000\n"+
		"Received: from c by d; Tue, 04 Jun 2024 08:00:00 +0000\n")

	out := Normalize(parsed(nil), msg, Envelope{})

	require.NotNil(t, out.OccurredAt)
	assert.True(t, time.Date(2024, 6, 5, 8, 0, 0, 0, time.UTC).Equal(*out.OccurredAt))
	assert.Equal(t, domain.TimestampRawHeaders, out.TimestampSource)
	assert.True(t, strings.HasPrefix(out.HeaderMatch, "Received: from a by b;"))
}

func TestNormalizeKeepsMidnightWhenHeadersHaveNothing(t *testing.T) {
	at := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	msg := message(t, "Subject: hi\n")

	out := Normalize(parsed(&at), msg, Envelope{})

	require.NotNil(t, out.OccurredAt)
	assert.True(t, at.Equal(*out.OccurredAt))
	assert.Equal(t, domain.TimestampParsed, out.TimestampSource)
}

func TestNormalizeWithoutAnyTimestamp(t *testing.T) {
	out := Normalize(parsed(nil), message(t, "Subject: hi\n"), Envelope{})
	assert.Nil(t, out.OccurredAt)
	assert.Empty(t, out.TimestampSource)
}

func TestHeaderTimestampFallsBackToRFCShape(t *testing.T) {
	got, snippet, ok := HeaderTimestamp("X-Original: sent Thu, 06 Jun 2024 09:15:00 +0000 by relay")
	require.True(t, ok)
	assert.Equal(t, "Thu, 06 Jun 2024 09:15:00 +0000", snippet)
	assert.True(t, time.Date(2024, 6, 6, 9, 15, 0, 0, time.UTC).Equal(got))
}

func TestNormalizeCopiesProvenance(t *testing.T) {
	tx := parsed(nil)
	tx.SetProvenance(domain.FieldSender, domain.Provenance{Source: domain.SourcePaymentBlock})

	out := Normalize(tx, message(t, "Subject: hi\n"), Envelope{})
	tx.SetProvenance(domain.FieldSender, domain.Provenance{Source: domain.SourceDefault})

	assert.Equal(t, domain.SourcePaymentBlock, out.Provenance[domain.FieldSender].Source)
}
