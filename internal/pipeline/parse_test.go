package pipeline_test

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/mailtx/internal/normalizer"
	"github.com/dvloznov/mailtx/internal/parser"
	"github.com/dvloznov/mailtx/internal/pipeline"
)

const receipt = `From: Cash App <cash@square.com>
To: Jane Doe <jane.doe@example.com>
Subject: Bob Jones sent you $42.00
Message-Id: <p1@square.com>
Date: Mon, 03 Jun 2024 14:05:00 -0400
Content-Type: text/plain; charset=utf-8

Bob Jones sent you $42.00 for lunch

Payment between
Recipient: Jane Doe
Sender: Bob Jones

Transaction number
#D-PARSE001

Completed
`

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

func TestParseMessageExtractsTransaction(t *testing.T) {
	out, err := pipeline.ParseMessage(nil, crlf(receipt), normalizer.Envelope{UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, parser.CashAppProvider, out.Parser)
	assert.Empty(t, out.Error)
	require.NotNil(t, out.Transaction)
	assert.Equal(t, "#D-PARSE001", out.Transaction.TransactionNumber)
	assert.Equal(t, "u1", out.Transaction.UserID)
	assert.True(t, decimal.RequireFromString("42").Equal(out.Transaction.Amount))
	assert.Equal(t, "Bob Jones sent you $42.00", out.Subject)
}

func TestParseMessageReportsRejection(t *testing.T) {
	raw := `From: Cash App <cash@square.com>
Subject: Get $10 bonus when you invite friends

Invite friends and earn $10 for each payment they send.
`
	out, err := pipeline.ParseMessage(parser.DefaultChain(), crlf(raw), normalizer.Envelope{})
	require.NoError(t, err)
	assert.Nil(t, out.Transaction)
	assert.Contains(t, out.Error, parser.ErrNoParser.Error())
}
