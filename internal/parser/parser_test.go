package parser

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dvloznov/mailtx/internal/domain"
	"github.com/dvloznov/mailtx/internal/mail"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustMessage(t *testing.T, raw string) *mail.Message {
	t.Helper()
	m, err := mail.Parse([]byte(strings.ReplaceAll(raw, "\n", "\r\n")))
	require.NoError(t, err)
	return m
}

const directReceipt = `From: Cash App <cash@square.com>
To: Jane Doe <jane.doe@example.com>
Subject: Bob Jones sent you $1,234.56
Message-Id: <m1@square.com>
Date: Mon, 03 Jun 2024 14:05:00 -0400
Content-Type: text/plain; charset=utf-8

Bob Jones sent you $1,234.56 for rent

Payment between
Recipient: Jane Doe
Sender: Bob Jones

Transaction number
#D-V8V9ODVK

Deposited to Cash balance
Completed
`

func TestCashAppDirectReceipt(t *testing.T) {
	res := DefaultChain().Parse(mustMessage(t, directReceipt))
	require.NoError(t, res.Err)
	require.True(t, res.OK())

	tx := res.Transaction
	assert.Equal(t, CashAppProvider, res.Parser)
	assert.Equal(t, "#D-V8V9ODVK", tx.TransactionNumber)
	assert.True(t, decimal.RequireFromString("1234.56").Equal(tx.Amount))
	assert.Equal(t, "Bob Jones", tx.Sender)
	assert.Equal(t, "Jane Doe", tx.Recipient)
	assert.Equal(t, domain.TypeReceived, tx.Type)
	assert.Equal(t, domain.StatusCompleted, tx.Status)
	assert.Equal(t, "Cash balance", tx.DepositTarget)
	assert.Equal(t, domain.DefaultCurrency, tx.Currency)
	assert.Nil(t, tx.OccurredAt)

	assert.Equal(t, domain.SourcePaymentBlock, tx.Provenance[domain.FieldSender].Source)
	assert.Equal(t, domain.SourceExplicitLabel, tx.Provenance[domain.FieldTransactionNumber].Source)
	assert.Equal(t, "label-next-line", tx.Provenance[domain.FieldTransactionNumber].Rule)
}

const forwardedReceipt = `From: Jane Doe <jane.doe@example.com>
To: ledger@example.com
Subject: Fwd: You sent $25.00 to Bob Jones
Content-Type: text/plain

---------- Forwarded message ---------
From: Cash App <cash@square.com>
Date: Mon, Jun 3, 2024 at 2:05 PM
Subject: You sent $25.00 to Bob Jones
To: <jane.doe@example.com>

You sent $25.00 to Bob Jones for Pizza

Transaction number: #D-ABCD1234
`

func TestCashAppForwardedReceiptSubstitutesOwner(t *testing.T) {
	res := DefaultChain().Parse(mustMessage(t, forwardedReceipt))
	require.NoError(t, res.Err)

	tx := res.Transaction
	assert.Equal(t, "#D-ABCD1234", tx.TransactionNumber)
	assert.Equal(t, "label-same-line", tx.Provenance[domain.FieldTransactionNumber].Rule)
	assert.True(t, decimal.RequireFromString("25").Equal(tx.Amount))
	assert.Equal(t, "Jane Doe", tx.Sender)
	assert.Equal(t, domain.SourceAccountOwnerSubstitution, tx.Provenance[domain.FieldSender].Source)
	assert.Equal(t, "Bob Jones", tx.Recipient)
	assert.Equal(t, domain.TypeSent, tx.Type)

	require.NotNil(t, tx.OccurredAt)
	assert.True(t, time.Date(2024, 6, 3, 14, 5, 0, 0, time.UTC).Equal(*tx.OccurredAt))
}

func TestCashAppFallsBackToHTMLPart(t *testing.T) {
	raw := `From: Cash App <cash@square.com>
To: Jane Doe <jane.doe@example.com>
Subject: Payment received
Content-Type: multipart/alternative; boundary=B

--B
Content-Type: text/plain; charset=utf-8

Bob Jones sent you $12.50
--B
Content-Type: text/html; charset=utf-8

<p>Bob Jones sent you $12.50</p><p>Transaction number<br>#D-HTML5678</p>
--B--
`
	res := DefaultChain().Parse(mustMessage(t, raw))
	require.NoError(t, res.Err)

	tx := res.Transaction
	assert.Equal(t, "#D-HTML5678", tx.TransactionNumber)
	assert.True(t, tx.Provenance[domain.FieldTransactionNumber].FromHTML)
	assert.Equal(t, "Bob Jones", tx.Sender)
	assert.Equal(t, "Jane Doe", tx.Recipient)
	assert.Equal(t, domain.SourceAccountOwnerSubstitution, tx.Provenance[domain.FieldRecipient].Source)
}

func TestCashAppOwnerFromBodyLine(t *testing.T) {
	raw := `From: Cash App <cash@square.com>
To: jane@example.com
Subject: Receipt

Jane Doe
You sent $5.00 to Bob Jones
Transaction number: #D-OWNR1234
`
	res := DefaultChain().Parse(mustMessage(t, raw))
	require.NoError(t, res.Err)
	assert.Equal(t, "Jane Doe", res.Transaction.Sender)
	assert.Equal(t, "body-line", res.Transaction.Provenance[domain.FieldSender].Rule)
}

func TestMissingTransactionNumberFails(t *testing.T) {
	raw := `From: Cash App <cash@square.com>
To: Jane Doe <jane.doe@example.com>
Subject: Bob Jones sent you $5.00

Bob Jones sent you $5.00
`
	res := DefaultChain().Parse(mustMessage(t, raw))
	require.Error(t, res.Err)
	assert.Nil(t, res.Transaction)
	assert.Equal(t, CashAppProvider, res.Parser)
	assert.True(t, errors.Is(res.Err, ErrNoTransactionNumber))
	assert.True(t, errors.Is(res.Err, ErrParseFailed))
}

func TestMissingTransactionNumberInBothPartsFails(t *testing.T) {
	raw := `From: Cash App <cash@square.com>
To: Jane Doe <jane.doe@example.com>
Subject: Bob Jones sent you $5.00
Content-Type: multipart/alternative; boundary=B

--B
Content-Type: text/plain; charset=utf-8

Bob Jones sent you $5.00
Completed
--B
Content-Type: text/html; charset=utf-8

<p>Bob Jones sent you <b>$5.00</b></p><p>Completed</p>
--B--
`
	msg := mustMessage(t, raw)
	require.NotEmpty(t, msg.HTML())

	res := DefaultChain().Parse(msg)
	require.Error(t, res.Err)
	assert.Nil(t, res.Transaction)
	assert.Equal(t, CashAppProvider, res.Parser)
	assert.True(t, errors.Is(res.Err, ErrNoTransactionNumber))
}

func TestBlankNumberLabelDoesNotTakeAmount(t *testing.T) {
	raw := `From: Cash App <cash@square.com>
To: Jane Doe <jane.doe@example.com>
Subject: Bob Jones sent you $5.00

Bob Jones sent you $5.00

Transaction number
Amount: $5.00
`
	res := DefaultChain().Parse(mustMessage(t, raw))
	require.Error(t, res.Err)
	assert.Nil(t, res.Transaction)
	assert.True(t, errors.Is(res.Err, ErrNoTransactionNumber))
}

func TestFindCashTransactionNumberSkipsAmounts(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		want   string
		wantOK bool
	}{
		{"amount after blank label", "Transaction number\nAmount: $5.00", "", false},
		{"grouped amount after label", "Payment ID:\n1,234.56", "", false},
		{"amount then id on label line", "Confirmation number: $12.00 48213377", "48213377", true},
		{"numeric id on next line", "Confirmation number\n48213377", "48213377", true},
		{"d token after amount line", "Transaction number\nAmount: $5.00\n#D-ABCD1234", "#D-ABCD1234", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ok := findCashTransactionNumber(tt.text)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, m.Value)
		})
	}
}

func TestPromotionalMessageIsNotClaimed(t *testing.T) {
	raw := `From: Cash App <cash@square.com>
Subject: Get $10 bonus when you invite friends

Invite friends and earn $10 for each payment they send.
`
	res := DefaultChain().Parse(mustMessage(t, raw))
	assert.ErrorIs(t, res.Err, ErrNoParser)
	assert.Empty(t, res.Parser)
}

func TestGenericParserExtractsSenderFromProse(t *testing.T) {
	raw := `From: Venmo <venmo@venmo.com>
To: Jane Doe <jane@example.com>
Subject: You received $123.45

You received $123.45 from Jane Smith.
Transaction ID: 4455667788
`
	res := DefaultChain().Parse(mustMessage(t, raw))
	require.NoError(t, res.Err)
	assert.Equal(t, "generic", res.Parser)

	tx := res.Transaction
	assert.Equal(t, "venmo", tx.Provider)
	assert.Equal(t, "Jane Smith", tx.Sender)
	assert.Equal(t, "Jane Doe", tx.Recipient)
	assert.Equal(t, "4455667788", tx.TransactionNumber)
	assert.True(t, decimal.RequireFromString("123.45").Equal(tx.Amount))
	assert.Equal(t, domain.TypeReceived, tx.Type)
}

func TestGenericParserKeywordThreshold(t *testing.T) {
	raw := `From: news@example.com
Subject: Weekly update

Your payment is scheduled.
`
	msg := mustMessage(t, raw)
	assert.False(t, NewGenericParser().CanHandle(msg))
	assert.True(t, NewGenericParser(WithKeywordThreshold(1)).CanHandle(msg))
}

func TestGenericParserSkipsExcludedSender(t *testing.T) {
	raw := `From: cash@square.com
Subject: payment received

You received $5.00. Transaction ID: 12345
`
	msg := mustMessage(t, raw)
	assert.False(t, NewGenericParser().CanHandle(msg))
	assert.True(t, NewGenericParser(WithExcludedSenders("other@example.com")).CanHandle(msg))
}

type panickingParser struct{}

func (panickingParser) Name() string                 { return "boom" }
func (panickingParser) CanHandle(*mail.Message) bool { return true }
func (panickingParser) Extract(*mail.Message) (*domain.ParsedTransaction, error) {
	panic("unexpected input")
}

func TestChainRecoversParserPanic(t *testing.T) {
	chain := NewChain(panickingParser{}, NewGenericParser())
	res := chain.Parse(mustMessage(t, directReceipt))

	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, ErrParseFailed)
	assert.Contains(t, res.Err.Error(), "unexpected input")
	assert.Equal(t, "boom", res.Parser)
	assert.Equal(t, []string{"boom", "generic"}, chain.Names())
}

func TestValidate(t *testing.T) {
	err := Validate(&domain.ParsedTransaction{Sender: "Bob", Amount: decimal.NewFromInt(1), Provider: "x"})
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "transaction number")

	err = Validate(&domain.ParsedTransaction{TransactionNumber: "#D-1", Sender: "Bob", Amount: decimal.Zero, Provider: "x"})
	assert.ErrorContains(t, err, "positive amount")

	assert.NoError(t, Validate(&domain.ParsedTransaction{TransactionNumber: "#D-1", Sender: "Bob", Amount: decimal.NewFromInt(1), Provider: "x"}))
	assert.ErrorIs(t, Validate(nil), ErrInvalid)
}
