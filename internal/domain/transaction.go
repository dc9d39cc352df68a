package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Field names a ParsedTransaction attribute that carries provenance.
type Field string

const (
	FieldAmount            Field = "amount"
	FieldSender            Field = "sender"
	FieldRecipient         Field = "recipient"
	FieldTransactionNumber Field = "transaction_number"
	FieldDepositTarget     Field = "deposit_target"
	FieldOccurredAt        Field = "occurred_at"
	FieldStatus            Field = "status"
	FieldType              Field = "type"
	FieldDescription       Field = "description"
)

// Source tags which strategy produced a field value.
type Source string

const (
	SourceExplicitLabel            Source = "explicit-label"
	SourcePatternHeuristic         Source = "pattern-heuristic"
	SourceHeaderFallback           Source = "header-fallback"
	SourcePaymentBlock             Source = "payment-block"
	SourceAccountOwnerSubstitution Source = "account-owner-substitution"
	SourceDefault                  Source = "default"
)

// Provenance records how one field was extracted.
type Provenance struct {
	Source Source `json:"source"`
	Rule   string `json:"rule,omitempty"`
	// FromHTML is set when the value came from the tag-stripped HTML part.
	FromHTML bool `json:"from_html,omitempty"`
}

// Transaction types.
const (
	TypeReceived = "received"
	TypeSent     = "sent"
	TypeRequest  = "request"
	TypeRefund   = "refund"
	TypeTransfer = "transfer"
)

// Transaction statuses.
const (
	StatusCompleted = "completed"
	StatusPending   = "pending"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// DefaultCurrency is applied when a message does not name one.
const DefaultCurrency = "USD"

// ParsedTransaction is the output of a provider parser. It never exists
// without a TransactionNumber.
type ParsedTransaction struct {
	TransactionNumber string
	Sender            string
	Recipient         string
	Amount            decimal.Decimal
	Currency          string
	Type              string
	Status            string
	OccurredAt        *time.Time
	DepositTarget     string
	Description       string
	Provider          string
	Provenance        map[Field]Provenance
}

// SetProvenance records the provenance of a field, allocating the map on first use.
func (p *ParsedTransaction) SetProvenance(f Field, prov Provenance) {
	if p.Provenance == nil {
		p.Provenance = make(map[Field]Provenance)
	}
	p.Provenance[f] = prov
}

// Timestamp sources on the canonical record.
const (
	TimestampParsed     = "parsed"
	TimestampRawHeaders = "raw_headers"
)

// Transaction is the canonical record handed to sinks.
type Transaction struct {
	TransactionNumber string               `json:"transaction_number"`
	Sender            string               `json:"sender"`
	Recipient         string               `json:"recipient"`
	Amount            decimal.Decimal      `json:"amount"`
	Currency          string               `json:"currency"`
	Type              string               `json:"type"`
	Status            string               `json:"status"`
	Description       string               `json:"description"`
	Subject           string               `json:"subject"`
	OccurredAt        *time.Time           `json:"occurred_at,omitempty"`
	TimestampSource   string               `json:"timestamp_source,omitempty"`
	HeaderMatch       string               `json:"header_match,omitempty"`
	Provider          string               `json:"provider"`
	DepositTarget     string               `json:"deposit_target,omitempty"`
	RawBody           string               `json:"raw_body,omitempty"`
	Provenance        map[Field]Provenance `json:"provenance,omitempty"`
	IntegrationID     string               `json:"integration_id,omitempty"`
	UserID            string               `json:"user_id,omitempty"`
	MessageID         string               `json:"message_id,omitempty"`
}
