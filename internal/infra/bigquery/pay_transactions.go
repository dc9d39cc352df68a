package bigquery

import (
	"encoding/json"
	"fmt"

	"cloud.google.com/go/bigquery"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/mailtx/internal/domain"
	"github.com/dvloznov/mailtx/internal/sink"
)

// PayTransactionRow is a pay_transactions row as read back. NUMERIC and JSON
// columns are selected as strings.
type PayTransactionRow struct {
	UserID            string                 `bigquery:"user_id"`            // REQUIRED
	AmountPaid        string                 `bigquery:"amount_paid"`        // REQUIRED NUMERIC
	PaidBy            bigquery.NullString    `bigquery:"paid_by"`            // NULLABLE
	PaidTo            bigquery.NullString    `bigquery:"paid_to"`            // NULLABLE
	Status            bigquery.NullString    `bigquery:"status"`             // NULLABLE
	TransactionNumber string                 `bigquery:"transaction_number"` // REQUIRED
	TransactionDate   bigquery.NullTimestamp `bigquery:"transaction_date"`   // NULLABLE
	PaymentProvider   string                 `bigquery:"payment_provider"`   // REQUIRED
	RawData           bigquery.NullString    `bigquery:"raw_data"`           // NULLABLE JSON
}

// Transaction rebuilds the canonical record from the raw payload, then lets
// the stored columns win.
func (r *PayTransactionRow) Transaction() (domain.Transaction, error) {
	var tx domain.Transaction
	if r.RawData.Valid && r.RawData.StringVal != "" {
		if err := json.Unmarshal([]byte(r.RawData.StringVal), &tx); err != nil {
			return tx, fmt.Errorf("decoding raw_data for %s: %w", r.TransactionNumber, err)
		}
	}

	amount, err := decimal.NewFromString(r.AmountPaid)
	if err != nil {
		return tx, fmt.Errorf("parsing amount_paid for %s: %w", r.TransactionNumber, err)
	}

	tx.UserID = r.UserID
	tx.Amount = amount
	tx.Sender = r.PaidBy.StringVal
	tx.Recipient = r.PaidTo.StringVal
	tx.Status = r.Status.StringVal
	tx.TransactionNumber = r.TransactionNumber
	tx.Provider = r.PaymentProvider
	tx.OccurredAt = nil
	if r.TransactionDate.Valid {
		t := r.TransactionDate.Timestamp
		tx.OccurredAt = &t
	}
	return tx, nil
}

// recordParams binds rec to the insert statement's parameters.
func recordParams(transactionID string, rec sink.Record) []bigquery.QueryParameter {
	var occurred bigquery.NullTimestamp
	if rec.OccurredAt != nil {
		occurred = bigquery.NullTimestamp{Timestamp: *rec.OccurredAt, Valid: true}
	}
	return []bigquery.QueryParameter{
		{Name: "transaction_id", Value: transactionID},
		{Name: "user_id", Value: rec.UserID},
		{Name: "amount_paid", Value: rec.Amount.Rat()},
		{Name: "paid_by", Value: rec.PaidBy},
		{Name: "paid_to", Value: rec.PaidTo},
		{Name: "status", Value: rec.Status},
		{Name: "transaction_number", Value: rec.TransactionNumber},
		{Name: "transaction_date", Value: occurred},
		{Name: "payment_provider", Value: rec.Provider},
		{Name: "source", Value: rec.Source},
		{Name: "raw_data", Value: string(rec.RawData)},
		{Name: "created_by", Value: rec.CreatedBy},
	}
}
