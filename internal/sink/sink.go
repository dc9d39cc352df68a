// Package sink writes canonical transactions to durable storage idempotently.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/mailtx/internal/domain"
	"github.com/dvloznov/mailtx/internal/logger"
	"github.com/dvloznov/mailtx/internal/metrics"
)

// Source tags every record written by this pipeline.
const Source = "email-ingest"

var (
	// ErrDuplicate reports a record whose uniqueness key already exists.
	ErrDuplicate = errors.New("duplicate transaction")

	ErrMissingUserID = errors.New("missing user_id")
	ErrInvalidAmount = errors.New("invalid amount_paid")
)

// Sink persists transactions. Re-submitting a record is harmless: it is
// reported as a duplicate.
type Sink interface {
	Upsert(ctx context.Context, txs []domain.Transaction) (*Report, error)
}

// RecordError describes one record that was neither inserted nor a duplicate.
type RecordError struct {
	TransactionNumber string `json:"transaction_number"`
	Reason            string `json:"error"`
}

// Report summarises one Upsert call.
type Report struct {
	Inserted   int           `json:"inserted_count"`
	Duplicates int           `json:"duplicate_count"`
	Errors     int           `json:"error_count"`
	Details    []RecordError `json:"errors,omitempty"`
}

// Record is the row written for one transaction. The uniqueness key is
// (UserID, TransactionNumber, Provider).
type Record struct {
	UserID            string
	Amount            decimal.Decimal
	PaidBy            string
	PaidTo            string
	Status            string
	TransactionNumber string
	OccurredAt        *time.Time
	Provider          string
	Source            string
	RawData           json.RawMessage
	CreatedBy         string
}

// Validate rejects a transaction before any storage call is made.
func Validate(tx domain.Transaction) error {
	if strings.TrimSpace(tx.UserID) == "" {
		return ErrMissingUserID
	}
	if !tx.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}

// NewRecord builds the stored row for tx. The full canonical record is kept
// as the raw payload.
func NewRecord(tx domain.Transaction) (Record, error) {
	raw, err := json.Marshal(tx)
	if err != nil {
		return Record{}, fmt.Errorf("NewRecord: encoding raw payload: %w", err)
	}
	status := strings.ToLower(tx.Status)
	if status == "" {
		status = domain.StatusCompleted
	}
	return Record{
		UserID:            tx.UserID,
		Amount:            tx.Amount,
		PaidBy:            tx.Sender,
		PaidTo:            tx.Recipient,
		Status:            status,
		TransactionNumber: tx.TransactionNumber,
		OccurredAt:        tx.OccurredAt,
		Provider:          tx.Provider,
		Source:            Source,
		RawData:           raw,
		CreatedBy:         tx.UserID,
	}, nil
}

// uniqueSignatures are substrings storage engines use for key conflicts.
var uniqueSignatures = []string{
	"duplicate key",
	"unique constraint",
	"sqlite_constraint_unique",
	"already exists",
}

// IsUniqueViolation reports whether err signals an existing uniqueness key.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicate) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range uniqueSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// RecordWriter inserts one record. A conflict on the uniqueness key must be
// reported as an error satisfying IsUniqueViolation.
type RecordWriter interface {
	InsertRecord(ctx context.Context, rec Record) error
}

// UpsertEach validates and inserts txs one at a time through w. Only context
// cancellation aborts the batch; every other failure is counted in the report.
func UpsertEach(ctx context.Context, w RecordWriter, txs []domain.Transaction, m *metrics.Metrics) (*Report, error) {
	log := logger.FromContext(ctx)
	rep := &Report{}

	for _, tx := range txs {
		if err := ctx.Err(); err != nil {
			return rep, fmt.Errorf("UpsertEach: %w", err)
		}

		if err := Validate(tx); err != nil {
			rep.fail(tx.TransactionNumber, err)
			continue
		}
		rec, err := NewRecord(tx)
		if err != nil {
			rep.fail(tx.TransactionNumber, err)
			continue
		}

		err = w.InsertRecord(ctx, rec)
		switch {
		case err == nil:
			rep.Inserted++
		case IsUniqueViolation(err):
			rep.Duplicates++
			log.Debug().Str("transaction_number", tx.TransactionNumber).Msg("Duplicate transaction skipped")
		default:
			rep.fail(tx.TransactionNumber, err)
			log.Error().Err(err).Str("transaction_number", tx.TransactionNumber).Msg("Failed to insert transaction")
		}
	}

	m.SinkResult("inserted", rep.Inserted)
	m.SinkResult("duplicate", rep.Duplicates)
	m.SinkResult("error", rep.Errors)
	log.Info().
		Int("inserted", rep.Inserted).
		Int("duplicates", rep.Duplicates).
		Int("errors", rep.Errors).
		Msg("Sink upsert complete")
	return rep, nil
}

func (r *Report) fail(number string, err error) {
	r.Errors++
	r.Details = append(r.Details, RecordError{TransactionNumber: number, Reason: err.Error()})
}

// Discard is a Sink that stores nothing and reports every record as inserted.
type Discard struct{}

func (Discard) Upsert(_ context.Context, txs []domain.Transaction) (*Report, error) {
	return &Report{Inserted: len(txs)}, nil
}
