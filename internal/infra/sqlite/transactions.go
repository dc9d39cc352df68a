package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/dvloznov/mailtx/internal/domain"
	"github.com/dvloznov/mailtx/internal/sink"
	"github.com/dvloznov/mailtx/internal/store"
)

// InsertRecord inserts one pay transaction. A row with the same user,
// transaction number and provider yields sink.ErrDuplicate.
func (d *DB) InsertRecord(ctx context.Context, rec sink.Record) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO pay_transactions (
			transaction_id, user_id, amount_paid, paid_by, paid_to, status,
			transaction_number, transaction_date, payment_provider, source,
			raw_data, created_by, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		uuid.NewString(), rec.UserID, rec.Amount.String(), rec.PaidBy, rec.PaidTo, rec.Status,
		rec.TransactionNumber, nullTime(rec.OccurredAt), rec.Provider, rec.Source,
		string(rec.RawData), rec.CreatedBy, formatTime(d.now()),
	)
	if isConstraintUnique(err) {
		return fmt.Errorf("InsertRecord: %s: %w", rec.TransactionNumber, sink.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("InsertRecord: %w", err)
	}
	return nil
}

func isConstraintUnique(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

// Upsert writes txs one record at a time.
func (d *DB) Upsert(ctx context.Context, txs []domain.Transaction) (*sink.Report, error) {
	return sink.UpsertEach(ctx, d, txs, d.metrics)
}

// ListTransactions returns stored transactions in occurrence order.
func (d *DB) ListTransactions(ctx context.Context, filter store.TransactionFilter) ([]domain.Transaction, error) {
	query := `
		SELECT user_id, amount_paid, paid_by, paid_to, status,
			transaction_number, transaction_date, payment_provider, raw_data
		FROM pay_transactions
		WHERE 1 = 1`
	var args []any

	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if !filter.Start.IsZero() {
		query += ` AND transaction_date >= ?`
		args = append(args, formatTime(filter.Start))
	}
	if !filter.End.IsZero() {
		query += ` AND transaction_date <= ?`
		args = append(args, formatTime(filter.End))
	}
	query += ` ORDER BY transaction_date, created_at`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ListTransactions: querying: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("ListTransactions: %w", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListTransactions: iterating: %w", err)
	}
	return out, nil
}

// scanTransaction rebuilds the canonical record from its raw payload, then
// lets the stored columns win.
func scanTransaction(rows *sql.Rows) (domain.Transaction, error) {
	var (
		tx       domain.Transaction
		amount   string
		occurred sql.NullString
		raw      sql.NullString
		userID   string
		paidBy   string
		paidTo   string
		status   string
		number   string
		provider string
	)
	if err := rows.Scan(&userID, &amount, &paidBy, &paidTo, &status, &number, &occurred, &provider, &raw); err != nil {
		return tx, fmt.Errorf("scanning transaction: %w", err)
	}

	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &tx); err != nil {
			return tx, fmt.Errorf("decoding raw_data for %s: %w", number, err)
		}
	}

	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return tx, fmt.Errorf("parsing amount_paid for %s: %w", number, err)
	}
	at, err := parseNullTime(occurred)
	if err != nil {
		return tx, err
	}

	tx.UserID = userID
	tx.Amount = amt
	tx.Sender = paidBy
	tx.Recipient = paidTo
	tx.Status = status
	tx.TransactionNumber = number
	tx.OccurredAt = at
	tx.Provider = provider
	return tx, nil
}
