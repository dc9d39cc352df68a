package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/mailtx/internal/domain"
	"github.com/dvloznov/mailtx/internal/sink"
	"github.com/dvloznov/mailtx/internal/store"
)

// insertPayTransactionSQL inserts the row only when no row with the same
// user, transaction number and provider exists.
func insertPayTransactionSQL(ds Dataset) string {
	table := ds.Table(payTransactionsTable)
	return `
		INSERT INTO ` + table + ` (
			transaction_id, user_id, amount_paid, paid_by, paid_to, status,
			transaction_number, transaction_date, payment_provider, source,
			raw_data, created_by, created_at
		)
		SELECT
			@transaction_id, @user_id, @amount_paid, @paid_by, @paid_to, @status,
			@transaction_number, @transaction_date, @payment_provider, @source,
			SAFE.PARSE_JSON(@raw_data), @created_by, CURRENT_TIMESTAMP()
		FROM UNNEST([1])
		WHERE NOT EXISTS (
			SELECT 1 FROM ` + table + `
			WHERE user_id = @user_id
			  AND transaction_number = @transaction_number
			  AND payment_provider = @payment_provider
		)
	`
}

// InsertPayTransactionWithClient inserts one record. When a row with the same
// key already exists nothing is written and sink.ErrDuplicate is returned.
func InsertPayTransactionWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, rec sink.Record) error {
	q := client.Query(insertPayTransactionSQL(ds))
	q.Parameters = recordParams(uuid.NewString(), rec)

	status, err := runDML(ctx, q)
	if err != nil {
		return fmt.Errorf("InsertPayTransactionWithClient: %w", err)
	}
	if n, ok := affectedRows(status); ok && n == 0 {
		return fmt.Errorf("InsertPayTransactionWithClient: %s: %w", rec.TransactionNumber, sink.ErrDuplicate)
	}
	return nil
}

type recordWriter struct {
	client *bigquery.Client
	ds     Dataset
}

func (w recordWriter) InsertRecord(ctx context.Context, rec sink.Record) error {
	return InsertPayTransactionWithClient(ctx, w.client, w.ds, rec)
}

// transactionsQuery builds the stored-transaction listing for filter.
func transactionsQuery(ds Dataset, filter store.TransactionFilter) (string, []bigquery.QueryParameter) {
	sql := `
		SELECT
			user_id,
			CAST(amount_paid AS STRING) AS amount_paid,
			paid_by,
			paid_to,
			status,
			transaction_number,
			transaction_date,
			payment_provider,
			TO_JSON_STRING(raw_data) AS raw_data
		FROM ` + ds.Table(payTransactionsTable) + `
		WHERE TRUE`
	var params []bigquery.QueryParameter

	if filter.UserID != "" {
		sql += `
		  AND user_id = @user_id`
		params = append(params, bigquery.QueryParameter{Name: "user_id", Value: filter.UserID})
	}
	if !filter.Start.IsZero() {
		sql += `
		  AND transaction_date >= @start_ts`
		params = append(params, bigquery.QueryParameter{Name: "start_ts", Value: filter.Start})
	}
	if !filter.End.IsZero() {
		sql += `
		  AND transaction_date <= @end_ts`
		params = append(params, bigquery.QueryParameter{Name: "end_ts", Value: filter.End})
	}
	sql += `
		ORDER BY transaction_date, created_at`
	if filter.Limit > 0 {
		sql += `
		LIMIT @limit`
		params = append(params, bigquery.QueryParameter{Name: "limit", Value: filter.Limit})
	}
	return sql, params
}

// ListTransactionsWithClient returns stored transactions in occurrence order.
func ListTransactionsWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, filter store.TransactionFilter) ([]domain.Transaction, error) {
	sql, params := transactionsQuery(ds, filter)
	q := client.Query(sql)
	q.Parameters = params

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListTransactionsWithClient: query read: %w", err)
	}

	var out []domain.Transaction
	for {
		var row PayTransactionRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListTransactionsWithClient: iter next: %w", err)
		}
		tx, err := row.Transaction()
		if err != nil {
			return nil, fmt.Errorf("ListTransactionsWithClient: %w", err)
		}
		out = append(out, tx)
	}
	return out, nil
}
