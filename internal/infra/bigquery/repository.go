package bigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/fraud-monitor/internal/domain"
	"github.com/dvloznov/fraud-monitor/internal/pipeline"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// BigQueryTransactionRepository is the durable store for classified transactions.
// It holds a shared BigQuery client; the client is safe for concurrent use.
type BigQueryTransactionRepository struct {
	client  *bigquery.Client
	dataset string
	table   string
}

// NewBigQueryTransactionRepository creates a repository backed by a new
// BigQuery client for projectID.
func NewBigQueryTransactionRepository(ctx context.Context, projectID, dataset, table string, opts ...option.ClientOption) (*BigQueryTransactionRepository, error) {
	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("NewBigQueryTransactionRepository: creating client: %w", err)
	}
	return &BigQueryTransactionRepository{
		client:  client,
		dataset: dataset,
		table:   table,
	}, nil
}

// Close closes the BigQuery client connection.
func (r *BigQueryTransactionRepository) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Client exposes the underlying client for the migrator.
func (r *BigQueryTransactionRepository) Client() *bigquery.Client { return r.client }

// FullTableName returns the `project.dataset.table` identifier.
func (r *BigQueryTransactionRepository) FullTableName() string {
	return fmt.Sprintf("`%s.%s.%s`", r.client.Project(), r.dataset, r.table)
}

// InsertRows streams rows into the transactions table. Rows the backend
// rejects are returned as RowErrors; a failed call is returned as error.
func (r *BigQueryTransactionRepository) InsertRows(ctx context.Context, rows []*domain.DurableRow) ([]domain.RowError, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	inserter := r.client.Dataset(r.dataset).Table(r.table).Inserter()
	return rowErrors(inserter.Put(ctx, rows))
}

// rowErrors splits a Put error into per-row failures and call failures.
func rowErrors(err error) ([]domain.RowError, error) {
	if err == nil {
		return nil, nil
	}

	var multi bigquery.PutMultiError
	if !errors.As(err, &multi) {
		return nil, fmt.Errorf("InsertRows: inserting rows: %w", err)
	}

	out := make([]domain.RowError, 0, len(multi))
	for _, rowErr := range multi {
		out = append(out, domain.RowError{
			Index:   rowErr.RowIndex,
			Message: rowErr.Errors.Error(),
		})
	}
	return out, nil
}

// TableExists reports whether the transactions table exists.
func (r *BigQueryTransactionRepository) TableExists(ctx context.Context) (bool, error) {
	_, err := r.client.Dataset(r.dataset).Table(r.table).Metadata(ctx)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("TableExists: reading metadata: %w", err)
}

// QuerySuspicious returns the most recent suspicious rows, newest first.
func (r *BigQueryTransactionRepository) QuerySuspicious(ctx context.Context, limit int) ([]*domain.DurableRow, error) {
	if limit <= 0 {
		limit = 50
	}

	q := r.client.Query(fmt.Sprintf(`
		SELECT
			transactionId,
			userId,
			amount,
			timestamp,
			country,
			cardholderId,
			isSuspicious
		FROM %s
		WHERE isSuspicious
		ORDER BY timestamp DESC
		LIMIT @limit
	`, r.FullTableName()))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "limit", Value: limit},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("QuerySuspicious: query read: %w", err)
	}

	var rows []*domain.DurableRow
	for {
		var row domain.DurableRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("QuerySuspicious: iter next: %w", err)
		}
		rows = append(rows, &row)
	}

	return rows, nil
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

var _ pipeline.RowStore = (*BigQueryTransactionRepository)(nil)
