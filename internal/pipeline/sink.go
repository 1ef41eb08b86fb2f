package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/dvloznov/fraud-monitor/internal/domain"
)

// SinkWriter appends every classified transaction to the durable store.
type SinkWriter struct {
	store   RowStore
	timeout time.Duration
}

// NewSinkWriter creates a writer whose store calls are bounded by timeout.
func NewSinkWriter(store RowStore, timeout time.Duration) *SinkWriter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SinkWriter{store: store, timeout: timeout}
}

// Write inserts one DurableRow. Any rejected row or failed call is a *WriteError.
func (w *SinkWriter) Write(ctx context.Context, tx domain.ClassifiedTransaction) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	rowErrs, err := w.store.InsertRows(ctx, []*domain.DurableRow{domain.NewDurableRow(tx)})
	if err != nil {
		return &WriteError{Code: RowInsertFailed, Err: err}
	}
	if len(rowErrs) > 0 {
		return &WriteError{Code: RowInsertFailed, RowErrors: rowErrs, Err: errors.New("row rejected by store")}
	}
	return nil
}
