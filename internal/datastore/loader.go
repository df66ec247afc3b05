package datastore

import (
	"context"
	"errors"

	"github.com/brainless/datastorer/internal/infer"
	"github.com/brainless/datastorer/internal/ingesterr"
	"github.com/brainless/datastorer/internal/log"
)

// BatchSize is the number of records sent per insert call.
const BatchSize = 100

// RecordSource emits records in row order through yield and stops at the
// first error yield returns.
type RecordSource func(yield func(Record) error) error

// ProgressFunc receives the running count of loaded records after each batch.
type ProgressFunc func(loaded int)

// Loader replaces the contents of a resource table.
type Loader struct {
	store     Store
	batchSize int
}

// NewLoader creates a loader writing to store.
func NewLoader(store Store) *Loader {
	return &Loader{store: store, batchSize: BatchSize}
}

// Fields maps inferred columns to store fields.
func Fields(columns []infer.Column) []Field {
	fields := make([]Field, len(columns))
	for i, c := range columns {
		fields[i] = Field{ID: c.Name, Type: c.Type.StoreType()}
	}
	return fields
}

// Load deletes any existing table for resourceID, recreates it from columns
// and inserts every record from source in sequential batches. It returns the
// number of records loaded.
func (l *Loader) Load(ctx context.Context, resourceID string, columns []infer.Column, source RecordSource, progress ProgressFunc) (int, error) {
	logger := log.WithResource(resourceID)

	if err := l.store.Delete(ctx, resourceID); err != nil {
		if !errors.Is(err, ErrNotFound) {
			return 0, asStoreError(err, "Deleting existing datastore failed")
		}
		logger.Debug("No existing datastore table to delete")
	}

	if err := l.store.Create(ctx, resourceID, Fields(columns), nil); err != nil {
		return 0, asStoreError(err, "Creating datastore table failed")
	}

	loaded := 0
	batch := make([]Record, 0, l.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.store.Upsert(ctx, resourceID, batch); err != nil {
			return asStoreError(err, "Inserting records failed")
		}
		loaded += len(batch)
		batch = make([]Record, 0, l.batchSize)
		if progress != nil {
			progress(loaded)
		}
		return nil
	}

	err := source(func(rec Record) error {
		batch = append(batch, rec)
		if len(batch) >= l.batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return loaded, err
	}
	if err := flush(); err != nil {
		return loaded, err
	}

	logger.Infof("Loaded %d records into datastore", loaded)
	return loaded, nil
}

// asStoreError keeps classified errors and wraps everything else as a
// StoreError.
func asStoreError(err error, msg string) error {
	if ingesterr.KindOf(err) != ingesterr.Unknown {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return ingesterr.Wrap(ingesterr.StoreError, err, "%s", msg)
}
