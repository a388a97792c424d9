package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/ppiankov/tributary/internal/model"
)

// RunRepository keeps the append-only run audit trail
type RunRepository struct {
	backend *Backend
}

// NewRunRepository creates a RunRepository over the shared backend
func NewRunRepository(backend *Backend) *RunRepository {
	return &RunRepository{backend: backend}
}

// Append writes a finalized run record. Records are never updated in
// place: a run is appended once, after finalization.
func (r *RunRepository) Append(ctx context.Context, run *model.IngestionRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	return r.backend.Update(func(tx *badger.Txn) error {
		return tx.Set(runKey(run.SourceID, run.StartedAt.UnixNano(), run.ID), data)
	})
}

// Recent returns up to limit runs for a source, most recent first
func (r *RunRepository) Recent(ctx context.Context, sourceID string, limit int) ([]*model.IngestionRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var runs []*model.IngestionRun
	err := r.backend.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = runSourcePrefix(sourceID)
		opts.Reverse = true
		iter := tx.NewIterator(opts)
		defer iter.Close()

		// Reverse iteration starts past the last key of the prefix
		seek := append(runSourcePrefix(sourceID), 0xff)
		for iter.Seek(seek); iter.Valid(); iter.Next() {
			if limit > 0 && len(runs) >= limit {
				break
			}
			err := iter.Item().Value(func(val []byte) error {
				run := &model.IngestionRun{}
				if err := json.Unmarshal(val, run); err != nil {
					return err
				}
				runs = append(runs, run)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// Last returns the most recent run for a source, ErrNotFound if none
func (r *RunRepository) Last(ctx context.Context, sourceID string) (*model.IngestionRun, error) {
	runs, err := r.Recent(ctx, sourceID, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrNotFound
	}
	return runs[0], nil
}
