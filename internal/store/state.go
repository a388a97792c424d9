package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/ppiankov/tributary/internal/model"
)

// StateRepository persists per-source health and the committed
// resumption cursor. Only the SourceManager writes here.
type StateRepository struct {
	backend *Backend
}

// NewStateRepository creates a StateRepository over the shared backend
func NewStateRepository(backend *Backend) *StateRepository {
	return &StateRepository{backend: backend}
}

// Save writes the state for a source, replacing any prior state
func (r *StateRepository) Save(ctx context.Context, state *model.SourceState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return r.backend.Update(func(tx *badger.Txn) error {
		return tx.Set(stateKey(state.SourceID), data)
	})
}

// Load retrieves the state for a source. A source that has never run
// returns a fresh healthy state, not an error.
func (r *StateRepository) Load(ctx context.Context, sourceID string) (*model.SourceState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	state := &model.SourceState{
		SourceID: sourceID,
		Health:   model.HealthHealthy,
	}
	err := r.backend.View(func(tx *badger.Txn) error {
		entry, err := tx.Get(stateKey(sourceID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return entry.Value(func(val []byte) error {
			return json.Unmarshal(val, state)
		})
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}
