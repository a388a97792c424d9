package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ppiankov/tributary/internal/model"
)

// ItemRepository is the persistence gateway for enriched items. Upsert
// is idempotent keyed by fingerprint, which is what lets the pipeline
// run with at-least-once delivery upstream.
type ItemRepository struct {
	backend *Backend
}

// NewItemRepository creates an ItemRepository over the shared backend
func NewItemRepository(backend *Backend) *ItemRepository {
	return &ItemRepository{backend: backend}
}

// Upsert writes an item keyed by fingerprint, replacing any prior
// version. Items with a non-final enrichment status are indexed for the
// deferred sweep.
func (r *ItemRepository) Upsert(ctx context.Context, fingerprint string, item *model.EnrichedItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if item.PersistedAt.IsZero() {
		item.PersistedAt = time.Now().UTC()
	}

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}

	return r.backend.Update(func(tx *badger.Txn) error {
		if err := tx.Set(itemKey(fingerprint), data); err != nil {
			return err
		}
		if item.EnrichmentStatus == model.EnrichmentDeferred {
			return tx.Set(deferredKey(fingerprint), nil)
		}
		return tx.Delete(deferredKey(fingerprint))
	})
}

// Exists reports whether an item with the fingerprint was persisted.
// Cheap pre-check only; the dedup index stays authoritative.
func (r *ItemRepository) Exists(ctx context.Context, fingerprint string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	exists := false
	err := r.backend.View(func(tx *badger.Txn) error {
		_, err := tx.Get(itemKey(fingerprint))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

// Get retrieves an item by fingerprint
func (r *ItemRepository) Get(ctx context.Context, fingerprint string) (*model.EnrichedItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var item *model.EnrichedItem
	err := r.backend.View(func(tx *badger.Txn) error {
		entry, err := tx.Get(itemKey(fingerprint))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return entry.Value(func(val []byte) error {
			item = &model.EnrichedItem{}
			return json.Unmarshal(val, item)
		})
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// ListDeferred returns up to limit items awaiting enrichment retry
func (r *ItemRepository) ListDeferred(ctx context.Context, limit int) ([]*model.EnrichedItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var fingerprints []string
	err := r.backend.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(deferredPrefix)
		opts.PrefetchValues = false
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			if limit > 0 && len(fingerprints) >= limit {
				break
			}
			key := string(iter.Item().Key())
			fingerprints = append(fingerprints, key[len(deferredPrefix):])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	items := make([]*model.EnrichedItem, 0, len(fingerprints))
	for _, fp := range fingerprints {
		item, err := r.Get(ctx, fp)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}
