package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	gocache "github.com/patrickmn/go-cache"
	"github.com/ppiankov/tributary/internal/ingesterr"
	"github.com/ppiankov/tributary/internal/store"
)

// Record maps a fingerprint to its first sighting. Written at most once
// per retention window; the first writer wins.
type Record struct {
	Fingerprint string    `json:"fingerprint"`
	SourceID    string    `json:"source_id"`
	FirstSeen   time.Time `json:"first_seen"`
}

// Index decides item novelty
type Index interface {
	// CheckAndMark atomically tests and claims a fingerprint. Exactly
	// one caller across any number of concurrent runs receives
	// isNew=true.
	CheckAndMark(ctx context.Context, fingerprint, sourceID string) (isNew bool, err error)

	// Unmark surrenders a claimed fingerprint. Called when the item
	// behind a successful claim could not be persisted, so a later
	// replay can claim it again instead of dropping the item.
	Unmark(ctx context.Context, fingerprint string) error
}

// BadgerIndex implements Index with a conditional insert against the
// shared badger backend. A go-cache front absorbs repeat lookups for
// fingerprints this process has already resolved.
type BadgerIndex struct {
	backend   *store.Backend
	seen      *gocache.Cache
	retention time.Duration
}

// NewBadgerIndex creates an index with the given retention window. The
// window passed in should already include the conservative max-item-age
// margin so resurfacing items never read as new.
func NewBadgerIndex(backend *store.Backend, retention time.Duration) *BadgerIndex {
	return &BadgerIndex{
		backend:   backend,
		seen:      gocache.New(time.Hour, 10*time.Minute),
		retention: retention,
	}
}

var _ Index = (*BadgerIndex)(nil)

// CheckAndMark performs the insert-if-absent. Store failures classify as
// DataIntegrityRisk: the caller must halt rather than risk a duplicate
// persistence.
func (i *BadgerIndex) CheckAndMark(ctx context.Context, fingerprint, sourceID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	// Cheap in-process pre-check. Only a positive hit is trusted; a miss
	// always consults the store.
	if _, hit := i.seen.Get(fingerprint); hit {
		return false, nil
	}

	isNew := false
	err := i.backend.Update(func(tx *badger.Txn) error {
		_, err := tx.Get(store.DedupKey(fingerprint))
		if err == nil {
			isNew = false
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		rec := Record{
			Fingerprint: fingerprint,
			SourceID:    sourceID,
			FirstSeen:   time.Now().UTC(),
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}

		entry := badger.NewEntry(store.DedupKey(fingerprint), data)
		if i.retention > 0 {
			entry = entry.WithTTL(i.retention)
		}
		isNew = true
		return tx.SetEntry(entry)
	})
	if errors.Is(err, badger.ErrConflict) {
		// A concurrent writer claimed the fingerprint first
		i.seen.Set(fingerprint, struct{}{}, gocache.DefaultExpiration)
		return false, nil
	}
	if err != nil {
		return false, ingesterr.DataIntegrityRisk("dedup check-and-mark", err)
	}

	i.seen.Set(fingerprint, struct{}{}, gocache.DefaultExpiration)
	return isNew, nil
}

// Unmark deletes the fingerprint's record and memory-front entry
func (i *BadgerIndex) Unmark(ctx context.Context, fingerprint string) error {
	i.seen.Delete(fingerprint)

	err := i.backend.Update(func(tx *badger.Txn) error {
		return tx.Delete(store.DedupKey(fingerprint))
	})
	if err != nil {
		return ingesterr.DataIntegrityRisk("dedup unmark", err)
	}
	return nil
}
