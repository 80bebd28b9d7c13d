// Folio keeps rendered thumbnails in memory so scrolling back to a page doesn't render it again.
// This module provides the interface every thumbnail cache layer implements, so the pipeline works the same
// whether caching is enabled (Store) or not (NoOp).

package cache

import (
	"image"

	"github.com/nobletooth/folio/pkg/types"
)

// Layer defines the contract of a byte-budgeted thumbnail cache.
type Layer interface {
	// Get returns the cached image for `key` and refreshes its recency.
	Get(key types.Key) (image.Image, bool)
	// GetFirst returns the first of `keys` that is cached, as a single lookup.
	GetFirst(keys ...types.Key) (types.Key, image.Image, bool)
	// Put caches `img` under `key`, evicting least recently used entries if needed. It returns false if the image
	// was not cached, e.g. because it alone doesn't fit the budget.
	Put(key types.Key, img image.Image) bool
	// Contains reports whether `key` is cached without touching its recency.
	Contains(key types.Key) bool
	// EvictToBudget evicts entries until the cached bytes fit the effective budget; returns the evicted count.
	EvictToBudget() int
	// EvictUnpinned evicts every entry that is not pinned; returns the evicted count.
	EvictUnpinned() int
	// SetBudget changes the effective budget. It doesn't evict; call EvictToBudget afterward.
	SetBudget(bytes int64)
	// ResetBudget restores the effective budget to the nominal (configured) one.
	ResetBudget()
	// PinnedBytes returns the bytes held by pinned entries.
	PinnedBytes() int64
	// SetPinned installs the predicate deciding which keys are pinned. It must not call the cache.
	SetPinned(pinned func(types.Key) bool)
	ClearDocument(doc types.DocumentID) int // Removes every entry of `doc`; returns the removed count.
	Keys() []types.Key                      // Returns a slice of all keys currently in the cache.
	Clear()                                 // Removes all items from the cache.
	Stats() Stats
}

// Stats is a point in time snapshot of a cache layer.
type Stats struct {
	Entries       int
	Bytes         int64
	Budget        int64
	NominalBudget int64
}

// NoOp is a cache layer that doesn't store any items.
// It is used when cache is disabled.
type NoOp struct { // Implements Layer.
}

var _ Layer = (*NoOp)(nil)

// NewNoOp returns a no-operation cache layer that does not store any items.
func NewNoOp() *NoOp {
	return &NoOp{}
}

// Get always returns false, indicating the key is not found.
func (n *NoOp) Get(types.Key) (image.Image, bool) { return nil, false }

func (n *NoOp) GetFirst(...types.Key) (types.Key, image.Image, bool) { return types.Key{}, nil, false }

// Put never caches anything.
func (n *NoOp) Put(types.Key, image.Image) bool { return false }

func (n *NoOp) Contains(types.Key) bool { return false }
func (n *NoOp) EvictToBudget() int { return 0 }
func (n *NoOp) EvictUnpinned() int { return 0 }
func (n *NoOp) SetBudget(int64) {}
func (n *NoOp) ResetBudget() {}
func (n *NoOp) PinnedBytes() int64 { return 0 }
func (n *NoOp) SetPinned(func(types.Key) bool) {}
func (n *NoOp) ClearDocument(types.DocumentID) int { return 0 }
func (n *NoOp) Keys() []types.Key { return nil }
func (n *NoOp) Clear() {}
func (n *NoOp) Stats() Stats { return Stats{} }
