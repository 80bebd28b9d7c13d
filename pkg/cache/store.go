// This module implements the thumbnail cache store: a strict LRU with byte accounting.
// Eviction Policy (LRU):
// Entries live in a doubly linked list ordered by recency; the front is the most recently used entry and the back is
// the least recently used one. Every hit moves the entry to the front. When room is needed, entries are evicted from
// the back of the list.
//
// Budget:
// Each entry is accounted by its estimated size (width x height x bytes per pixel). The sum of cached bytes never
// exceeds the effective budget once an eviction pass completes. The effective budget starts at the nominal
// (configured) budget and may be shrunk by the memory pressure monitor.
//
// Pinning:
// Entries whose key is pinned (visible in the viewport) are skipped when making room for a new entry; a new entry
// that only fits by evicting pinned entries is not cached. EvictToBudget evicts unpinned entries first and pinned
// ones only if the budget is still exceeded.

package cache

import (
	"flag"
	"image"
	"log/slog"
	"sync"

	"github.com/nobletooth/folio/pkg/types"
	"github.com/nobletooth/folio/pkg/utils"
)

var (
	budgetBytes = flag.Int64("thumb_cache_budget_bytes", 64<<20,
		"The nominal memory budget of the thumbnail cache in bytes; 0 or negative disables the cache.")
	cacheEnabled = flag.Bool("enable_thumb_cache", true, "Enable the in-memory thumbnail cache.")
	pinVisible   = flag.Bool("pin_visible_entries", true,
		"Protect thumbnails of the visible viewport range from eviction.")
)

// Options configures a Store.
type Options struct {
	BudgetBytes int64 // Nominal budget.
	PinVisible  bool  // When false, SetPinned predicates are ignored.
}

// OptionsFromFlags builds Options from the command line flags.
func OptionsFromFlags() Options {
	return Options{BudgetBytes: *budgetBytes, PinVisible: *pinVisible}
}

// NewLayer builds the cache layer according to configured flags; a NoOp layer if caching is disabled.
func NewLayer() Layer {
	opts := OptionsFromFlags()
	if !*cacheEnabled || opts.BudgetBytes <= 0 {
		slog.Info("Thumbnail cache is disabled.", "enabled", *cacheEnabled, "budget", opts.BudgetBytes)
		return NewNoOp()
	}
	return NewStore(opts)
}

// storeEntry is a single cached thumbnail.
type storeEntry struct {
	key   types.Key
	img   image.Image
	bytes int64
}

// Store is a thread-safe, byte-budgeted, strict LRU thumbnail cache.
type Store struct {
	index map[types.Key]*types.LinkedListNode[*storeEntry]
	// recency keeps entries ordered from the most recently used (front) to the least recently used (back).
	recency    types.LinkedList[*storeEntry]
	usedBytes  int64
	budget     int64 // Effective budget.
	nominal    int64
	pinVisible bool
	pinned     func(types.Key) bool
	mux        sync.RWMutex
}

var _ Layer = (*Store)(nil)

// NewStore is the constructor for Store.
func NewStore(opts Options) *Store {
	if opts.BudgetBytes < 0 {
		utils.RaiseInvariant("cache", "negative_cache_budget",
			"Invalid budget has been given to the thumbnail store.", "budget", opts.BudgetBytes)
		opts.BudgetBytes = 0
	}
	cacheBudget.Set(float64(opts.BudgetBytes))
	return &Store{
		index:      make(map[types.Key]*types.LinkedListNode[*storeEntry]),
		budget:     opts.BudgetBytes,
		nominal:    opts.BudgetBytes,
		pinVisible: opts.PinVisible,
	}
}

// Get retrieves the image cached for `key` and marks it as the most recently used entry.
func (s *Store) Get(key types.Key) (image.Image, bool /*found*/) {
	s.mux.Lock()
	defer s.mux.Unlock()

	node, found := s.index[key]
	if !found {
		cacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	cacheLookups.WithLabelValues("hit").Inc()
	s.recency.MoveToFront(node)
	return node.Value.img, true
}

// GetFirst retrieves the first of `keys` that is cached and marks it as the most recently used entry. It counts
// as one lookup however many keys are tried.
func (s *Store) GetFirst(keys ...types.Key) (types.Key, image.Image, bool /*found*/) {
	s.mux.Lock()
	defer s.mux.Unlock()

	for _, key := range keys {
		if node, found := s.index[key]; found {
			cacheLookups.WithLabelValues("hit").Inc()
			s.recency.MoveToFront(node)
			return key, node.Value.img, true
		}
	}
	cacheLookups.WithLabelValues("miss").Inc()
	return types.Key{}, nil, false
}

// Contains reports whether `key` is cached; it doesn't count as an access.
func (s *Store) Contains(key types.Key) bool {
	s.mux.RLock()
	defer s.mux.RUnlock()
	_, found := s.index[key]
	return found
}

// Put inserts or replaces the image cached for `key`. It returns false when the image is too big to be cached,
// in which case any previous image of `key` is dropped as well since it's no longer the latest result.
func (s *Store) Put(key types.Key, img image.Image) /*cached*/ bool {
	if img == nil {
		utils.RaiseInvariant("cache", "nil_image_put", "Tried to cache a nil thumbnail.", "key", key)
		return false
	}
	size := types.EstimateBytes(img)

	s.mux.Lock()
	defer s.mux.Unlock()

	if node, exists := s.index[key]; exists {
		s.removeLocked(node)
	}
	if size > s.budget {
		cacheTooBig.Inc()
		slog.Debug("Thumbnail is too big to cache.", "key", key, "bytes", size, "budget", s.budget)
		s.publishLocked()
		return false
	}

	// Find the least recently used unpinned entries that make room for the new one.
	var victims []*types.LinkedListNode[*storeEntry]
	freed := int64(0)
	for node := s.recency.Back(); node != nil && s.usedBytes-freed+size > s.budget; node = node.Prev() {
		if s.isPinnedLocked(node.Value.key) {
			continue
		}
		victims = append(victims, node)
		freed += node.Value.bytes
	}
	if s.usedBytes-freed+size > s.budget { // Only pinned entries are left to evict.
		cacheTooBig.Inc()
		slog.Debug("Thumbnail doesn't fit next to pinned thumbnails.", "key", key, "bytes", size,
			"budget", s.budget, "used", s.usedBytes)
		s.publishLocked()
		return false
	}
	for _, victim := range victims {
		s.removeLocked(victim)
		cacheEvictions.WithLabelValues("lru").Inc()
	}

	s.index[key] = s.recency.PushFront(&storeEntry{key: key, img: img, bytes: size})
	s.usedBytes += size
	s.publishLocked()
	return true
}

// EvictToBudget evicts least recently used entries until the cache fits its effective budget.
func (s *Store) EvictToBudget() int {
	s.mux.Lock()
	defer s.mux.Unlock()

	evicted := 0
	// Unpinned entries go first.
	for node := s.recency.Back(); node != nil && s.usedBytes > s.budget; {
		prev := node.Prev()
		if !s.isPinnedLocked(node.Value.key) {
			s.removeLocked(node)
			evicted++
		}
		node = prev
	}
	// Pinned entries only go if the budget is still exceeded.
	for node := s.recency.Back(); node != nil && s.usedBytes > s.budget; {
		prev := node.Prev()
		s.removeLocked(node)
		evicted++
		node = prev
	}
	if s.usedBytes > s.budget {
		utils.RaiseInvariant("cache", "budget_exceeded_after_eviction",
			"Cached bytes exceed the budget after an eviction pass.", "used", s.usedBytes, "budget", s.budget)
	}
	cacheEvictions.WithLabelValues("budget").Add(float64(evicted))
	s.publishLocked()
	return evicted
}

// EvictUnpinned evicts every entry that isn't pinned.
func (s *Store) EvictUnpinned() int {
	s.mux.Lock()
	defer s.mux.Unlock()

	evicted := 0
	for node := s.recency.Back(); node != nil; {
		prev := node.Prev()
		if !s.isPinnedLocked(node.Value.key) {
			s.removeLocked(node)
			evicted++
		}
		node = prev
	}
	cacheEvictions.WithLabelValues("pressure").Add(float64(evicted))
	s.publishLocked()
	return evicted
}

// SetBudget sets the effective budget; negative values are treated as zero.
func (s *Store) SetBudget(bytes int64) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.budget = max(bytes, 0)
	s.publishLocked()
}

// ResetBudget restores the nominal budget.
func (s *Store) ResetBudget() {
	s.SetBudget(s.nominal)
}

// PinnedBytes sums the bytes of pinned entries.
func (s *Store) PinnedBytes() int64 {
	s.mux.RLock()
	defer s.mux.RUnlock()

	pinnedBytes := int64(0)
	for node := s.recency.Front(); node != nil; node = node.Next() {
		if s.isPinnedLocked(node.Value.key) {
			pinnedBytes += node.Value.bytes
		}
	}
	return pinnedBytes
}

// SetPinned installs the pin predicate. NOTE: the predicate runs under the store lock; it must not call the store.
func (s *Store) SetPinned(pinned func(types.Key) bool) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.pinned = pinned
}

func (s *Store) isPinnedLocked(key types.Key) bool {
	return s.pinVisible && s.pinned != nil && s.pinned(key)
}

// ClearDocument removes all thumbnails of `doc`, e.g. when the document changed on disk.
func (s *Store) ClearDocument(doc types.DocumentID) int {
	s.mux.Lock()
	defer s.mux.Unlock()

	removed := 0
	for key, node := range s.index {
		if key.Doc == doc {
			s.removeLocked(node)
			removed++
		}
	}
	cacheEvictions.WithLabelValues("clear").Add(float64(removed))
	s.publishLocked()
	return removed
}

// Keys returns the cached keys from the most to the least recently used.
func (s *Store) Keys() []types.Key {
	s.mux.RLock()
	defer s.mux.RUnlock()

	keys := make([]types.Key, 0, s.recency.Len())
	for node := s.recency.Front(); node != nil; node = node.Next() {
		keys = append(keys, node.Value.key)
	}
	return keys
}

// Clear drops every cached thumbnail; used on session teardown.
func (s *Store) Clear() {
	s.mux.Lock()
	defer s.mux.Unlock()

	cacheEvictions.WithLabelValues("clear").Add(float64(len(s.index)))
	s.index = make(map[types.Key]*types.LinkedListNode[*storeEntry])
	s.recency = types.LinkedList[*storeEntry]{}
	s.usedBytes = 0
	s.publishLocked()
}

// Stats returns a snapshot of the store.
func (s *Store) Stats() Stats {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return Stats{Entries: len(s.index), Bytes: s.usedBytes, Budget: s.budget, NominalBudget: s.nominal}
}

// removeLocked unlinks `node` from the index and the recency list and releases its bytes.
func (s *Store) removeLocked(node *types.LinkedListNode[*storeEntry]) {
	delete(s.index, node.Value.key)
	s.recency.Remove(node)
	s.usedBytes -= node.Value.bytes
	if s.usedBytes < 0 {
		utils.RaiseInvariant("cache", "negative_used_bytes", "Cached bytes went below zero.",
			"used", s.usedBytes, "key", node.Value.key)
		s.usedBytes = 0
	}
}

func (s *Store) publishLocked() {
	cacheBytes.Set(float64(s.usedBytes))
	cacheEntries.Set(float64(len(s.index)))
	cacheBudget.Set(float64(s.budget))
}
