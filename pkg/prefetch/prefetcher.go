// The prefetcher keeps the thumbnails around the viewport warm. Each visible range update computes an extended
// window, the visible pages plus a lookahead margin on both sides, and submits utility requests for the pages of
// the window that are neither cached nor being generated. Prefetches it submitted earlier that fall outside the
// new window are cancelled; requests of other callers are never touched.
//
// Pages that failed to render (not found, render failure) are remembered in a bloom filter and not prefetched
// again during the session. A false positive only skips a prefetch, an explicit request still renders the page.
//
// The visible range is also the pin range of the cache: with pinning enabled, visible thumbnails are evicted last.

package prefetch

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/nobletooth/folio/pkg/cache"
	"github.com/nobletooth/folio/pkg/schedule"
	"github.com/nobletooth/folio/pkg/types"
	"github.com/nobletooth/folio/pkg/utils"
)

var (
	lookahead        = flag.Int("prefetch_lookahead", 8, "Pages prefetched on each side of the visible range.")
	failedFilterSize = flag.Uint("prefetch_failed_filter_size", 4096,
		"Expected number of failed pages remembered by the prefetcher.")
	failedFilterFPRate = flag.Float64("prefetch_failed_filter_fp_rate", 0.01,
		"False positive rate of the failed pages filter.")
)

// Options configures a Prefetcher.
type Options struct {
	Lookahead          int
	FailedFilterSize   uint
	FailedFilterFPRate float64
}

// OptionsFromFlags builds Options from the command line flags.
func OptionsFromFlags() Options {
	return Options{Lookahead: *lookahead, FailedFilterSize: *failedFilterSize, FailedFilterFPRate: *failedFilterFPRate}
}

// Scheduler is the part of the request coordinator the prefetcher drives.
type Scheduler interface {
	Submit(doc types.Document, key types.Key, priority types.Priority, sink types.Sink) *schedule.Handle
	Cancel(handle *schedule.Handle)
	InFlight(key types.Key) bool
}

var _ Scheduler = (*schedule.Coordinator)(nil)

// Range is a half-open range of page indexes.
type Range struct {
	Start, End int
}

func (r Range) String() string { return fmt.Sprintf("[%d,%d)", r.Start, r.End) }
func (r Range) Len() int { return max(r.End-r.Start, 0) }
func (r Range) Empty() bool { return r.Len() == 0 }

// Contains returns true if `page` is in the range.
func (r Range) Contains(page int) bool { return page >= r.Start && page < r.End }

// State of the prefetcher.
type State int

const (
	StateIdle        State = iota // Nothing outstanding.
	StatePrefetching              // Prefetches of the current window are outstanding.
)

func (s State) String() string {
	if s == StatePrefetching {
		return "prefetching"
	}
	return "idle"
}

// pinRange is read lock-free by the cache store.
type pinRange struct {
	doc     types.DocumentID
	size    types.Size
	visible Range
}

// Prefetcher translates visible range updates into prefetch requests.
type Prefetcher struct {
	scheduler Scheduler
	store     cache.Layer
	opts      Options
	pin       atomic.Pointer[pinRange]

	mux         sync.Mutex
	doc         types.Document
	size        types.Size
	quality     types.Quality
	visible     Range
	window      Range
	state       State
	outstanding map[types.Key]*schedule.Handle
	failed      *bloom.BloomFilter
}

// New creates a Prefetcher and installs its pin range on `store`.
func New(scheduler Scheduler, store cache.Layer, opts Options) *Prefetcher {
	if opts.Lookahead < 0 {
		utils.RaiseInvariant("prefetch", "negative_lookahead", "Invalid prefetch lookahead.", "lookahead", opts.Lookahead)
		opts.Lookahead = 0
	}
	p := &Prefetcher{
		scheduler:   scheduler,
		store:       store,
		opts:        opts,
		outstanding: make(map[types.Key]*schedule.Handle),
		failed:      bloom.NewWithEstimates(max(opts.FailedFilterSize, 1), opts.FailedFilterFPRate),
	}
	store.SetPinned(p.Pinned)
	return p
}

// Bind makes `doc` the document whose viewport is tracked, with thumbnails of `size` and `quality`. Prefetches of
// the previously bound document are cancelled.
func (p *Prefetcher) Bind(doc types.Document, size types.Size, quality types.Quality) {
	p.mux.Lock()
	p.doc, p.size, p.quality = doc, size, quality
	p.visible, p.window = Range{}, Range{}
	stale := p.takeOutstandingLocked(func(types.Key) bool { return true })
	p.setStateLocked(StateIdle)
	p.pin.Store(nil)
	p.mux.Unlock()

	p.cancel(stale)
	slog.Debug("Prefetcher bound.", "doc", doc.ID(), "size", size.String(), "quality", quality.String())
}

// SetVisibleRange records the visible pages [start, start+count) and prefetches the extended window around them.
// The range is clamped to the document; nothing happens until a document is bound.
func (p *Prefetcher) SetVisibleRange(start, count int) {
	p.mux.Lock()
	if p.doc == nil {
		p.mux.Unlock()
		slog.Debug("Visible range set without a bound document.", "start", start, "count", count)
		return
	}
	pageCount := p.doc.PageCount()
	visible := Range{Start: min(max(start, 0), pageCount), End: min(max(start+max(count, 0), 0), pageCount)}
	window := Range{}
	if !visible.Empty() {
		window = Range{
			Start: max(visible.Start-p.opts.Lookahead, 0),
			End:   min(visible.End+p.opts.Lookahead, pageCount),
		}
	}
	p.visible, p.window = visible, window
	p.pin.Store(&pinRange{doc: p.doc.ID(), size: p.size, visible: visible})

	stale := p.takeOutstandingLocked(func(key types.Key) bool { return !window.Contains(key.Page) })
	submitted := 0
	for _, page := range windowOrder(visible, window) {
		if p.submitLocked(page) {
			submitted++
		}
	}
	p.setStateLocked(StateIdle)
	if len(p.outstanding) > 0 {
		p.setStateLocked(StatePrefetching)
	}
	p.mux.Unlock()

	p.cancel(stale)
	prefetchCancellations.Add(float64(len(stale)))
	slog.Debug("Visible range changed.", "visible", visible.String(), "window", window.String(),
		"submitted", submitted, "cancelled", len(stale))
}

// Pinned returns true if `key` is a thumbnail of the visible range. It never blocks.
func (p *Prefetcher) Pinned(key types.Key) bool {
	pin := p.pin.Load()
	return pin != nil && key.Doc == pin.doc && key.Size == pin.size && pin.visible.Contains(key.Page)
}

// Reset cancels every outstanding prefetch, forgets the ranges and the failed pages.
func (p *Prefetcher) Reset() {
	p.mux.Lock()
	stale := p.takeOutstandingLocked(func(types.Key) bool { return true })
	p.visible, p.window = Range{}, Range{}
	p.failed.ClearAll()
	p.setStateLocked(StateIdle)
	p.pin.Store(nil)
	p.mux.Unlock()

	p.cancel(stale)
}

// State returns the current state.
func (p *Prefetcher) State() State {
	p.mux.Lock()
	defer p.mux.Unlock()
	return p.state
}

// Visible returns the current visible range and its extended window.
func (p *Prefetcher) Visible() (visible, window Range) {
	p.mux.Lock()
	defer p.mux.Unlock()
	return p.visible, p.window
}

// Outstanding returns the number of prefetches not completed yet.
func (p *Prefetcher) Outstanding() int {
	p.mux.Lock()
	defer p.mux.Unlock()
	return len(p.outstanding)
}

// submitLocked prefetches `page` unless it's cached, in flight, outstanding or known to fail.
func (p *Prefetcher) submitLocked(page int) bool {
	key := types.Key{Doc: p.doc.ID(), Page: page, Size: p.size, Quality: p.quality}
	if _, found := p.outstanding[key]; found || p.store.Contains(key) || p.scheduler.InFlight(key) {
		return false
	}
	if p.failed.Test(key.AppendBinary(nil)) {
		prefetchSkippedFailed.Inc()
		return false
	}
	// The sink may run before Submit returns. It only reads `handleRef` under p.mux, held until it's assigned.
	handleRef := new(*schedule.Handle)
	*handleRef = p.scheduler.Submit(p.doc, key, types.PriorityUtility, func(result types.Result) {
		p.completed(key, handleRef, result)
	})
	p.outstanding[key] = *handleRef
	prefetchSubmissions.Inc()
	return true
}

func (p *Prefetcher) completed(key types.Key, handleRef **schedule.Handle, result types.Result) {
	p.mux.Lock()
	defer p.mux.Unlock()
	if handle, found := p.outstanding[key]; found && handle == *handleRef {
		delete(p.outstanding, key)
	}
	if errors.Is(result.Err, types.ErrNotFound) || errors.Is(result.Err, types.ErrRenderFailure) {
		p.failed.Add(key.AppendBinary(nil))
		slog.Debug("Prefetch failed, page won't be prefetched again.", "key", key, "error", result.Err)
	}
	if len(p.outstanding) == 0 {
		p.setStateLocked(StateIdle)
	}
}

// takeOutstandingLocked removes and returns the outstanding prefetches whose key matches.
func (p *Prefetcher) takeOutstandingLocked(match func(types.Key) bool) []*schedule.Handle {
	var taken []*schedule.Handle
	for key, handle := range p.outstanding {
		if match(key) {
			taken = append(taken, handle)
			delete(p.outstanding, key)
		}
	}
	return taken
}

// cancel must be called without p.mux: cancelled sinks are called synchronously.
func (p *Prefetcher) cancel(handles []*schedule.Handle) {
	for _, handle := range handles {
		p.scheduler.Cancel(handle)
	}
}

func (p *Prefetcher) setStateLocked(state State) {
	p.state = state
	prefetchState.Set(float64(state))
}

// windowOrder lists the pages of `window`: the visible ones first, then the lookahead ones nearest first, the page
// after the visible range before the page preceding it.
func windowOrder(visible, window Range) []int {
	pages := make([]int, 0, window.Len())
	for page := visible.Start; page < visible.End; page++ {
		pages = append(pages, page)
	}
	for distance := 1; len(pages) < window.Len() && distance <= window.Len(); distance++ {
		if after := visible.End - 1 + distance; window.Contains(after) {
			pages = append(pages, after)
		}
		if before := visible.Start - distance; window.Contains(before) {
			pages = append(pages, before)
		}
	}
	return pages
}
