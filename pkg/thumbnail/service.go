// Package thumbnail is the entry point of the pipeline for the presentation layer. A Service is built explicitly,
// owned by its caller and torn down with Shutdown; there is no process wide instance.
package thumbnail

import (
	"flag"
	"image"
	"log/slog"
	"sync"

	"github.com/nobletooth/folio/pkg/cache"
	"github.com/nobletooth/folio/pkg/prefetch"
	"github.com/nobletooth/folio/pkg/pressure"
	"github.com/nobletooth/folio/pkg/render"
	"github.com/nobletooth/folio/pkg/schedule"
	"github.com/nobletooth/folio/pkg/types"
)

var defaultQuality = flag.String("thumb_default_quality", "medium",
	"Quality of thumbnails requested without an explicit quality: low, medium or high.")

// Options gathers the options of every layer of the pipeline.
type Options struct {
	Cache          cache.Options
	Schedule       schedule.Options
	Prefetch       prefetch.Options
	Pressure       pressure.Options
	RenderContexts int
	DefaultQuality types.Quality
}

// OptionsFromFlags builds Options from the command line flags.
func OptionsFromFlags() (Options, error) {
	quality, err := types.ParseQuality(*defaultQuality)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Cache:          cache.OptionsFromFlags(),
		Schedule:       schedule.OptionsFromFlags(),
		Prefetch:       prefetch.OptionsFromFlags(),
		Pressure:       pressure.OptionsFromFlags(),
		RenderContexts: render.RenderContextsFromFlags(),
		DefaultQuality: quality,
	}, nil
}

// Stats is a point in time snapshot of the pipeline.
type Stats struct {
	Cache      cache.Stats
	Schedule   schedule.Stats
	Prefetch   prefetch.State
	Pressure   pressure.Level
	Document   types.DocumentID
	Size       types.Size
	Visible    prefetch.Range
	Prefetched int // Outstanding prefetches.
}

// Service serves thumbnails of the open document.
type Service struct {
	store       cache.Layer
	coordinator *schedule.Coordinator
	prefetcher  *prefetch.Prefetcher
	monitor     *pressure.Monitor
	quality     types.Quality

	mux  sync.RWMutex
	doc  types.Document
	size types.Size
}

// NewService builds the pipeline on top of `store` and `backend` and starts its workers.
func NewService(store cache.Layer, backend types.Renderer, opts Options) *Service {
	generator := render.NewGenerator(backend, render.NewContexts(opts.RenderContexts))
	coordinator := schedule.NewCoordinator(store, generator, opts.Schedule)
	return &Service{
		store:       store,
		coordinator: coordinator,
		prefetcher:  prefetch.New(coordinator, store, opts.Prefetch),
		monitor:     pressure.NewMonitor(store, opts.Pressure),
		quality:     opts.DefaultQuality,
	}
}

// OpenDocument makes `doc` the browsed document, shown with thumbnails of `size`. Thumbnails of a previously
// opened document stay cached until evicted or cleared.
func (s *Service) OpenDocument(doc types.Document, size types.Size) {
	s.mux.Lock()
	s.doc, s.size = doc, size
	s.mux.Unlock()
	s.prefetcher.Bind(doc, size, s.quality)
	slog.Info("Opened document.", "doc", doc.ID(), "pages", doc.PageCount(), "size", size.String())
}

// Document returns the open document, nil if none.
func (s *Service) Document() types.Document {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.doc
}

// RequestThumbnail requests page `page` of `doc` at the default quality. It returns immediately; `sink` (may be
// nil) and the handle complete asynchronously.
func (s *Service) RequestThumbnail(doc types.Document, page int, size types.Size, priority types.Priority,
	sink types.Sink) *schedule.Handle {
	return s.RequestThumbnailAt(doc, page, size, s.quality, priority, sink)
}

// RequestThumbnailAt is RequestThumbnail with an explicit quality, e.g. to request a cheaper rendition after a
// timeout.
func (s *Service) RequestThumbnailAt(doc types.Document, page int, size types.Size, quality types.Quality,
	priority types.Priority, sink types.Sink) *schedule.Handle {
	key := types.Key{Doc: doc.ID(), Page: page, Size: size, Quality: quality}
	return s.coordinator.Submit(doc, key, priority, sink)
}

// Cancel withdraws a request; its sink receives a cancelled result unless it completed already.
func (s *Service) Cancel(handle *schedule.Handle) {
	s.coordinator.Cancel(handle)
}

// GetCached returns the best cached rendition of the page, if any. It never blocks on rendering.
func (s *Service) GetCached(doc types.Document, page int, size types.Size) (image.Image, bool) {
	keys := make([]types.Key, 0, len(types.QualitiesBestFirst))
	for _, quality := range types.QualitiesBestFirst {
		keys = append(keys, types.Key{Doc: doc.ID(), Page: page, Size: size, Quality: quality})
	}
	_, img, found := s.store.GetFirst(keys...)
	return img, found
}

// SetVisibleRange reports the visible pages of the open document.
func (s *Service) SetVisibleRange(start, count int) {
	s.prefetcher.SetVisibleRange(start, count)
}

// OnPressureSignal applies a memory pressure signal to the cache.
func (s *Service) OnPressureSignal(level pressure.Level) {
	s.monitor.OnPressureSignal(level)
}

// ClearDocument drops the cached thumbnails of `doc`.
func (s *Service) ClearDocument(doc types.DocumentID) int {
	removed := s.store.ClearDocument(doc)
	slog.Info("Cleared document thumbnails.", "doc", doc, "removed", removed)
	return removed
}

// ClearAll drops every cached thumbnail and resets the prefetcher; used on session teardown.
func (s *Service) ClearAll() {
	s.prefetcher.Reset()
	s.store.Clear()
	slog.Info("Cleared all thumbnails.")
}

// Stats returns a snapshot of the pipeline.
func (s *Service) Stats() Stats {
	s.mux.RLock()
	stats := Stats{Size: s.size}
	if s.doc != nil {
		stats.Document = s.doc.ID()
	}
	s.mux.RUnlock()

	stats.Cache = s.store.Stats()
	stats.Schedule = s.coordinator.Stats()
	stats.Prefetch = s.prefetcher.State()
	stats.Pressure = s.monitor.Level()
	stats.Visible, _ = s.prefetcher.Visible()
	stats.Prefetched = s.prefetcher.Outstanding()
	return stats
}

// Shutdown cancels pending requests and stops the workers. The cache is left as is.
func (s *Service) Shutdown() {
	s.prefetcher.Reset()
	s.monitor.Stop()
	s.coordinator.Shutdown()
}
