package thumbnail

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nobletooth/folio/pkg/cache"
	"github.com/nobletooth/folio/pkg/config"
	"github.com/nobletooth/folio/pkg/prefetch"
	"github.com/nobletooth/folio/pkg/pressure"
	"github.com/nobletooth/folio/pkg/schedule"
	"github.com/nobletooth/folio/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDocument struct {
	id    types.DocumentID
	pages int
}

func (d fakeDocument) ID() types.DocumentID { return d.id }
func (d fakeDocument) PageCount() int { return d.pages }

var (
	testDoc   = fakeDocument{id: 11, pages: 50}
	thumbSize = types.Size{Width: 160, Height: 200}
)

const thumbBytes = 160 * 200 * types.BytesPerPixel

// countingRenderer renders blank pages and counts calls per page. Pages listed in `held` wait for `release`.
type countingRenderer struct {
	release chan struct{}
	held    map[int]bool
	stall   bool // Ignore the context while held.

	mux   sync.Mutex
	calls map[int]int
	total atomic.Int32
}

func newCountingRenderer(held ...int) *countingRenderer {
	renderer := &countingRenderer{release: make(chan struct{}), held: make(map[int]bool), calls: make(map[int]int)}
	for _, page := range held {
		renderer.held[page] = true
	}
	return renderer
}

func (r *countingRenderer) Render(ctx context.Context, _ types.Document, page int, size types.Size,
	_ types.Quality) (image.Image, error) {
	r.mux.Lock()
	r.calls[page]++
	r.mux.Unlock()
	r.total.Add(1)
	if r.held[page] {
		if r.stall {
			<-r.release
		} else {
			select {
			case <-r.release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return image.NewRGBA(image.Rect(0, 0, size.Width, size.Height)), nil
}

func (r *countingRenderer) callsOf(page int) int {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.calls[page]
}

func testOptions() Options {
	return Options{
		Cache:          cache.Options{BudgetBytes: 1 << 30, PinVisible: true},
		Schedule:       schedule.Options{Workers: 2, Timeout: 5 * time.Second},
		Prefetch:       prefetch.Options{Lookahead: 0, FailedFilterSize: 64, FailedFilterFPRate: 0.01},
		Pressure:       pressure.Options{ModerateBudgetRatio: 0.5},
		RenderContexts: 2,
		DefaultQuality: types.QualityMedium,
	}
}

func newService(t *testing.T, renderer types.Renderer, opts Options) *Service {
	t.Helper()
	service := NewService(cache.NewStore(opts.Cache), renderer, opts)
	t.Cleanup(service.Shutdown)
	service.OpenDocument(testDoc, thumbSize)
	return service
}

func wait(t *testing.T, handle *schedule.Handle) types.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := handle.Wait(ctx)
	require.NoError(t, err)
	return result
}

func TestService_RequestThenCached(t *testing.T) {
	service := newService(t, newCountingRenderer(), testOptions())

	_, found := service.GetCached(testDoc, 0, thumbSize)
	require.False(t, found)
	var sunk atomic.Pointer[types.Result]
	result := wait(t, service.RequestThumbnail(testDoc, 0, thumbSize, types.PriorityInteractive,
		func(result types.Result) { sunk.Store(&result) }))
	require.NoError(t, result.Err)
	assert.Equal(t, image.Rect(0, 0, 160, 200), result.Image.Bounds())
	require.NotNil(t, sunk.Load())
	assert.Same(t, result.Image, sunk.Load().Image)

	img, found := service.GetCached(testDoc, 0, thumbSize)
	require.True(t, found)
	assert.Same(t, result.Image, img)
}

func TestService_SimultaneousRequestsRenderOnce(t *testing.T) {
	renderer := newCountingRenderer(5)
	service := newService(t, renderer, testOptions())

	first := service.RequestThumbnail(testDoc, 5, thumbSize, types.PriorityInteractive, nil)
	second := service.RequestThumbnail(testDoc, 5, thumbSize, types.PriorityUtility, nil)
	close(renderer.release)
	firstResult, secondResult := wait(t, first), wait(t, second)
	require.NoError(t, firstResult.Err)
	assert.Same(t, firstResult.Image, secondResult.Image)
	assert.Equal(t, 1, renderer.callsOf(5))
}

func TestService_BudgetHoldsTheMostRecent(t *testing.T) {
	opts := testOptions()
	opts.Cache.BudgetBytes = 100 * thumbBytes
	renderer := newCountingRenderer()
	doc := fakeDocument{id: 12, pages: 200}
	service := newService(t, renderer, opts)

	for page := range doc.pages {
		require.NoError(t, wait(t, service.RequestThumbnail(doc, page, thumbSize, types.PriorityInteractive, nil)).Err)
	}
	stats := service.Stats()
	assert.Equal(t, 100, stats.Cache.Entries)
	assert.LessOrEqual(t, stats.Cache.Bytes, stats.Cache.Budget)
	for page := range doc.pages {
		_, found := service.GetCached(doc, page, thumbSize)
		assert.Equal(t, page >= 100, found, "page %d", page)
	}
}

func TestService_CancelBeforeScheduling(t *testing.T) {
	opts := testOptions()
	opts.Schedule.Workers = 1
	renderer := newCountingRenderer(0)
	service := newService(t, renderer, opts)

	blocker := service.RequestThumbnail(testDoc, 0, thumbSize, types.PriorityInteractive, nil)
	assert.Eventually(t, func() bool { return renderer.callsOf(0) == 1 }, 5*time.Second, time.Millisecond)
	handle := service.RequestThumbnail(testDoc, 10, thumbSize, types.PriorityInteractive, nil)
	service.Cancel(handle)
	assert.True(t, wait(t, handle).Cancelled())

	close(renderer.release)
	require.NoError(t, wait(t, blocker).Err)
	_, found := service.GetCached(testDoc, 10, thumbSize)
	assert.False(t, found)
	assert.Zero(t, renderer.callsOf(10))

	require.NoError(t, wait(t, service.RequestThumbnail(testDoc, 10, thumbSize, types.PriorityInteractive, nil)).Err)
	_, found = service.GetCached(testDoc, 10, thumbSize)
	assert.True(t, found)
}

func TestService_CriticalPressureKeepsVisible(t *testing.T) {
	service := newService(t, newCountingRenderer(), testOptions())

	for page := range 20 {
		require.NoError(t, wait(t, service.RequestThumbnail(testDoc, page, thumbSize, types.PriorityBackground, nil)).Err)
	}
	service.SetVisibleRange(40, 10)
	assert.Eventually(t, func() bool { return service.Stats().Cache.Entries == 30 }, 5*time.Second, time.Millisecond)

	service.OnPressureSignal(pressure.LevelCritical)
	for page := range testDoc.pages {
		_, found := service.GetCached(testDoc, page, thumbSize)
		assert.Equal(t, page >= 40 && page < 50, found, "page %d", page)
	}
	stats := service.Stats()
	assert.Equal(t, pressure.LevelCritical, stats.Pressure)
	assert.Equal(t, int64(10*thumbBytes), stats.Cache.Budget)

	service.OnPressureSignal(pressure.LevelNormal)
	assert.Equal(t, int64(1<<30), service.Stats().Cache.Budget)
}

func TestService_TimeoutThenLowerQuality(t *testing.T) {
	opts := testOptions()
	opts.Schedule.Timeout = 20 * time.Millisecond
	renderer := newCountingRenderer(3)
	renderer.stall = true
	t.Cleanup(func() { close(renderer.release) })
	service := newService(t, renderer, opts)

	result := wait(t, service.RequestThumbnailAt(testDoc, 3, thumbSize, types.QualityHigh, types.PriorityInteractive,
		nil))
	require.ErrorIs(t, result.Err, types.ErrTimeout)

	result = wait(t, service.RequestThumbnailAt(testDoc, 4, thumbSize, types.QualityLow, types.PriorityInteractive,
		nil))
	require.NoError(t, result.Err)
	low, found := service.GetCached(testDoc, 4, thumbSize)
	require.True(t, found)
	assert.Same(t, result.Image, low)

	t.Run("best_quality_first", func(t *testing.T) {
		high := wait(t, service.RequestThumbnailAt(testDoc, 4, thumbSize, types.QualityHigh,
			types.PriorityInteractive, nil))
		require.NoError(t, high.Err)
		img, found := service.GetCached(testDoc, 4, thumbSize)
		require.True(t, found)
		assert.Same(t, high.Image, img)
	})
}

func TestService_NotFound(t *testing.T) {
	renderer := newCountingRenderer()
	service := newService(t, renderer, testOptions())

	result := wait(t, service.RequestThumbnail(testDoc, 50, thumbSize, types.PriorityInteractive, nil))
	assert.ErrorIs(t, result.Err, types.ErrNotFound)
	assert.Zero(t, renderer.total.Load())
}

func TestService_Clear(t *testing.T) {
	service := newService(t, newCountingRenderer(), testOptions())
	other := fakeDocument{id: 13, pages: 5}
	for page := range 3 {
		require.NoError(t, wait(t, service.RequestThumbnail(testDoc, page, thumbSize, types.PriorityInteractive, nil)).Err)
		require.NoError(t, wait(t, service.RequestThumbnail(other, page, thumbSize, types.PriorityInteractive, nil)).Err)
	}

	assert.Equal(t, 3, service.ClearDocument(other.ID()))
	_, found := service.GetCached(other, 0, thumbSize)
	assert.False(t, found)
	_, found = service.GetCached(testDoc, 0, thumbSize)
	assert.True(t, found)

	service.SetVisibleRange(0, 2)
	service.ClearAll()
	stats := service.Stats()
	assert.Zero(t, stats.Cache.Entries)
	assert.True(t, stats.Visible.Empty())
	assert.Equal(t, testDoc.ID(), stats.Document)
	assert.Equal(t, thumbSize, stats.Size)
}

func TestService_Shutdown(t *testing.T) {
	opts := testOptions()
	service := NewService(cache.NewStore(opts.Cache), newCountingRenderer(), opts)
	service.OpenDocument(testDoc, thumbSize)
	service.Shutdown()

	result := wait(t, service.RequestThumbnail(testDoc, 0, thumbSize, types.PriorityInteractive, nil))
	assert.ErrorIs(t, result.Err, types.ErrClosed)
}

func TestOptionsFromFlags(t *testing.T) {
	config.SetTestFlag(t, "thumb_default_quality", "high")
	config.SetTestFlag(t, "thumb_workers", "3")
	opts, err := OptionsFromFlags()
	require.NoError(t, err)
	assert.Equal(t, types.QualityHigh, opts.DefaultQuality)
	assert.Equal(t, 3, opts.Schedule.Workers)

	config.SetTestFlag(t, "thumb_default_quality", "ultra")
	_, err = OptionsFromFlags()
	assert.Error(t, err)
}
