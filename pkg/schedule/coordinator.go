// The coordinator owns every in-flight generation. A generation is keyed by the thumbnail key, so concurrent
// requests for the same key join a single render (deduplication). Generations wait in a ready queue ordered by
// effective priority, then by submission order, and a fixed pool of workers drains it.
//
// Cancellation checkpoints:
//  1. When a worker picks a generation up, before calling the generator: a generation nobody waits for anymore
//     is dropped. Cancelling the last request of a queued generation removes it from the queue right away, so
//     this checkpoint mostly catches races with the pick up.
//  2. When the generator returned, before writing to the cache: the result of a generation whose requests were
//     all cancelled is discarded.
// In between, cancelling the last request cancels the context handed to the generator, so backends that watch it
// may stop early. A request joining a cancelled running generation revives it; if the render was aborted, the
// generation is queued again.
//
// Timeouts are enforced by the worker: a generation that runs longer than the timeout is completed with
// ErrTimeout and its late result, if any, is discarded.

package schedule

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/nobletooth/folio/pkg/cache"
	"github.com/nobletooth/folio/pkg/types"
	"github.com/nobletooth/folio/pkg/utils"
	"github.com/tidwall/btree"
)

var (
	workerCount = flag.Int("thumb_workers", runtime.NumCPU(), "Number of thumbnail generation workers.")
	timeout     = flag.Duration("thumb_generation_timeout", 10*time.Second,
		"Deadline of a single thumbnail generation; 0 disables it.")
)

// Options configures a Coordinator.
type Options struct {
	Workers int
	Timeout time.Duration // Zero means no timeout.
}

// OptionsFromFlags builds Options from the command line flags.
func OptionsFromFlags() Options {
	return Options{Workers: *workerCount, Timeout: *timeout}
}

// Generator produces the image of a thumbnail; it's render.Generator in production.
type Generator interface {
	Generate(ctx context.Context, doc types.Document, page int, size types.Size,
		quality types.Quality) (image.Image, error)
}

// generation is a single render shared by every request joined to it.
type generation struct {
	key      types.Key
	doc      types.Document
	seq      uint64 // Submission order; ties of priority are broken FIFO.
	priority types.Priority
	requests map[uint64]*Handle

	running      bool
	ctxCancelled bool // Every request left while running, the generator context was cancelled.
	cancelCtx    context.CancelFunc
}

// before orders the ready queue: higher priority first, then older first.
func before(a, b *generation) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.seq < b.seq
}

// Stats is a point in time snapshot of the coordinator.
type Stats struct {
	InFlight int // Generations either queued or running.
	Queued   int
	Running  int
}

// Coordinator deduplicates thumbnail requests and schedules their generation onto a bounded worker pool.
type Coordinator struct {
	store     cache.Layer
	generator Generator
	timeout   time.Duration

	mux      sync.Mutex
	ready    *sync.Cond // Signaled when the queue grows or the coordinator closes.
	inFlight map[types.Key]*generation
	queue    *btree.BTreeG[*generation]
	nextSeq  uint64
	nextID   uint64
	running  int
	closed   bool
	closing  chan struct{}
	workers  sync.WaitGroup
}

// NewCoordinator creates a Coordinator and starts its workers. Results are written to `store`.
func NewCoordinator(store cache.Layer, generator Generator, opts Options) *Coordinator {
	if opts.Workers <= 0 {
		utils.RaiseInvariant("schedule", "non_positive_workers", "Invalid worker count.", "workers", opts.Workers)
		opts.Workers = 1
	}
	c := &Coordinator{
		store:     store,
		generator: generator,
		timeout:   opts.Timeout,
		inFlight:  make(map[types.Key]*generation),
		// Guarded by c.mux.
		queue:   btree.NewBTreeGOptions(before, btree.Options{NoLocks: true}),
		closing: make(chan struct{}),
	}
	c.ready = sync.NewCond(&c.mux)
	c.workers.Add(opts.Workers)
	for range opts.Workers {
		go c.work()
	}
	slog.Info("Started thumbnail workers.", "workers", opts.Workers, "timeout", opts.Timeout)
	return c
}

// Submit requests the thumbnail `key` of `doc`. It never blocks on rendering: the returned handle completes, and
// `sink` is called, from another goroutine. Out of range pages fail with ErrNotFound without being scheduled.
func (c *Coordinator) Submit(doc types.Document, key types.Key, priority types.Priority, sink types.Sink) *Handle {
	handle := newHandle(key, priority, sink)
	if key.Doc != doc.ID() {
		utils.RaiseInvariant("schedule", "key_of_another_document",
			"Submitted a key that doesn't belong to the document.", "key", key, "doc", doc.ID())
	}
	if pageCount := doc.PageCount(); key.Page < 0 || key.Page >= pageCount {
		submissions.WithLabelValues("notfound").Inc()
		go handle.complete(types.Result{Key: key,
			Err: fmt.Errorf("%w: page %d of %d", types.ErrNotFound, key.Page, pageCount)})
		return handle
	}

	c.mux.Lock()
	defer c.mux.Unlock()
	if c.closed {
		submissions.WithLabelValues("closed").Inc()
		go handle.complete(types.Result{Key: key, Err: types.ErrClosed})
		return handle
	}
	// Checked under the coordinator lock: a generation that just finished has written the store already.
	if img, found := c.store.Get(key); found {
		submissions.WithLabelValues("hit").Inc()
		go handle.complete(types.Result{Key: key, Image: img})
		return handle
	}

	c.nextID++
	handle.id = c.nextID
	if gen, found := c.inFlight[key]; found {
		submissions.WithLabelValues("join").Inc()
		gen.requests[handle.id] = handle
		handle.gen = gen
		if priority > gen.priority {
			escalations.Inc()
			if gen.running {
				gen.priority = priority
			} else {
				// The queue is ordered by priority, re-insert to move it up.
				c.queue.Delete(gen)
				gen.priority = priority
				c.queue.Set(gen)
			}
		}
		return handle
	}

	submissions.WithLabelValues("new").Inc()
	c.nextSeq++
	gen := &generation{
		key:      key,
		doc:      doc,
		seq:      c.nextSeq,
		priority: priority,
		requests: map[uint64]*Handle{handle.id: handle},
	}
	handle.gen = gen
	c.inFlight[key] = gen
	c.enqueueLocked(gen)
	return handle
}

// Cancel withdraws the request of `handle`. Its sink receives ErrCancelled before Cancel returns, unless the
// request completed already, in which case Cancel is a no-op.
func (c *Coordinator) Cancel(handle *Handle) {
	if handle == nil {
		return
	}
	c.mux.Lock()
	gen := handle.gen
	if gen == nil || gen.requests[handle.id] != handle {
		c.mux.Unlock()
		return
	}
	delete(gen.requests, handle.id)
	handle.gen = nil
	if len(gen.requests) == 0 {
		if gen.running {
			gen.ctxCancelled = true
			gen.cancelCtx()
		} else {
			c.queue.Delete(gen)
			queueDepth.Set(float64(c.queue.Len()))
			delete(c.inFlight, gen.key)
			generations.WithLabelValues("cancelled").Inc()
		}
	}
	c.mux.Unlock()

	handle.complete(types.Result{Key: handle.key, Err: types.ErrCancelled})
}

// InFlight reports whether a generation of `key` is queued or running.
func (c *Coordinator) InFlight(key types.Key) bool {
	c.mux.Lock()
	defer c.mux.Unlock()
	_, found := c.inFlight[key]
	return found
}

// Stats returns a snapshot of the in-flight generations.
func (c *Coordinator) Stats() Stats {
	c.mux.Lock()
	defer c.mux.Unlock()
	return Stats{InFlight: len(c.inFlight), Queued: c.queue.Len(), Running: c.running}
}

// Shutdown cancels every pending request and stops the workers. Renders still running are abandoned; Shutdown
// waits for the workers, not for the renders. Requests submitted afterward fail with ErrClosed.
func (c *Coordinator) Shutdown() {
	c.mux.Lock()
	if c.closed {
		c.mux.Unlock()
		return
	}
	c.closed = true
	close(c.closing)
	var pending []*Handle
	for _, gen := range c.inFlight {
		for _, handle := range gen.requests {
			handle.gen = nil
			pending = append(pending, handle)
		}
		clear(gen.requests)
		if gen.running {
			gen.cancelCtx()
		}
	}
	clear(c.inFlight)
	c.queue.Clear()
	queueDepth.Set(0)
	c.ready.Broadcast()
	c.mux.Unlock()

	for _, handle := range pending {
		handle.complete(types.Result{Key: handle.key, Err: types.ErrCancelled})
	}
	c.workers.Wait()
	slog.Info("Stopped thumbnail workers.", "cancelled_requests", len(pending))
}

func (c *Coordinator) enqueueLocked(gen *generation) {
	c.queue.Set(gen)
	queueDepth.Set(float64(c.queue.Len()))
	c.ready.Signal()
}

// next blocks until a generation is ready; returns nil once the coordinator is closed.
func (c *Coordinator) next() (*generation, context.Context) {
	c.mux.Lock()
	defer c.mux.Unlock()
	for {
		for !c.closed && c.queue.Len() == 0 {
			c.ready.Wait()
		}
		if c.closed {
			return nil, nil
		}
		gen, _ := c.queue.PopMin()
		queueDepth.Set(float64(c.queue.Len()))
		// Checkpoint 1: nobody waits for it anymore, don't render.
		if len(gen.requests) == 0 {
			delete(c.inFlight, gen.key)
			generations.WithLabelValues("cancelled").Inc()
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		gen.running, gen.ctxCancelled, gen.cancelCtx = true, false, cancel
		c.running++
		return gen, ctx
	}
}

func (c *Coordinator) work() {
	defer c.workers.Done()
	for {
		gen, ctx := c.next()
		if gen == nil {
			return
		}
		c.run(ctx, gen)
	}
}

type generated struct {
	img image.Image
	err error
}

// run calls the generator and waits for it, at most for the timeout.
func (c *Coordinator) run(ctx context.Context, gen *generation) {
	start := time.Now()
	results := make(chan generated, 1) // Buffered, an abandoned render must not leak its goroutine.
	go func() {
		img, err := c.generator.Generate(ctx, gen.doc, gen.key.Page, gen.key.Size, gen.key.Quality)
		results <- generated{img: img, err: err}
	}()

	var expired <-chan time.Time
	if c.timeout > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		expired = timer.C
	}
	var out generated
	select {
	case out = <-results:
	case <-expired:
		slog.Debug("Thumbnail generation timed out.", "key", gen.key, "timeout", c.timeout)
		out = generated{err: fmt.Errorf("%w: no result after %s", types.ErrTimeout, c.timeout)}
	case <-c.closing:
		out = generated{err: types.ErrClosed}
	}
	generationLatency.Observe(time.Since(start).Seconds())
	c.finish(gen, out)
}

// finish stores the result of `gen` and completes its requests.
func (c *Coordinator) finish(gen *generation, out generated) {
	c.mux.Lock()
	c.running--
	gen.cancelCtx() // Releases the context; a timed out render observes it.
	if c.closed || c.inFlight[gen.key] != gen {
		c.mux.Unlock()
		generations.WithLabelValues("abandoned").Inc()
		return
	}
	// Checkpoint 2: everybody left while rendering, discard the work.
	if len(gen.requests) == 0 {
		delete(c.inFlight, gen.key)
		c.mux.Unlock()
		generations.WithLabelValues("cancelled").Inc()
		slog.Debug("Discarded the thumbnail of a cancelled generation.", "key", gen.key)
		return
	}
	if gen.ctxCancelled && errors.Is(out.err, types.ErrCancelled) {
		// The render was aborted for nobody, then somebody joined again: render it again.
		gen.running, gen.ctxCancelled, gen.cancelCtx = false, false, nil
		c.enqueueLocked(gen)
		c.mux.Unlock()
		slog.Debug("Requeued a revived generation.", "key", gen.key)
		return
	}

	handles := make([]*Handle, 0, len(gen.requests))
	for _, handle := range gen.requests {
		handle.gen = nil
		handles = append(handles, handle)
	}
	clear(gen.requests)
	delete(c.inFlight, gen.key)
	result := types.Result{Key: gen.key, Image: out.img, Err: out.err}
	if out.err == nil && !c.store.Put(gen.key, out.img) {
		slog.Debug("Thumbnail exceeds the cache budget, not cached.", "key", gen.key,
			"bytes", types.EstimateBytes(out.img))
	}
	c.mux.Unlock()

	generations.WithLabelValues(outcomeOf(out.err)).Inc()
	for _, handle := range handles {
		handle.complete(result)
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, types.ErrNotFound):
		return "notfound"
	case errors.Is(err, types.ErrTimeout):
		return "timeout"
	case errors.Is(err, types.ErrCancelled):
		return "cancelled"
	default:
		return "render"
	}
}
