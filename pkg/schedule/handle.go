package schedule

import (
	"context"
	"sync/atomic"

	"github.com/nobletooth/folio/pkg/types"
	"github.com/nobletooth/folio/pkg/utils"
)

// Handle is the caller side of a submitted request. Completion is delivered both through the request's sink and
// through the handle itself, so callers may use it as a future. The sink returns before Done is closed.
type Handle struct {
	id       uint64
	key      types.Key
	priority types.Priority
	sink     types.Sink
	gen      *generation // Guarded by the coordinator lock; nil once served without a generation.

	delivered atomic.Bool
	done      chan struct{}
	result    types.Result // Written once, before the sink is called.
}

func newHandle(key types.Key, priority types.Priority, sink types.Sink) *Handle {
	return &Handle{key: key, priority: priority, sink: sink, done: make(chan struct{})}
}

func (h *Handle) Key() types.Key { return h.key }
func (h *Handle) Priority() types.Priority { return h.priority }
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the completion of the request, if it completed already.
func (h *Handle) Result() (types.Result, bool) {
	select {
	case <-h.done:
		return h.result, true
	default:
		return types.Result{}, false
	}
}

// Wait blocks until the request completes or `ctx` is done. Giving up waiting doesn't cancel the request.
func (h *Handle) Wait(ctx context.Context) (types.Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return types.Result{}, ctx.Err()
	}
}

// complete delivers `result`; every request is completed exactly once.
func (h *Handle) complete(result types.Result) {
	if !h.delivered.CompareAndSwap(false, true) {
		utils.RaiseInvariant("schedule", "sink_called_twice",
			"A thumbnail request was completed twice.", "key", h.key, "err", result.Err)
		return
	}
	h.result = result
	if h.sink != nil {
		h.sink(result)
	}
	close(h.done)
}
