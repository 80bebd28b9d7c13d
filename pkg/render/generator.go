// The generator adapts a raw Renderer to the thumbnail pipeline. It validates the page once more, holds a render
// context for the duration of the backend call and maps every outcome onto the pipeline's error taxonomy.
// Generators are only invoked from worker goroutines.

package render

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"log/slog"
	"runtime"

	"github.com/nobletooth/folio/pkg/types"
	"github.com/nobletooth/folio/pkg/utils"
)

var renderContexts = flag.Int("render_contexts", runtime.NumCPU(),
	"The number of render contexts; bounds backend renders running at once, including abandoned ones.")

// RenderContextsFromFlags returns the configured number of render contexts.
func RenderContextsFromFlags() int { return *renderContexts }

// Contexts is a bounded pool of render contexts. A context is held for the whole backend call; renders abandoned by
// a timed out worker keep holding theirs until the backend returns, which bounds the number of hung renders.
type Contexts struct {
	slots chan struct{}
}

// NewContexts creates a pool of `size` render contexts.
func NewContexts(size int) *Contexts {
	if size <= 0 {
		utils.RaiseInvariant("render", "non_positive_render_contexts",
			"Invalid render context count.", "size", size)
		size = 1
	}
	return &Contexts{slots: make(chan struct{}, size)}
}

// acquire blocks until a context is free or `ctx` is done.
func (c *Contexts) acquire(ctx context.Context) error {
	select {
	case c.slots <- struct{}{}:
		renderContextsInUse.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Contexts) release() {
	select {
	case <-c.slots:
		renderContextsInUse.Dec()
	default:
		utils.RaiseInvariant("render", "release_without_acquire", "Released a render context never acquired.")
	}
}

// InUse returns the number of held render contexts.
func (c *Contexts) InUse() int { return len(c.slots) }

// Generator turns (document, page, size, quality) into an image by calling the render backend.
type Generator struct {
	backend  types.Renderer
	contexts *Contexts
}

// NewGenerator is the constructor for Generator.
func NewGenerator(backend types.Renderer, contexts *Contexts) *Generator {
	return &Generator{backend: backend, contexts: contexts}
}

// Generate renders one thumbnail. Errors wrap types.ErrNotFound, types.ErrRenderFailure, types.ErrTimeout or
// types.ErrCancelled.
func (g *Generator) Generate(ctx context.Context, doc types.Document, page int, size types.Size,
	quality types.Quality) (image.Image, error) {
	if pageCount := doc.PageCount(); page < 0 || page >= pageCount {
		return nil, fmt.Errorf("%w: page %d of %d", types.ErrNotFound, page, pageCount)
	}
	if !size.Valid() {
		return nil, fmt.Errorf("%w: invalid size %s", types.ErrRenderFailure, size)
	}

	if err := g.contexts.acquire(ctx); err != nil {
		return nil, fromContextErr(err)
	}
	defer g.contexts.release()
	// acquire may win against an already cancelled ctx.
	if err := ctx.Err(); err != nil {
		return nil, fromContextErr(err)
	}

	img, err := g.renderSafely(ctx, doc, page, size, quality)
	switch {
	case err == nil && img == nil:
		utils.RaiseInvariant("render", "nil_image_without_error",
			"Renderer returned neither an image nor an error.", "doc", doc.ID(), "page", page)
		return nil, fmt.Errorf("%w: empty image", types.ErrRenderFailure)
	case err == nil:
		return img, nil
	case errors.Is(err, types.ErrNotFound), errors.Is(err, types.ErrRenderFailure),
		errors.Is(err, types.ErrTimeout), errors.Is(err, types.ErrCancelled):
		return nil, err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, fromContextErr(err)
	default:
		return nil, fmt.Errorf("%w: %w", types.ErrRenderFailure, err)
	}
}

// renderSafely calls the backend and turns a panic into a render failure.
func (g *Generator) renderSafely(ctx context.Context, doc types.Document, page int, size types.Size,
	quality types.Quality) (img image.Image, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			slog.Error("Render backend panicked.", "doc", doc.ID(), "page", page, "panic", recovered)
			img, err = nil, fmt.Errorf("%w: backend panic: %v", types.ErrRenderFailure, recovered)
		}
	}()
	return g.backend.Render(ctx, doc, page, size, quality)
}

// fromContextErr maps a context error onto the pipeline's error taxonomy.
func fromContextErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", types.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", types.ErrCancelled, err)
}
