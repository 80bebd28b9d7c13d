// Folio previews pages of multi-page documents; this module holds the vocabulary shared by every layer of the
// thumbnail pipeline: keys, sizes, priorities, the document / renderer capabilities and completion results.

package types

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrNotFound      = errors.New("page not found")
	ErrRenderFailure = errors.New("render failed")
	ErrTimeout       = errors.New("generation timed out")
	ErrCancelled     = errors.New("request cancelled")
	ErrClosed        = errors.New("thumbnail pipeline is closed")
)

// BytesPerPixel is used to estimate the in-memory size of a rendered thumbnail (RGBA).
const BytesPerPixel = 4

// DocumentID identifies a document for the lifetime of a browsing session.
type DocumentID uint64

func (id DocumentID) String() string { return fmt.Sprintf("%016x", uint64(id)) }

// Document is the opaque handle handed in by the presentation layer. Thumbnail layers never look further than
// its identity and page count.
type Document interface {
	ID() DocumentID
	PageCount() int
}

// Size is the target size class of a thumbnail, i.e. the bounding box the rendered page must fit in.
type Size struct {
	Width, Height int
}

func (s Size) String() string { return fmt.Sprintf("%dx%d", s.Width, s.Height) }

// Valid returns true if both dimensions are positive.
func (s Size) Valid() bool { return s.Width > 0 && s.Height > 0 }

// Quality is the rendering quality tier; higher tiers cost more CPU.
type Quality uint8

const (
	QualityLow Quality = iota
	QualityMedium
	QualityHigh
)

// QualitiesBestFirst lists quality tiers from the best to the cheapest.
var QualitiesBestFirst = []Quality{QualityHigh, QualityMedium, QualityLow}

func (q Quality) String() string {
	switch q {
	case QualityLow:
		return "low"
	case QualityMedium:
		return "medium"
	case QualityHigh:
		return "high"
	default:
		return fmt.Sprintf("quality(%d)", q)
	}
}

// ParseQuality parses the textual form of a quality tier.
func ParseQuality(s string) (Quality, error) {
	switch strings.ToLower(s) {
	case "low":
		return QualityLow, nil
	case "medium":
		return QualityMedium, nil
	case "high":
		return QualityHigh, nil
	default:
		return QualityLow, fmt.Errorf("unknown quality %q", s)
	}
}

// Priority of a thumbnail request. Higher values are scheduled first.
type Priority uint8

const (
	PriorityBackground  Priority = iota // Speculative work.
	PriorityUtility                     // Visible soon, e.g. viewport prefetch.
	PriorityInteractive                 // The user is waiting on this exact item.
)

func (p Priority) String() string {
	switch p {
	case PriorityBackground:
		return "background"
	case PriorityUtility:
		return "utility"
	case PriorityInteractive:
		return "interactive"
	default:
		return fmt.Sprintf("priority(%d)", p)
	}
}

// ParsePriority parses the textual form of a priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "background":
		return PriorityBackground, nil
	case "utility":
		return PriorityUtility, nil
	case "interactive":
		return PriorityInteractive, nil
	default:
		return PriorityBackground, fmt.Errorf("unknown priority %q", s)
	}
}

// Key identifies one thumbnail. It's comparable, so it's used as a map key directly.
type Key struct {
	Doc     DocumentID
	Page    int
	Size    Size
	Quality Quality
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%s/%s", k.Doc, k.Page, k.Size, k.Quality)
}

// AppendBinary appends a fixed-size binary representation of the key to `b`.
func (k Key) AppendBinary(b []byte) []byte {
	b = binary.LittleEndian.AppendUint64(b, uint64(k.Doc))
	b = binary.LittleEndian.AppendUint64(b, uint64(k.Page))
	b = binary.LittleEndian.AppendUint32(b, uint32(k.Size.Width))
	b = binary.LittleEndian.AppendUint32(b, uint32(k.Size.Height))
	return append(b, byte(k.Quality))
}

// Hash returns a stable 64-bit hash of the key.
func (k Key) Hash() uint64 {
	var buf [25]byte
	return xxhash.Sum64(k.AppendBinary(buf[:0]))
}

// EstimateBytes estimates the memory held by `img`, derived from its pixel dimensions.
func EstimateBytes(img image.Image) int64 {
	if img == nil {
		return 0
	}
	bounds := img.Bounds()
	return int64(bounds.Dx()) * int64(bounds.Dy()) * BytesPerPixel
}

// Renderer is the raw page rendering capability. Render is blocking and CPU bound; `ctx` is cancelled once
// nobody waits for the result anymore, backends that can abort early should watch it.
type Renderer interface {
	Render(ctx context.Context, doc Document, page int, size Size, quality Quality) (image.Image, error)
}

// RendererFunc adapts a function to the Renderer interface.
type RendererFunc func(ctx context.Context, doc Document, page int, size Size, quality Quality) (image.Image, error)

func (f RendererFunc) Render(ctx context.Context, doc Document, page int, size Size, q Quality) (image.Image, error) {
	return f(ctx, doc, page, size, q)
}

// Result is what a completion sink receives: an image or an error. Cancelled requests carry ErrCancelled.
type Result struct {
	Key   Key
	Image image.Image
	Err   error
}

// Cancelled reports whether the request was cancelled. Cancellation is "no result", not a failure.
func (r Result) Cancelled() bool { return errors.Is(r.Err, ErrCancelled) }

// Sink receives the completion of a request; it's called exactly once per request.
type Sink func(Result)
