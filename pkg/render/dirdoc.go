// A directory document is the render backend shipped with folio: each image file of a directory is a page, ordered
// by file name. Pages are decoded and downscaled with golang.org/x/image; the quality tier picks the interpolator.

package render

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF pages.
	_ "image/jpeg" // Register JPEG pages.
	_ "image/png"  // Register PNG pages.
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/nobletooth/folio/pkg/types"
	_ "golang.org/x/image/bmp" // Register BMP pages.
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // Register TIFF pages.
	_ "golang.org/x/image/webp" // Register WebP pages.
)

var pageGlob = flag.String("page_glob", "*.png,*.jpg,*.jpeg,*.gif,*.bmp,*.tif,*.tiff,*.webp",
	"Comma separated glob patterns of the files that are pages of a directory document.")

// DirDocument is a document backed by a directory of page images.
type DirDocument struct { // Implements types.Document.
	id    types.DocumentID
	dir   string
	pages []string // Absolute paths, ordered by file name.
}

var _ types.Document = (*DirDocument)(nil)

// OpenDir lists the pages of `dir` using the -page_glob patterns.
func OpenDir(dir string) (*DirDocument, error) {
	matcher, err := NewPageMatcher(*pageGlob)
	if err != nil {
		return nil, err
	}
	return OpenDirWith(dir, matcher)
}

// OpenDirWith lists the pages of `dir` matching `matcher`. The document identity is derived from the directory path
// and the name, size and modification time of every page, so a changed directory gets a new identity.
func OpenDirWith(dir string, matcher *PageMatcher) (*DirDocument, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %q: %w", dir, err)
	}
	entries, err := os.ReadDir(absDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list document directory: %w", err)
	}

	files := make(map[string]os.DirEntry, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			files[entry.Name()] = entry
		}
	}
	names := slices.Sorted(matcher.Filter(maps.Keys(files)))

	digest := xxhash.New()
	_, _ = digest.WriteString(absDir)
	pages := make([]string, 0, len(names))
	for _, name := range names {
		info, err := files[name].Info()
		if err != nil {
			return nil, fmt.Errorf("failed to stat page %q: %w", name, err)
		}
		_, _ = digest.WriteString(name)
		_, _ = digest.Write(binary.LittleEndian.AppendUint64(nil, uint64(info.Size())))
		_, _ = digest.Write(binary.LittleEndian.AppendUint64(nil, uint64(info.ModTime().UnixNano())))
		pages = append(pages, filepath.Join(absDir, name))
	}
	return &DirDocument{id: types.DocumentID(digest.Sum64()), dir: absDir, pages: pages}, nil
}

func (d *DirDocument) ID() types.DocumentID { return d.id }
func (d *DirDocument) PageCount() int { return len(d.pages) }
func (d *DirDocument) Dir() string { return d.dir }

// PagePath returns the file backing `page`.
func (d *DirDocument) PagePath(page int) (string, error) {
	if page < 0 || page >= len(d.pages) {
		return "", fmt.Errorf("%w: page %d of %d", types.ErrNotFound, page, len(d.pages))
	}
	return d.pages[page], nil
}

// ImageRenderer renders pages of a DirDocument.
type ImageRenderer struct{} // Implements types.Renderer.

var _ types.Renderer = ImageRenderer{}

// interpolatorFor picks the scaling algorithm of a quality tier.
func interpolatorFor(quality types.Quality) draw.Interpolator {
	switch quality {
	case types.QualityLow:
		return draw.NearestNeighbor
	case types.QualityHigh:
		return draw.CatmullRom
	default:
		return draw.ApproxBiLinear
	}
}

// FitInto returns the largest rectangle with the aspect ratio of `src` that fits in `size`.
func FitInto(src image.Rectangle, size types.Size) image.Rectangle {
	srcWidth, srcHeight := src.Dx(), src.Dy()
	if srcWidth <= 0 || srcHeight <= 0 {
		return image.Rectangle{}
	}
	width, height := size.Width, srcHeight*size.Width/srcWidth
	if height > size.Height {
		width, height = srcWidth*size.Height/srcHeight, size.Height
	}
	return image.Rect(0, 0, max(width, 1), max(height, 1))
}

// Render decodes the page file and scales it down to fit `size`.
func (ImageRenderer) Render(ctx context.Context, doc types.Document, page int, size types.Size,
	quality types.Quality) (image.Image, error) {
	dirDoc, ok := doc.(*DirDocument)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported document %T", types.ErrRenderFailure, doc)
	}
	path, err := dirDoc.PagePath(page)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open page: %w", types.ErrRenderFailure, err)
	}
	defer func() { _ = file.Close() }()
	src, format, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode %s: %w", types.ErrRenderFailure, filepath.Base(path), err)
	}
	pageDecodes.WithLabelValues(strings.ToLower(format)).Inc()

	// Decoding is the expensive half; don't scale for nobody.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dst := image.NewRGBA(FitInto(src.Bounds(), size))
	interpolatorFor(quality).Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst, nil
}
