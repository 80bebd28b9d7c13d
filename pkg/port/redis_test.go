package port

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nobletooth/folio/pkg/cache"
	"github.com/nobletooth/folio/pkg/prefetch"
	"github.com/nobletooth/folio/pkg/pressure"
	"github.com/nobletooth/folio/pkg/schedule"
	"github.com/nobletooth/folio/pkg/thumbnail"
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

var testDoc = fakeDocument{id: 21, pages: 10}

// pageRenderer renders pages as solid images; page 7 fails.
func pageRenderer(_ context.Context, _ types.Document, page int, size types.Size,
	_ types.Quality) (image.Image, error) {
	if page == 7 {
		return nil, errors.New("corrupt page")
	}
	img := image.NewRGBA(image.Rect(0, 0, size.Width, size.Height))
	img.Set(0, 0, color.RGBA{R: uint8(page), A: 255})
	return img, nil
}

func newTestHandler(t *testing.T) (*redisHandler, *thumbnail.Service) {
	t.Helper()
	opts := thumbnail.Options{
		Cache:          cache.Options{BudgetBytes: 1 << 20, PinVisible: true},
		Schedule:       schedule.Options{Workers: 2, Timeout: 5 * time.Second},
		Prefetch:       prefetch.Options{Lookahead: 1, FailedFilterSize: 16, FailedFilterFPRate: 0.01},
		Pressure:       pressure.Options{ModerateBudgetRatio: 0.5},
		RenderContexts: 2,
		DefaultQuality: types.QualityMedium,
	}
	service := thumbnail.NewService(cache.NewStore(opts.Cache), types.RendererFunc(pageRenderer), opts)
	t.Cleanup(service.Shutdown)
	handler, err := newRedisHandler(service, func(dir string) (types.Document, error) {
		if dir != "docs" {
			return nil, fmt.Errorf("no document in %q", dir)
		}
		return testDoc, nil
	})
	require.NoError(t, err)
	return handler, service
}

func command(name string, args ...string) redisCommand {
	return redisCommand{command: name, args: args}
}

func errorOf(output redisOutput) string {
	if output.err == nil {
		return ""
	}
	return *output.err
}

func decodePNG(t *testing.T, output redisOutput) image.Image {
	t.Helper()
	require.Empty(t, errorOf(output))
	require.NotNil(t, output.writeBulk)
	img, err := png.Decode(bytes.NewReader(output.writeBulk))
	require.NoError(t, err)
	return img
}

func TestNewRedisHandler(t *testing.T) {
	_, err := newRedisHandler(nil, OpenDirDocument)
	assert.Error(t, err)
	_, service := newTestHandler(t)
	_, err = newRedisHandler(service, nil)
	assert.Error(t, err)
}

func TestRedisHandler_Basics(t *testing.T) {
	handler, _ := newTestHandler(t)
	ctx := context.Background()

	assert.Equal(t, writeRedisString("PONG"), handler.handle(ctx, command("ping")))
	assert.Equal(t, closeRedisConnection(RedisOk), handler.handle(ctx, command("QUIT")))
	assert.Equal(t, "ERR unknown command 'FLY'", errorOf(handler.handle(ctx, command("FLY"))))
	assert.Equal(t, "ERR wrong number of arguments for 'visible' command",
		errorOf(handler.handle(ctx, command("VISIBLE", "1"))))
}

func TestRedisHandler_RequiresDocument(t *testing.T) {
	handler, _ := newTestHandler(t)
	ctx := context.Background()
	for _, cmd := range []redisCommand{command("THUMB", "0", "16", "20"), command("CACHED", "0", "16", "20")} {
		assert.Equal(t, "ERR "+errNoDocument.Error(), errorOf(handler.handle(ctx, cmd)), cmd.command)
	}
	assert.Contains(t, errorOf(handler.handle(ctx, command("OPEN", "elsewhere", "16", "20"))), "no document")
	assert.Contains(t, errorOf(handler.handle(ctx, command("OPEN", "docs", "16", "0"))), "invalid size")
}

func TestRedisHandler_Thumbnails(t *testing.T) {
	handler, service := newTestHandler(t)
	ctx := context.Background()

	assert.Equal(t, writeRedisInt(testDoc.pages), handler.handle(ctx, command("OPEN", "docs", "16", "20")))
	assert.Equal(t, writeRedisNil(), handler.handle(ctx, command("CACHED", "3", "16", "20")))

	img := decodePNG(t, handler.handle(ctx, command("THUMB", "3", "16", "20")))
	assert.Equal(t, image.Rect(0, 0, 16, 20), img.Bounds())
	r, _, _, _ := img.At(0, 0).RGBA()
	assert.Equal(t, uint32(3*0x101), r, "Page 3 was rendered")

	cached := decodePNG(t, handler.handle(ctx, command("CACHED", "3", "16", "20")))
	assert.Equal(t, img.Bounds(), cached.Bounds())

	t.Run("explicit_priority_and_quality", func(t *testing.T) {
		decodePNG(t, handler.handle(ctx, command("THUMB", "4", "16", "20", "background", "low")))
		_, found := service.GetCached(testDoc, 4, types.Size{Width: 16, Height: 20})
		assert.True(t, found)
	})
	t.Run("errors", func(t *testing.T) {
		for _, testCase := range []struct {
			args     []string
			expected string
		}{
			{args: []string{"10", "16", "20"}, expected: "ERR notfound: "},
			{args: []string{"7", "16", "20"}, expected: "ERR render: "},
			{args: []string{"x", "16", "20"}, expected: "ERR invalid page"},
			{args: []string{"1", "16", "-2"}, expected: "ERR invalid size"},
			{args: []string{"1", "16", "20", "urgent"}, expected: "ERR unknown priority"},
			{args: []string{"1", "16", "20", "utility", "ultra"}, expected: "ERR unknown quality"},
			{args: []string{"1"}, expected: "ERR wrong number of arguments"},
		} {
			output := handler.handle(ctx, command("THUMB", testCase.args...))
			assert.True(t, strings.HasPrefix(errorOf(output), testCase.expected), "%v: %s", testCase.args,
				errorOf(output))
		}
	})
	t.Run("caller_gives_up", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		output := handler.handle(cancelled, command("THUMB", "9", "16", "20"))
		// Either it was served before the context was checked or it was given up.
		if output.err != nil {
			assert.Contains(t, *output.err, context.Canceled.Error())
		}
	})
}

func TestRedisHandler_ViewportAndPressure(t *testing.T) {
	handler, service := newTestHandler(t)
	ctx := context.Background()
	require.Equal(t, writeRedisInt(testDoc.pages), handler.handle(ctx, command("OPEN", "docs", "16", "20")))

	assert.Equal(t, writeRedisString(RedisOk), handler.handle(ctx, command("VISIBLE", "2", "3")))
	assert.Eventually(t, func() bool { return service.Stats().Cache.Entries == 5 }, 5*time.Second, time.Millisecond,
		"Visible pages [2, 5) plus one page of lookahead on each side")
	assert.Contains(t, errorOf(handler.handle(ctx, command("VISIBLE", "a", "3"))), "invalid range")

	assert.Equal(t, writeRedisString(RedisOk), handler.handle(ctx, command("PRESSURE", "critical")))
	assert.Equal(t, 3, service.Stats().Cache.Entries, "Only the visible pages survive")
	assert.Contains(t, errorOf(handler.handle(ctx, command("PRESSURE", "extreme"))), "unknown pressure level")

	stats := handler.handle(ctx, command("STATS"))
	require.NotNil(t, stats.writeBulk)
	assert.Contains(t, string(stats.writeBulk), "cache_entries:3\r\n")
	assert.Contains(t, string(stats.writeBulk), "memory_pressure:critical\r\n")
	assert.Contains(t, string(stats.writeBulk), "visible:[2,5)\r\n")

	assert.Equal(t, writeRedisString(RedisOk), handler.handle(ctx, command("CLEAR")))
	assert.Zero(t, service.Stats().Cache.Entries)
}

func TestServe(t *testing.T) {
	handler, _ := newTestHandler(t)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- serve(ctx, listener, handler) }()

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	reader := bufio.NewReader(conn)
	roundTrip := func(request string) string {
		_, err := conn.Write([]byte(request))
		require.NoError(t, err)
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		return line
	}

	assert.Equal(t, "+PONG\r\n", roundTrip("*1\r\n$4\r\nPING\r\n"))
	assert.Equal(t, ":10\r\n", roundTrip("*4\r\n$4\r\nOPEN\r\n$4\r\ndocs\r\n$2\r\n16\r\n$2\r\n20\r\n"))
	assert.Equal(t, "$-1\r\n", roundTrip("*4\r\n$6\r\nCACHED\r\n$1\r\n0\r\n$2\r\n16\r\n$2\r\n20\r\n"))
	assert.True(t, strings.HasPrefix(roundTrip("*1\r\n$3\r\nFLY\r\n"), "-ERR unknown command"))

	cancel()
	assert.NoError(t, <-served)
}

func TestOpenDirDocument(t *testing.T) {
	dir := t.TempDir()
	file, err := os.Create(filepath.Join(dir, "001.png"))
	require.NoError(t, err)
	require.NoError(t, png.Encode(file, image.NewRGBA(image.Rect(0, 0, 4, 4))))
	require.NoError(t, file.Close())

	doc, err := OpenDirDocument(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, doc.PageCount())
}
