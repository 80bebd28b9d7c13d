// The control port lets an out-of-process front end drive folio over the Redis protocol (RESP), so any Redis
// client works as a thumbnail client. Commands:
//
//	PING
//	QUIT
//	OPEN <dir> <width> <height>           Opens a directory document; replies with its page count.
//	THUMB <page> <width> <height> [priority] [quality]
//	                                      Blocks this connection until the thumbnail is ready; replies with PNG
//	                                      bytes, nil if the request was cancelled, or ERR notfound|render|timeout.
//	CACHED <page> <width> <height>        PNG bytes of the best cached rendition, nil on a miss.
//	VISIBLE <start> <count>
//	PRESSURE normal|moderate|critical
//	STATS
//	CLEAR

package port

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/nobletooth/folio/pkg/pressure"
	"github.com/nobletooth/folio/pkg/render"
	"github.com/nobletooth/folio/pkg/schedule"
	"github.com/nobletooth/folio/pkg/thumbnail"
	"github.com/nobletooth/folio/pkg/types"
	"github.com/tidwall/redcon"
)

const RedisOk = "OK"

var address = flag.String("address", ":6380", "The ip:port to listen on for Redis protocol.")

// redisCommand represents a Redis command with its arguments.
type redisCommand struct {
	command string
	args    []string
}

// redisOutput conforms to a real Redis server output on non pub / sub commands.
type redisOutput struct {
	closeConnection bool    // Closes the connection if true.
	writeNil        bool    // Writes a nil value if true.
	err             *string // Error to return if set.
	writeInt        *int    // Writes an integer value if set.
	writeBulk       []byte  // Writes a bulk string if set.
	writeString     string  // Writes a string value if set.
}

func closeRedisConnection(msg string) redisOutput {
	return redisOutput{writeString: msg, closeConnection: true}
}

func writeRedisNil() redisOutput {
	return redisOutput{writeNil: true}
}

func writeRedisInt(i int) redisOutput {
	return redisOutput{writeInt: &i}
}

func writeRedisBulk(b []byte) redisOutput {
	return redisOutput{writeBulk: b}
}

func writeRedisString(s string) redisOutput {
	return redisOutput{writeString: s}
}

func writeRedisError(err error) redisOutput {
	msg := "ERR " + err.Error()
	return redisOutput{err: &msg}
}

func wrongArgs(command string) redisOutput {
	return writeRedisError(fmt.Errorf("wrong number of arguments for '%s' command", strings.ToLower(command)))
}

// write sends `output` on `conn`.
func (output redisOutput) write(conn redcon.Conn) {
	switch {
	case output.err != nil:
		conn.WriteError(*output.err)
	case output.writeNil:
		conn.WriteNull()
	case output.writeInt != nil:
		conn.WriteInt(*output.writeInt)
	case output.writeBulk != nil:
		conn.WriteBulk(output.writeBulk)
	default:
		conn.WriteString(output.writeString)
	}
	if output.closeConnection {
		if err := conn.Close(); err != nil {
			slog.Error("failed to close connection", "error", err)
		}
	}
}

// DocumentOpener opens the document stored in a directory.
type DocumentOpener func(dir string) (types.Document, error)

// OpenDirDocument opens directory documents with the -page_glob patterns.
func OpenDirDocument(dir string) (types.Document, error) {
	return render.OpenDir(dir)
}

type redisHandler struct {
	service *thumbnail.Service
	open    DocumentOpener
}

// newRedisHandler creates a new redisHandler.
func newRedisHandler(service *thumbnail.Service, open DocumentOpener) (*redisHandler, error) {
	if service == nil {
		return nil, errors.New("expected a non-nil thumbnail service")
	}
	if open == nil {
		return nil, errors.New("expected a non-nil document opener")
	}
	return &redisHandler{service: service, open: open}, nil
}

func (rh *redisHandler) handle(ctx context.Context, cmd redisCommand) redisOutput {
	command := strings.ToUpper(cmd.command)
	portCommands.WithLabelValues(knownCommand(command)).Inc()
	switch command {
	case "PING":
		return writeRedisString("PONG")
	case "QUIT":
		return closeRedisConnection(RedisOk)
	case "OPEN":
		if len(cmd.args) != 3 {
			return wrongArgs(command)
		}
		size, err := parseSize(cmd.args[1], cmd.args[2])
		if err != nil {
			return writeRedisError(err)
		}
		doc, err := rh.open(cmd.args[0])
		if err != nil {
			return writeRedisError(err)
		}
		rh.service.OpenDocument(doc, size)
		return writeRedisInt(doc.PageCount())
	case "THUMB":
		if len(cmd.args) < 3 || len(cmd.args) > 5 {
			return wrongArgs(command)
		}
		return rh.thumb(ctx, cmd.args)
	case "CACHED":
		if len(cmd.args) != 3 {
			return wrongArgs(command)
		}
		doc := rh.service.Document()
		if doc == nil {
			return writeRedisError(errNoDocument)
		}
		page, err := strconv.Atoi(cmd.args[0])
		if err != nil {
			return writeRedisError(fmt.Errorf("invalid page %q", cmd.args[0]))
		}
		size, err := parseSize(cmd.args[1], cmd.args[2])
		if err != nil {
			return writeRedisError(err)
		}
		img, found := rh.service.GetCached(doc, page, size)
		if !found {
			return writeRedisNil()
		}
		return encodePNG(img)
	case "VISIBLE":
		if len(cmd.args) != 2 {
			return wrongArgs(command)
		}
		start, startErr := strconv.Atoi(cmd.args[0])
		count, countErr := strconv.Atoi(cmd.args[1])
		if err := errors.Join(startErr, countErr); err != nil {
			return writeRedisError(fmt.Errorf("invalid range: %w", err))
		}
		rh.service.SetVisibleRange(start, count)
		return writeRedisString(RedisOk)
	case "PRESSURE":
		if len(cmd.args) != 1 {
			return wrongArgs(command)
		}
		level, err := pressure.ParseLevel(cmd.args[0])
		if err != nil {
			return writeRedisError(err)
		}
		rh.service.OnPressureSignal(level)
		return writeRedisString(RedisOk)
	case "STATS":
		if len(cmd.args) != 0 {
			return wrongArgs(command)
		}
		return writeRedisBulk([]byte(formatStats(rh.service.Stats())))
	case "CLEAR":
		rh.service.ClearAll()
		return writeRedisString(RedisOk)
	default:
		return writeRedisError(fmt.Errorf("unknown command '%s'", cmd.command))
	}
}

var errNoDocument = errors.New("no open document, use OPEN first")

// thumb serves THUMB <page> <width> <height> [priority] [quality]. The request is cancelled if `ctx` is done first.
func (rh *redisHandler) thumb(ctx context.Context, args []string) redisOutput {
	doc := rh.service.Document()
	if doc == nil {
		return writeRedisError(errNoDocument)
	}
	page, err := strconv.Atoi(args[0])
	if err != nil {
		return writeRedisError(fmt.Errorf("invalid page %q", args[0]))
	}
	size, err := parseSize(args[1], args[2])
	if err != nil {
		return writeRedisError(err)
	}
	priority := types.PriorityInteractive
	if len(args) > 3 {
		if priority, err = types.ParsePriority(args[3]); err != nil {
			return writeRedisError(err)
		}
	}
	var handle *schedule.Handle
	if len(args) > 4 {
		quality, err := types.ParseQuality(args[4])
		if err != nil {
			return writeRedisError(err)
		}
		handle = rh.service.RequestThumbnailAt(doc, page, size, quality, priority, nil)
	} else {
		handle = rh.service.RequestThumbnail(doc, page, size, priority, nil)
	}

	// redcon only notices a dropped client on its next read, after this returns, so a disconnect doesn't cancel the
	// request. It still completes, at the latest when the generation times out.
	result, err := handle.Wait(ctx)
	if err != nil {
		rh.service.Cancel(handle)
		return writeRedisError(err)
	}
	switch {
	case result.Err == nil:
		return encodePNG(result.Image)
	case result.Cancelled():
		return writeRedisNil()
	case errors.Is(result.Err, types.ErrNotFound):
		return writeRedisError(fmt.Errorf("notfound: %w", result.Err))
	case errors.Is(result.Err, types.ErrTimeout):
		return writeRedisError(fmt.Errorf("timeout: %w", result.Err))
	default:
		return writeRedisError(fmt.Errorf("render: %w", result.Err))
	}
}

func parseSize(width, height string) (types.Size, error) {
	w, widthErr := strconv.Atoi(width)
	h, heightErr := strconv.Atoi(height)
	if err := errors.Join(widthErr, heightErr); err != nil {
		return types.Size{}, fmt.Errorf("invalid size: %w", err)
	}
	size := types.Size{Width: w, Height: h}
	if !size.Valid() {
		return types.Size{}, fmt.Errorf("invalid size %s", size)
	}
	return size, nil
}

var pngEncoder = png.Encoder{CompressionLevel: png.BestSpeed}

func encodePNG(img image.Image) redisOutput {
	var buf bytes.Buffer
	if err := pngEncoder.Encode(&buf, img); err != nil {
		return writeRedisError(fmt.Errorf("failed to encode thumbnail: %w", err))
	}
	return writeRedisBulk(buf.Bytes())
}

// formatStats renders the service stats the way Redis INFO does: one "field:value" per line.
func formatStats(stats thumbnail.Stats) string {
	var sb strings.Builder
	for _, field := range []struct {
		name  string
		value any
	}{
		{"document", stats.Document},
		{"thumb_size", stats.Size},
		{"visible", stats.Visible},
		{"cache_entries", stats.Cache.Entries},
		{"cache_bytes", stats.Cache.Bytes},
		{"cache_budget", stats.Cache.Budget},
		{"cache_nominal_budget", stats.Cache.NominalBudget},
		{"in_flight", stats.Schedule.InFlight},
		{"queued", stats.Schedule.Queued},
		{"running", stats.Schedule.Running},
		{"prefetch_state", stats.Prefetch},
		{"prefetch_outstanding", stats.Prefetched},
		{"memory_pressure", stats.Pressure},
	} {
		_, _ = fmt.Fprintf(&sb, "%s:%v\r\n", field.name, field.value)
	}
	return sb.String()
}

var knownCommands = map[string]bool{"PING": true, "QUIT": true, "OPEN": true, "THUMB": true, "CACHED": true,
	"VISIBLE": true, "PRESSURE": true, "STATS": true, "CLEAR": true}

// knownCommand bounds the cardinality of the command label.
func knownCommand(command string) string {
	if knownCommands[command] {
		return command
	}
	return "UNKNOWN"
}

// serve runs the Redis protocol server on `listener` until `ctx` is done.
func serve(ctx context.Context, listener net.Listener, handler *redisHandler) error {
	serverErrSignal := make(chan error, 1)
	go func() {
		serverErrSignal <- redcon.Serve(listener,
			/*handler*/ func(conn redcon.Conn, cmd redcon.Command) {
				// Convert redcon.Command to redisCommand.
				command := redisCommand{command: string(cmd.Args[0]), args: make([]string, len(cmd.Args)-1)}
				for i := 1; i < len(cmd.Args); i++ {
					command.args[i-1] = string(cmd.Args[i])
				}
				handler.handle(ctx, command).write(conn)
			},
			/*accept*/ func(conn redcon.Conn) bool {
				slog.Debug("Accepted control connection.", "remote", conn.RemoteAddr())
				return true
			},
			/*closed*/ func(conn redcon.Conn, err error) {
				if err != nil {
					slog.Debug("Control connection closed.", "remote", conn.RemoteAddr(), "error", err)
				}
			})
	}()

	select {
	case <-ctx.Done():
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("failed to close the control port: %w", err)
		}
		<-serverErrSignal
		return nil
	case err := <-serverErrSignal:
		return fmt.Errorf("redis server stopped unexpectedly: %w", err)
	}
}

// RunRedisServer serves the control port of `service` on -address until `ctx` is done.
func RunRedisServer(ctx context.Context, service *thumbnail.Service, open DocumentOpener) error {
	if *address == "" {
		return errors.New("expected a non-empty --address flag")
	}
	redisHandler, err := newRedisHandler(service, open)
	if err != nil {
		return fmt.Errorf("failed to create a new redis handler: %w", err)
	}
	listener, err := net.Listen("tcp", *address)
	if err != nil {
		return fmt.Errorf("failed to listen on %q: %w", *address, err)
	}
	slog.Info("Serving the control port.", "address", listener.Addr().String())
	return serve(ctx, listener, redisHandler)
}
