// Spins up the folio daemon: page thumbnails of a directory document, driven over the Redis protocol.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nobletooth/folio/pkg/cache"
	"github.com/nobletooth/folio/pkg/config"
	"github.com/nobletooth/folio/pkg/port"
	"github.com/nobletooth/folio/pkg/pressure"
	"github.com/nobletooth/folio/pkg/render"
	"github.com/nobletooth/folio/pkg/thumbnail"
	"github.com/nobletooth/folio/pkg/types"
	"github.com/nobletooth/folio/pkg/utils"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	printVersion   = flag.Bool("print_version", false, "Print the version and exit.")
	documentDir    = flag.String("document_dir", "", "Directory document opened at startup; empty waits for OPEN.")
	thumbWidth     = flag.Int("thumb_width", 160, "Thumbnail width of the document opened at startup.")
	thumbHeight    = flag.Int("thumb_height", 200, "Thumbnail height of the document opened at startup.")
	metricsAddress = flag.String("metrics_address", ":9090",
		"The ip:port serving prometheus metrics on /metrics; empty disables it.")
)

// watchDebounce coalesces the burst of events of a file copy.
const watchDebounce = 500 * time.Millisecond

func main() {
	config.InitFlags()
	utils.InitLogging()

	if *printVersion {
		slog.Info("Folio build info.", "version", utils.Version, "commit", utils.Commit, "build", utils.BuildTime,
			"release", utils.IsReleaseBuild(), "major", utils.MajorVersion())
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	go func() { // Listen for OS interrupts in the background.
		sig := <-signals
		slog.Info("Received termination signal, cancelling server context.", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		slog.Error("Folio server stopped.", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	opts, err := thumbnail.OptionsFromFlags()
	if err != nil {
		return fmt.Errorf("invalid thumbnail options: %w", err)
	}
	service := thumbnail.NewService(cache.NewLayer(), render.ImageRenderer{}, opts)
	defer service.Shutdown()

	if *documentDir != "" {
		size := types.Size{Width: *thumbWidth, Height: *thumbHeight}
		if !size.Valid() {
			return fmt.Errorf("invalid thumbnail size %s", size)
		}
		doc, err := render.OpenDir(*documentDir)
		if err != nil {
			return fmt.Errorf("failed to open the document: %w", err)
		}
		service.OpenDocument(doc, size)
		go func() {
			if err := render.Watch(ctx, doc.Dir(), watchDebounce, func() { reopen(service, doc.Dir()) }); err != nil {
				slog.Error("Stopped watching the document directory.", "dir", doc.Dir(), "error", err)
			}
		}()
	}

	if samplerOpts := pressure.SamplerOptionsFromFlags(); samplerOpts.Enabled() {
		go pressure.NewHeapSampler(samplerOpts).Run(ctx, service.OnPressureSignal)
	}

	if *metricsAddress != "" {
		metricsServer := &http.Server{Addr: *metricsAddress, Handler: metricsHandler(), ReadHeaderTimeout: time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Metrics server stopped.", "error", err)
			}
		}()
		defer func() { _ = metricsServer.Close() }()
	}

	return port.RunRedisServer(ctx, service, port.OpenDirDocument)
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// reopen reloads the directory document `dir` after it changed on disk, if it's still the open document. The
// thumbnails of the previous version are dropped.
func reopen(service *thumbnail.Service, dir string) {
	previous, ok := service.Document().(*render.DirDocument)
	if !ok || previous.Dir() != dir {
		return
	}
	doc, err := render.OpenDir(dir)
	if err != nil {
		slog.Error("Failed to reopen the changed document.", "dir", dir, "error", err)
		return
	}
	if doc.ID() == previous.ID() {
		return
	}
	service.ClearDocument(previous.ID())
	service.OpenDocument(doc, service.Stats().Size)
	slog.Info("Reopened the changed document.", "dir", dir, "pages", doc.PageCount())
}
