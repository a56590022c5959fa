package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/szibis/batch-uploader/internal/client"
	"github.com/szibis/batch-uploader/internal/config"
	"github.com/szibis/batch-uploader/internal/fakehub"
	"github.com/szibis/batch-uploader/internal/health"
	"github.com/szibis/batch-uploader/internal/logging"
	"github.com/szibis/batch-uploader/internal/telemetry"
	"github.com/szibis/batch-uploader/internal/uploader"
)

func main() {
	cfg := config.ParseFlags()

	if cfg.ShowHelp {
		config.PrintUsage(os.Stdout)
		os.Exit(0)
	}

	if cfg.ShowVersion {
		config.PrintVersion()
		os.Exit(0)
	}

	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		logging.Fatal("invalid configuration", logging.F("error", err.Error()))
	}

	if cfg.MemoryLimitRatio > 0 {
		limit, err := memlimit.SetGoMemLimitWithOpts(
			memlimit.WithRatio(cfg.MemoryLimitRatio),
			memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
		)
		if err != nil {
			logging.Warn("failed to set memory limit", logging.F("error", err.Error()))
		} else {
			logging.Info("memory limit set", logging.F("gomemlimit_bytes", limit, "ratio", cfg.MemoryLimitRatio))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Init(ctx, cfg.TelemetryConfig(), "batch-uploader", config.Version())
	if err != nil {
		logging.Fatal("failed to initialize telemetry", logging.F("error", err.Error()))
	}
	if hook := tel.NewLogHook(); hook != nil {
		logging.SetHook(hook)
	}

	err = run(ctx, cfg, os.Stdin)

	if tel.Enabled() {
		logging.SetHook(nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), tel.ShutdownTimeout())
		if serr := tel.Shutdown(shutdownCtx); serr != nil {
			logging.Warn("telemetry shutdown failed", logging.F("error", serr.Error()))
		}
		cancel()
	}
	if err != nil {
		logging.Fatal("batch-uploader failed", logging.F("error", err.Error()))
	}
}

const statsLogInterval = 30 * time.Second

// summary is what one run uploaded.
type summary struct {
	read      int
	rejected  int
	committed uint64
}

// run uploads every line of the inputs, or of stdin when there are none, to
// cfg.Path and closes the client. Canceling ctx stops reading; the records
// already accepted are still uploaded within cfg.ShutdownTimeout.
func run(ctx context.Context, cfg *config.Config, stdin io.Reader) error {
	if cfg.Path == "" {
		return errors.New("no destination path, set -path")
	}

	if cfg.DryRun {
		hub := fakehub.New()
		server := httptest.NewServer(hub)
		defer server.Close()
		cfg.Endpoint = server.URL
		defer func() {
			logging.Info("dry run finished", logging.F(
				"uploads", len(hub.Uploads()),
				"records", len(hub.Records(cfg.Path)),
				"gaps", len(hub.Gaps()),
			))
		}()
	}

	c, err := client.New(client.Config{
		Transport: cfg.TransportConfig(),
		Retry:     cfg.RetryPolicy(),
		Uploader:  cfg.UploaderConfig(),
	})
	if err != nil {
		return err
	}
	w, err := c.NewWriter(cfg.Path, uploader.WithStartOffset(cfg.StartOffset))
	if err != nil {
		return err
	}

	lines := make(chan []byte, 256)
	readErr := make(chan error, 1)
	go func() {
		defer close(readErr)
		readErr <- readInputs(ctx, cfg.Inputs, stdin, lines)
	}()

	g, gctx := errgroup.WithContext(ctx)
	pumpDone := make(chan struct{})
	draining := func() {}

	if cfg.MetricsAddr != "" {
		checker := health.New()
		checker.Register("uploader", health.UploaderCheck(c.Stats, int64(bufferCapacity(cfg))))
		draining = checker.SetDraining

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		checker.Mount(mux)
		metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			logging.Info("metrics endpoint started", logging.F("addr", cfg.MetricsAddr, "paths", "/metrics,/live,/ready"))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			select {
			case <-pumpDone:
			case <-gctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		logStats(pumpDone, c, statsLogInterval)
		return nil
	})

	var sum summary
	g.Go(func() error {
		defer close(pumpDone)
		logging.Info("batch-uploader started", logging.F(
			"endpoint", cfg.Endpoint,
			"path", cfg.Path,
			"start_offset", cfg.StartOffset,
			"inputs", len(cfg.Inputs),
			"dry_run", cfg.DryRun,
		))

		perr := pump(gctx, w, lines, readErr, &sum)
		if errors.Is(perr, context.Canceled) && ctx.Err() != nil {
			logging.Info("interrupted, uploading buffered records", logging.F(
				"pending_records", c.Stats().PendingRecords,
				"timeout", cfg.ShutdownTimeout.String(),
			))
			perr = nil
		}

		draining()
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		cerr := c.Close(closeCtx)
		sum.committed = w.Committed()

		logging.Info("shutdown complete", logging.F(
			"records_read", sum.read,
			"records_rejected", sum.rejected,
			"committed_offset", sum.committed,
		))
		return errors.Join(perr, cerr)
	})

	return g.Wait()
}

// logStats logs the uploader state every interval until done is closed.
func logStats(done <-chan struct{}, c *client.Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s := c.Stats()
			logging.Info("uploader stats", logging.F(
				"writers", s.Writers,
				"pending_records", s.PendingRecords,
			))
		}
	}
}

// bufferCapacity is the per-writer buffer the uploader will use.
func bufferCapacity(cfg *config.Config) int {
	if cfg.BufferSize > 0 {
		return cfg.BufferSize
	}
	return 2 * cfg.BatchSize
}

// pump writes lines until the reader is done or ctx is canceled. Records
// larger than the writer's limit are logged and skipped.
func pump(ctx context.Context, w *uploader.Writer, lines <-chan []byte, readErr <-chan error, sum *summary) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return <-readErr
			}
			sum.read++
			offset, err := w.WriteRaw(ctx, line)
			if err != nil {
				if errors.Is(err, uploader.ErrValueTooLarge) {
					sum.rejected++
					logging.Warn("record rejected", logging.F("line", sum.read, "error", err.Error()))
					continue
				}
				return err
			}
			logging.Debug("record accepted", logging.F("offset", offset))
		}
	}
}

// readInputs sends each non-empty line of the files, or of stdin when there
// are none, and closes lines.
func readInputs(ctx context.Context, files []string, stdin io.Reader, lines chan<- []byte) error {
	defer close(lines)
	if len(files) == 0 {
		return readLines(ctx, stdin, lines)
	}
	for _, name := range files {
		f, err := os.Open(name)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		err = readLines(ctx, f, lines)
		f.Close()
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
	}
	return nil
}

func readLines(ctx context.Context, r io.Reader, lines chan<- []byte) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		line = trimEOL(line)
		if len(line) > 0 {
			select {
			case lines <- line:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func trimEOL(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
	}
	if n := len(b); n > 0 && b[n-1] == '\r' {
		b = b[:n-1]
	}
	return b
}
