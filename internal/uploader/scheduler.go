// Package uploader implements the asynchronous batch upload pipeline:
// per-destination writers with bounded buffers, a single scheduler goroutine
// that round-robins over them, and a bounded retry loop per batch.
package uploader

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/szibis/batch-uploader/internal/compression"
	"github.com/szibis/batch-uploader/internal/logging"
)

// Uploader owns the scheduler goroutine and every writer created through it.
// It must be closed; an Uploader that is garbage collected while open logs an
// error and shuts down.
type Uploader struct {
	u *uploader
}

type uploader struct {
	cfg     Config
	retrier *UploadRetrier

	// ctx is canceled only when Close gives up waiting.
	ctx    context.Context
	cancel context.CancelFunc

	wakeCh chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	closed  bool
	pending []*writer

	liveWriters atomic.Int64
	pendingRecs atomic.Int64
}

// Stats is a snapshot of an Uploader.
type Stats struct {
	// Writers is the number of writers not yet closed and drained.
	Writers int
	// PendingRecords is the number of records buffered or in flight.
	PendingRecords int64
	// Closed reports whether Close was called.
	Closed bool
}

// New creates an Uploader and starts its scheduler.
func New(t Transport, cfg Config) *Uploader {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	u := &uploader{
		cfg:     cfg,
		retrier: NewUploadRetrier(t, cfg.Retry),
		ctx:     ctx,
		cancel:  cancel,
		wakeCh:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go u.run()

	h := &Uploader{u: u}
	runtime.AddCleanup(h, func(u *uploader) { u.reportUnclosed() }, u)
	logging.Info("uploader started", logging.F(
		"batch_size", cfg.BatchSize,
		"checkpoint_interval", cfg.CheckpointInterval.String(),
		"content_encoding", string(cfg.ContentEncoding),
		"max_attempts", cfg.Retry.MaxAttempts,
	))
	return h
}

// NewWriter creates a writer for url. Options override the uploader defaults.
func (h *Uploader) NewWriter(url string, opts ...WriterOption) (*Writer, error) {
	u := h.u
	o := u.cfg.writerOptions(opts)
	if _, err := compression.ParseType(string(o.encoding)); err != nil {
		return nil, err
	}

	w := newWriter(u, url, o)
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil, ErrUploaderClosed
	}
	u.pending = append(u.pending, w)
	u.mu.Unlock()

	u.liveWriters.Add(1)
	writersActive.Inc()
	u.wake()

	wh := &Writer{w: w}
	runtime.AddCleanup(wh, func(w *writer) { w.reportUnclosed() }, w)
	logging.Debug("writer created", logging.F(
		"url", url,
		"batch_size", o.batchSize,
		"buffer_size", o.bufferSize,
		"start_offset", o.startOffset,
	))
	return wh, nil
}

// Close closes every writer, uploads what they hold and stops the scheduler.
// When ctx ends first, in-flight retries are canceled, the remaining batches
// are dropped and ctx.Err() is returned. Close is idempotent.
func (h *Uploader) Close(ctx context.Context) error {
	u := h.u
	u.mu.Lock()
	first := !u.closed
	u.closed = true
	u.mu.Unlock()
	if first {
		logging.Info("uploader shutdown requested", logging.F(
			"writers", u.liveWriters.Load(),
			"pending_records", u.pendingRecs.Load(),
		))
	}
	u.wake()

	select {
	case <-u.done:
		u.cancel()
		return nil
	case <-ctx.Done():
		u.cancel()
		<-u.done
		return ctx.Err()
	}
}

// Stats returns a snapshot of the uploader state.
func (h *Uploader) Stats() Stats {
	return Stats{
		Writers:        int(h.u.liveWriters.Load()),
		PendingRecords: h.u.pendingRecs.Load(),
		Closed:         h.u.isClosed(),
	}
}

// Done is closed once the scheduler has exited.
func (h *Uploader) Done() <-chan struct{} {
	return h.u.done
}

func (u *uploader) isClosed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closed
}

// wake interrupts the scheduler sleep. Signals coalesce.
func (u *uploader) wake() {
	select {
	case u.wakeCh <- struct{}{}:
	default:
	}
}

// takePending returns writers registered since the last call and whether the
// uploader is closed. No writer is registered after closed is observed.
func (u *uploader) takePending() ([]*writer, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	p := u.pending
	u.pending = nil
	return p, u.closed
}

func (u *uploader) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-u.wakeCh:
	}
}

// run is the scheduler loop. The writers slice is owned by this goroutine.
func (u *uploader) run() {
	defer close(u.done)

	var writers []*writer
	for {
		added, closed := u.takePending()
		writers = append(writers, added...)
		if len(writers) == 0 {
			if closed {
				logging.Info("uploader stopped")
				return
			}
			u.sleep(u.cfg.PollInterval)
			continue
		}

		// One pass over the writers known now. No sleep inside a pass.
		busy := false
		next := time.Now().Add(u.cfg.PollInterval)
		for range len(writers) {
			w := writers[0]
			writers = writers[1:]

			if closed && w.close() {
				logging.Warn("writer was not closed before uploader shutdown, closing it", logging.F(
					"url", w.url,
				))
			}
			if w.due(time.Now()) {
				u.checkpoint(w)
			}
			if w.finished() {
				u.liveWriters.Add(-1)
				writersActive.Dec()
				continue
			}
			writers = append(writers, w)

			if w.due(time.Now()) {
				busy = true
			} else if d, ok := w.deadline(); ok && d.Before(next) {
				next = d
			}
		}

		if !busy {
			u.sleep(time.Until(next))
		}
	}
}

// checkpoint drains one batch from w and uploads it.
func (u *uploader) checkpoint(w *writer) {
	start, records := w.drain(time.Now())
	if len(records) == 0 {
		return
	}

	batch, err := newBatch(w, start, records)
	if err != nil {
		batch = &Batch{URL: w.url, Start: start, Records: len(records), Encoding: w.encoding}
		batchesDroppedTotal.WithLabelValues(dropEncode).Inc()
		recordsDroppedTotal.Add(float64(batch.Records))
		logging.Error("batch encoding failed, batch dropped", logging.F(
			"url", w.url,
			"offset", start,
			"records", len(records),
			"error", err.Error(),
		))
		u.dropped(DroppedBatch{Batch: batch, Err: err})
		w.finish(batch)
		return
	}

	resp, err := u.retrier.TryUpload(u.ctx, batch)
	if err != nil {
		d := DroppedBatch{Batch: batch, Err: err}
		var ue *UploadError
		if errors.As(err, &ue) {
			d.Attempts = ue.Attempts
			d.Err = ue.Err
		}
		u.dropped(d)
	} else {
		w.commit(batch)
		batchesUploadedTotal.Inc()
		recordsUploadedTotal.Add(float64(batch.Records))
		batchRecords.Observe(float64(batch.Records))
		logging.Debug("checkpoint uploaded", logging.F(
			"url", batch.URL,
			"offset", batch.Start,
			"records", batch.Records,
			"bytes", len(batch.Payload),
			"batch_id", batch.ID,
		))
		w.uploaded(resp, batch)
	}
	w.finish(batch)
}

func (u *uploader) dropped(d DroppedBatch) {
	if u.cfg.OnBatchDropped == nil {
		return
	}
	safeCallback("on_batch_dropped", d.Batch, func() error {
		u.cfg.OnBatchDropped(d)
		return nil
	})
}

// reportUnclosed runs once the *Uploader handle is unreachable.
func (u *uploader) reportUnclosed() {
	u.mu.Lock()
	closed := u.closed
	u.closed = true
	u.mu.Unlock()
	if closed {
		return
	}
	logging.Error("uploader was garbage collected without Close, buffered records may be lost", logging.F(
		"writers", u.liveWriters.Load(),
		"pending_records", u.pendingRecs.Load(),
	))
	u.wake()
}
