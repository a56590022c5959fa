package uploader

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/szibis/batch-uploader/internal/auth"
	"github.com/szibis/batch-uploader/internal/compression"
	"github.com/szibis/batch-uploader/internal/logging"
	"github.com/szibis/batch-uploader/internal/transport"
)

// Writer buffers records for one destination and hands them to the uploader
// in order. Every accepted record gets the next offset; batches are uploaded
// with the offset of their first record so the server can detect gaps.
//
// A Writer is safe for concurrent use. It must be closed; a Writer that is
// garbage collected while open logs an error.
type Writer struct {
	w *writer
}

// writer is the state shared with the scheduler. The scheduler never holds a
// *Writer, so the handle can be collected while the writer is still queued.
type writer struct {
	u           *uploader
	url         string
	batchSize   int
	interval    time.Duration
	maxItemSize int
	encoding    compression.Type
	credentials auth.Credentials
	serializer  Serializer
	onUploaded  func(*transport.Response) error

	// slots holds one token per record that is buffered or in flight.
	slots chan struct{}

	mu             sync.Mutex
	queue          [][]byte
	offset         uint64 // next offset to assign
	drained        uint64 // offset of queue[0]
	processed      uint64 // every record below was uploaded or dropped
	committed      uint64 // end of the last successful batch
	flushUntil     uint64 // records below are uploaded without waiting
	lastCheckpoint time.Time
	closed         bool
	progress       chan struct{}
}

func newWriter(u *uploader, url string, o writerOptions) *writer {
	return &writer{
		u:              u,
		url:            url,
		batchSize:      o.batchSize,
		interval:       o.interval,
		maxItemSize:    o.maxItemSize,
		encoding:       o.encoding,
		credentials:    o.credentials,
		serializer:     o.serializer,
		onUploaded:     o.onUploaded,
		slots:          make(chan struct{}, o.bufferSize),
		queue:          make([][]byte, 0, o.batchSize),
		offset:         o.startOffset,
		drained:        o.startOffset,
		processed:      o.startOffset,
		committed:      o.startOffset,
		flushUntil:     o.startOffset,
		lastCheckpoint: time.Now(),
		progress:       make(chan struct{}),
	}
}

// Write serializes item and enqueues it. It returns the offset assigned to
// the record. Write blocks while the buffer is full; ctx bounds that wait.
func (h *Writer) Write(ctx context.Context, item any) (uint64, error) {
	data, err := h.w.serializer(item)
	if err != nil {
		recordsRejectedTotal.WithLabelValues("serialize").Inc()
		return 0, fmt.Errorf("serialize record: %w", err)
	}
	return h.w.write(ctx, data)
}

// WriteRaw enqueues an already serialized record. data must not contain the
// record delimiter and must not be modified after the call.
func (h *Writer) WriteRaw(ctx context.Context, data []byte) (uint64, error) {
	if bytes.IndexByte(data, compression.Delimiter) >= 0 {
		recordsRejectedTotal.WithLabelValues("serialize").Inc()
		return 0, fmt.Errorf("record contains the %q delimiter", compression.Delimiter)
	}
	return h.w.write(ctx, data)
}

func (w *writer) write(ctx context.Context, data []byte) (uint64, error) {
	if len(data) > w.maxItemSize {
		recordsRejectedTotal.WithLabelValues("too_large").Inc()
		return 0, newValueTooLargeError(data, w.maxItemSize)
	}
	if w.isClosed() {
		recordsRejectedTotal.WithLabelValues("closed").Inc()
		return 0, ErrWriterClosed
	}

	select {
	case w.slots <- struct{}{}:
	default:
		backpressureWaitsTotal.Inc()
		w.u.wake()
		select {
		case w.slots <- struct{}{}:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.slots
		recordsRejectedTotal.WithLabelValues("closed").Inc()
		return 0, ErrWriterClosed
	}
	seq := w.offset
	w.offset++
	w.queue = append(w.queue, data)
	full := len(w.slots) == cap(w.slots)
	w.mu.Unlock()

	recordsWrittenTotal.Inc()
	pendingRecords.Inc()
	w.u.pendingRecs.Add(1)
	if full {
		w.u.wake()
	}
	return seq, nil
}

// Flush uploads everything written so far without waiting for the batch size
// or checkpoint interval, and blocks until those records are processed.
// Records in a dropped batch count as processed.
func (h *Writer) Flush(ctx context.Context) error {
	w := h.w
	w.mu.Lock()
	target := w.offset
	if target > w.flushUntil {
		w.flushUntil = target
	}
	w.mu.Unlock()

	w.u.wake()
	return w.waitProcessed(ctx, target)
}

// Close stops accepting records. With block set it waits until every
// buffered record is processed. Close is idempotent.
func (h *Writer) Close(ctx context.Context, block bool) error {
	w := h.w
	w.close()
	if !block {
		return nil
	}
	w.mu.Lock()
	target := w.offset
	w.mu.Unlock()
	return w.waitProcessed(ctx, target)
}

// URL returns the destination of the writer.
func (h *Writer) URL() string { return h.w.url }

// Offset returns the offset the next record will get.
func (h *Writer) Offset() uint64 {
	h.w.mu.Lock()
	defer h.w.mu.Unlock()
	return h.w.offset
}

// Committed returns the offset following the last successfully uploaded batch.
func (h *Writer) Committed() uint64 {
	h.w.mu.Lock()
	defer h.w.mu.Unlock()
	return h.w.committed
}

// Len returns the number of records buffered or in flight.
func (h *Writer) Len() int {
	h.w.mu.Lock()
	defer h.w.mu.Unlock()
	return int(h.w.offset - h.w.processed)
}

// Closed reports whether Close was called.
func (h *Writer) Closed() bool {
	return h.w.isClosed()
}

func (w *writer) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// close marks the writer closed and reports whether it was open.
func (w *writer) close() bool {
	w.mu.Lock()
	wasOpen := !w.closed
	w.closed = true
	w.mu.Unlock()
	if wasOpen {
		w.u.wake()
	}
	return wasOpen
}

func (w *writer) waitProcessed(ctx context.Context, target uint64) error {
	for {
		w.mu.Lock()
		if w.processed >= target {
			w.mu.Unlock()
			return nil
		}
		ch := w.progress
		w.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// due reports whether the scheduler should checkpoint the writer now. An idle
// writer still checkpoints on the interval, with nothing to upload.
func (w *writer) due(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.queue)
	if n == 0 {
		if now.Sub(w.lastCheckpoint) >= w.interval {
			w.lastCheckpoint = now
		}
		return w.closed
	}
	return n >= w.batchSize ||
		w.closed ||
		w.flushUntil > w.drained ||
		len(w.slots) == cap(w.slots) ||
		now.Sub(w.lastCheckpoint) >= w.interval
}

// deadline returns when the checkpoint interval forces the next upload.
func (w *writer) deadline() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return time.Time{}, false
	}
	return w.lastCheckpoint.Add(w.interval), true
}

// drain removes up to batchSize records from the head of the queue.
func (w *writer) drain(now time.Time) (uint64, [][]byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastCheckpoint = now
	n := min(len(w.queue), w.batchSize)
	if n == 0 {
		return w.drained, nil
	}
	records := make([][]byte, n)
	copy(records, w.queue[:n])
	clear(w.queue[:n])
	w.queue = w.queue[n:]
	start := w.drained
	w.drained += uint64(n)
	return start, records
}

func (w *writer) commit(b *Batch) {
	w.mu.Lock()
	w.committed = b.End()
	w.mu.Unlock()
}

// finish marks b processed, wakes waiters and frees its buffer slots.
func (w *writer) finish(b *Batch) {
	w.mu.Lock()
	w.processed = b.End()
	close(w.progress)
	w.progress = make(chan struct{})
	w.mu.Unlock()

	for i := 0; i < b.Records; i++ {
		<-w.slots
	}
	pendingRecords.Sub(float64(b.Records))
	w.u.pendingRecs.Add(-int64(b.Records))
}

// finished reports whether the writer is closed and has nothing left.
func (w *writer) finished() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed && len(w.queue) == 0
}

func (w *writer) uploaded(resp *transport.Response, b *Batch) {
	if w.onUploaded == nil {
		return
	}
	safeCallback("on_batch_uploaded", b, func() error { return w.onUploaded(resp) })
}

// reportUnclosed runs once the *Writer handle is unreachable.
func (w *writer) reportUnclosed() {
	w.mu.Lock()
	closed := w.closed
	offset := w.offset
	pending := w.offset - w.processed
	w.mu.Unlock()
	if closed {
		return
	}
	logging.Error("writer was garbage collected without Close, buffered records may be lost", logging.F(
		"url", w.url,
		"pending_records", pending,
		"offset", offset,
	))
	w.close()
}

// safeCallback runs fn and logs its error or panic.
func safeCallback(name string, b *Batch, fn func() error) {
	fields := logging.F(
		"callback", name,
		"url", b.URL,
		"offset", b.Start,
		"batch_id", b.ID,
	)
	defer func() {
		if r := recover(); r != nil {
			callbackErrorsTotal.Inc()
			fields["panic"] = fmt.Sprint(r)
			logging.Error("batch callback panicked", fields)
		}
	}()
	if err := fn(); err != nil {
		callbackErrorsTotal.Inc()
		fields["error"] = err.Error()
		logging.Error("batch callback failed", fields)
	}
}
