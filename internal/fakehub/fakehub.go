// Package fakehub is an in-memory stand-in for the storage service. It
// accepts batch uploads, records every (offset, records) pair, tracks offset
// gaps per path and can inject failures. It backs tests and the dry-run mode
// of the command.
package fakehub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/szibis/batch-uploader/internal/auth"
	"github.com/szibis/batch-uploader/internal/compression"
	"github.com/szibis/batch-uploader/internal/logging"
)

// Upload is one accepted batch.
type Upload struct {
	Path     string
	Start    uint64
	Encoding string
	User     string
	Records  [][]byte
}

// Gap is a batch whose start offset did not follow the previous batch.
type Gap struct {
	Path     string
	Expected uint64
	Got      uint64
}

// Option configures a Hub.
type Option func(*Hub)

// WithCredentials makes the hub require basic auth.
func WithCredentials(c auth.Credentials) Option {
	return func(h *Hub) { h.creds = &c }
}

// WithStrictOffsets rejects uploads that do not continue the previous batch
// with 409 Conflict instead of recording a gap.
func WithStrictOffsets() Option {
	return func(h *Hub) { h.strict = true }
}

// Hub is the fake storage service. It implements http.Handler.
type Hub struct {
	creds  *auth.Credentials
	strict bool

	mu       sync.Mutex
	uploads  []Upload
	records  map[string][][]byte
	next     map[string]uint64
	gaps     []Gap
	failures []int
	stall    chan struct{}
	handler  http.Handler
	requests int
}

// New creates a Hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		records: make(map[string][][]byte),
		next:    make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(h)
	}
	var handler http.Handler = http.HandlerFunc(h.serve)
	if h.creds != nil {
		handler = auth.HTTPMiddleware(auth.ServerConfig{Enabled: true, Credentials: *h.creds}, handler)
	}
	h.handler = handler
	return h
}

// ServeHTTP implements http.Handler.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.requests++
	h.mu.Unlock()
	h.handler.ServeHTTP(w, r)
}

// FailNext makes the next n requests fail with status.
func (h *Hub) FailNext(n, status int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := 0; i < n; i++ {
		h.failures = append(h.failures, status)
	}
}

// Stall blocks every upload until the returned release function is called.
func (h *Hub) Stall() (release func()) {
	ch := make(chan struct{})
	h.mu.Lock()
	h.stall = ch
	h.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			if h.stall == ch {
				h.stall = nil
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Uploads returns the accepted batches in arrival order.
func (h *Hub) Uploads() []Upload {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Upload(nil), h.uploads...)
}

// Records returns every record stored for path in upload order.
func (h *Hub) Records(path string) [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.records[normalize(path)]...)
}

// Gaps returns the offset discontinuities seen so far.
func (h *Hub) Gaps() []Gap {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Gap(nil), h.gaps...)
}

// Requests returns the number of requests received, failed ones included.
func (h *Hub) Requests() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requests
}

func normalize(path string) string {
	return "/" + strings.Trim(path, "/")
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	stall := h.stall
	var status int
	if len(h.failures) > 0 {
		status = h.failures[0]
		h.failures = h.failures[1:]
	}
	h.mu.Unlock()

	if stall != nil && r.Method == http.MethodPost {
		select {
		case <-stall:
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		http.Error(w, fmt.Sprintf("injected failure %d", status), status)
		return
	}

	switch r.Method {
	case http.MethodPost:
		h.upload(w, r)
	case http.MethodGet:
		h.get(w, r)
	case http.MethodDelete:
		h.mu.Lock()
		delete(h.records, normalize(r.URL.Path))
		h.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Hub) upload(w http.ResponseWriter, r *http.Request) {
	path := normalize(r.URL.Path)
	start, err := strconv.ParseUint(r.URL.Query().Get("start"), 10, 64)
	if err != nil {
		http.Error(w, "missing or invalid start parameter", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	encoding, err := compression.ParseType(r.Header.Get("Content-Encoding"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
		return
	}
	records, err := compression.Decode(body, encoding)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	user, _, _ := r.BasicAuth()

	h.mu.Lock()
	expected, seen := h.next[path]
	if seen && start != expected {
		if h.strict {
			h.mu.Unlock()
			http.Error(w, fmt.Sprintf("offset mismatch: expected %d, got %d", expected, start), http.StatusConflict)
			return
		}
		h.gaps = append(h.gaps, Gap{Path: path, Expected: expected, Got: start})
		logging.Warn("upload offset gap detected", logging.F(
			"path", path,
			"expected", expected,
			"got", start,
		))
	}
	h.next[path] = start + uint64(len(records))
	h.uploads = append(h.uploads, Upload{
		Path:     path,
		Start:    start,
		Encoding: string(encoding),
		User:     user,
		Records:  records,
	})
	h.records[path] = append(h.records[path], records...)
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]uint64{
		"start": start,
		"count": uint64(len(records)),
	})
}

func (h *Hub) get(w http.ResponseWriter, r *http.Request) {
	path := normalize(r.URL.Path)
	h.mu.Lock()
	records, ok := h.records[path]
	var buf bytes.Buffer
	for _, rec := range records {
		buf.Write(rec)
		buf.WriteByte(compression.Delimiter)
	}
	h.mu.Unlock()

	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Write(buf.Bytes())
}
