// Package health serves liveness and readiness probes for the uploader
// process.
package health

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/szibis/batch-uploader/internal/uploader"
)

// Status represents the health status of a component.
type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDraining Status = "draining"
)

// ComponentCheck represents the health of a single component.
type ComponentCheck struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the JSON body returned by health endpoints.
type Response struct {
	Status     Status                    `json:"status"`
	Components map[string]ComponentCheck `json:"components,omitempty"`
	Timestamp  string                    `json:"timestamp"`
}

// CheckFunc returns nil if the component is healthy, or an error describing the issue.
type CheckFunc func() error

// Checker aggregates named readiness checks. While draining the process is
// still alive but no longer ready.
type Checker struct {
	mu       sync.RWMutex
	checks   map[string]CheckFunc
	draining atomic.Bool
}

// New creates a new health Checker.
func New() *Checker {
	return &Checker{checks: make(map[string]CheckFunc)}
}

// Register adds or replaces a named readiness check.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// SetDraining marks the process as uploading its last records before exit.
func (c *Checker) SetDraining() {
	c.draining.Store(true)
}

// Mount registers /live and /ready on mux.
func (c *Checker) Mount(mux *http.ServeMux) {
	mux.HandleFunc("/live", c.LiveHandler())
	mux.HandleFunc("/ready", c.ReadyHandler())
}

// LiveHandler reports the process as up, including while it drains.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := Response{Status: StatusUp, Timestamp: now()}
		if c.draining.Load() {
			resp.Components = map[string]ComponentCheck{
				"process": {Status: StatusDraining, Message: "uploading buffered records"},
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// ReadyHandler runs every check. Any failure, or draining, answers 503.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.draining.Load() {
			writeJSON(w, http.StatusServiceUnavailable, Response{
				Status:    StatusDraining,
				Timestamp: now(),
			})
			return
		}

		c.mu.RLock()
		checks := make(map[string]CheckFunc, len(c.checks))
		for k, v := range c.checks {
			checks[k] = v
		}
		c.mu.RUnlock()

		overall := StatusUp
		components := make(map[string]ComponentCheck, len(checks))
		for name, check := range checks {
			if err := check(); err != nil {
				overall = StatusDown
				components[name] = ComponentCheck{Status: StatusDown, Message: err.Error()}
			} else {
				components[name] = ComponentCheck{Status: StatusUp}
			}
		}

		code := http.StatusOK
		if overall == StatusDown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, Response{Status: overall, Components: components, Timestamp: now()})
	}
}

// UploaderCheck fails once the uploader is closed or, when maxPending is
// positive, while more than maxPending records wait for upload.
func UploaderCheck(stats func() uploader.Stats, maxPending int64) CheckFunc {
	return func() error {
		s := stats()
		if s.Closed {
			return errors.New("uploader closed")
		}
		if maxPending > 0 && s.PendingRecords > maxPending {
			return fmt.Errorf("%d records pending, limit %d", s.PendingRecords, maxPending)
		}
		return nil
	}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func writeJSON(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
