package pipeline

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Health tracks the liveness and readiness of one flow. Liveness means the
// reader is advancing (or idle at the stream head); readiness means the flow
// has drained to the source head at least once since starting.
type Health struct {
	mu          sync.RWMutex
	started     time.Time
	lastAdvance time.Time
	stallAfter  time.Duration
	ready       bool
	atHead      func() bool
}

func NewHealth(stallAfter time.Duration) *Health {
	if stallAfter <= 0 {
		stallAfter = time.Minute
	}
	return &Health{started: time.Now(), stallAfter: stallAfter}
}

// SetHeadProbe installs the source's at-head check.
func (h *Health) SetHeadProbe(probe func() bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.atHead = probe
}

// MarkAdvance records that a change record was read from the stream.
func (h *Health) MarkAdvance() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastAdvance = time.Now()
}

// MarkReady latches readiness. A flow never becomes unready again; consumers
// that lag after catching up are still serving the index.
func (h *Health) MarkReady() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = true
}

// Live reports whether the reader is advancing or legitimately idle.
func (h *Health) Live() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.atHead != nil && h.atHead() {
		return true
	}
	reference := h.lastAdvance
	if reference.IsZero() {
		reference = h.started
	}
	return time.Since(reference) < h.stallAfter
}

// Ready reports whether the flow has reached the source head at least once.
func (h *Health) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

type healthStatus struct {
	Live        bool      `json:"live"`
	Ready       bool      `json:"ready"`
	LastAdvance time.Time `json:"last_advance,omitempty"`
}

// Handler serves /healthz and /readyz as JSON.
func (h *Health) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		h.serve(w, h.Live())
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		h.serve(w, h.Ready())
	})
	return mux
}

func (h *Health) serve(w http.ResponseWriter, ok bool) {
	live := h.Live()
	h.mu.RLock()
	status := healthStatus{Live: live, Ready: h.ready, LastAdvance: h.lastAdvance}
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}
