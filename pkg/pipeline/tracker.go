package pipeline

import (
	"sync"

	"github.com/josephjohncox/vectorwing/pkg/connector"
)

type trackedToken struct {
	token connector.ResumeToken
	done  bool
}

// TokenTracker maintains the checkpoint low-watermark: the highest token such
// that every token at or below it has fully finished. Begin is called in
// stream order (tokens strictly increase); Finish may arrive in any order
// because records complete in parallel.
type TokenTracker struct {
	mu        sync.Mutex
	pending   []trackedToken
	watermark connector.ResumeToken
	completed int
	notify    chan struct{}
}

func NewTokenTracker() *TokenTracker {
	return &TokenTracker{notify: make(chan struct{}, 1)}
}

// Begin registers an in-flight token. Tokens must arrive in increasing order.
func (t *TokenTracker) Begin(token connector.ResumeToken) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, trackedToken{token: token})
}

// Finish marks a token complete and advances the watermark over the finished
// prefix.
func (t *TokenTracker) Finish(token connector.ResumeToken) {
	t.mu.Lock()
	for i := range t.pending {
		if t.pending[i].token == token {
			t.pending[i].done = true
			break
		}
	}
	advanced := 0
	for _, tracked := range t.pending {
		if !tracked.done {
			break
		}
		t.watermark = tracked.token
		advanced++
	}
	if advanced > 0 {
		t.pending = t.pending[advanced:]
	}
	t.completed++
	t.mu.Unlock()

	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// Watermark returns the current low-watermark, if any token has finished.
func (t *TokenTracker) Watermark() (connector.ResumeToken, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.watermark, !t.watermark.IsZero()
}

// TakeCompleted returns and resets the number of records finished since the
// last call. Drives count-based checkpoint commits.
func (t *TokenTracker) TakeCompleted() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.completed
	t.completed = 0
	return n
}

// Drained reports whether no tokens are in flight.
func (t *TokenTracker) Drained() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending) == 0
}

// Done signals once per finished record. The channel is never closed.
func (t *TokenTracker) Done() <-chan struct{} {
	return t.notify
}
