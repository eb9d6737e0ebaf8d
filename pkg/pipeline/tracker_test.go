package pipeline

import (
	"fmt"
	"testing"

	"github.com/josephjohncox/vectorwing/pkg/connector"
	"pgregory.net/rapid"
)

func token(i int) connector.ResumeToken {
	return connector.ResumeToken(fmt.Sprintf("%08d", i))
}

func TestTrackerWatermarkAdvancesOverFinishedPrefix(t *testing.T) {
	tracker := NewTokenTracker()
	for i := 1; i <= 3; i++ {
		tracker.Begin(token(i))
	}

	if _, ok := tracker.Watermark(); ok {
		t.Fatal("expected no watermark before any finish")
	}

	// Finishing out of order must not advance past the unfinished head.
	tracker.Finish(token(2))
	if _, ok := tracker.Watermark(); ok {
		t.Fatal("expected no watermark while the first token is in flight")
	}

	tracker.Finish(token(1))
	watermark, ok := tracker.Watermark()
	if !ok || watermark != token(2) {
		t.Fatalf("expected watermark %s, got %s (ok=%v)", token(2), watermark, ok)
	}

	tracker.Finish(token(3))
	watermark, _ = tracker.Watermark()
	if watermark != token(3) {
		t.Fatalf("expected watermark %s, got %s", token(3), watermark)
	}
	if !tracker.Drained() {
		t.Fatal("expected drained tracker")
	}
}

func TestTrackerTakeCompletedResets(t *testing.T) {
	tracker := NewTokenTracker()
	for i := 1; i <= 4; i++ {
		tracker.Begin(token(i))
		tracker.Finish(token(i))
	}
	if n := tracker.TakeCompleted(); n != 4 {
		t.Fatalf("expected 4 completed, got %d", n)
	}
	if n := tracker.TakeCompleted(); n != 0 {
		t.Fatalf("expected counter reset, got %d", n)
	}
}

func TestTrackerDoneSignals(t *testing.T) {
	tracker := NewTokenTracker()
	tracker.Begin(token(1))
	tracker.Finish(token(1))

	select {
	case <-tracker.Done():
	default:
		t.Fatal("expected a completion signal")
	}
}

// The watermark never passes an unfinished token, whatever the completion
// order.
func TestTrackerWatermarkRapid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		count := rapid.IntRange(1, 20).Draw(t, "count")
		tracker := NewTokenTracker()
		for i := 1; i <= count; i++ {
			tracker.Begin(token(i))
		}

		order := rapid.Permutation(seq(count)).Draw(t, "order")
		finished := make(map[int]bool, count)
		for _, i := range order {
			tracker.Finish(token(i))
			finished[i] = true

			oldest := 0
			for j := 1; j <= count; j++ {
				if !finished[j] {
					oldest = j
					break
				}
			}

			watermark, ok := tracker.Watermark()
			if oldest == 0 {
				if !ok || watermark != token(count) {
					t.Fatalf("all finished but watermark is %s", watermark)
				}
				continue
			}
			if ok && !token(oldest).After(watermark) {
				t.Fatalf("watermark %s passed in-flight token %s", watermark, token(oldest))
			}
		}

		if !tracker.Drained() {
			t.Fatal("expected drained tracker at end")
		}
	})
}

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i + 1
	}
	return out
}
