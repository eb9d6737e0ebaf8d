package mongo

import (
	"testing"
	"time"

	"github.com/josephjohncox/vectorwing/pkg/connector"
)

func TestSeedTokenFillsEmptyPosition(t *testing.T) {
	got := seedToken("", connector.ResumeToken("826400aa"))
	if got != connector.ResumeToken("826400aa") {
		t.Fatalf("expected post-batch token to seed an empty position, got %q", got)
	}

	// A reconnect before any position is known must not end up at the head.
	if got := seedToken("", ""); !got.IsZero() {
		t.Fatalf("expected zero token when the stream carries none, got %q", got)
	}
}

func TestSeedTokenNeverOverwritesHeldPosition(t *testing.T) {
	held := connector.ResumeToken("826400aa")
	if got := seedToken(held, connector.ResumeToken("826400ff")); got != held {
		t.Fatalf("held position overwritten: %q", got)
	}
	if got := seedToken(held, ""); got != held {
		t.Fatalf("held position dropped: %q", got)
	}
}

func TestBackoffDurationIsBounded(t *testing.T) {
	source := NewSource(nil, "db", "articles",
		WithBackoff(100*time.Millisecond, time.Second))

	for attempt := 1; attempt <= 10; attempt++ {
		delay := source.backoffDuration(attempt)
		if delay < 100*time.Millisecond {
			t.Fatalf("attempt %d: delay %s below base", attempt, delay)
		}
		// Cap plus a quarter of jitter.
		if delay > time.Second+250*time.Millisecond {
			t.Fatalf("attempt %d: delay %s exceeds cap", attempt, delay)
		}
	}
}
