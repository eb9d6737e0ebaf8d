package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/josephjohncox/vectorwing/pkg/connector"
)

type fakeCheckpointStore struct {
	mu      sync.Mutex
	commits []connector.ResumeToken
	tokens  map[string]connector.ResumeToken
	failing bool
}

func newFakeCheckpointStore() *fakeCheckpointStore {
	return &fakeCheckpointStore{tokens: make(map[string]connector.ResumeToken)}
}

func (f *fakeCheckpointStore) Load(_ context.Context, sourceID string) (connector.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.tokens[sourceID]
	if !ok {
		return connector.Checkpoint{}, connector.ErrCheckpointNotFound
	}
	return connector.Checkpoint{SourceID: sourceID, Token: stored}, nil
}

func (f *fakeCheckpointStore) Commit(_ context.Context, sourceID string, token connector.ResumeToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("store unavailable")
	}
	if stored, ok := f.tokens[sourceID]; ok && !token.After(stored) {
		return nil
	}
	f.tokens[sourceID] = token
	f.commits = append(f.commits, token)
	return nil
}

func (f *fakeCheckpointStore) List(context.Context) ([]connector.Checkpoint, error) {
	return nil, nil
}

func (f *fakeCheckpointStore) Reset(_ context.Context, sourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tokens, sourceID)
	return nil
}

func (f *fakeCheckpointStore) commitLog() []connector.ResumeToken {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]connector.ResumeToken, len(f.commits))
	copy(out, f.commits)
	return out
}

func TestCheckpointerCommitsOnBatchSize(t *testing.T) {
	store := newFakeCheckpointStore()
	tracker := NewTokenTracker()
	c := &Checkpointer{
		Store:     store,
		Tracker:   tracker,
		SourceID:  "db.articles",
		Interval:  time.Hour,
		BatchSize: 3,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	for i := 1; i <= 3; i++ {
		tracker.Begin(token(i))
		tracker.Finish(token(i))
	}

	deadline := time.After(2 * time.Second)
	for len(store.commitLog()) == 0 {
		select {
		case <-deadline:
			t.Fatal("no commit after reaching the batch size")
		case <-time.After(5 * time.Millisecond):
		}
	}

	commits := store.commitLog()
	if commits[len(commits)-1] != token(3) {
		t.Fatalf("expected commit at %s, got %s", token(3), commits[len(commits)-1])
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestCheckpointerCommitsOnInterval(t *testing.T) {
	store := newFakeCheckpointStore()
	tracker := NewTokenTracker()
	c := &Checkpointer{
		Store:     store,
		Tracker:   tracker,
		SourceID:  "db.articles",
		Interval:  10 * time.Millisecond,
		BatchSize: 1000,
	}

	tracker.Begin(token(1))
	tracker.Finish(token(1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for len(store.commitLog()) == 0 {
		select {
		case <-deadline:
			t.Fatal("no commit after the interval elapsed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if commits := store.commitLog(); commits[0] != token(1) {
		t.Fatalf("expected commit at %s, got %s", token(1), commits[0])
	}
}

func TestCheckpointerSkipsUnchangedWatermark(t *testing.T) {
	store := newFakeCheckpointStore()
	tracker := NewTokenTracker()
	c := &Checkpointer{Store: store, Tracker: tracker, SourceID: "db.articles"}

	tracker.Begin(token(1))
	tracker.Finish(token(1))

	ctx := context.Background()
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if commits := store.commitLog(); len(commits) != 1 {
		t.Fatalf("expected a single commit, got %d", len(commits))
	}
}

func TestCheckpointerStoreFailureIsFatal(t *testing.T) {
	store := newFakeCheckpointStore()
	store.failing = true
	tracker := NewTokenTracker()
	c := &Checkpointer{
		Store:     store,
		Tracker:   tracker,
		SourceID:  "db.articles",
		Interval:  5 * time.Millisecond,
		BatchSize: 1,
	}

	tracker.Begin(token(1))
	tracker.Finish(token(1))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Run(ctx); err == nil {
		t.Fatal("expected a fatal error from the failing store")
	}
}
