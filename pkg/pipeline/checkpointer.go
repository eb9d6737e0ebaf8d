package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/josephjohncox/vectorwing/pkg/connector"
	"go.uber.org/zap"
)

// Checkpointer commits the tracker watermark every BatchSize finished records
// or every Interval, whichever comes first. Batching bounds the replay window
// after a crash without paying a store write per record; everything
// downstream is idempotent under that replay.
//
// A store failure is fatal: without durable checkpoints the flow cannot bound
// its replay, so Run returns the error and the runner shuts the flow down.
type Checkpointer struct {
	Store     connector.CheckpointStore
	Tracker   *TokenTracker
	SourceID  string
	Interval  time.Duration
	BatchSize int
	Logger    *zap.Logger

	committed connector.ResumeToken
}

func (c *Checkpointer) init() {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Run loops until cancellation. The returned error is nil on cancellation
// and non-nil only for checkpoint store failures.
func (c *Checkpointer) Run(ctx context.Context) error {
	c.init()

	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	finishedSinceCommit := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Tracker.Done():
			finishedSinceCommit += c.Tracker.TakeCompleted()
			if finishedSinceCommit < c.BatchSize {
				continue
			}
		case <-ticker.C:
			finishedSinceCommit += c.Tracker.TakeCompleted()
		}

		committed, err := c.commit(ctx)
		if err != nil {
			return err
		}
		if committed {
			finishedSinceCommit = 0
		}
	}
}

// Flush commits the final watermark during shutdown.
func (c *Checkpointer) Flush(ctx context.Context) error {
	c.init()
	_, err := c.commit(ctx)
	return err
}

func (c *Checkpointer) commit(ctx context.Context) (bool, error) {
	watermark, ok := c.Tracker.Watermark()
	if !ok || watermark == c.committed {
		return false, nil
	}

	if err := c.Store.Commit(ctx, c.SourceID, watermark); err != nil {
		return false, fmt.Errorf("commit checkpoint for %s: %w", c.SourceID, err)
	}
	c.committed = watermark
	c.Logger.Debug("checkpoint committed",
		zap.String("source", c.SourceID),
		zap.String("resume_token", string(watermark)))
	return true, nil
}
