package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/josephjohncox/vectorwing/pkg/connector"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Runner drives one flow: a single sequential reader per source feeding the
// dispatcher, with batched checkpointing behind it. The checkpoint loaded at
// startup decides the resume position, so a crash replays exactly the records
// after the last commit.
type Runner struct {
	Source     connector.Source
	SourceID   string
	Dispatcher *Dispatcher
	Checkpoints connector.CheckpointStore

	CheckpointInterval time.Duration
	CheckpointBatch    int
	DrainTimeout       time.Duration

	Health *Health
	Logger *zap.Logger
	Tracer trace.Tracer
}

// Run executes the flow until context cancellation or fatal error. Stream
// gaps and checkpoint store failures terminate the flow; everything else is
// contained by the dispatcher.
func (r *Runner) Run(ctx context.Context) error {
	if r.Source == nil {
		return errors.New("source is required")
	}
	if r.Dispatcher == nil {
		return errors.New("dispatcher is required")
	}
	if r.Checkpoints == nil {
		return errors.New("checkpoint store is required")
	}
	if r.SourceID == "" {
		return errors.New("source id is required")
	}

	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := r.Tracer
	if tracer == nil {
		tracer = otel.Tracer("vectorwing/pipeline")
	}
	drainTimeout := r.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = 30 * time.Second
	}
	if r.Dispatcher.Tracker == nil {
		r.Dispatcher.Tracker = NewTokenTracker()
	}
	tracker := r.Dispatcher.Tracker

	resumeFrom := connector.ResumeToken("")
	cp, err := r.Checkpoints.Load(ctx, r.SourceID)
	switch {
	case err == nil:
		resumeFrom = cp.Token
		logger.Info("resuming from checkpoint",
			zap.String("source", r.SourceID),
			zap.String("resume_token", string(resumeFrom)))
	case errors.Is(err, connector.ErrCheckpointNotFound):
		logger.Info("no checkpoint, starting from stream head", zap.String("source", r.SourceID))
	default:
		return fmt.Errorf("load checkpoint: %w", err)
	}

	records, err := r.Source.Open(ctx, resumeFrom)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer r.Source.Close(context.Background())

	if r.Health != nil {
		if reporter, ok := r.Source.(connector.HeadReporter); ok {
			r.Health.SetHeadProbe(reporter.AtHead)
		}
	}

	// In-flight work survives parent cancellation until the drain deadline,
	// so graceful shutdown can complete and checkpoint what finished.
	taskCtx, cancelTasks := context.WithCancel(context.Background())
	defer cancelTasks()

	checkpointer := &Checkpointer{
		Store:     r.Checkpoints,
		Tracker:   tracker,
		SourceID:  r.SourceID,
		Interval:  r.CheckpointInterval,
		BatchSize: r.CheckpointBatch,
		Logger:    logger,
	}
	cpCtx, cancelCheckpointer := context.WithCancel(context.Background())
	cpErr := make(chan error, 1)
	go func() {
		cpErr <- checkpointer.Run(cpCtx)
	}()
	defer cancelCheckpointer()

	headTicker := time.NewTicker(time.Second)
	defer headTicker.Stop()

	var runErr error
	checkpointerDone := false

loop:
	for {
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			break loop

		case err := <-cpErr:
			runErr = err
			checkpointerDone = true
			break loop

		case <-headTicker.C:
			if r.Health != nil && r.Health.Live() {
				if reporter, ok := r.Source.(connector.HeadReporter); ok && reporter.AtHead() && tracker.Drained() {
					r.Health.MarkReady()
				}
			}

		case record, ok := <-records:
			if !ok {
				runErr = r.Source.Err()
				if runErr == nil {
					runErr = errors.New("change stream closed")
				}
				if gap, isGap := connector.AsStreamGap(runErr); isGap {
					logger.Error("change stream gap, operator resync required",
						zap.String("source", gap.SourceID),
						zap.String("resume_token", string(gap.Token)),
						zap.Error(gap.Cause))
				}
				break loop
			}

			if r.Health != nil {
				r.Health.MarkAdvance()
			}
			_, span := tracer.Start(ctx, "pipeline.record")
			if err := r.Dispatcher.Dispatch(taskCtx, record); err != nil {
				span.RecordError(err)
				span.End()
				runErr = fmt.Errorf("dispatch: %w", err)
				break loop
			}
			span.End()
		}
	}

	// Shutdown: stop intake, drain in-flight work, then commit the highest
	// fully-drained token. An abrupt kill lands on the crash-recovery path
	// and replays from the last commit instead.
	_ = r.Source.Close(context.Background())
	if err := r.Dispatcher.Drain(drainTimeout); err != nil {
		logger.Warn("drain incomplete", zap.String("source", r.SourceID), zap.Error(err))
	}
	cancelTasks()
	cancelCheckpointer()
	if !checkpointerDone {
		// Wait for the commit loop to stop before the final flush touches
		// the same store state.
		<-cpErr
	}

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFlush()
	if err := checkpointer.Flush(flushCtx); err != nil {
		logger.Error("final checkpoint flush failed", zap.String("source", r.SourceID), zap.Error(err))
		if runErr == nil || errors.Is(runErr, context.Canceled) {
			runErr = err
		}
	}

	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}
