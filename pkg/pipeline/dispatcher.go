package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/josephjohncox/vectorwing/pkg/connector"
	"github.com/josephjohncox/vectorwing/pkg/listener"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Dispatcher fans change records out to listener inference tasks.
//
// Records for the same document are chained: a later record's tasks do not
// start until the earlier record's tasks have completed or been abandoned.
// Records for different documents run in parallel, bounded by MaxInFlight;
// Dispatch blocks when the limit is reached, which backpressures the reader.
type Dispatcher struct {
	Registry *listener.Registry
	Executor connector.Executor
	Index    connector.VectorIndex
	Store    connector.DocumentStore
	Results  connector.ResultLog
	Tracker  *TokenTracker
	Logger   *zap.Logger
	Tracer   trace.Tracer

	MaxInFlight int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	once   sync.Once
	sem    chan struct{}
	chainM sync.Mutex
	chains map[string]chan struct{}
	wg     sync.WaitGroup
}

func (d *Dispatcher) init() {
	d.once.Do(func() {
		if d.MaxInFlight <= 0 {
			d.MaxInFlight = 16
		}
		if d.MaxAttempts <= 0 {
			d.MaxAttempts = 5
		}
		if d.BackoffBase <= 0 {
			d.BackoffBase = 100 * time.Millisecond
		}
		if d.BackoffMax <= 0 {
			d.BackoffMax = 10 * time.Second
		}
		if d.Logger == nil {
			d.Logger = zap.NewNop()
		}
		if d.Tracer == nil {
			d.Tracer = otel.Tracer("vectorwing/pipeline")
		}
		if d.Results == nil {
			d.Results = nopResults{}
		}
		d.sem = make(chan struct{}, d.MaxInFlight)
		d.chains = make(map[string]chan struct{})
	})
}

// Dispatch routes one change record. It blocks while the in-flight limit is
// reached and returns only on context cancellation; all processing failures
// are contained per record.
func (d *Dispatcher) Dispatch(ctx context.Context, record connector.ChangeRecord) error {
	d.init()

	if d.Registry == nil {
		return errors.New("dispatcher requires a listener registry")
	}
	if d.Executor == nil {
		return errors.New("dispatcher requires an executor")
	}
	if d.Index == nil {
		return errors.New("dispatcher requires a vector index")
	}

	if d.Tracker != nil {
		d.Tracker.Begin(record.Token)
	}

	var specs []connector.ListenerSpec
	if record.Operation == connector.OpDelete {
		specs = d.Registry.ForCollection(record.Collection)
	} else {
		specs = d.Registry.Lookup(record.Collection, record.ChangedFields)
	}
	if len(specs) == 0 {
		d.finish(record.Token)
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case d.sem <- struct{}{}:
	}

	d.chainM.Lock()
	prev := d.chains[record.DocumentID]
	done := make(chan struct{})
	d.chains[record.DocumentID] = done
	d.chainM.Unlock()

	d.wg.Add(1)
	go d.process(ctx, record, specs, prev, done)
	return nil
}

func (d *Dispatcher) process(ctx context.Context, record connector.ChangeRecord, specs []connector.ListenerSpec, prev, done chan struct{}) {
	completed := false
	defer func() {
		close(done)
		d.chainM.Lock()
		if d.chains[record.DocumentID] == done {
			delete(d.chains, record.DocumentID)
		}
		d.chainM.Unlock()
		<-d.sem
		if completed {
			d.finish(record.Token)
		}
		d.wg.Done()
	}()

	if prev != nil {
		select {
		case <-ctx.Done():
			return
		case <-prev:
		}
	}

	spanCtx, span := d.Tracer.Start(ctx, "pipeline.dispatch")
	span.SetAttributes(
		attribute.String("collection", record.Collection),
		attribute.String("document_id", record.DocumentID),
		attribute.String("operation", string(record.Operation)),
		attribute.Int("listeners", len(specs)),
	)
	defer span.End()

	for _, spec := range specs {
		if ctx.Err() != nil {
			return
		}
		if record.Operation == connector.OpDelete {
			d.handleDelete(spanCtx, record, spec)
		} else {
			d.handleChange(spanCtx, record, spec)
		}
	}

	completed = ctx.Err() == nil
}

func (d *Dispatcher) handleDelete(ctx context.Context, record connector.ChangeRecord, spec connector.ListenerSpec) {
	if spec.Destination != connector.DestinationVectorIndex {
		// Store-field outputs vanish with the document.
		return
	}
	err := d.withRetry(ctx, func() error {
		return d.Index.Remove(ctx, spec.Index(), record.DocumentID, record.Token)
	})
	if err != nil {
		d.Logger.Error("vector removal abandoned",
			zap.String("listener", spec.Identifier),
			zap.String("document_id", record.DocumentID),
			zap.String("resume_token", string(record.Token)),
			zap.Error(err))
	}
}

func (d *Dispatcher) handleChange(ctx context.Context, record connector.ChangeRecord, spec connector.ListenerSpec) {
	input, err := d.inputSnapshot(ctx, record, spec)
	if err != nil {
		d.Logger.Warn("listener input unresolved, record skipped",
			zap.String("listener", spec.Identifier),
			zap.String("document_id", record.DocumentID),
			zap.String("resume_token", string(record.Token)),
			zap.Error(err))
		return
	}
	if len(input) == 0 {
		d.Logger.Debug("no listener input fields present",
			zap.String("listener", spec.Identifier),
			zap.String("document_id", record.DocumentID))
		return
	}

	task := connector.InferenceTask{
		ID:          uuid.NewString(),
		Listener:    spec,
		DocumentID:  record.DocumentID,
		Input:       input,
		Token:       record.Token,
		SubmittedAt: time.Now().UTC(),
	}

	var result connector.InferenceResult
	err = d.withRetry(ctx, func() error {
		var submitErr error
		result, submitErr = d.Executor.Submit(ctx, task)
		return submitErr
	})
	if err != nil {
		// Poisoned or unreachable: mark failed and advance past it.
		d.Logger.Error("task submission abandoned",
			zap.String("listener", spec.Identifier),
			zap.String("document_id", record.DocumentID),
			zap.String("resume_token", string(record.Token)),
			zap.Error(err))
		d.publish(ctx, connector.InferenceResult{
			TaskID:     task.ID,
			Listener:   spec.Identifier,
			DocumentID: record.DocumentID,
			Token:      record.Token,
			Status:     connector.StatusFailed,
			Error:      err.Error(),
			FinishedAt: time.Now().UTC(),
		})
		return
	}

	d.publish(ctx, result)

	if result.Status == connector.StatusFailed {
		d.Logger.Warn("inference failed",
			zap.String("listener", spec.Identifier),
			zap.String("document_id", record.DocumentID),
			zap.String("resume_token", string(record.Token)),
			zap.String("error", result.Error))
		return
	}

	d.route(ctx, record, spec, result)
}

func (d *Dispatcher) route(ctx context.Context, record connector.ChangeRecord, spec connector.ListenerSpec, result connector.InferenceResult) {
	switch spec.Destination {
	case connector.DestinationVectorIndex:
		if len(result.Vector) == 0 {
			d.Logger.Warn("embedding listener returned no vector",
				zap.String("listener", spec.Identifier),
				zap.String("document_id", record.DocumentID))
			return
		}
		err := d.withRetry(ctx, func() error {
			return d.Index.Upsert(ctx, connector.VectorRecord{
				DocumentID: record.DocumentID,
				IndexName:  spec.Index(),
				Vector:     result.Vector,
				Token:      record.Token,
			})
		})
		if err != nil {
			d.Logger.Error("vector upsert abandoned",
				zap.String("listener", spec.Identifier),
				zap.String("document_id", record.DocumentID),
				zap.String("resume_token", string(record.Token)),
				zap.Error(err))
		}
	case connector.DestinationStoreField:
		if d.Store == nil {
			d.Logger.Error("store writeback skipped, no document store configured",
				zap.String("listener", spec.Identifier),
				zap.String("document_id", record.DocumentID))
			return
		}
		value := result.Value
		if value == nil && len(result.Vector) > 0 {
			value = result.Vector
		}
		err := d.withRetry(ctx, func() error {
			return d.Store.SetField(ctx, record.Collection, record.DocumentID, spec.TargetField, value)
		})
		if err != nil {
			d.Logger.Error("store writeback abandoned",
				zap.String("listener", spec.Identifier),
				zap.String("document_id", record.DocumentID),
				zap.String("resume_token", string(record.Token)),
				zap.Error(err))
		}
	}
}

// inputSnapshot projects the listener's input fields from the record, falling
// back to a store read when the change event carried no post-image.
func (d *Dispatcher) inputSnapshot(ctx context.Context, record connector.ChangeRecord, spec connector.ListenerSpec) (map[string]any, error) {
	doc := record.Document
	if doc == nil {
		if d.Store == nil {
			return nil, errors.New("change event has no document and no store is configured")
		}
		fetched, err := d.Store.Get(ctx, record.Collection, record.DocumentID)
		if err != nil {
			return nil, fmt.Errorf("fetch document: %w", err)
		}
		doc = fetched
	}

	input := make(map[string]any, len(spec.InputFields))
	for _, field := range spec.InputFields {
		if value, ok := doc[field]; ok && value != nil {
			input[field] = value
		}
	}
	return input, nil
}

func (d *Dispatcher) publish(ctx context.Context, result connector.InferenceResult) {
	if err := d.Results.Publish(ctx, result); err != nil {
		d.Logger.Warn("result publish failed",
			zap.String("listener", result.Listener),
			zap.String("document_id", result.DocumentID),
			zap.Error(err))
	}
}

// withRetry runs op with bounded jittered exponential backoff.
func (d *Dispatcher) withRetry(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= d.MaxAttempts; attempt++ {
		if err := op(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt == d.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffDuration(d.BackoffBase, d.BackoffMax, attempt)):
		}
	}
	return fmt.Errorf("after %d attempts: %w", d.MaxAttempts, lastErr)
}

func (d *Dispatcher) finish(token connector.ResumeToken) {
	if d.Tracker != nil {
		d.Tracker.Finish(token)
	}
}

// Drain waits for in-flight records to complete, up to the timeout.
func (d *Dispatcher) Drain(timeout time.Duration) error {
	d.init()

	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-time.After(timeout):
		return errors.New("drain timeout: in-flight tasks abandoned")
	}
}

func backoffDuration(base, max time.Duration, attempt int) time.Duration {
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if delay > max {
		delay = max
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

type nopResults struct{}

func (nopResults) Publish(context.Context, connector.InferenceResult) error { return nil }
func (nopResults) Close(context.Context) error                              { return nil }
