package mongo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/josephjohncox/vectorwing/pkg/connector"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Server code for a truncated oplog rejecting the resume position.
const codeChangeStreamHistoryLost = 286

// Source reads one collection's change stream and normalizes events into
// ChangeRecords. Transient disconnects are retried internally with jittered
// exponential backoff, resuming from the last emitted token; a rejected
// resume position is fatal and surfaces as a StreamGapError.
type Source struct {
	client       *mongo.Client
	database     string
	collection   string
	batchSize    int32
	fullDocument bool
	maxAwait     time.Duration
	backoffBase  time.Duration
	backoffMax   time.Duration
	logger       *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	records chan connector.ChangeRecord
	lastErr error

	atHead atomic.Bool
}

// SourceOption configures the stream.
type SourceOption func(*Source)

func WithBatchSize(size int32) SourceOption {
	return func(s *Source) {
		s.batchSize = size
	}
}

func WithFullDocument(enabled bool) SourceOption {
	return func(s *Source) {
		s.fullDocument = enabled
	}
}

func WithMaxAwaitTime(d time.Duration) SourceOption {
	return func(s *Source) {
		s.maxAwait = d
	}
}

func WithBackoff(base, max time.Duration) SourceOption {
	return func(s *Source) {
		s.backoffBase = base
		s.backoffMax = max
	}
}

func WithLogger(logger *zap.Logger) SourceOption {
	return func(s *Source) {
		s.logger = logger
	}
}

// NewSource returns a change-stream source for one collection.
func NewSource(client *mongo.Client, database, collection string, opts ...SourceOption) *Source {
	source := &Source{
		client:       client,
		database:     database,
		collection:   collection,
		batchSize:    128,
		fullDocument: true,
		maxAwait:     time.Second,
		backoffBase:  500 * time.Millisecond,
		backoffMax:   30 * time.Second,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(source)
	}
	return source
}

// SourceID names the watched source for checkpoints and logs.
func (s *Source) SourceID() string {
	return s.database + "." + s.collection
}

// Open starts streaming from resumeFrom (or the current head when zero). The
// returned channel closes on fatal error or cancellation; Err reports the
// terminal cause afterwards.
func (s *Source) Open(ctx context.Context, resumeFrom connector.ResumeToken) (<-chan connector.ChangeRecord, error) {
	if s.client == nil {
		return nil, errors.New("mongo client is required")
	}
	if s.database == "" || s.collection == "" {
		return nil, errors.New("database and collection are required")
	}

	stream, err := s.watch(ctx, resumeFrom)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	records := make(chan connector.ChangeRecord, 256)

	s.mu.Lock()
	s.cancel = cancel
	s.records = records
	s.mu.Unlock()

	s.wg.Add(1)
	go s.consume(streamCtx, stream, resumeFrom)

	return records, nil
}

// Close terminates streaming.
func (s *Source) Close(_ context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return nil
}

// Err returns the terminal error observed by the stream, if any.
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// AtHead reports whether the reader is currently idle at the stream head.
// The flag drops as soon as new events arrive or the stream reconnects.
func (s *Source) AtHead() bool {
	return s.atHead.Load()
}

func (s *Source) watch(ctx context.Context, resumeFrom connector.ResumeToken) (*mongo.ChangeStream, error) {
	opts := options.ChangeStream().
		SetBatchSize(s.batchSize).
		SetMaxAwaitTime(s.maxAwait)
	if s.fullDocument {
		opts = opts.SetFullDocument(options.UpdateLookup)
	}
	if !resumeFrom.IsZero() {
		opts = opts.SetResumeAfter(bson.D{{Key: "_data", Value: string(resumeFrom)}})
	}

	coll := s.client.Database(s.database).Collection(s.collection)
	stream, err := coll.Watch(ctx, mongo.Pipeline{}, opts)
	if err != nil {
		if isHistoryLost(err) {
			return nil, &connector.StreamGapError{SourceID: s.SourceID(), Token: resumeFrom, Cause: err}
		}
		return nil, fmt.Errorf("open change stream: %w", err)
	}
	return stream, nil
}

func (s *Source) consume(ctx context.Context, stream *mongo.ChangeStream, resumeFrom connector.ResumeToken) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		if s.records != nil {
			close(s.records)
		}
		s.mu.Unlock()
	}()
	defer func() {
		if stream != nil {
			_ = stream.Close(context.Background())
		}
	}()

	// The post-batch token marks the open position; without it a reconnect
	// before the first event would restart from the head and skip the outage
	// window.
	lastToken := seedToken(resumeFrom, streamToken(stream))
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		if stream.TryNext(ctx) {
			attempt = 0
			s.atHead.Store(false)
			record, token, ok, err := s.decode(stream.Current)
			if err != nil {
				s.setErr(err)
				return
			}
			if token.IsZero() {
				token = streamToken(stream)
			}
			lastToken = token
			if !ok {
				continue
			}
			record.Token = token
			if !s.send(ctx, record) {
				return
			}
			continue
		}

		if err := stream.Err(); err != nil {
			if ctx.Err() != nil {
				return
			}
			if isHistoryLost(err) || errors.Is(err, mongo.ErrMissingResumeToken) {
				s.setErr(&connector.StreamGapError{SourceID: s.SourceID(), Token: lastToken, Cause: err})
				return
			}

			// Transient disconnect: reopen from the last emitted token.
			attempt++
			s.atHead.Store(false)
			s.logger.Warn("change stream disconnected, reconnecting",
				zap.String("source", s.SourceID()),
				zap.Int("attempt", attempt),
				zap.Error(err))
			_ = stream.Close(context.Background())
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.backoffDuration(attempt)):
			}
			next, err := s.watch(ctx, lastToken)
			if err != nil {
				if gap, ok := connector.AsStreamGap(err); ok {
					s.setErr(gap)
					return
				}
				stream = nil
				s.setErr(err)
				return
			}
			stream = next
			lastToken = seedToken(lastToken, streamToken(stream))
			continue
		}

		// Empty poll with no error: the oplog tail is drained.
		s.atHead.Store(true)
		if token := streamToken(stream); !token.IsZero() {
			lastToken = token
		}
	}
}

func (s *Source) send(ctx context.Context, record connector.ChangeRecord) bool {
	s.mu.Lock()
	ch := s.records
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return false
	case ch <- record:
		return true
	}
}

func (s *Source) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
}

func (s *Source) backoffDuration(attempt int) time.Duration {
	delay := time.Duration(float64(s.backoffBase) * math.Pow(2, float64(attempt-1)))
	if delay > s.backoffMax {
		delay = s.backoffMax
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

// seedToken fills an empty resume position from the stream's post-batch
// token. An already-held position is never overwritten.
func seedToken(current, fromStream connector.ResumeToken) connector.ResumeToken {
	if current.IsZero() {
		return fromStream
	}
	return current
}

func streamToken(stream *mongo.ChangeStream) connector.ResumeToken {
	raw := stream.ResumeToken()
	if raw == nil {
		return ""
	}
	value, err := raw.LookupErr("_data")
	if err != nil {
		return ""
	}
	data, ok := value.StringValueOK()
	if !ok {
		return ""
	}
	return connector.ResumeToken(data)
}

func isHistoryLost(err error) bool {
	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) {
		return serverErr.HasErrorCode(codeChangeStreamHistoryLost)
	}
	return false
}
