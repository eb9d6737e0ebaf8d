package connector

import (
	"context"
	"time"
)

// Operation indicates the change type for a record.
type Operation string

const (
	OpInsert  Operation = "insert"
	OpUpdate  Operation = "update"
	OpReplace Operation = "replace"
	OpDelete  Operation = "delete"
)

// ComputeKind selects where a listener's inference runs.
type ComputeKind string

const (
	ComputeInline      ComputeKind = "inline"
	ComputeDistributed ComputeKind = "distributed"
)

// OutputDestination selects where a listener's output lands.
type OutputDestination string

const (
	DestinationStoreField  OutputDestination = "primary_store_field"
	DestinationVectorIndex OutputDestination = "vector_index"
)

// ResumeToken is an opaque position in a change stream. Tokens produced by a
// single source compare lexicographically and strictly increase in stream
// order; the zero value means "no position".
type ResumeToken string

// IsZero reports whether the token carries no position.
func (t ResumeToken) IsZero() bool { return t == "" }

// After reports whether t is strictly later in the stream than other.
func (t ResumeToken) After(other ResumeToken) bool { return t > other }

// ChangeRecord is a normalized mutation event from the primary store.
// Records are immutable once produced; records for the same DocumentID must
// be applied in token order.
type ChangeRecord struct {
	Collection    string
	DocumentID    string
	Operation     Operation
	ChangedFields []string
	// Document holds the post-image for insert/replace and, when the source
	// supports full-document lookup, for update. Nil for delete.
	Document  map[string]any
	Token     ResumeToken
	Timestamp time.Time
}

// ListenerSpec binds a collection/field pair to a model whose output is
// written back to the store or kept in a vector index. Specs are immutable
// after registration; Identifier is unique per registry.
type ListenerSpec struct {
	Identifier  string
	Collection  string
	TargetField string
	InputFields []string
	ModelRef    string
	Compute     ComputeKind
	Destination OutputDestination
	// IndexName names the vector index for DestinationVectorIndex listeners.
	// Defaults to Identifier when empty.
	IndexName string
}

// Index returns the vector index name the listener writes to.
func (s ListenerSpec) Index() string {
	if s.IndexName != "" {
		return s.IndexName
	}
	return s.Identifier
}

// InferenceTask is one unit of model work for a single document.
type InferenceTask struct {
	ID          string
	Listener    ListenerSpec
	DocumentID  string
	Input       map[string]any
	Token       ResumeToken
	SubmittedAt time.Time
}

// ResultStatus reports how an inference task ended.
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusFailed  ResultStatus = "failed"
)

// InferenceResult is the completion record for an InferenceTask. Failed
// results carry the model error message and are never retried automatically.
type InferenceResult struct {
	TaskID     string
	Listener   string
	DocumentID string
	Token      ResumeToken
	Status     ResultStatus
	Vector     []float32
	Value      any
	Error      string
	FinishedAt time.Time
}

// VectorRecord is one embedding keyed by (index, document). Token carries the
// originating change position and decides last-writer-wins on conflicts.
type VectorRecord struct {
	DocumentID string
	IndexName  string
	Vector     []float32
	Token      ResumeToken
}

// Checkpoint is the durable record of the last fully-processed position for
// one watched source.
type Checkpoint struct {
	SourceID    string
	Token       ResumeToken
	CommittedAt time.Time
}

// Source emits a resumable ordered sequence of change records. The returned
// channel is closed on fatal error or context cancellation; Err reports the
// terminal cause afterwards. Transient disconnects are handled inside the
// source by reconnecting from the last emitted token.
type Source interface {
	Open(ctx context.Context, resumeFrom ResumeToken) (<-chan ChangeRecord, error)
	Close(ctx context.Context) error
	Err() error
}

// HeadReporter is implemented by sources that can tell whether they are
// currently idle at the stream head. Used for readiness and to distinguish
// a legitimately idle reader from a stalled one.
type HeadReporter interface {
	AtHead() bool
}

// DocumentStore reads and writes documents in the primary store by id.
type DocumentStore interface {
	Get(ctx context.Context, collection, id string) (map[string]any, error)
	SetField(ctx context.Context, collection, id, field string, value any) error
}

// VectorIndex keeps embeddings consistent with source documents. Upsert is
// idempotent; both operations apply last-writer-wins on the record token, so
// out-of-order delivery converges on the highest-token state.
type VectorIndex interface {
	Upsert(ctx context.Context, record VectorRecord) error
	Remove(ctx context.Context, indexName, documentID string, token ResumeToken) error
}

// Executor runs inference tasks. A returned error is a submission failure and
// is retryable; a model failure is reported as a failed result, not an error.
type Executor interface {
	Submit(ctx context.Context, task InferenceTask) (InferenceResult, error)
}

// CheckpointStore persists per-source stream positions. Commit only advances:
// a stored token is never overwritten by an equal or lower one.
type CheckpointStore interface {
	Load(ctx context.Context, sourceID string) (Checkpoint, error)
	Commit(ctx context.Context, sourceID string, token ResumeToken) error
	List(ctx context.Context) ([]Checkpoint, error)
	Reset(ctx context.Context, sourceID string) error
}

// ResultLog receives every inference completion for audit and replay.
type ResultLog interface {
	Publish(ctx context.Context, result InferenceResult) error
	Close(ctx context.Context) error
}
