package connector

import "errors"

// ErrStreamGap signals that the source's change log no longer contains the
// resume position. The reader must stop; restarting from the head would
// silently lose updates, so recovery requires an operator-driven resync.
var ErrStreamGap = errors.New("change stream gap: resume token expired")

// ErrCheckpointNotFound is returned when no checkpoint exists for a source.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// ErrDuplicateListener is returned when a listener identifier is already
// registered.
var ErrDuplicateListener = errors.New("listener already registered")

// ErrExecutorBusy is a submission failure: the executor refused the task and
// the dispatcher should retry with backoff.
var ErrExecutorBusy = errors.New("executor unavailable")

// StreamGapError carries the rejected token for operator diagnostics.
type StreamGapError struct {
	SourceID string
	Token    ResumeToken
	Cause    error
}

func (e *StreamGapError) Error() string {
	msg := "change stream gap"
	if e == nil {
		return msg
	}
	if e.SourceID != "" {
		msg += " source=" + e.SourceID
	}
	if e.Token != "" {
		msg += " token=" + string(e.Token)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *StreamGapError) Unwrap() error {
	return ErrStreamGap
}

// AsStreamGap extracts a StreamGapError from an error chain.
func AsStreamGap(err error) (*StreamGapError, bool) {
	var gap *StreamGapError
	if errors.As(err, &gap) {
		return gap, true
	}
	return nil, false
}
