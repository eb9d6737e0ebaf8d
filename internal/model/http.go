package model

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/josephjohncox/vectorwing/pkg/connector"
)

// HTTPExecutorConfig tunes the model-server client.
type HTTPExecutorConfig struct {
	Endpoint    string
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// HTTPExecutor submits tasks to a model-serving endpoint. The request carries
// a replay-stable idempotency key derived from (listener, document, token) so
// the server can deduplicate crash-recovery resubmissions.
//
// Transport errors and 5xx responses are retried here with jittered backoff
// and eventually surfaced as submission failures; a 422 response means the
// model itself failed and becomes a failed result.
type HTTPExecutor struct {
	endpoint    string
	client      *http.Client
	maxRetries  int
	backoffBase time.Duration
	backoffMax  time.Duration
}

func NewHTTPExecutor(cfg HTTPExecutorConfig) (*HTTPExecutor, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("executor endpoint is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	backoffBase := cfg.BackoffBase
	if backoffBase <= 0 {
		backoffBase = 200 * time.Millisecond
	}
	backoffMax := cfg.BackoffMax
	if backoffMax <= 0 {
		backoffMax = 5 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	return &HTTPExecutor{
		endpoint:    cfg.Endpoint,
		client:      &http.Client{Timeout: timeout},
		maxRetries:  maxRetries,
		backoffBase: backoffBase,
		backoffMax:  backoffMax,
	}, nil
}

type taskRequest struct {
	TaskID     string         `json:"task_id"`
	Listener   string         `json:"listener"`
	Model      string         `json:"model"`
	DocumentID string         `json:"document_id"`
	Input      map[string]any `json:"input"`
}

type taskResponse struct {
	Vector []float32 `json:"vector,omitempty"`
	Value  any       `json:"value,omitempty"`
	Error  string    `json:"error,omitempty"`
}

func (e *HTTPExecutor) Submit(ctx context.Context, task connector.InferenceTask) (connector.InferenceResult, error) {
	payload, err := json.Marshal(taskRequest{
		TaskID:     task.ID,
		Listener:   task.Listener.Identifier,
		Model:      task.Listener.ModelRef,
		DocumentID: task.DocumentID,
		Input:      task.Input,
	})
	if err != nil {
		return connector.InferenceResult{}, fmt.Errorf("encode task: %w", err)
	}

	idempotencyKey := taskKey(task)
	attempt := 0
	for {
		resp, err := e.send(ctx, payload, idempotencyKey)
		if err == nil {
			return e.decode(task, resp)
		}
		attempt++
		if attempt > e.maxRetries || !retryable(err) {
			return connector.InferenceResult{}, fmt.Errorf("submit task %s: %w", task.ID, errors.Join(connector.ErrExecutorBusy, err))
		}

		select {
		case <-ctx.Done():
			return connector.InferenceResult{}, ctx.Err()
		case <-time.After(e.backoffDuration(attempt)):
		}
	}
}

func (e *HTTPExecutor) send(ctx context.Context, payload []byte, idempotencyKey string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 500 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, &statusError{code: resp.StatusCode, body: string(body)}
	}
	return resp, nil
}

func (e *HTTPExecutor) decode(task connector.InferenceTask, resp *http.Response) (connector.InferenceResult, error) {
	defer resp.Body.Close()

	result := connector.InferenceResult{
		TaskID:     task.ID,
		Listener:   task.Listener.Identifier,
		DocumentID: task.DocumentID,
		Token:      task.Token,
		FinishedAt: time.Now().UTC(),
	}

	var body taskResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return connector.InferenceResult{}, fmt.Errorf("decode response: %w", err)
	}

	if resp.StatusCode == http.StatusUnprocessableEntity || body.Error != "" {
		result.Status = connector.StatusFailed
		result.Error = body.Error
		if result.Error == "" {
			result.Error = fmt.Sprintf("model server returned status %d", resp.StatusCode)
		}
		return result, nil
	}
	if resp.StatusCode != http.StatusOK {
		return connector.InferenceResult{}, fmt.Errorf("model server returned status %d", resp.StatusCode)
	}

	result.Status = connector.StatusSuccess
	result.Vector = body.Vector
	result.Value = body.Value
	return result, nil
}

func (e *HTTPExecutor) backoffDuration(attempt int) time.Duration {
	delay := time.Duration(float64(e.backoffBase) * math.Pow(2, float64(attempt-1)))
	if delay > e.backoffMax {
		delay = e.backoffMax
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("model server status %d: %s", e.code, e.body)
}

func retryable(err error) bool {
	var status *statusError
	if errors.As(err, &status) {
		return status.code >= 500
	}
	// Transport-level failures are retryable by default.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func taskKey(task connector.InferenceTask) string {
	sum := sha256.Sum256([]byte(task.Listener.Identifier + "|" + task.DocumentID + "|" + string(task.Token)))
	return hex.EncodeToString(sum[:16])
}
