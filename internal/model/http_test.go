package model

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/josephjohncox/vectorwing/pkg/connector"
)

func httpTask() connector.InferenceTask {
	return connector.InferenceTask{
		ID:         "task-1",
		Listener:   connector.ListenerSpec{Identifier: "embed-title", ModelRef: "remote://v1"},
		DocumentID: "doc-1",
		Input:      map[string]any{"title": "hello"},
		Token:      connector.ResumeToken("0001"),
	}
}

func newHTTPExecutorForTest(t *testing.T, url string, maxRetries int) *HTTPExecutor {
	t.Helper()
	executor, err := NewHTTPExecutor(HTTPExecutorConfig{
		Endpoint:    url,
		Timeout:     2 * time.Second,
		MaxRetries:  maxRetries,
		BackoffBase: time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	return executor
}

func TestHTTPExecutorSuccess(t *testing.T) {
	var gotKey string
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotKey = r.Header.Get("Idempotency-Key")
		mu.Unlock()

		var req taskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Listener != "embed-title" || req.DocumentID != "doc-1" {
			t.Errorf("unexpected request: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(taskResponse{Vector: []float32{1, 2}})
	}))
	defer server.Close()

	executor := newHTTPExecutorForTest(t, server.URL, 0)
	result, err := executor.Submit(context.Background(), httpTask())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Status != connector.StatusSuccess || len(result.Vector) != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotKey == "" {
		t.Fatal("expected an idempotency key header")
	}
	if gotKey != taskKey(httpTask()) {
		t.Fatalf("idempotency key not replay-stable: %s", gotKey)
	}
}

func TestHTTPExecutorRetriesServerErrors(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		failing := calls <= 2
		mu.Unlock()
		if failing {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(taskResponse{Vector: []float32{1}})
	}))
	defer server.Close()

	executor := newHTTPExecutorForTest(t, server.URL, 3)
	result, err := executor.Submit(context.Background(), httpTask())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Status != connector.StatusSuccess {
		t.Fatalf("unexpected result: %+v", result)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestHTTPExecutorExhaustedRetriesSurfaceAsBusy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer server.Close()

	executor := newHTTPExecutorForTest(t, server.URL, 1)
	_, err := executor.Submit(context.Background(), httpTask())
	if err == nil {
		t.Fatal("expected submission error")
	}
	if !errors.Is(err, connector.ErrExecutorBusy) {
		t.Fatalf("expected ErrExecutorBusy, got %v", err)
	}
}

func TestHTTPExecutorModelFailureIsFailedResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(taskResponse{Error: "input exceeds context window"})
	}))
	defer server.Close()

	executor := newHTTPExecutorForTest(t, server.URL, 3)
	result, err := executor.Submit(context.Background(), httpTask())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Status != connector.StatusFailed || result.Error != "input exceeds context window" {
		t.Fatalf("expected failed result, got %+v", result)
	}
}
