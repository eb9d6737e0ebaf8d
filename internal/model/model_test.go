package model

import (
	"context"
	"errors"
	"testing"

	"github.com/josephjohncox/vectorwing/pkg/connector"
)

func TestHashModelIsDeterministic(t *testing.T) {
	loaded, err := newHashModel("16")
	if err != nil {
		t.Fatalf("new hash model: %v", err)
	}

	input := map[string]any{"title": "change streams in practice", "body": "resume tokens"}
	first, err := loaded.Infer(context.Background(), input)
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	second, err := loaded.Infer(context.Background(), input)
	if err != nil {
		t.Fatalf("infer: %v", err)
	}

	if len(first.Vector) != 16 {
		t.Fatalf("expected 16 dimensions, got %d", len(first.Vector))
	}
	for i := range first.Vector {
		if first.Vector[i] != second.Vector[i] {
			t.Fatalf("vectors diverge at %d: %v vs %v", i, first.Vector[i], second.Vector[i])
		}
	}

	var norm float64
	for _, v := range first.Vector {
		norm += float64(v) * float64(v)
	}
	if norm < 0.99 || norm > 1.01 {
		t.Fatalf("expected unit vector, norm^2=%f", norm)
	}
}

func TestHashModelDistinguishesFields(t *testing.T) {
	loaded, err := newHashModel("dim=32")
	if err != nil {
		t.Fatalf("new hash model: %v", err)
	}

	a, err := loaded.Infer(context.Background(), map[string]any{"title": "hello"})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	b, err := loaded.Infer(context.Background(), map[string]any{"body": "hello"})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}

	same := true
	for i := range a.Vector {
		if a.Vector[i] != b.Vector[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("same token under different fields should hash differently")
	}
}

func TestHashModelRejectsBadDimensions(t *testing.T) {
	if _, err := newHashModel("zero"); err == nil {
		t.Fatal("expected error for non-numeric dimensions")
	}
	if _, err := newHashModel("-3"); err == nil {
		t.Fatal("expected error for negative dimensions")
	}
}

func TestCatalogResolvesAndCaches(t *testing.T) {
	catalog := NewCatalog()

	first, err := catalog.Resolve("hash://8")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := catalog.Resolve("hash://8")
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if first != second {
		t.Fatal("expected cached model instance")
	}

	if _, err := catalog.Resolve("s3://bucket/model"); err == nil {
		t.Fatal("expected error for unknown scheme")
	}
	if _, err := catalog.Resolve("no-scheme"); err == nil {
		t.Fatal("expected error for malformed reference")
	}
}

type erroringModel struct{}

func (erroringModel) Infer(context.Context, map[string]any) (Output, error) {
	return Output{}, errors.New("weights corrupted")
}

func TestInlineExecutorResultStatuses(t *testing.T) {
	catalog := NewCatalog()
	catalog.RegisterScheme("broken", func(string) (Model, error) {
		return erroringModel{}, nil
	})
	executor := NewInlineExecutor(catalog)

	task := connector.InferenceTask{
		ID:         "task-1",
		DocumentID: "doc-1",
		Input:      map[string]any{"title": "hello"},
		Token:      connector.ResumeToken("0001"),
	}

	task.Listener = connector.ListenerSpec{Identifier: "embed", ModelRef: "hash://8"}
	result, err := executor.Submit(context.Background(), task)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Status != connector.StatusSuccess || len(result.Vector) != 8 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Token != task.Token || result.DocumentID != "doc-1" {
		t.Fatalf("result lost task identity: %+v", result)
	}

	// Model failure is a failed result, not a submission error.
	task.Listener = connector.ListenerSpec{Identifier: "embed", ModelRef: "broken://x"}
	result, err = executor.Submit(context.Background(), task)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Status != connector.StatusFailed || result.Error == "" {
		t.Fatalf("expected failed result, got %+v", result)
	}

	// An unresolvable reference is a submission error.
	task.Listener = connector.ListenerSpec{Identifier: "embed", ModelRef: "missing://x"}
	if _, err := executor.Submit(context.Background(), task); err == nil {
		t.Fatal("expected submission error for unknown scheme")
	}
}
