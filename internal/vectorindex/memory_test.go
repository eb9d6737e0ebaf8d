package vectorindex

import (
	"context"
	"testing"

	"github.com/josephjohncox/vectorwing/pkg/connector"
)

func record(doc string, token string, vector ...float32) connector.VectorRecord {
	return connector.VectorRecord{
		DocumentID: doc,
		IndexName:  "articles",
		Vector:     vector,
		Token:      connector.ResumeToken(token),
	}
}

func TestMemoryUpsertLastWriterWins(t *testing.T) {
	ctx := context.Background()
	index := NewMemoryIndex()

	if err := index.Upsert(ctx, record("doc-1", "0008", 1, 0)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := index.Upsert(ctx, record("doc-1", "0010", 0, 1)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// A replayed older write must not clobber the newer state.
	if err := index.Upsert(ctx, record("doc-1", "0008", 1, 0)); err != nil {
		t.Fatalf("replay upsert: %v", err)
	}

	vector, ok := index.Get("articles", "doc-1")
	if !ok {
		t.Fatal("expected live vector")
	}
	if vector[0] != 0 || vector[1] != 1 {
		t.Fatalf("stale write clobbered newer state: %v", vector)
	}
}

func TestMemoryUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	index := NewMemoryIndex()

	for i := 0; i < 3; i++ {
		if err := index.Upsert(ctx, record("doc-1", "0005", 1, 2)); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}
	if got := index.Len("articles"); got != 1 {
		t.Fatalf("expected 1 live vector, got %d", got)
	}
}

func TestMemoryRemoveTombstoneBlocksStaleUpsert(t *testing.T) {
	ctx := context.Background()
	index := NewMemoryIndex()

	if err := index.Upsert(ctx, record("doc-1", "0005", 1, 2)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := index.Remove(ctx, "articles", "doc-1", "0010"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := index.Get("articles", "doc-1"); ok {
		t.Fatal("expected vector gone after remove")
	}

	// An upsert from before the delete must not resurrect the vector.
	if err := index.Upsert(ctx, record("doc-1", "0007", 9, 9)); err != nil {
		t.Fatalf("stale upsert: %v", err)
	}
	if _, ok := index.Get("articles", "doc-1"); ok {
		t.Fatal("tombstone failed to block a stale upsert")
	}

	// A genuinely newer upsert wins over the tombstone.
	if err := index.Upsert(ctx, record("doc-1", "0012", 3, 4)); err != nil {
		t.Fatalf("newer upsert: %v", err)
	}
	vector, ok := index.Get("articles", "doc-1")
	if !ok || vector[0] != 3 {
		t.Fatalf("expected newer vector to replace tombstone, got %v ok=%v", vector, ok)
	}
}

func TestMemoryRemoveUnknownDocumentLeavesTombstone(t *testing.T) {
	ctx := context.Background()
	index := NewMemoryIndex()

	if err := index.Remove(ctx, "articles", "doc-1", "0010"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := index.Upsert(ctx, record("doc-1", "0004", 1, 1)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, ok := index.Get("articles", "doc-1"); ok {
		t.Fatal("expected late upsert dropped after remove")
	}
}

func TestMemoryUpsertRequiresToken(t *testing.T) {
	index := NewMemoryIndex()
	if err := index.Upsert(context.Background(), record("doc-1", "", 1)); err == nil {
		t.Fatal("expected error for zero token")
	}
}

func TestMemorySearchOrdersByDistance(t *testing.T) {
	ctx := context.Background()
	index := NewMemoryIndex()

	if err := index.Upsert(ctx, record("near", "0001", 1, 0)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := index.Upsert(ctx, record("far", "0002", 10, 0)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := index.Upsert(ctx, record("gone", "0003", 0, 0)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := index.Remove(ctx, "articles", "gone", "0004"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	results, err := index.Search(ctx, "articles", []float32{0, 0}, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 live results, got %d", len(results))
	}
	if results[0].DocumentID != "near" || results[1].DocumentID != "far" {
		t.Fatalf("results out of distance order: %+v", results)
	}
}
