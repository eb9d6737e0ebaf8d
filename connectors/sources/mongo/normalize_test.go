package mongo

import (
	"testing"

	"github.com/josephjohncox/vectorwing/pkg/connector"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func rawEvent(t *testing.T, event bson.M) bson.Raw {
	t.Helper()
	raw, err := bson.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return raw
}

func testSource() *Source {
	return NewSource(nil, "db", "articles")
}

func TestDecodeInsert(t *testing.T) {
	objectID := primitive.NewObjectID()
	raw := rawEvent(t, bson.M{
		"_id":           bson.M{"_data": "826400aa"},
		"operationType": "insert",
		"ns":            bson.M{"db": "db", "coll": "articles"},
		"documentKey":   bson.M{"_id": objectID},
		"fullDocument":  bson.M{"_id": objectID, "title": "hello", "body": "world"},
	})

	record, token, ok, err := testSource().decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !ok {
		t.Fatal("expected a usable record")
	}
	if token != connector.ResumeToken("826400aa") {
		t.Fatalf("unexpected token %s", token)
	}
	if record.Operation != connector.OpInsert || record.Collection != "articles" {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.DocumentID != objectID.Hex() {
		t.Fatalf("expected hex document id, got %s", record.DocumentID)
	}
	if len(record.ChangedFields) != 2 || record.ChangedFields[0] != "body" || record.ChangedFields[1] != "title" {
		t.Fatalf("unexpected changed fields: %v", record.ChangedFields)
	}
	if record.Document["title"] != "hello" {
		t.Fatalf("expected full document, got %+v", record.Document)
	}
}

func TestDecodeUpdateCollapsesDottedPaths(t *testing.T) {
	raw := rawEvent(t, bson.M{
		"_id":           bson.M{"_data": "826400ab"},
		"operationType": "update",
		"ns":            bson.M{"db": "db", "coll": "articles"},
		"documentKey":   bson.M{"_id": "doc-1"},
		"updateDescription": bson.M{
			"updatedFields": bson.M{"text.body": "new", "title": "t"},
			"removedFields": bson.A{"metadata.author"},
		},
	})

	record, _, ok, err := testSource().decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !ok {
		t.Fatal("expected a usable record")
	}
	if record.Operation != connector.OpUpdate {
		t.Fatalf("unexpected operation %s", record.Operation)
	}
	want := []string{"metadata", "text", "title"}
	if len(record.ChangedFields) != len(want) {
		t.Fatalf("unexpected changed fields: %v", record.ChangedFields)
	}
	for i, field := range want {
		if record.ChangedFields[i] != field {
			t.Fatalf("position %d: expected %s, got %s", i, field, record.ChangedFields[i])
		}
	}
	// No post-image on this event; the dispatcher falls back to a store read.
	if record.Document != nil {
		t.Fatalf("expected nil document, got %+v", record.Document)
	}
}

func TestDecodeDelete(t *testing.T) {
	raw := rawEvent(t, bson.M{
		"_id":           bson.M{"_data": "826400ac"},
		"operationType": "delete",
		"ns":            bson.M{"db": "db", "coll": "articles"},
		"documentKey":   bson.M{"_id": "doc-7"},
	})

	record, token, ok, err := testSource().decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !ok {
		t.Fatal("expected a usable record")
	}
	if record.Operation != connector.OpDelete || record.DocumentID != "doc-7" {
		t.Fatalf("unexpected record: %+v", record)
	}
	if token.IsZero() {
		t.Fatal("expected a token on delete")
	}
	if record.Document != nil || record.ChangedFields != nil {
		t.Fatalf("delete should carry no document state: %+v", record)
	}
}

func TestDecodeInvalidateIsStreamGap(t *testing.T) {
	raw := rawEvent(t, bson.M{
		"_id":           bson.M{"_data": "826400ad"},
		"operationType": "invalidate",
	})

	_, token, ok, err := testSource().decode(raw)
	if ok {
		t.Fatal("invalidate must not produce a record")
	}
	gap, isGap := connector.AsStreamGap(err)
	if !isGap {
		t.Fatalf("expected StreamGapError, got %v", err)
	}
	if gap.SourceID != "db.articles" || gap.Token != token {
		t.Fatalf("unexpected gap: %+v", gap)
	}
}

func TestDecodeUnsupportedEventSkipsButAdvances(t *testing.T) {
	raw := rawEvent(t, bson.M{
		"_id":           bson.M{"_data": "826400ae"},
		"operationType": "dropIndexes",
		"ns":            bson.M{"db": "db", "coll": "articles"},
	})

	_, token, ok, err := testSource().decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ok {
		t.Fatal("unsupported events must be skipped")
	}
	if token != connector.ResumeToken("826400ae") {
		t.Fatalf("skipped events must still advance the token, got %s", token)
	}
}
