package mongo

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/josephjohncox/vectorwing/pkg/connector"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

type changeEvent struct {
	ID struct {
		Data string `bson:"_data"`
	} `bson:"_id"`
	OperationType string `bson:"operationType"`
	DocumentKey   bson.M `bson:"documentKey"`
	FullDocument  bson.M `bson:"fullDocument"`
	Namespace     struct {
		DB   string `bson:"db"`
		Coll string `bson:"coll"`
	} `bson:"ns"`
	UpdateDescription struct {
		UpdatedFields bson.M   `bson:"updatedFields"`
		RemovedFields []string `bson:"removedFields"`
	} `bson:"updateDescription"`
	ClusterTime primitive.Timestamp `bson:"clusterTime"`
}

// decode normalizes one raw change event. ok is false when the event kind is
// unsupported and should be skipped; the token is still returned so the
// resume position advances past skipped events.
func (s *Source) decode(raw bson.Raw) (connector.ChangeRecord, connector.ResumeToken, bool, error) {
	var event changeEvent
	if err := bson.Unmarshal(raw, &event); err != nil {
		return connector.ChangeRecord{}, "", false, fmt.Errorf("decode change event: %w", err)
	}

	token := connector.ResumeToken(event.ID.Data)

	record := connector.ChangeRecord{
		Collection: event.Namespace.Coll,
		DocumentID: formatDocumentID(event.DocumentKey["_id"]),
		Timestamp:  time.Unix(int64(event.ClusterTime.T), 0).UTC(),
	}
	if record.Collection == "" {
		record.Collection = s.collection
	}

	switch event.OperationType {
	case "insert":
		record.Operation = connector.OpInsert
		record.Document = event.FullDocument
		record.ChangedFields = documentFields(event.FullDocument)
	case "replace":
		record.Operation = connector.OpReplace
		record.Document = event.FullDocument
		record.ChangedFields = documentFields(event.FullDocument)
	case "update":
		record.Operation = connector.OpUpdate
		record.Document = event.FullDocument
		record.ChangedFields = updatedFields(event.UpdateDescription.UpdatedFields, event.UpdateDescription.RemovedFields)
	case "delete":
		record.Operation = connector.OpDelete
	case "invalidate":
		// Collection dropped or renamed: the stream cannot continue and a
		// restart from the head would lose updates.
		return connector.ChangeRecord{}, token, false,
			&connector.StreamGapError{SourceID: s.SourceID(), Token: token, Cause: fmt.Errorf("change stream invalidated")}
	default:
		s.logger.Warn("dropping unsupported change event",
			zap.String("source", s.SourceID()),
			zap.String("operation", event.OperationType),
			zap.String("resume_token", event.ID.Data))
		return connector.ChangeRecord{}, token, false, nil
	}

	return record, token, true, nil
}

func formatDocumentID(id any) string {
	switch v := id.(type) {
	case nil:
		return ""
	case primitive.ObjectID:
		return v.Hex()
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

func documentFields(doc bson.M) []string {
	if len(doc) == 0 {
		return nil
	}
	fields := make([]string, 0, len(doc))
	for field := range doc {
		if field == "_id" {
			continue
		}
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

// updatedFields collapses dotted paths to their top-level field so listener
// matching on "text" also fires for "text.body".
func updatedFields(updated bson.M, removed []string) []string {
	seen := make(map[string]bool, len(updated)+len(removed))
	for path := range updated {
		seen[topLevel(path)] = true
	}
	for _, path := range removed {
		seen[topLevel(path)] = true
	}
	if len(seen) == 0 {
		return nil
	}
	fields := make([]string, 0, len(seen))
	for field := range seen {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}

func topLevel(path string) string {
	if idx := strings.IndexByte(path, '.'); idx >= 0 {
		return path[:idx]
	}
	return path
}
