package model

import (
	"context"
	"fmt"
	"time"

	"github.com/josephjohncox/vectorwing/pkg/connector"
)

// InlineExecutor runs models in-process. A model load failure is a submission
// failure (the dispatcher retries it); a model inference failure becomes a
// failed result and is not retried.
type InlineExecutor struct {
	catalog *Catalog
}

func NewInlineExecutor(catalog *Catalog) *InlineExecutor {
	if catalog == nil {
		catalog = NewCatalog()
	}
	return &InlineExecutor{catalog: catalog}
}

func (e *InlineExecutor) Submit(ctx context.Context, task connector.InferenceTask) (connector.InferenceResult, error) {
	loaded, err := e.catalog.Resolve(task.Listener.ModelRef)
	if err != nil {
		return connector.InferenceResult{}, fmt.Errorf("resolve model: %w", err)
	}

	result := connector.InferenceResult{
		TaskID:     task.ID,
		Listener:   task.Listener.Identifier,
		DocumentID: task.DocumentID,
		Token:      task.Token,
	}

	output, err := loaded.Infer(ctx, task.Input)
	result.FinishedAt = time.Now().UTC()
	if err != nil {
		result.Status = connector.StatusFailed
		result.Error = err.Error()
		return result, nil
	}

	result.Status = connector.StatusSuccess
	result.Vector = output.Vector
	result.Value = output.Value
	return result, nil
}
