package taskgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/loom-labs/loom-go/internal/platform/objectstore"
)

// ObjectVariableStore materializes expanded-task input variable sets as JSON
// documents in object storage. The returned key is stored on the task and
// handed to the worker as its input reference.
type ObjectVariableStore struct {
	store  objectstore.Store
	bucket string
}

func NewObjectVariableStore(store objectstore.Store, bucket string) *ObjectVariableStore {
	return &ObjectVariableStore{store: store, bucket: bucket}
}

type variableSetDoc struct {
	Schema        int               `json:"schema"`
	ExecContextID string            `json:"exec_context_id"`
	TaskContextID string            `json:"task_context_id"`
	Values        map[string]string `json:"values"`
}

func (s *ObjectVariableStore) StoreVariableSet(ctx context.Context, execContextID, taskContextID string, values map[string]string) (string, error) {
	doc := variableSetDoc{
		Schema:        1,
		ExecContextID: execContextID,
		TaskContextID: taskContextID,
		Values:        values,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode variable set: %w", err)
	}

	key := fmt.Sprintf("variables/%s/%s.json", execContextID, taskContextID)
	err = s.store.Put(ctx, s.bucket, key, bytes.NewReader(raw), int64(len(raw)), "application/json")
	if err != nil {
		return "", fmt.Errorf("store variable set %s: %w", key, err)
	}
	return key, nil
}
