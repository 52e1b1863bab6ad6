package repo

import (
	"context"
	"time"

	"github.com/loom-labs/loom-go/internal/domain"
)

// TaskEdge is one dependency edge of an ExecContext's task graph.
type TaskEdge struct {
	ExecContextID string
	FromTaskID    string
	ToTaskID      string
}

// Every Save is version-checked: the stored row must carry the entity's
// Version, the update increments it, and a stale version yields ErrConflict.

// SourceCodeRepository manages pipeline templates. Templates are never
// mutated in place; new revisions are new rows.
type SourceCodeRepository interface {
	Create(ctx context.Context, sc domain.SourceCode) (domain.SourceCode, error)
	Get(ctx context.Context, id string) (domain.SourceCode, error)
	Save(ctx context.Context, sc domain.SourceCode) (domain.SourceCode, error)
	List(ctx context.Context, companyID string, limit int) ([]domain.SourceCode, error)
}

// BatchRepository manages user-facing batches.
type BatchRepository interface {
	Create(ctx context.Context, b domain.Batch) (domain.Batch, error)
	Get(ctx context.Context, id string) (domain.Batch, error)
	Save(ctx context.Context, b domain.Batch) (domain.Batch, error)
	Delete(ctx context.Context, id string) error
	ListDeletedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Batch, error)
}

// ExecContextRepository manages running instantiations.
type ExecContextRepository interface {
	Create(ctx context.Context, ec domain.ExecContext) (domain.ExecContext, error)
	Get(ctx context.Context, id string) (domain.ExecContext, error)
	Save(ctx context.Context, ec domain.ExecContext) (domain.ExecContext, error)
	Delete(ctx context.Context, id string) error
}

// TaskRepository manages the tasks and edges of exec-context graphs.
// CreateMany persists a produced or expanded set atomically: either every
// task and edge commits or none do.
type TaskRepository interface {
	CreateMany(ctx context.Context, tasks []domain.Task, edges []TaskEdge) ([]domain.Task, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	Save(ctx context.Context, t domain.Task) (domain.Task, error)
	ListByExecContext(ctx context.Context, execContextID string) ([]domain.Task, error)
	ListAssignedToProcessor(ctx context.Context, processorID string) ([]domain.Task, error)
	ListEdges(ctx context.Context, execContextID string) ([]TaskEdge, error)
	DeleteByExecContext(ctx context.Context, execContextID string) error
}

// ProcessorRepository manages registered worker agents.
type ProcessorRepository interface {
	Create(ctx context.Context, p domain.Processor) (domain.Processor, error)
	Get(ctx context.Context, id string) (domain.Processor, error)
	Save(ctx context.Context, p domain.Processor) (domain.Processor, error)
	List(ctx context.Context, limit int) ([]domain.Processor, error)
}

// FunctionRepository manages registered executable units. Create must fail
// on an existing code; registered functions are immutable.
type FunctionRepository interface {
	Create(ctx context.Context, f domain.Function) (domain.Function, error)
	Get(ctx context.Context, code string) (domain.Function, error)
	List(ctx context.Context) ([]domain.Function, error)
	Delete(ctx context.Context, code string) error
}
