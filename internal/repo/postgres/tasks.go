package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loom-labs/loom-go/internal/domain"
	"github.com/loom-labs/loom-go/internal/repo"
)

type TaskStore struct {
	db TxDB
}

func NewTaskStore(db TxDB) *TaskStore {
	if db == nil {
		return nil
	}
	return &TaskStore{db: db}
}

const taskColumns = `task_id, exec_context_id, process_code, function_code, task_context_id, state,
	processor_id, core_id, assigned_at, completed, completed_at, result_ref,
	priority, condition, metas, version, created_at, updated_at`

// CreateMany persists a produced or expanded task set in one transaction:
// either every task and edge commits or none do.
func (s *TaskStore) CreateMany(ctx context.Context, tasks []domain.Task, edges []repo.TaskEdge) ([]domain.Task, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("task store not initialized")
	}
	if len(tasks) == 0 && len(edges) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin task graph transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	out := make([]domain.Task, 0, len(tasks))
	for _, task := range tasks {
		task.ID = uuid.NewString()
		task.Version = 1
		task.CreatedAt = now
		task.UpdatedAt = now

		metas, err := encodeMetadata(task.Metas)
		if err != nil {
			return nil, fmt.Errorf("encode task metas: %w", err)
		}
		_, err = tx.ExecContext(
			ctx,
			`INSERT INTO tasks (`+taskColumns+`)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
			task.ID,
			task.ExecContextID,
			task.ProcessCode,
			task.FunctionCode,
			task.TaskContextID,
			string(task.State),
			nullableString(task.ProcessorID),
			nullableString(task.CoreID),
			task.AssignedAt,
			task.Completed,
			task.CompletedAt,
			task.ResultRef,
			task.Priority,
			task.Condition,
			metas,
			task.Version,
			task.CreatedAt,
			task.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("insert task %s: %w", task.TaskContextID, err)
		}
		out = append(out, task)
	}

	for _, edge := range edges {
		_, err := tx.ExecContext(
			ctx,
			`INSERT INTO task_edges (exec_context_id, from_task, to_task)
			 VALUES ($1,$2,$3)
			 ON CONFLICT DO NOTHING`,
			edge.ExecContextID,
			edge.FromTaskID,
			edge.ToTaskID,
		)
		if err != nil {
			return nil, fmt.Errorf("insert edge %s -> %s: %w", edge.FromTaskID, edge.ToTaskID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit task graph: %w", err)
	}
	return out, nil
}

func (s *TaskStore) Get(ctx context.Context, id string) (domain.Task, error) {
	if s == nil || s.db == nil {
		return domain.Task{}, fmt.Errorf("task store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Task{}, fmt.Errorf("task id is required")
	}

	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`,
		id,
	)
	return scanTask(row)
}

func (s *TaskStore) Save(ctx context.Context, t domain.Task) (domain.Task, error) {
	if s == nil || s.db == nil {
		return domain.Task{}, fmt.Errorf("task store not initialized")
	}
	if strings.TrimSpace(t.ID) == "" {
		return domain.Task{}, fmt.Errorf("task id is required")
	}

	metas, err := encodeMetadata(t.Metas)
	if err != nil {
		return domain.Task{}, fmt.Errorf("encode task metas: %w", err)
	}
	t.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(
		ctx,
		`UPDATE tasks
		 SET state = $1, processor_id = $2, core_id = $3, assigned_at = $4,
		     completed = $5, completed_at = $6, result_ref = $7, metas = $8,
		     updated_at = $9, version = version + 1
		 WHERE task_id = $10 AND version = $11`,
		string(t.State),
		nullableString(t.ProcessorID),
		nullableString(t.CoreID),
		t.AssignedAt,
		t.Completed,
		t.CompletedAt,
		t.ResultRef,
		metas,
		t.UpdatedAt,
		t.ID,
		t.Version,
	)
	if err != nil {
		return domain.Task{}, fmt.Errorf("update task: %w", err)
	}
	if err := checkVersionedUpdate(ctx, s.db, result,
		`SELECT EXISTS (SELECT 1 FROM tasks WHERE task_id = $1)`, t.ID); err != nil {
		return domain.Task{}, err
	}
	t.Version++
	return t, nil
}

func (s *TaskStore) ListByExecContext(ctx context.Context, execContextID string) ([]domain.Task, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("task store not initialized")
	}
	return s.list(ctx,
		`SELECT `+taskColumns+`
		 FROM tasks
		 WHERE exec_context_id = $1
		 ORDER BY created_at ASC, task_context_id ASC`,
		execContextID)
}

func (s *TaskStore) ListAssignedToProcessor(ctx context.Context, processorID string) ([]domain.Task, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("task store not initialized")
	}
	return s.list(ctx,
		`SELECT `+taskColumns+`
		 FROM tasks
		 WHERE processor_id = $1
		 ORDER BY assigned_at ASC`,
		processorID)
}

func (s *TaskStore) list(ctx context.Context, query string, arg any) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *TaskStore) ListEdges(ctx context.Context, execContextID string) ([]repo.TaskEdge, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("task store not initialized")
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT exec_context_id, from_task, to_task
		 FROM task_edges
		 WHERE exec_context_id = $1
		 ORDER BY from_task, to_task`,
		execContextID,
	)
	if err != nil {
		return nil, fmt.Errorf("list task edges: %w", err)
	}
	defer rows.Close()

	var out []repo.TaskEdge
	for rows.Next() {
		var edge repo.TaskEdge
		if err := rows.Scan(&edge.ExecContextID, &edge.FromTaskID, &edge.ToTaskID); err != nil {
			return nil, fmt.Errorf("scan task edge: %w", err)
		}
		out = append(out, edge)
	}
	return out, rows.Err()
}

// DeleteByExecContext removes a graph's tasks and edges in one transaction.
func (s *TaskStore) DeleteByExecContext(ctx context.Context, execContextID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("task store not initialized")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin task graph delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_edges WHERE exec_context_id = $1`, execContextID); err != nil {
		return fmt.Errorf("delete task edges: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE exec_context_id = $1`, execContextID); err != nil {
		return fmt.Errorf("delete tasks: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit task graph delete: %w", err)
	}
	return nil
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t           domain.Task
		state       string
		processorID *string
		coreID      *string
		metas       []byte
	)
	err := row.Scan(
		&t.ID,
		&t.ExecContextID,
		&t.ProcessCode,
		&t.FunctionCode,
		&t.TaskContextID,
		&state,
		&processorID,
		&coreID,
		&t.AssignedAt,
		&t.Completed,
		&t.CompletedAt,
		&t.ResultRef,
		&t.Priority,
		&t.Condition,
		&metas,
		&t.Version,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return domain.Task{}, handleNotFound(err)
	}
	t.State = domain.TaskState(state)
	if processorID != nil {
		t.ProcessorID = *processorID
	}
	if coreID != nil {
		t.CoreID = *coreID
	}
	t.Metas, err = decodeMetadata(metas)
	if err != nil {
		return domain.Task{}, fmt.Errorf("decode task metas: %w", err)
	}
	return t, nil
}
