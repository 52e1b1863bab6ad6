// Package taskgraph builds, expands, and queries the dependency graph of
// tasks belonging to one ExecContext.
package taskgraph

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/loom-labs/loom-go/internal/domain"
	"github.com/loom-labs/loom-go/internal/keyedlock"
	"github.com/loom-labs/loom-go/internal/repo"
)

// Meta keys a process declares to request permutation expansion, and the keys
// the engine writes on expanded tasks.
const (
	MetaPermutationVariables = "permutation_variables"
	MetaOutputVariable       = "output_variable"
	MetaInputRef             = "input_ref"
	MetaVariant              = "variant"
	MetaCombination          = "combination"
)

const defaultMaxTasks = 1000

// VariableStore materializes the input variable set of an expanded task
// before the task becomes eligible for assignment.
type VariableStore interface {
	StoreVariableSet(ctx context.Context, execContextID, taskContextID string, values map[string]string) (string, error)
}

// InlineVariant is one named inline-parameter set crossed into the
// permutation.
type InlineVariant struct {
	Name   string
	Params domain.Metadata
}

type Engine struct {
	locks    *keyedlock.Registry
	execs    repo.ExecContextRepository
	tasks    repo.TaskRepository
	vars     VariableStore
	maxTasks int
}

func NewEngine(locks *keyedlock.Registry, execs repo.ExecContextRepository, tasks repo.TaskRepository, vars VariableStore, maxTasks int) *Engine {
	if maxTasks <= 0 {
		maxTasks = defaultMaxTasks
	}
	return &Engine{
		locks:    locks,
		execs:    execs,
		tasks:    tasks,
		vars:     vars,
		maxTasks: maxTasks,
	}
}

// GraphLockID names the keyed lock guarding one ExecContext's graph. The
// fixed lock order is graph, then task state, then processor.
func GraphLockID(execContextID string) string {
	return "graph:" + execContextID
}

// Produce translates a template's declarative process list into the initial
// task graph of a new ExecContext. Only one producer may run per ExecContext;
// a second produce attempt is rejected by the state machine, not queued.
func (e *Engine) Produce(ctx context.Context, execContextID string, sc domain.SourceCode) ([]domain.Task, error) {
	var produced []domain.Task
	err := e.locks.WithLock(GraphLockID(execContextID), func(h *keyedlock.Handle) error {
		ec, err := e.execs.Get(ctx, execContextID)
		if err != nil {
			return fmt.Errorf("load exec context %s: %w", execContextID, err)
		}
		if ec.State != domain.ExecStateNone {
			return domain.E("LOOM-1401", domain.KindIllegalTransition,
				"exec context %s is already %s, a producer ran before", execContextID, ec.State)
		}

		next, err := domain.NextExecState(ec.State, domain.ExecStateProducing)
		if err != nil {
			return err
		}
		ec.State = next
		ec, err = e.execs.Save(ctx, ec)
		if err != nil {
			return fmt.Errorf("mark producing: %w", err)
		}

		procs := sc.OrderedProcesses()
		if len(procs) > e.maxTasks {
			return e.markInvalid(ctx, ec,
				fmt.Sprintf("declared process count %d exceeds task ceiling %d", len(procs), e.maxTasks))
		}

		tasks := make([]domain.Task, 0, len(procs))
		edges := make([]repo.TaskEdge, 0, len(procs))
		for i, proc := range procs {
			task := domain.NewTask(execContextID, proc, strconv.Itoa(i+1))
			tasks = append(tasks, task)
		}
		for i := 1; i < len(tasks); i++ {
			edges = append(edges, repo.TaskEdge{
				ExecContextID: execContextID,
				FromTaskID:    tasks[i-1].TaskContextID,
				ToTaskID:      tasks[i].TaskContextID,
			})
		}

		created, err := e.tasks.CreateMany(ctx, tasks, edges)
		if err != nil {
			return fmt.Errorf("persist task graph: %w", err)
		}

		next, err = domain.NextExecState(ec.State, domain.ExecStateProduced)
		if err != nil {
			return err
		}
		ec.State = next
		if _, err := e.execs.Save(ctx, ec); err != nil {
			return fmt.Errorf("mark produced: %w", err)
		}
		produced = created
		return nil
	})
	return produced, err
}

// ExpandPermutation creates one task per inline variant crossed with each
// variable combination, wiring the new tasks between the parent and its
// previously computed successors. The whole expansion runs under the graph
// lock and commits atomically; a half-expanded graph is never persisted.
func (e *Engine) ExpandPermutation(ctx context.Context, execContextID, parentTaskID string, available map[string]string, variants []InlineVariant) ([]domain.Task, error) {
	var expanded []domain.Task
	err := e.locks.WithLock(GraphLockID(execContextID), func(h *keyedlock.Handle) error {
		parent, err := e.tasks.Get(ctx, parentTaskID)
		if err != nil {
			return fmt.Errorf("load parent task %s: %w", parentTaskID, err)
		}
		if parent.ExecContextID != execContextID {
			return domain.E("LOOM-1402", domain.KindNotFound,
				"task %s does not belong to exec context %s", parentTaskID, execContextID)
		}

		selected, outputVar, err := expansionMetas(parent)
		if err != nil {
			return err
		}
		values := make(map[string]string, len(selected))
		for _, name := range selected {
			holder, ok := available[name]
			if !ok {
				return domain.E("LOOM-3401", domain.KindIntegrityViolation,
					"internal function error: variable %q referenced by process %s is not defined", name, parent.ProcessCode)
			}
			values[name] = holder
		}

		combos := Combinations(selected)
		if len(variants) == 0 {
			variants = []InlineVariant{{}}
		}

		existing, err := e.tasks.ListByExecContext(ctx, execContextID)
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}
		total := len(existing) + len(combos)*len(variants)
		if total > e.maxTasks {
			ec, getErr := e.execs.Get(ctx, execContextID)
			if getErr != nil {
				return getErr
			}
			return e.markInvalid(ctx, ec,
				fmt.Sprintf("expansion would raise task count to %d, ceiling is %d", total, e.maxTasks))
		}

		edgesBefore, err := e.tasks.ListEdges(ctx, execContextID)
		if err != nil {
			return fmt.Errorf("list edges: %w", err)
		}
		successors := directSuccessors(edgesBefore, parent.TaskContextID)

		var (
			newTasks []domain.Task
			newEdges []repo.TaskEdge
		)
		seq := 0
		for _, variant := range variants {
			for _, combo := range combos {
				seq++
				taskContextID := parent.TaskContextID + "." + strconv.Itoa(seq)

				comboValues := make(map[string]string, len(combo)+len(variant.Params))
				for _, name := range combo {
					comboValues[name] = values[name]
				}
				for k, v := range variant.Params {
					if s, ok := v.(string); ok {
						comboValues[k] = s
					}
				}
				inputRef, err := e.vars.StoreVariableSet(ctx, execContextID, taskContextID, comboValues)
				if err != nil {
					return domain.Wrap("LOOM-6001", domain.KindExternalIO, err,
						"materialize inputs for task context %s", taskContextID)
				}

				task := domain.Task{
					ExecContextID: execContextID,
					ProcessCode:   parent.ProcessCode,
					FunctionCode:  parent.FunctionCode,
					TaskContextID: taskContextID,
					State:         domain.TaskStateNone,
					Priority:      parent.Priority,
					Condition:     parent.Condition,
					Metas: domain.Metadata{
						MetaInputRef:       inputRef,
						MetaOutputVariable: outputVar,
						MetaVariant:        variant.Name,
						MetaCombination:    strings.Join(combo, ","),
					},
				}
				newTasks = append(newTasks, task)

				newEdges = append(newEdges, repo.TaskEdge{
					ExecContextID: execContextID,
					FromTaskID:    parent.TaskContextID,
					ToTaskID:      taskContextID,
				})
				for _, succ := range successors {
					newEdges = append(newEdges, repo.TaskEdge{
						ExecContextID: execContextID,
						FromTaskID:    taskContextID,
						ToTaskID:      succ,
					})
				}
			}
		}

		created, err := e.tasks.CreateMany(ctx, newTasks, newEdges)
		if err != nil {
			return fmt.Errorf("persist expansion: %w", err)
		}
		expanded = created
		return nil
	})
	return expanded, err
}

// Descendants returns the transitive successor set of a task's context id,
// in breadth-first order.
func (e *Engine) Descendants(ctx context.Context, execContextID, taskContextID string) ([]string, error) {
	var out []string
	err := e.locks.WithReadLock(GraphLockID(execContextID), func() error {
		edges, err := e.tasks.ListEdges(ctx, execContextID)
		if err != nil {
			return err
		}
		adj := make(map[string][]string, len(edges))
		for _, edge := range edges {
			adj[edge.FromTaskID] = append(adj[edge.FromTaskID], edge.ToTaskID)
		}

		seen := map[string]struct{}{taskContextID: {}}
		queue := []string{taskContextID}
		for len(queue) > 0 {
			node := queue[0]
			queue = queue[1:]
			for _, next := range adj[node] {
				if _, dup := seen[next]; dup {
					continue
				}
				seen[next] = struct{}{}
				out = append(out, next)
				queue = append(queue, next)
			}
		}
		return nil
	})
	return out, err
}

// Eligible returns the unscheduled tasks whose predecessors have all
// completed ok, in task-context order.
func (e *Engine) Eligible(ctx context.Context, execContextID string) ([]domain.Task, error) {
	var out []domain.Task
	err := e.locks.WithReadLock(GraphLockID(execContextID), func() error {
		tasks, err := e.tasks.ListByExecContext(ctx, execContextID)
		if err != nil {
			return err
		}
		edges, err := e.tasks.ListEdges(ctx, execContextID)
		if err != nil {
			return err
		}

		stateByContext := make(map[string]domain.TaskState, len(tasks))
		for _, task := range tasks {
			stateByContext[task.TaskContextID] = task.State
		}
		blocked := make(map[string]bool)
		for _, edge := range edges {
			if stateByContext[edge.FromTaskID] != domain.TaskStateOK {
				blocked[edge.ToTaskID] = true
			}
		}

		for _, task := range tasks {
			if task.State == domain.TaskStateNone && !task.Assigned() && !blocked[task.TaskContextID] {
				out = append(out, task)
			}
		}
		return nil
	})
	return out, err
}

// Progress summarizes a graph for terminal-state detection.
type Progress struct {
	Total  int
	OK     int
	Failed int
}

func (p Progress) AllOK() bool     { return p.Total > 0 && p.OK == p.Total }
func (p Progress) AnyFailed() bool { return p.Failed > 0 }

func (e *Engine) GraphProgress(ctx context.Context, execContextID string) (Progress, error) {
	var p Progress
	err := e.locks.WithReadLock(GraphLockID(execContextID), func() error {
		tasks, err := e.tasks.ListByExecContext(ctx, execContextID)
		if err != nil {
			return err
		}
		p.Total = len(tasks)
		for _, task := range tasks {
			switch task.State {
			case domain.TaskStateOK:
				p.OK++
			case domain.TaskStateError:
				p.Failed++
			}
		}
		return nil
	})
	return p, err
}

// markInvalid flags the ExecContext rather than truncating its graph.
func (e *Engine) markInvalid(ctx context.Context, ec domain.ExecContext, reason string) error {
	ec.Invalid = true
	ec.InvalidReason = reason
	if next, err := domain.NextExecState(ec.State, domain.ExecStateError); err == nil {
		ec.State = next
	}
	if _, err := e.execs.Save(ctx, ec); err != nil {
		return fmt.Errorf("mark exec context invalid: %w", err)
	}
	return domain.E("LOOM-5001", domain.KindCapacityExceeded, "%s", reason)
}

func expansionMetas(parent domain.Task) ([]string, string, error) {
	raw := strings.TrimSpace(parent.Metas.StringValue(MetaPermutationVariables))
	if raw == "" {
		return nil, "", domain.E("LOOM-3402", domain.KindIntegrityViolation,
			"internal function error: process %s declares no %s meta", parent.ProcessCode, MetaPermutationVariables)
	}
	outputVar := strings.TrimSpace(parent.Metas.StringValue(MetaOutputVariable))
	if outputVar == "" {
		return nil, "", domain.E("LOOM-3403", domain.KindIntegrityViolation,
			"internal function error: process %s declares no %s meta", parent.ProcessCode, MetaOutputVariable)
	}

	parts := strings.Split(raw, ",")
	selected := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			selected = append(selected, part)
		}
	}
	if len(selected) == 0 {
		return nil, "", domain.E("LOOM-3404", domain.KindIntegrityViolation,
			"internal function error: process %s selects no variables", parent.ProcessCode)
	}
	return selected, outputVar, nil
}

func directSuccessors(edges []repo.TaskEdge, taskContextID string) []string {
	var out []string
	for _, edge := range edges {
		if edge.FromTaskID == taskContextID {
			out = append(out, edge.ToTaskID)
		}
	}
	return out
}
