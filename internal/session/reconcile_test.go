package session

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/loom-labs/loom-go/internal/domain"
	"github.com/loom-labs/loom-go/internal/keyedlock"
	"github.com/loom-labs/loom-go/internal/platform/events"
	"github.com/loom-labs/loom-go/internal/repo"
)

type memTasks struct {
	mu    sync.Mutex
	items map[string]domain.Task
	seq   int
}

func newMemTasks() *memTasks {
	return &memTasks{items: map[string]domain.Task{}}
}

func (m *memTasks) CreateMany(ctx context.Context, tasks []domain.Task, edges []repo.TaskEdge) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Task, 0, len(tasks))
	for _, task := range tasks {
		m.seq++
		task.ID = "task-" + strconv.Itoa(m.seq)
		task.Version = 1
		m.items[task.ID] = task
		out = append(out, task)
	}
	return out, nil
}

func (m *memTasks) Get(ctx context.Context, id string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.items[id]
	if !ok {
		return domain.Task{}, repo.ErrNotFound
	}
	return task, nil
}

func (m *memTasks) Save(ctx context.Context, t domain.Task) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.items[t.ID]
	if !ok {
		return domain.Task{}, repo.ErrNotFound
	}
	if stored.Version != t.Version {
		return domain.Task{}, repo.ErrConflict
	}
	t.Version++
	m.items[t.ID] = t
	return t, nil
}

func (m *memTasks) ListByExecContext(ctx context.Context, execContextID string) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Task
	for _, task := range m.items {
		if task.ExecContextID == execContextID {
			out = append(out, task)
		}
	}
	return out, nil
}

func (m *memTasks) ListAssignedToProcessor(ctx context.Context, processorID string) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Task
	for _, task := range m.items {
		if task.ProcessorID == processorID {
			out = append(out, task)
		}
	}
	return out, nil
}

func (m *memTasks) ListEdges(ctx context.Context, execContextID string) ([]repo.TaskEdge, error) {
	return nil, nil
}

func (m *memTasks) DeleteByExecContext(ctx context.Context, execContextID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, task := range m.items {
		if task.ExecContextID == execContextID {
			delete(m.items, id)
		}
	}
	return nil
}

func assignedTask(t *testing.T, tasks *memTasks, processorID, coreID string, assignedAt time.Time) domain.Task {
	t.Helper()
	created, err := tasks.CreateMany(context.Background(), []domain.Task{{
		ExecContextID: "ec-1",
		TaskContextID: "1",
		State:         domain.TaskStateNone,
	}}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	task := created[0]
	if err := task.Assign(processorID, coreID, assignedAt); err != nil {
		t.Fatalf("assign: %v", err)
	}
	task, err = tasks.Save(context.Background(), task)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	return task
}

func TestReconcileRevokesUnconfirmedStaleAssignment(t *testing.T) {
	tasks := newMemTasks()
	procs := newMemProcessors()
	locks := keyedlock.NewRegistry()
	now := time.Now().UTC()

	protocol := NewProtocol(testLogger(), locks, procs, events.NopSink{}, testCfg)
	proc, err := protocol.Register(context.Background(), domain.ProcessorEnvironment{}, 1, now)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	stored, _ := procs.Get(context.Background(), proc.ID)
	if err := stored.BindCore("core-0", "pending"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	stored, _ = procs.Save(context.Background(), stored)

	task := assignedTask(t, tasks, proc.ID, "core-0", now.Add(-2*time.Minute))
	stored.Cores[0].TaskID = task.ID
	if _, err := procs.Save(context.Background(), stored); err != nil {
		t.Fatalf("save processor: %v", err)
	}

	reconciler := NewReconciler(testLogger(), locks, tasks, procs, testCfg)
	revoked, err := reconciler.ReconcileProcessor(context.Background(), proc.ID, nil, now)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if revoked != 1 {
		t.Fatalf("expected 1 revocation, got %d", revoked)
	}

	after, _ := tasks.Get(context.Background(), task.ID)
	if after.Assigned() || after.State != domain.TaskStateNone {
		t.Fatalf("expected assignment cleared and state reset, got %+v", after)
	}
	procAfter, _ := procs.Get(context.Background(), proc.ID)
	if procAfter.Cores[0].Busy() {
		t.Fatal("expected the core released")
	}
}

func TestReconcileKeepsConfirmedAndRecentAssignments(t *testing.T) {
	tasks := newMemTasks()
	procs := newMemProcessors()
	locks := keyedlock.NewRegistry()
	now := time.Now().UTC()

	protocol := NewProtocol(testLogger(), locks, procs, events.NopSink{}, testCfg)
	proc, err := protocol.Register(context.Background(), domain.ProcessorEnvironment{}, 2, now)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	stale := assignedTask(t, tasks, proc.ID, "core-0", now.Add(-2*time.Minute))
	recent := assignedTask(t, tasks, proc.ID, "core-1", now.Add(-10*time.Second))

	reconciler := NewReconciler(testLogger(), locks, tasks, procs, testCfg)

	// The stale task is confirmed by the worker: it stays assigned.
	revoked, err := reconciler.ReconcileProcessor(context.Background(), proc.ID, []string{stale.ID}, now)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if revoked != 0 {
		t.Fatalf("expected no revocations, got %d", revoked)
	}
	got, _ := tasks.Get(context.Background(), stale.ID)
	if !got.Assigned() {
		t.Fatal("a confirmed assignment must survive reconciliation")
	}

	// An unconfirmed task inside the grace window also stays assigned.
	revoked, err = reconciler.ReconcileProcessor(context.Background(), proc.ID, []string{stale.ID, "unrelated"}, now)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if revoked != 0 {
		t.Fatalf("expected no revocations, got %d", revoked)
	}
	got, _ = tasks.Get(context.Background(), recent.ID)
	if !got.Assigned() {
		t.Fatal("an assignment inside the grace window must survive")
	}
}

func TestSweepReconcilesSilentProcessors(t *testing.T) {
	tasks := newMemTasks()
	procs := newMemProcessors()
	locks := keyedlock.NewRegistry()
	now := time.Now().UTC()

	protocol := NewProtocol(testLogger(), locks, procs, events.NopSink{}, testCfg)
	silent, err := protocol.Register(context.Background(), domain.ProcessorEnvironment{}, 1, now.Add(-2*testCfg.TTL))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	live, err := protocol.Register(context.Background(), domain.ProcessorEnvironment{}, 1, now)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	silentTask := assignedTask(t, tasks, silent.ID, "core-0", now.Add(-3*time.Minute))
	liveTask := assignedTask(t, tasks, live.ID, "core-0", now.Add(-3*time.Minute))

	reconciler := NewReconciler(testLogger(), locks, tasks, procs, testCfg)
	if err := reconciler.Sweep(context.Background(), now); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, _ := tasks.Get(context.Background(), silentTask.ID)
	if got.Assigned() {
		t.Fatal("a silent processor's stale tasks must be revoked by the sweep")
	}
	got, _ = tasks.Get(context.Background(), liveTask.ID)
	if !got.Assigned() {
		t.Fatal("a live processor's tasks are the heartbeat path's business, not the sweep's")
	}
}
