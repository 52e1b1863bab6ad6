package batch

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/loom-labs/loom-go/internal/domain"
	"github.com/loom-labs/loom-go/internal/keyedlock"
	"github.com/loom-labs/loom-go/internal/platform/events"
	"github.com/loom-labs/loom-go/internal/platform/objectstore"
	"github.com/loom-labs/loom-go/internal/repo"
	"github.com/loom-labs/loom-go/internal/taskgraph"
)

type memBatches struct {
	mu    sync.Mutex
	items map[string]domain.Batch
	seq   int
	// conflictSaves makes the next N saves lose the optimistic race.
	conflictSaves int
}

func newMemBatches() *memBatches {
	return &memBatches{items: map[string]domain.Batch{}}
}

func (m *memBatches) Create(ctx context.Context, b domain.Batch) (domain.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	b.ID = "batch-" + strconv.Itoa(m.seq)
	b.Version = 1
	b.CreatedAt = time.Now().UTC()
	m.items[b.ID] = b
	return b, nil
}

func (m *memBatches) Get(ctx context.Context, id string) (domain.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.items[id]
	if !ok {
		return domain.Batch{}, repo.ErrNotFound
	}
	return b, nil
}

func (m *memBatches) Save(ctx context.Context, b domain.Batch) (domain.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflictSaves > 0 {
		m.conflictSaves--
		return domain.Batch{}, repo.ErrConflict
	}
	stored, ok := m.items[b.ID]
	if !ok {
		return domain.Batch{}, repo.ErrNotFound
	}
	if stored.Version != b.Version {
		return domain.Batch{}, repo.ErrConflict
	}
	b.Version++
	m.items[b.ID] = b
	return b, nil
}

func (m *memBatches) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return repo.ErrNotFound
	}
	delete(m.items, id)
	return nil
}

func (m *memBatches) ListDeletedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Batch
	for _, b := range m.items {
		if b.Deleted && b.DeletedAt != nil && b.DeletedAt.Before(cutoff) {
			out = append(out, b)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

type memExecs struct {
	mu    sync.Mutex
	items map[string]domain.ExecContext
	seq   int
}

func newMemExecs() *memExecs {
	return &memExecs{items: map[string]domain.ExecContext{}}
}

func (m *memExecs) Create(ctx context.Context, ec domain.ExecContext) (domain.ExecContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	ec.ID = "ec-" + strconv.Itoa(m.seq)
	ec.Version = 1
	m.items[ec.ID] = ec
	return ec, nil
}

func (m *memExecs) Get(ctx context.Context, id string) (domain.ExecContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ec, ok := m.items[id]
	if !ok {
		return domain.ExecContext{}, repo.ErrNotFound
	}
	return ec, nil
}

func (m *memExecs) Save(ctx context.Context, ec domain.ExecContext) (domain.ExecContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.items[ec.ID]
	if !ok {
		return domain.ExecContext{}, repo.ErrNotFound
	}
	if stored.Version != ec.Version {
		return domain.ExecContext{}, repo.ErrConflict
	}
	ec.Version++
	m.items[ec.ID] = ec
	return ec, nil
}

func (m *memExecs) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return repo.ErrNotFound
	}
	delete(m.items, id)
	return nil
}

type memSources struct {
	mu    sync.Mutex
	items map[string]domain.SourceCode
	gets  int
}

func (m *memSources) Create(ctx context.Context, sc domain.SourceCode) (domain.SourceCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[sc.ID] = sc
	return sc, nil
}

func (m *memSources) Get(ctx context.Context, id string) (domain.SourceCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	sc, ok := m.items[id]
	if !ok {
		return domain.SourceCode{}, repo.ErrNotFound
	}
	return sc, nil
}

func (m *memSources) Save(ctx context.Context, sc domain.SourceCode) (domain.SourceCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[sc.ID] = sc
	return sc, nil
}

func (m *memSources) List(ctx context.Context, companyID string, limit int) ([]domain.SourceCode, error) {
	return nil, nil
}

type memTasks struct {
	mu    sync.Mutex
	items map[string]domain.Task
	order []string
	edges []repo.TaskEdge
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
		m.order = append(m.order, task.ID)
		out = append(out, task)
	}
	m.edges = append(m.edges, edges...)
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
	for _, id := range m.order {
		if task, ok := m.items[id]; ok && task.ExecContextID == execContextID {
			out = append(out, task)
		}
	}
	return out, nil
}

func (m *memTasks) ListAssignedToProcessor(ctx context.Context, processorID string) ([]domain.Task, error) {
	return nil, nil
}

func (m *memTasks) ListEdges(ctx context.Context, execContextID string) ([]repo.TaskEdge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repo.TaskEdge
	for _, edge := range m.edges {
		if edge.ExecContextID == execContextID {
			out = append(out, edge)
		}
	}
	return out, nil
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

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}}
}

func (m *memStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = data
	return nil
}

func (m *memStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, objectstore.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, objectstore.ObjectInfo{}, repo.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), objectstore.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (m *memStore) Stat(ctx context.Context, bucket, key string) (objectstore.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return objectstore.ObjectInfo{}, repo.ErrNotFound
	}
	return objectstore.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (m *memStore) Delete(ctx context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, bucket+"/"+key)
	return nil
}

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

type memVars struct{}

func (memVars) StoreVariableSet(ctx context.Context, execContextID, taskContextID string, values map[string]string) (string, error) {
	return "var://" + execContextID + "/" + taskContextID, nil
}

type fixture struct {
	orchestrator *Orchestrator
	batches      *memBatches
	execs        *memExecs
	tasks        *memTasks
	store        *memStore
	sources      *memSources
}

func newFixture(t *testing.T, maxTasks int) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	locks := keyedlock.NewRegistry()
	batches := newMemBatches()
	execs := newMemExecs()
	tasks := newMemTasks()
	store := newMemStore()
	sources := &memSources{items: map[string]domain.SourceCode{}}
	sources.items["sc-1"] = domain.SourceCode{
		ID:    "sc-1",
		UID:   "demo",
		Valid: true,
		Processes: []domain.ProcessDef{
			{Code: "extract", FunctionCode: "fn-extract", Order: 0},
			{Code: "train", FunctionCode: "fn-train", Order: 1},
		},
	}
	engine := taskgraph.NewEngine(locks, execs, tasks, memVars{}, maxTasks)
	orchestrator := NewOrchestrator(logger, locks, batches, execs, sources, tasks, engine, store, "uploads", events.NopSink{})
	return &fixture{orchestrator: orchestrator, batches: batches, execs: execs, tasks: tasks, store: store, sources: sources}
}

func zipUpload(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func waitForIngestion(t *testing.T, fx *fixture, batchID string) domain.Batch {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b, err := fx.batches.Get(context.Background(), batchID)
		if err != nil {
			t.Fatalf("get batch: %v", err)
		}
		if b.StatusParams["ingested_files"] != nil || b.State == domain.BatchStateError {
			return b
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("ingestion did not complete in time")
	return domain.Batch{}
}

func TestCreateBatchProducesGraphThenPrepares(t *testing.T) {
	fx := newFixture(t, 0)
	upload := zipUpload(t, map[string]string{"data/a.csv": "1,2,3", "data/b.csv": "4,5"})

	b, err := fx.orchestrator.CreateBatch(context.Background(), CreateRequest{
		SourceCodeID: "sc-1",
		AccountID:    "acct-1",
		CompanyID:    "co-1",
		Upload:       upload,
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	if b.State != domain.BatchStatePreparing {
		t.Fatalf("expected preparing, got %q", b.State)
	}
	if b.ExecContextID == "" {
		t.Fatal("expected the batch linked to its exec context")
	}

	tasks, _ := fx.tasks.ListByExecContext(context.Background(), b.ExecContextID)
	if len(tasks) != 2 {
		t.Fatalf("expected 2 produced tasks, got %d", len(tasks))
	}
	if fx.store.len() != 1 {
		t.Fatalf("expected the upload stored, got %d objects", fx.store.len())
	}

	ingested := waitForIngestion(t, fx, b.ID)
	if ingested.StatusParams["ingested_files"] != 2 {
		t.Fatalf("expected 2 ingested files, got %v", ingested.StatusParams["ingested_files"])
	}
}

func TestCreateBatchProductionFailureErrorsBatch(t *testing.T) {
	fx := newFixture(t, 1) // ceiling below the 2 declared processes

	_, err := fx.orchestrator.CreateBatch(context.Background(), CreateRequest{
		SourceCodeID: "sc-1",
		Upload:       []byte("raw"),
	})
	if !domain.IsCapacityExceeded(err) {
		t.Fatalf("expected capacity exceeded, got %v", err)
	}

	b, getErr := fx.batches.Get(context.Background(), "batch-1")
	if getErr != nil {
		t.Fatalf("get batch: %v", getErr)
	}
	if b.State != domain.BatchStateError {
		t.Fatalf("expected the batch errored, got %q", b.State)
	}
}

func completeAllTasks(t *testing.T, fx *fixture, execContextID string) {
	t.Helper()
	tasks, _ := fx.tasks.ListByExecContext(context.Background(), execContextID)
	for _, task := range tasks {
		if err := task.Assign("proc-1", "core-0", time.Now()); err != nil {
			t.Fatalf("assign: %v", err)
		}
		if err := task.Complete(domain.TaskStateOK, "", time.Now()); err != nil {
			t.Fatalf("complete: %v", err)
		}
		if _, err := fx.tasks.Save(context.Background(), task); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
}

func TestProcessingAndIdempotentFinish(t *testing.T) {
	fx := newFixture(t, 0)
	b, err := fx.orchestrator.CreateBatch(context.Background(), CreateRequest{
		SourceCodeID: "sc-1",
		Upload:       []byte("raw"),
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	waitForIngestion(t, fx, b.ID)

	if err := fx.orchestrator.StartProcessing(context.Background(), b.ID); err != nil {
		t.Fatalf("start processing: %v", err)
	}
	status, err := fx.orchestrator.Status(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != domain.BatchStateProcessing || status.OK {
		t.Fatalf("expected a running, not-ok batch, got %+v", status)
	}

	// Finishing before the graph settles is illegal.
	if err := fx.orchestrator.Finish(context.Background(), b.ID); !domain.IsIllegalTransition(err) {
		t.Fatalf("expected illegal transition for a running graph, got %v", err)
	}

	completeAllTasks(t, fx, b.ExecContextID)
	if err := fx.orchestrator.Finish(context.Background(), b.ID); err != nil {
		t.Fatalf("finish: %v", err)
	}
	status, _ = fx.orchestrator.Status(context.Background(), b.ID)
	if status.State != domain.BatchStateFinished || !status.OK {
		t.Fatalf("expected a finished ok batch, got %+v", status)
	}

	// Idempotent: a second finish is a no-op, not an error.
	if err := fx.orchestrator.Finish(context.Background(), b.ID); err != nil {
		t.Fatalf("second finish must be a no-op, got %v", err)
	}

	ec, _ := fx.execs.Get(context.Background(), b.ExecContextID)
	if ec.State != domain.ExecStateFinished {
		t.Fatalf("expected the exec context finished, got %q", ec.State)
	}
}

func TestMutationRetryIsBounded(t *testing.T) {
	fx := newFixture(t, 0)
	b, err := fx.orchestrator.CreateBatch(context.Background(), CreateRequest{
		SourceCodeID: "sc-1",
		Upload:       []byte("raw"),
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	waitForIngestion(t, fx, b.ID)

	// One lost race recovers transparently.
	fx.batches.conflictSaves = 1
	if err := fx.orchestrator.StartProcessing(context.Background(), b.ID); err != nil {
		t.Fatalf("expected one conflict to be retried, got %v", err)
	}

	// Two consecutive lost races surface as a coded conflict.
	completeAllTasks(t, fx, b.ExecContextID)
	fx.batches.conflictSaves = 2
	err = fx.orchestrator.Finish(context.Background(), b.ID)
	if !domain.IsOptimisticConflict(err) {
		t.Fatalf("expected a bounded-retry conflict error, got %v", err)
	}
}

func TestTwoPhaseDelete(t *testing.T) {
	fx := newFixture(t, 0)
	b, err := fx.orchestrator.CreateBatch(context.Background(), CreateRequest{
		SourceCodeID: "sc-1",
		Upload:       []byte("raw"),
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	waitForIngestion(t, fx, b.ID)
	if err := fx.orchestrator.StartProcessing(context.Background(), b.ID); err != nil {
		t.Fatalf("start processing: %v", err)
	}

	// Phase one: virtual. Rows survive, the graph is released.
	if err := fx.orchestrator.Delete(context.Background(), b.ID, DeleteVirtual); err != nil {
		t.Fatalf("virtual delete: %v", err)
	}
	stored, err := fx.batches.Get(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("the batch row must survive a virtual delete: %v", err)
	}
	if !stored.Deleted || stored.DeletedAt == nil {
		t.Fatalf("expected the deleted flag set, got %+v", stored)
	}
	ec, _ := fx.execs.Get(context.Background(), b.ExecContextID)
	if ec.State != domain.ExecStateStopped {
		t.Fatalf("expected the exec context stopped, got %q", ec.State)
	}

	// Phase two: hard. Everything cascades.
	if err := fx.orchestrator.Delete(context.Background(), b.ID, DeleteHard); err != nil {
		t.Fatalf("hard delete: %v", err)
	}
	if _, err := fx.batches.Get(context.Background(), b.ID); err == nil {
		t.Fatal("expected the batch row removed")
	}
	if _, err := fx.execs.Get(context.Background(), b.ExecContextID); err == nil {
		t.Fatal("expected the exec context removed")
	}
	if tasks, _ := fx.tasks.ListByExecContext(context.Background(), b.ExecContextID); len(tasks) != 0 {
		t.Fatalf("expected the tasks removed, got %d", len(tasks))
	}
	if fx.store.len() != 0 {
		t.Fatal("expected the stored upload removed")
	}
}

func TestSweepDeletedHonorsRetention(t *testing.T) {
	fx := newFixture(t, 0)

	old, err := fx.orchestrator.CreateBatch(context.Background(), CreateRequest{SourceCodeID: "sc-1", Upload: []byte("a")})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	recent, err := fx.orchestrator.CreateBatch(context.Background(), CreateRequest{SourceCodeID: "sc-1", Upload: []byte("b")})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	waitForIngestion(t, fx, old.ID)
	waitForIngestion(t, fx, recent.ID)

	for _, id := range []string{old.ID, recent.ID} {
		if err := fx.orchestrator.Delete(context.Background(), id, DeleteVirtual); err != nil {
			t.Fatalf("virtual delete: %v", err)
		}
	}

	// Backdate the first deletion past the retention window.
	fx.batches.mu.Lock()
	b := fx.batches.items[old.ID]
	past := time.Now().UTC().Add(-48 * time.Hour)
	b.DeletedAt = &past
	fx.batches.items[old.ID] = b
	fx.batches.mu.Unlock()
	fx.orchestrator.cache.Invalidate(old.ID)

	removed, err := fx.orchestrator.SweepDeleted(context.Background(), 24*time.Hour, 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 batch swept, got %d", removed)
	}
	if _, err := fx.batches.Get(context.Background(), old.ID); err == nil {
		t.Fatal("expected the old deleted batch removed")
	}
	if _, err := fx.batches.Get(context.Background(), recent.ID); err != nil {
		t.Fatal("expected the recently deleted batch kept")
	}
}

func TestCreateBatchCachesSourceCode(t *testing.T) {
	fx := newFixture(t, 0)
	upload := zipUpload(t, map[string]string{"data/a.csv": "1,2,3"})

	for i := 0; i < 3; i++ {
		b, err := fx.orchestrator.CreateBatch(context.Background(), CreateRequest{
			SourceCodeID: "sc-1",
			AccountID:    "acct-1",
			CompanyID:    "co-1",
			Upload:       upload,
		})
		if err != nil {
			t.Fatalf("create batch %d: %v", i, err)
		}
		waitForIngestion(t, fx, b.ID)
	}

	// The template is immutable once registered, so only the first create
	// reads it from the repository.
	if fx.sources.gets != 1 {
		t.Fatalf("expected one template load, repository was read %d times", fx.sources.gets)
	}
}
