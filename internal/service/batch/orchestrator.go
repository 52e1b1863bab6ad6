// Package batch implements the top-level batch workflow: upload, graph
// production, processing, finish, and two-phase deletion.
package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loom-labs/loom-go/internal/cache"
	"github.com/loom-labs/loom-go/internal/domain"
	"github.com/loom-labs/loom-go/internal/keyedlock"
	"github.com/loom-labs/loom-go/internal/platform/events"
	"github.com/loom-labs/loom-go/internal/platform/objectstore"
	"github.com/loom-labs/loom-go/internal/repo"
	"github.com/loom-labs/loom-go/internal/taskgraph"
)

// BatchLockID names the keyed lock guarding one batch.
func BatchLockID(batchID string) string {
	return "batch:" + batchID
}

type Orchestrator struct {
	logger   *slog.Logger
	locks    *keyedlock.Registry
	batches  repo.BatchRepository
	execs    repo.ExecContextRepository
	sources  repo.SourceCodeRepository
	tasks    repo.TaskRepository
	graph    *taskgraph.Engine
	store    objectstore.Store
	bucket   string
	cache    *cache.Entity[domain.Batch]
	srcCache *cache.Entity[domain.SourceCode]
	sink     events.Sink
}

func NewOrchestrator(
	logger *slog.Logger,
	locks *keyedlock.Registry,
	batches repo.BatchRepository,
	execs repo.ExecContextRepository,
	sources repo.SourceCodeRepository,
	tasks repo.TaskRepository,
	graph *taskgraph.Engine,
	store objectstore.Store,
	bucket string,
	sink events.Sink,
) *Orchestrator {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Orchestrator{
		logger:   logger,
		locks:    locks,
		batches:  batches,
		execs:    execs,
		sources:  sources,
		tasks:    tasks,
		graph:    graph,
		store:    store,
		bucket:   bucket,
		cache:    cache.NewEntity[domain.Batch](),
		srcCache: cache.NewEntity[domain.SourceCode](),
		sink:     sink,
	}
}

// CreateRequest carries one batch submission.
type CreateRequest struct {
	SourceCodeID string
	AccountID    string
	CompanyID    string
	Upload       []byte
	Inputs       domain.Metadata
}

// CreateBatch stores the upload, instantiates an ExecContext with a
// validated task graph, and only then moves the batch Stored to Preparing.
// Ingestion of the upload's contents continues in the background.
func (o *Orchestrator) CreateBatch(ctx context.Context, req CreateRequest) (domain.Batch, error) {
	sc, err := o.getSourceCode(ctx, req.SourceCodeID)
	if err != nil {
		return domain.Batch{}, err
	}
	if sc.Archived {
		return domain.Batch{}, domain.E("LOOM-3107", domain.KindIntegrityViolation,
			"source code %s is archived and accepts no new batches", sc.ID)
	}
	if err := sc.Validate(); err != nil {
		return domain.Batch{}, err
	}

	uploadRef := "batches/" + uuid.NewString() + "/input"
	err = o.store.Put(ctx, o.bucket, uploadRef, bytes.NewReader(req.Upload), int64(len(req.Upload)), "application/octet-stream")
	if err != nil {
		return domain.Batch{}, domain.Wrap("LOOM-6201", domain.KindExternalIO, err, "store batch upload")
	}

	b := domain.NewBatch(sc.ID, req.AccountID, req.CompanyID, uploadRef)
	next, err := domain.NextBatchState(b.State, domain.BatchStateStored)
	if err != nil {
		return domain.Batch{}, err
	}
	b.State = next
	b, err = o.batches.Create(ctx, b)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("create batch: %w", err)
	}
	o.cache.Put(b.ID, b)

	ec, err := o.execs.Create(ctx, domain.NewExecContext(sc.ID, req.Inputs))
	if err != nil {
		return domain.Batch{}, fmt.Errorf("create exec context: %w", err)
	}
	if _, err := o.graph.Produce(ctx, ec.ID, sc); err != nil {
		if stateErr := o.transition(ctx, b.ID, domain.BatchStateError); stateErr != nil {
			o.logger.Error("failed to mark batch errored after production failure",
				"batch_id", b.ID, "error", stateErr)
		}
		return domain.Batch{}, err
	}

	// The graph exists and validated: Stored -> Preparing.
	err = o.mutate(ctx, b.ID, func(b *domain.Batch) error {
		b.ExecContextID = ec.ID
		next, err := domain.NextBatchState(b.State, domain.BatchStatePreparing)
		if err != nil {
			return err
		}
		b.State = next
		return nil
	})
	if err != nil {
		return domain.Batch{}, err
	}

	o.sink.Publish(events.Event{
		OccurredAt:  time.Now().UTC(),
		Kind:        "batch.created",
		SubjectType: "batch",
		SubjectID:   b.ID,
	})

	// Zip scanning is slow; the request returns now and ingestion
	// re-acquires the batch lock on its own schedule.
	go o.ingest(context.WithoutCancel(ctx), b.ID)

	return o.getBatch(ctx, b.ID)
}

// StartProcessing starts the ExecContext's graph, then and only then moves
// the batch Preparing -> Processing.
func (o *Orchestrator) StartProcessing(ctx context.Context, batchID string) error {
	b, err := o.getBatch(ctx, batchID)
	if err != nil {
		return err
	}

	err = o.locks.WithLock(taskgraph.GraphLockID(b.ExecContextID), func(h *keyedlock.Handle) error {
		ec, err := o.execs.Get(ctx, b.ExecContextID)
		if err != nil {
			return fmt.Errorf("load exec context %s: %w", b.ExecContextID, err)
		}
		next, err := domain.NextExecState(ec.State, domain.ExecStateStarted)
		if err != nil {
			return err
		}
		ec.State = next
		if _, err := o.execs.Save(ctx, ec); err != nil {
			return fmt.Errorf("start exec context %s: %w", ec.ID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := o.transition(ctx, batchID, domain.BatchStateProcessing); err != nil {
		return err
	}
	o.sink.Publish(events.Event{
		OccurredAt:  time.Now().UTC(),
		Kind:        "batch.processing",
		SubjectType: "batch",
		SubjectID:   batchID,
	})
	return nil
}

// Finish settles a batch whose graph reached a terminal aggregate. Calling
// it on an already finished batch is a no-op, not an error.
func (o *Orchestrator) Finish(ctx context.Context, batchID string) error {
	b, err := o.getBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if b.State == domain.BatchStateFinished {
		return nil
	}

	progress, err := o.graph.GraphProgress(ctx, b.ExecContextID)
	if err != nil {
		return err
	}

	switch {
	case progress.AnyFailed():
		if err := o.settleExecContext(ctx, b.ExecContextID, domain.ExecStateError); err != nil {
			return err
		}
		return o.transition(ctx, batchID, domain.BatchStateError)
	case progress.AllOK():
		if err := o.settleExecContext(ctx, b.ExecContextID, domain.ExecStateFinished); err != nil {
			return err
		}
		if err := o.transition(ctx, batchID, domain.BatchStateFinished); err != nil {
			return err
		}
		o.sink.Publish(events.Event{
			OccurredAt:  time.Now().UTC(),
			Kind:        "batch.finished",
			SubjectType: "batch",
			SubjectID:   batchID,
		})
		return nil
	default:
		return domain.E("LOOM-1005", domain.KindIllegalTransition,
			"batch %s graph is still running (%d/%d ok)", batchID, progress.OK, progress.Total)
	}
}

// StatusReport is the user-facing answer for one batch.
type StatusReport struct {
	BatchID string
	State   domain.BatchState
	OK      bool
	Text    string
	Params  domain.Metadata
}

func (o *Orchestrator) Status(ctx context.Context, batchID string) (StatusReport, error) {
	b, err := o.getBatch(ctx, batchID)
	if err != nil {
		return StatusReport{}, err
	}
	report := StatusReport{
		BatchID: b.ID,
		State:   b.State,
		OK:      b.State == domain.BatchStateFinished,
		Params:  b.StatusParams.Clone(),
	}
	switch b.State {
	case domain.BatchStateFinished:
		report.Text = "batch finished"
	case domain.BatchStateError:
		report.Text = "batch failed"
	default:
		report.Text = fmt.Sprintf("batch is %s", b.State)
	}
	if b.Deleted {
		report.Text += " (deleted)"
	}
	return report, nil
}

// getSourceCode reads through the template cache. Templates are immutable
// once registered (new revisions are new rows), so cached reads stay valid.
func (o *Orchestrator) getSourceCode(ctx context.Context, sourceCodeID string) (domain.SourceCode, error) {
	sc, err := o.srcCache.GetOrLoad(ctx, sourceCodeID, o.sources.Get)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.SourceCode{}, domain.E("LOOM-4101", domain.KindNotFound,
				"source code %s is not registered", sourceCodeID)
		}
		return domain.SourceCode{}, fmt.Errorf("load source code %s: %w", sourceCodeID, err)
	}
	return sc, nil
}

// getBatch reads through the write-through cache.
func (o *Orchestrator) getBatch(ctx context.Context, batchID string) (domain.Batch, error) {
	b, err := o.cache.GetOrLoad(ctx, batchID, o.batches.Get)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Batch{}, domain.E("LOOM-4102", domain.KindNotFound, "batch %s does not exist", batchID)
		}
		return domain.Batch{}, fmt.Errorf("load batch %s: %w", batchID, err)
	}
	return b, nil
}

// mutate runs one read-modify-write of a batch under its lock with bounded
// conflict retry, refreshing the cache on commit.
func (o *Orchestrator) mutate(ctx context.Context, batchID string, apply func(b *domain.Batch) error) error {
	return o.locks.WithLock(BatchLockID(batchID), func(h *keyedlock.Handle) error {
		return cache.WithOptimisticRetry(func() { o.cache.Invalidate(batchID) }, func() error {
			b, err := o.getBatch(ctx, batchID)
			if err != nil {
				return err
			}
			if err := apply(&b); err != nil {
				return err
			}
			saved, err := o.batches.Save(ctx, b)
			if err != nil {
				return err
			}
			o.cache.Put(batchID, saved)
			return nil
		})
	})
}

func (o *Orchestrator) transition(ctx context.Context, batchID string, requested domain.BatchState) error {
	return o.mutate(ctx, batchID, func(b *domain.Batch) error {
		next, err := domain.NextBatchState(b.State, requested)
		if err != nil {
			return err
		}
		b.State = next
		return nil
	})
}

func (o *Orchestrator) settleExecContext(ctx context.Context, execContextID string, terminal domain.ExecState) error {
	return o.locks.WithLock(taskgraph.GraphLockID(execContextID), func(h *keyedlock.Handle) error {
		ec, err := o.execs.Get(ctx, execContextID)
		if err != nil {
			return fmt.Errorf("load exec context %s: %w", execContextID, err)
		}
		if ec.State.Terminal() {
			return nil
		}
		next, err := domain.NextExecState(ec.State, terminal)
		if err != nil {
			return err
		}
		ec.State = next
		if _, err := o.execs.Save(ctx, ec); err != nil {
			return fmt.Errorf("settle exec context %s: %w", execContextID, err)
		}
		return nil
	})
}
