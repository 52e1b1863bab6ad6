package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loom-labs/loom-go/internal/domain"
	"github.com/loom-labs/loom-go/internal/keyedlock"
	"github.com/loom-labs/loom-go/internal/platform/events"
	"github.com/loom-labs/loom-go/internal/repo"
	"github.com/loom-labs/loom-go/internal/taskgraph"
)

// DeleteMode selects the deletion phase.
type DeleteMode string

const (
	// DeleteVirtual flips the deleted flag and releases the ExecContext's
	// resources without removing rows. Cheap and reversible.
	DeleteVirtual DeleteMode = "virtual"
	// DeleteHard removes the batch and cascades the ExecContext delete.
	// Irreversible.
	DeleteHard DeleteMode = "hard"
)

func ParseDeleteMode(raw string) (DeleteMode, error) {
	switch DeleteMode(raw) {
	case DeleteVirtual, "":
		return DeleteVirtual, nil
	case DeleteHard:
		return DeleteHard, nil
	default:
		return "", fmt.Errorf("unknown delete mode %q", raw)
	}
}

func (o *Orchestrator) Delete(ctx context.Context, batchID string, mode DeleteMode) error {
	switch mode {
	case DeleteVirtual:
		return o.deleteVirtual(ctx, batchID)
	case DeleteHard:
		return o.deleteHard(ctx, batchID)
	default:
		return fmt.Errorf("unknown delete mode %q", mode)
	}
}

func (o *Orchestrator) deleteVirtual(ctx context.Context, batchID string) error {
	b, err := o.getBatch(ctx, batchID)
	if err != nil {
		return err
	}

	// Release the running graph first: a virtually deleted batch must stop
	// consuming processor capacity.
	if b.ExecContextID != "" {
		if err := o.stopExecContext(ctx, b.ExecContextID); err != nil {
			return err
		}
	}

	err = o.mutate(ctx, batchID, func(b *domain.Batch) error {
		if b.Deleted {
			return nil
		}
		now := time.Now().UTC()
		b.Deleted = true
		b.DeletedAt = &now
		return nil
	})
	if err != nil {
		return err
	}

	o.sink.Publish(events.Event{
		OccurredAt:  time.Now().UTC(),
		Kind:        "batch.deleted.virtual",
		SubjectType: "batch",
		SubjectID:   batchID,
	})
	return nil
}

// deleteHard removes the batch row and cascades the ExecContext's tasks and
// row, holding the ExecContext's write lock for the whole cascade.
func (o *Orchestrator) deleteHard(ctx context.Context, batchID string) error {
	b, err := o.getBatch(ctx, batchID)
	if err != nil {
		return err
	}

	if b.ExecContextID != "" {
		err = o.locks.WithLock(taskgraph.GraphLockID(b.ExecContextID), func(h *keyedlock.Handle) error {
			if err := o.tasks.DeleteByExecContext(ctx, b.ExecContextID); err != nil {
				return fmt.Errorf("delete tasks of exec context %s: %w", b.ExecContextID, err)
			}
			if err := o.execs.Delete(ctx, b.ExecContextID); err != nil && !errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("delete exec context %s: %w", b.ExecContextID, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	if b.UploadRef != "" {
		if err := o.store.Delete(ctx, o.bucket, b.UploadRef); err != nil {
			return domain.Wrap("LOOM-6204", domain.KindExternalIO, err, "delete upload of batch %s", batchID)
		}
	}

	err = o.locks.WithLock(BatchLockID(batchID), func(h *keyedlock.Handle) error {
		if err := o.batches.Delete(ctx, batchID); err != nil && !errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("delete batch %s: %w", batchID, err)
		}
		o.cache.Invalidate(batchID)
		return nil
	})
	if err != nil {
		return err
	}

	o.sink.Publish(events.Event{
		OccurredAt:  time.Now().UTC(),
		Kind:        "batch.deleted.hard",
		SubjectType: "batch",
		SubjectID:   batchID,
	})
	return nil
}

// stopExecContext stops a running graph if stopping is legal from its
// current state; terminal and not-yet-started graphs are left alone.
func (o *Orchestrator) stopExecContext(ctx context.Context, execContextID string) error {
	return o.locks.WithLock(taskgraph.GraphLockID(execContextID), func(h *keyedlock.Handle) error {
		ec, err := o.execs.Get(ctx, execContextID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("load exec context %s: %w", execContextID, err)
		}
		next, err := domain.NextExecState(ec.State, domain.ExecStateStopped)
		if err != nil {
			return nil
		}
		ec.State = next
		if _, err := o.execs.Save(ctx, ec); err != nil {
			return fmt.Errorf("stop exec context %s: %w", execContextID, err)
		}
		return nil
	})
}

// SweepDeleted hard-deletes batches that have been virtually deleted longer
// than the retention window. Driven by the dispatcher's cron schedule.
func (o *Orchestrator) SweepDeleted(ctx context.Context, retention time.Duration, limit int) (int, error) {
	cutoff := time.Now().UTC().Add(-retention)
	stale, err := o.batches.ListDeletedBefore(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("list deleted batches: %w", err)
	}

	removed := 0
	for _, b := range stale {
		if err := o.deleteHard(ctx, b.ID); err != nil {
			o.logger.Error("retention sweep failed for batch", "batch_id", b.ID, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		o.logger.Info("retention sweep removed batches", "removed", removed)
	}
	return removed, nil
}
