package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loom-labs/loom-go/internal/keyedlock"
	"github.com/loom-labs/loom-go/internal/repo"
	"github.com/loom-labs/loom-go/internal/taskgraph"
)

// Reconciler revokes task assignments that a processor stopped confirming.
// This is the failure-recovery path for worker crashes and partitions: there
// is no cancel push to the worker, convergence is timeout-based revocation.
type Reconciler struct {
	logger     *slog.Logger
	locks      *keyedlock.Registry
	tasks      repo.TaskRepository
	processors repo.ProcessorRepository
	cfg        Config
}

func NewReconciler(logger *slog.Logger, locks *keyedlock.Registry, tasks repo.TaskRepository, processors repo.ProcessorRepository, cfg Config) *Reconciler {
	return &Reconciler{
		logger:     logger,
		locks:      locks,
		tasks:      tasks,
		processors: processors,
		cfg:        cfg.withDefaults(),
	}
}

// ReconcileProcessor de-assigns every task assigned to the processor longer
// than the grace window that the processor's self-reported in-flight list no
// longer contains. Task mutation happens under the owning ExecContext's
// graph lock, never under the processor lock, and core release follows in a
// separate processor-lock section to keep the fixed lock order.
func (r *Reconciler) ReconcileProcessor(ctx context.Context, processorID string, inFlightTaskIDs []string, now time.Time) (int, error) {
	assigned, err := r.tasks.ListAssignedToProcessor(ctx, processorID)
	if err != nil {
		return 0, fmt.Errorf("list tasks of processor %s: %w", processorID, err)
	}

	reported := make(map[string]struct{}, len(inFlightTaskIDs))
	for _, id := range inFlightTaskIDs {
		reported[id] = struct{}{}
	}

	var freedCores []string
	revoked := 0
	for _, task := range assigned {
		if task.Completed {
			continue
		}
		if _, ok := reported[task.ID]; ok {
			continue
		}
		if task.AssignedAt == nil || now.Sub(*task.AssignedAt) <= r.cfg.AssignmentGrace {
			continue
		}

		coreID, err := r.revoke(ctx, task.ExecContextID, task.ID, processorID)
		if err != nil {
			return revoked, err
		}
		if coreID != "" {
			freedCores = append(freedCores, coreID)
			revoked++
		}
	}

	if len(freedCores) > 0 {
		if err := r.releaseCores(ctx, processorID, freedCores, now); err != nil {
			return revoked, err
		}
		r.logger.Warn("revoked unconfirmed task assignments",
			"processor_id", processorID,
			"revoked", revoked)
	}
	return revoked, nil
}

// revoke resets one task's assignment under its graph lock. It re-reads the
// task inside the critical section; a concurrent completion or a lost
// optimistic write means another instance got there first, which is fine.
func (r *Reconciler) revoke(ctx context.Context, execContextID, taskID, processorID string) (string, error) {
	var coreID string
	err := r.locks.WithLock(taskgraph.GraphLockID(execContextID), func(h *keyedlock.Handle) error {
		task, err := r.tasks.Get(ctx, taskID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("load task %s: %w", taskID, err)
		}
		if task.ProcessorID != processorID || task.Completed {
			return nil
		}
		coreID = task.CoreID
		task.ResetAssignment()
		if _, err := r.tasks.Save(ctx, task); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				coreID = ""
				return nil
			}
			return fmt.Errorf("reset task %s: %w", taskID, err)
		}
		return nil
	})
	return coreID, err
}

func (r *Reconciler) releaseCores(ctx context.Context, processorID string, coreIDs []string, now time.Time) error {
	return r.locks.WithLock(ProcessorLockID(processorID), func(h *keyedlock.Handle) error {
		proc, err := r.processors.Get(ctx, processorID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("load processor %s: %w", processorID, err)
		}
		for _, coreID := range coreIDs {
			proc.ReleaseCore(coreID)
		}
		proc.UpdatedAt = now.UTC()
		if _, err := r.processors.Save(ctx, proc); err != nil && !errors.Is(err, repo.ErrConflict) {
			return fmt.Errorf("release cores of processor %s: %w", processorID, err)
		}
		return nil
	})
}

// Sweep runs reconciliation against every processor whose session went
// silent past the TTL, treating its in-flight list as empty. Expiry is
// detected lazily here and on heartbeats, never by an active timer.
func (r *Reconciler) Sweep(ctx context.Context, now time.Time) error {
	procs, err := r.processors.List(ctx, 0)
	if err != nil {
		return fmt.Errorf("list processors: %w", err)
	}
	for _, proc := range procs {
		if now.Sub(proc.UpdatedAt) <= r.cfg.TTL {
			continue
		}
		if _, err := r.ReconcileProcessor(ctx, proc.ID, nil, now); err != nil {
			r.logger.Error("reconciliation sweep failed for processor",
				"processor_id", proc.ID,
				"error", err)
		}
	}
	return nil
}
