package domain

import "time"

// TaskState is the execution state of one schedulable unit of work.
type TaskState string

const (
	TaskStateNone       TaskState = "none"
	TaskStateInProgress TaskState = "in_progress"
	TaskStateOK         TaskState = "ok"
	TaskStateError      TaskState = "error"
)

func (s TaskState) Terminal() bool {
	return s == TaskStateOK || s == TaskStateError
}

// NextTaskState validates a requested transition. Re-entry into in_progress
// after a terminal state is only permitted via Task.ResetAssignment.
func NextTaskState(current, requested TaskState) (TaskState, error) {
	if current == "" {
		current = TaskStateNone
	}
	if requested == "" {
		return "", E("LOOM-1201", KindIllegalTransition, "requested task state is empty")
	}
	if current == requested {
		return current, nil
	}

	switch current {
	case TaskStateNone:
		if requested == TaskStateInProgress {
			return requested, nil
		}
	case TaskStateInProgress:
		if requested == TaskStateOK || requested == TaskStateError {
			return requested, nil
		}
	}
	return "", E("LOOM-1202", KindIllegalTransition,
		"task state %q cannot transition to %q", current, requested)
}

// Task is one schedulable unit of work inside an ExecContext's graph.
type Task struct {
	ID            string
	ExecContextID string
	ProcessCode   string
	FunctionCode  string
	TaskContextID string
	State         TaskState
	ProcessorID   string
	CoreID        string
	AssignedAt    *time.Time
	Completed     bool
	CompletedAt   *time.Time
	ResultRef     string
	Priority      int
	Condition     string
	Metas         Metadata
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Assigned reports whether the task is currently held by a processor core.
func (t Task) Assigned() bool {
	return t.ProcessorID != "" || t.CoreID != ""
}

// Assign binds the task to one processor core. A task already assigned must
// be explicitly reset before re-assignment.
func (t *Task) Assign(processorID, coreID string, now time.Time) error {
	if t.Assigned() {
		return E("LOOM-1203", KindIllegalTransition,
			"task %s is already assigned to processor %s", t.ID, t.ProcessorID)
	}
	next, err := NextTaskState(t.State, TaskStateInProgress)
	if err != nil {
		return err
	}
	at := now.UTC()
	t.State = next
	t.ProcessorID = processorID
	t.CoreID = coreID
	t.AssignedAt = &at
	return nil
}

// Complete records the terminal outcome of an assigned task.
func (t *Task) Complete(outcome TaskState, resultRef string, now time.Time) error {
	if outcome != TaskStateOK && outcome != TaskStateError {
		return E("LOOM-1204", KindIllegalTransition, "outcome %q is not terminal", outcome)
	}
	next, err := NextTaskState(t.State, outcome)
	if err != nil {
		return err
	}
	at := now.UTC()
	t.State = next
	t.Completed = true
	t.CompletedAt = &at
	t.ResultRef = resultRef
	return nil
}

// ResetAssignment clears all assignment fields and returns the task to the
// unscheduled state. This is the only legal path back from a terminal or
// in-progress state and is used for re-queueing after processor timeout.
func (t *Task) ResetAssignment() {
	t.ProcessorID = ""
	t.CoreID = ""
	t.AssignedAt = nil
	t.Completed = false
	t.CompletedAt = nil
	t.ResultRef = ""
	t.State = TaskStateNone
}

// NewTask copies only the semantically relevant fields of a process
// declaration, with identity and version left at zero.
func NewTask(execContextID string, proc ProcessDef, taskContextID string) Task {
	return Task{
		ExecContextID: execContextID,
		ProcessCode:   proc.Code,
		FunctionCode:  proc.FunctionCode,
		TaskContextID: taskContextID,
		State:         TaskStateNone,
		Priority:      proc.Priority,
		Condition:     proc.Condition,
		Metas:         proc.Metas.Clone(),
	}
}
