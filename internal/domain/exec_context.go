package domain

import "time"

// ExecState is the execution state of one running SourceCode instantiation.
type ExecState string

const (
	ExecStateNone      ExecState = "none"
	ExecStateProducing ExecState = "producing"
	ExecStateProduced  ExecState = "produced"
	ExecStateStarted   ExecState = "started"
	ExecStateStopped   ExecState = "stopped"
	ExecStateFinished  ExecState = "finished"
	ExecStateError     ExecState = "error"
)

// Terminal reports whether the state is immutable thereafter.
func (s ExecState) Terminal() bool {
	return s == ExecStateFinished || s == ExecStateError
}

// NextExecState validates a requested transition. Transitions are monotonic:
// an ExecContext cannot be marked producing twice nor move backward. Error is
// reachable from any non-terminal state; requesting the current state again
// is a no-op.
func NextExecState(current, requested ExecState) (ExecState, error) {
	if current == "" {
		current = ExecStateNone
	}
	if requested == "" {
		return "", E("LOOM-1101", KindIllegalTransition, "requested exec state is empty")
	}
	if current == requested {
		return current, nil
	}
	if current.Terminal() {
		return "", E("LOOM-1102", KindIllegalTransition,
			"exec context in terminal state %q cannot transition to %q", current, requested)
	}
	if requested == ExecStateError {
		return ExecStateError, nil
	}

	allowed := map[ExecState][]ExecState{
		ExecStateNone:      {ExecStateProducing},
		ExecStateProducing: {ExecStateProduced},
		ExecStateProduced:  {ExecStateStarted},
		ExecStateStarted:   {ExecStateStopped, ExecStateFinished},
		ExecStateStopped:   {},
	}
	for _, next := range allowed[current] {
		if next == requested {
			return requested, nil
		}
	}
	return "", E("LOOM-1103", KindIllegalTransition,
		"exec context state %q cannot transition to %q", current, requested)
}

// ExecContext is one running instantiation of a SourceCode.
type ExecContext struct {
	ID            string
	SourceCodeID  string
	State         ExecState
	InputBindings Metadata
	Invalid       bool
	InvalidReason string
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewExecContext starts a fresh instantiation with zero identity and version.
func NewExecContext(sourceCodeID string, inputs Metadata) ExecContext {
	return ExecContext{
		SourceCodeID:  sourceCodeID,
		State:         ExecStateNone,
		InputBindings: inputs.Clone(),
	}
}
