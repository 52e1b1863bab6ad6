package domain

import "time"

// BatchState follows a strict forward order. Error is reachable from any
// state and Archived only from Finished or Error.
type BatchState string

const (
	BatchStateUnknown    BatchState = "unknown"
	BatchStateStored     BatchState = "stored"
	BatchStatePreparing  BatchState = "preparing"
	BatchStateProcessing BatchState = "processing"
	BatchStateFinished   BatchState = "finished"
	BatchStateError      BatchState = "error"
	BatchStateArchived   BatchState = "archived"
)

// NextBatchState validates a requested transition. Requesting the current
// state again is a no-op returning the same state. The caller applies side
// effects only after validation succeeds.
func NextBatchState(current, requested BatchState) (BatchState, error) {
	if current == "" {
		current = BatchStateUnknown
	}
	if requested == "" {
		return "", E("LOOM-1001", KindIllegalTransition, "requested batch state is empty")
	}
	if current == requested {
		return current, nil
	}

	switch requested {
	case BatchStateError:
		if current == BatchStateArchived {
			return "", E("LOOM-1002", KindIllegalTransition,
				"batch cannot leave archived state for %q", requested)
		}
		return BatchStateError, nil
	case BatchStateArchived:
		if current == BatchStateFinished || current == BatchStateError {
			return BatchStateArchived, nil
		}
		return "", E("LOOM-1003", KindIllegalTransition,
			"batch can only be archived from finished or error, not %q", current)
	}

	if batchSuccessor(current) != requested {
		return "", E("LOOM-1004", KindIllegalTransition,
			"batch state %q cannot transition to %q", current, requested)
	}
	return requested, nil
}

func batchSuccessor(state BatchState) BatchState {
	switch state {
	case BatchStateUnknown:
		return BatchStateStored
	case BatchStateStored:
		return BatchStatePreparing
	case BatchStatePreparing:
		return BatchStateProcessing
	case BatchStateProcessing:
		return BatchStateFinished
	default:
		return ""
	}
}

// Batch groups one upload through to its result.
type Batch struct {
	ID            string
	SourceCodeID  string
	ExecContextID string
	AccountID     string
	CompanyID     string
	State         BatchState
	Deleted       bool
	DeletedAt     *time.Time
	UploadRef     string
	StatusParams  Metadata
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewBatch copies only the semantically relevant fields of a template and
// starts identity and version at their zero values.
func NewBatch(sourceCodeID, accountID, companyID, uploadRef string) Batch {
	return Batch{
		SourceCodeID: sourceCodeID,
		AccountID:    accountID,
		CompanyID:    companyID,
		UploadRef:    uploadRef,
		State:        BatchStateUnknown,
		StatusParams: Metadata{},
	}
}
