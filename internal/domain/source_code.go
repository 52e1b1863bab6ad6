package domain

import (
	"strings"
	"time"
)

const maxSourceCodeUIDLength = 64

// VariableDecl declares one named input or output variable of a process.
type VariableDecl struct {
	Name     string
	Required bool
}

// ProcessDef is one declared process of a SourceCode's graph.
type ProcessDef struct {
	Code         string
	FunctionCode string
	Group        string
	Order        int
	Inputs       []VariableDecl
	Outputs      []VariableDecl
	CachePolicy  string
	Condition    string
	Priority     int
	Tag          string
	TimeoutSec   int
	Metas        Metadata
}

// SourceCode is an immutable-once-published pipeline template. New versions
// are new rows; a referenced template is archived, never deleted.
type SourceCode struct {
	ID          string
	UID         string
	Revision    int
	CompanyID   string
	Valid       bool
	Archived    bool
	Processes   []ProcessDef
	RowVersion  int64
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// Validate checks the structural invariants of a template. Function
// resolvability is checked by the registration service, which owns the
// function repository.
func (sc SourceCode) Validate() error {
	uid := strings.TrimSpace(sc.UID)
	if uid == "" {
		return E("LOOM-3101", KindIntegrityViolation, "source code uid is required")
	}
	if len(uid) > maxSourceCodeUIDLength {
		return E("LOOM-3102", KindIntegrityViolation,
			"source code uid exceeds %d characters", maxSourceCodeUIDLength)
	}
	if len(sc.Processes) == 0 {
		return E("LOOM-3103", KindIntegrityViolation, "source code declares no processes")
	}

	seen := make(map[string]struct{}, len(sc.Processes))
	for _, proc := range sc.Processes {
		code := strings.TrimSpace(proc.Code)
		if code == "" {
			return E("LOOM-3104", KindIntegrityViolation, "process code is required")
		}
		if _, dup := seen[code]; dup {
			return E("LOOM-3105", KindIntegrityViolation, "duplicate process code %q", code)
		}
		seen[code] = struct{}{}
		if strings.TrimSpace(proc.FunctionCode) == "" {
			return E("LOOM-3106", KindIntegrityViolation,
				"process %q references no function", code)
		}
	}
	return nil
}

// OrderedProcesses returns the processes in declaration order (Order
// ascending, declaration index as tiebreak).
func (sc SourceCode) OrderedProcesses() []ProcessDef {
	out := make([]ProcessDef, len(sc.Processes))
	copy(out, sc.Processes)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Order < out[j-1].Order; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
