package domain

import (
	"strconv"
	"time"
)

// FunctionDownloadState tracks a processor's local copy of a function binary.
type FunctionDownloadState string

const (
	DownloadPending FunctionDownloadState = "pending"
	DownloadDone    FunctionDownloadState = "done"
	DownloadFailed  FunctionDownloadState = "failed"
)

// Core is one execution slot of a processor, assignable to at most one
// in-progress task.
type Core struct {
	ID     string
	TaskID string
}

func (c Core) Busy() bool { return c.TaskID != "" }

// DiskInfo describes one disk of a processor's environment.
type DiskInfo struct {
	Path      string
	TotalByte int64
	FreeByte  int64
}

// ProcessorEnvironment is the self-reported environment descriptor.
type ProcessorEnvironment struct {
	Disks     []DiskInfo
	QuotaByte int64
	Tags      []string
}

// Processor is a registered remote worker agent. At most one live session id
// is authoritative per processor id at a time.
type Processor struct {
	ID               string
	SessionID        string
	SessionCreatedOn time.Time
	UpdatedAt        time.Time
	Environment      ProcessorEnvironment
	Downloads        map[string]FunctionDownloadState
	Cores            []Core
	Version          int64
	CreatedAt        time.Time
}

// FreeCore returns the first idle core id, or "" when all cores are busy.
func (p Processor) FreeCore() string {
	for _, core := range p.Cores {
		if !core.Busy() {
			return core.ID
		}
	}
	return ""
}

// BindCore attaches a task to the given core.
func (p *Processor) BindCore(coreID, taskID string) error {
	for i := range p.Cores {
		if p.Cores[i].ID != coreID {
			continue
		}
		if p.Cores[i].Busy() {
			return E("LOOM-1301", KindIllegalTransition,
				"core %s of processor %s is already busy", coreID, p.ID)
		}
		p.Cores[i].TaskID = taskID
		return nil
	}
	return E("LOOM-1302", KindNotFound, "processor %s has no core %s", p.ID, coreID)
}

// ReleaseCore detaches whatever task the core holds. Releasing an unknown
// core is a no-op so reconciliation can run against stale reports.
func (p *Processor) ReleaseCore(coreID string) {
	for i := range p.Cores {
		if p.Cores[i].ID == coreID {
			p.Cores[i].TaskID = ""
			return
		}
	}
}

// NewProcessor registers a fresh worker agent with zero identity and version;
// the session is issued by the session protocol, never here.
func NewProcessor(env ProcessorEnvironment, coreCount int) Processor {
	if coreCount < 1 {
		coreCount = 1
	}
	cores := make([]Core, coreCount)
	for i := range cores {
		cores[i] = Core{ID: coreSlotID(i)}
	}
	return Processor{
		Environment: env,
		Downloads:   map[string]FunctionDownloadState{},
		Cores:       cores,
	}
}

func coreSlotID(i int) string {
	// Slot ids are stable positional names, not UUIDs: the agent reports
	// per-slot status by the same names.
	return "core-" + strconv.Itoa(i)
}
