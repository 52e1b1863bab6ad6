package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/loom-labs/loom-go/internal/domain"
)

// JSON column documents carry a schema version so readers can tolerate old
// rows; unknown fields are ignored on decode.
const documentSchema = 1

type variableDoc struct {
	Name     string `json:"name"`
	Required bool   `json:"required,omitempty"`
}

type processDoc struct {
	Code         string          `json:"code"`
	FunctionCode string          `json:"function_code"`
	Group        string          `json:"group,omitempty"`
	Order        int             `json:"order"`
	Inputs       []variableDoc   `json:"inputs,omitempty"`
	Outputs      []variableDoc   `json:"outputs,omitempty"`
	CachePolicy  string          `json:"cache_policy,omitempty"`
	Condition    string          `json:"condition,omitempty"`
	Priority     int             `json:"priority,omitempty"`
	Tag          string          `json:"tag,omitempty"`
	TimeoutSec   int             `json:"timeout_sec,omitempty"`
	Metas        domain.Metadata `json:"metas,omitempty"`
}

type processesDoc struct {
	Schema    int          `json:"schema"`
	Processes []processDoc `json:"processes"`
}

func encodeProcesses(procs []domain.ProcessDef) ([]byte, error) {
	doc := processesDoc{Schema: documentSchema, Processes: make([]processDoc, 0, len(procs))}
	for _, proc := range procs {
		doc.Processes = append(doc.Processes, processDoc{
			Code:         proc.Code,
			FunctionCode: proc.FunctionCode,
			Group:        proc.Group,
			Order:        proc.Order,
			Inputs:       encodeVariables(proc.Inputs),
			Outputs:      encodeVariables(proc.Outputs),
			CachePolicy:  proc.CachePolicy,
			Condition:    proc.Condition,
			Priority:     proc.Priority,
			Tag:          proc.Tag,
			TimeoutSec:   proc.TimeoutSec,
			Metas:        proc.Metas,
		})
	}
	return json.Marshal(doc)
}

func decodeProcesses(raw []byte) ([]domain.ProcessDef, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var doc processesDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode processes document: %w", err)
	}
	out := make([]domain.ProcessDef, 0, len(doc.Processes))
	for _, proc := range doc.Processes {
		out = append(out, domain.ProcessDef{
			Code:         proc.Code,
			FunctionCode: proc.FunctionCode,
			Group:        proc.Group,
			Order:        proc.Order,
			Inputs:       decodeVariables(proc.Inputs),
			Outputs:      decodeVariables(proc.Outputs),
			CachePolicy:  proc.CachePolicy,
			Condition:    proc.Condition,
			Priority:     proc.Priority,
			Tag:          proc.Tag,
			TimeoutSec:   proc.TimeoutSec,
			Metas:        proc.Metas,
		})
	}
	return out, nil
}

func encodeVariables(vars []domain.VariableDecl) []variableDoc {
	if len(vars) == 0 {
		return nil
	}
	out := make([]variableDoc, 0, len(vars))
	for _, v := range vars {
		out = append(out, variableDoc{Name: v.Name, Required: v.Required})
	}
	return out
}

func decodeVariables(docs []variableDoc) []domain.VariableDecl {
	if len(docs) == 0 {
		return nil
	}
	out := make([]domain.VariableDecl, 0, len(docs))
	for _, v := range docs {
		out = append(out, domain.VariableDecl{Name: v.Name, Required: v.Required})
	}
	return out
}

type coreDoc struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id,omitempty"`
}

type diskDoc struct {
	Path      string `json:"path"`
	TotalByte int64  `json:"total_byte"`
	FreeByte  int64  `json:"free_byte"`
}

type processorStateDoc struct {
	Schema    int               `json:"schema"`
	Disks     []diskDoc         `json:"disks,omitempty"`
	QuotaByte int64             `json:"quota_byte,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	Downloads map[string]string `json:"downloads,omitempty"`
	Cores     []coreDoc         `json:"cores"`
}

func encodeProcessorState(p domain.Processor) ([]byte, error) {
	doc := processorStateDoc{
		Schema:    documentSchema,
		QuotaByte: p.Environment.QuotaByte,
		Tags:      p.Environment.Tags,
		Cores:     make([]coreDoc, 0, len(p.Cores)),
	}
	for _, disk := range p.Environment.Disks {
		doc.Disks = append(doc.Disks, diskDoc{Path: disk.Path, TotalByte: disk.TotalByte, FreeByte: disk.FreeByte})
	}
	if len(p.Downloads) > 0 {
		doc.Downloads = make(map[string]string, len(p.Downloads))
		for code, state := range p.Downloads {
			doc.Downloads[code] = string(state)
		}
	}
	for _, core := range p.Cores {
		doc.Cores = append(doc.Cores, coreDoc{ID: core.ID, TaskID: core.TaskID})
	}
	return json.Marshal(doc)
}

func decodeProcessorState(raw []byte, p *domain.Processor) error {
	if len(raw) == 0 {
		return nil
	}
	var doc processorStateDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode processor state document: %w", err)
	}
	p.Environment = domain.ProcessorEnvironment{QuotaByte: doc.QuotaByte, Tags: doc.Tags}
	for _, disk := range doc.Disks {
		p.Environment.Disks = append(p.Environment.Disks, domain.DiskInfo{
			Path: disk.Path, TotalByte: disk.TotalByte, FreeByte: disk.FreeByte,
		})
	}
	p.Downloads = make(map[string]domain.FunctionDownloadState, len(doc.Downloads))
	for code, state := range doc.Downloads {
		p.Downloads[code] = domain.FunctionDownloadState(state)
	}
	p.Cores = make([]domain.Core, 0, len(doc.Cores))
	for _, core := range doc.Cores {
		p.Cores = append(p.Cores, domain.Core{ID: core.ID, TaskID: core.TaskID})
	}
	return nil
}

type checksumsDoc struct {
	Schema  int               `json:"schema"`
	Entries map[string]string `json:"entries,omitempty"`
}

func encodeChecksums(entries map[string]string) ([]byte, error) {
	return json.Marshal(checksumsDoc{Schema: documentSchema, Entries: entries})
}

func decodeChecksums(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var doc checksumsDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode checksums document: %w", err)
	}
	return doc.Entries, nil
}
