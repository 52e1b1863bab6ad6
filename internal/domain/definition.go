package domain

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// SourceCodeDefinition is the uploaded YAML form of a pipeline template.
type SourceCodeDefinition struct {
	UID       string              `yaml:"uid"`
	Revision  int                 `yaml:"revision"`
	CompanyID string              `yaml:"company_id"`
	Processes []ProcessDefinition `yaml:"processes"`
}

type ProcessDefinition struct {
	Code        string         `yaml:"code"`
	Function    string         `yaml:"function"`
	Group       string         `yaml:"group,omitempty"`
	Inputs      []VariableDef  `yaml:"inputs,omitempty"`
	Outputs     []VariableDef  `yaml:"outputs,omitempty"`
	CachePolicy string         `yaml:"cache_policy,omitempty"`
	Condition   string         `yaml:"condition,omitempty"`
	Priority    int            `yaml:"priority,omitempty"`
	Tag         string         `yaml:"tag,omitempty"`
	TimeoutSec  int            `yaml:"timeout_sec,omitempty"`
	Metas       map[string]any `yaml:"metas,omitempty"`
}

type VariableDef struct {
	Name     string `yaml:"name"`
	Required bool   `yaml:"required,omitempty"`
}

// ParseSourceCodeDefinition decodes an uploaded template. Unknown fields are
// tolerated so definitions can evolve additively.
func ParseSourceCodeDefinition(raw []byte) (SourceCodeDefinition, error) {
	var def SourceCodeDefinition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return SourceCodeDefinition{}, fmt.Errorf("parse source code definition: %w", err)
	}
	return def, nil
}

// ToSourceCode materializes the declarative definition as a domain template.
func (def SourceCodeDefinition) ToSourceCode() SourceCode {
	processes := make([]ProcessDef, 0, len(def.Processes))
	for i, p := range def.Processes {
		inputs := make([]VariableDecl, 0, len(p.Inputs))
		for _, v := range p.Inputs {
			inputs = append(inputs, VariableDecl{Name: v.Name, Required: v.Required})
		}
		outputs := make([]VariableDecl, 0, len(p.Outputs))
		for _, v := range p.Outputs {
			outputs = append(outputs, VariableDecl{Name: v.Name, Required: v.Required})
		}
		processes = append(processes, ProcessDef{
			Code:         p.Code,
			FunctionCode: p.Function,
			Group:        p.Group,
			Order:        i,
			Inputs:       inputs,
			Outputs:      outputs,
			CachePolicy:  p.CachePolicy,
			Condition:    p.Condition,
			Priority:     p.Priority,
			Tag:          p.Tag,
			TimeoutSec:   p.TimeoutSec,
			Metas:        Metadata(p.Metas).Clone(),
		})
	}
	return SourceCode{
		UID:       def.UID,
		Revision:  def.Revision,
		CompanyID: def.CompanyID,
		Processes: processes,
	}
}
