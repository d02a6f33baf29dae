package domain

import "encoding/json"

// MarshalJSON encodes Plan to the docs/ORCH_PLAN.json wire shape.
func (p Plan) MarshalJSON() ([]byte, error) {
	entries := make([]planEntryJSON, 0, len(p.ImplementationOrder))
	for _, e := range p.ImplementationOrder {
		deps := make([]int64, 0, len(e.Dependencies))
		for d := range e.Dependencies {
			deps = append(deps, d)
		}
		entries = append(entries, planEntryJSON{
			IssueID:      e.IssueID,
			Priority:     e.Priority,
			Dependencies: deps,
		})
	}

	wire := struct {
		ImplementationOrder []planEntryJSON        `json:"implementationOrder"`
		TechStack           TechStack              `json:"techStack"`
		Architecture        map[string]interface{} `json:"architecture,omitempty"`
	}{
		ImplementationOrder: entries,
		TechStack:           p.TechStack,
		Architecture:        p.Architecture,
	}
	return json.Marshal(wire)
}

// UnmarshalJSON decodes Plan from the docs/ORCH_PLAN.json wire shape.
func (p *Plan) UnmarshalJSON(data []byte) error {
	var wire struct {
		ImplementationOrder []planEntryJSON        `json:"implementationOrder"`
		TechStack           TechStack              `json:"techStack"`
		Architecture        map[string]interface{} `json:"architecture,omitempty"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	entries := make([]PlanEntry, 0, len(wire.ImplementationOrder))
	for _, e := range wire.ImplementationOrder {
		deps := make(map[int64]struct{}, len(e.Dependencies))
		for _, d := range e.Dependencies {
			deps[d] = struct{}{}
		}
		entries = append(entries, PlanEntry{
			IssueID:      e.IssueID,
			Priority:     e.Priority,
			Dependencies: deps,
		})
	}

	p.ImplementationOrder = entries
	p.TechStack = wire.TechStack
	p.Architecture = wire.Architecture
	return nil
}
