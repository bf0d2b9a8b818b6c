package pipeline

import (
	"fmt"
	"strings"
)

// Descriptor describes one stage in the fixed pipeline sequence.
// Descriptors are immutable after registry construction.
type Descriptor struct {
	// ID is the stable short key, e.g. "mixpanel".
	ID string
	// Ordinal is the 0-based position in the sequence.
	Ordinal int
	// DisplayName is the human-readable stage name.
	DisplayName string
	// Description explains what the stage does.
	Description string
	// Stage is the executable unit.
	Stage Stage
}

// Registry is the ordered, read-only list of stage descriptors. Adding or
// removing a stage is a deployment-time change, not a run-time operation.
type Registry struct {
	stages []Descriptor
	byID   map[string]int
}

// NewRegistry builds a registry from the given descriptors in order,
// assigning ordinals. It fails on blank or duplicate ids and on nil
// stages; these are programmer errors and fatal at startup.
func NewRegistry(stages ...Descriptor) (*Registry, error) {
	r := &Registry{byID: make(map[string]int, len(stages))}
	for i, d := range stages {
		if strings.TrimSpace(d.ID) == "" {
			return nil, fmt.Errorf("stage at position %d has a blank id", i)
		}
		if _, dup := r.byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate stage id: %s", d.ID)
		}
		if d.Stage == nil {
			return nil, fmt.Errorf("stage %s has no executable", d.ID)
		}
		d.Ordinal = i
		r.byID[d.ID] = i
		r.stages = append(r.stages, d)
	}
	if len(r.stages) == 0 {
		return nil, fmt.Errorf("registry must contain at least one stage")
	}
	return r, nil
}

// Len returns the number of stages.
func (r *Registry) Len() int { return len(r.stages) }

// ByOrdinal returns the descriptor at the given position.
func (r *Registry) ByOrdinal(ordinal int) (Descriptor, bool) {
	if ordinal < 0 || ordinal >= len(r.stages) {
		return Descriptor{}, false
	}
	return r.stages[ordinal], true
}

// ByID returns the descriptor with the given id.
func (r *Registry) ByID(id string) (Descriptor, bool) {
	i, ok := r.byID[id]
	if !ok {
		return Descriptor{}, false
	}
	return r.stages[i], true
}

// IDs returns the stage ids in execution order.
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.stages))
	for i, d := range r.stages {
		ids[i] = d.ID
	}
	return ids
}

// Descriptors returns a copy of the ordered descriptor list.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, len(r.stages))
	copy(out, r.stages)
	return out
}
