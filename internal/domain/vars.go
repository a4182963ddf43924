package domain

import "strings"

// Internal context keys are prefixed with an underscore and never projected
// into node inputs by the start node.
const (
	InternalPrefix = "_"
	VarExecutionID = "_executionId"
	VarWorkflowID  = "_workflowId"
	VarLastOutput  = "_lastOutput"
	VarMemory      = "memory"
	VarApproved    = "approved"
	VarReviewNotes = "reviewNotes"
	VarReviewedAt  = "reviewedAt"
	VarReviewedBy  = "reviewedBy"
	OutputKey      = "output"
)

func IsInternalKey(key string) bool {
	return strings.HasPrefix(key, InternalPrefix)
}

type tombstone struct{}

// Vars is an immutable view of an execution context: a base map plus an
// overlay of writes made since it was loaded. Every write returns a new value,
// so two callers never share a mutable map.
type Vars struct {
	base    map[string]interface{}
	overlay map[string]interface{}
}

func NewVars(base map[string]interface{}) Vars {
	return Vars{base: base}
}

func (v Vars) Get(key string) (interface{}, bool) {
	if value, ok := v.overlay[key]; ok {
		if _, deleted := value.(tombstone); deleted {
			return nil, false
		}
		return value, true
	}
	value, ok := v.base[key]
	return value, ok
}

func (v Vars) With(key string, value interface{}) Vars {
	overlay := make(map[string]interface{}, len(v.overlay)+1)
	for k, val := range v.overlay {
		overlay[k] = val
	}
	overlay[key] = value
	return Vars{base: v.base, overlay: overlay}
}

func (v Vars) WithAll(values map[string]interface{}) Vars {
	if len(values) == 0 {
		return v
	}
	overlay := make(map[string]interface{}, len(v.overlay)+len(values))
	for k, val := range v.overlay {
		overlay[k] = val
	}
	for k, val := range values {
		overlay[k] = val
	}
	return Vars{base: v.base, overlay: overlay}
}

func (v Vars) Without(keys ...string) Vars {
	if len(keys) == 0 {
		return v
	}
	overlay := make(map[string]interface{}, len(v.overlay)+len(keys))
	for k, val := range v.overlay {
		overlay[k] = val
	}
	for _, key := range keys {
		overlay[key] = tombstone{}
	}
	return Vars{base: v.base, overlay: overlay}
}

// Map flattens the view into a fresh map that the caller owns.
func (v Vars) Map() map[string]interface{} {
	out := make(map[string]interface{}, len(v.base)+len(v.overlay))
	for k, val := range v.base {
		out[k] = val
	}
	for k, val := range v.overlay {
		if _, deleted := val.(tombstone); deleted {
			delete(out, k)
			continue
		}
		out[k] = val
	}
	return out
}

// NodeOutput returns the output a previous node stored under its id.
func (v Vars) NodeOutput(nodeID string) (interface{}, bool) {
	entry, ok := v.Get(nodeID)
	if !ok {
		return nil, false
	}
	m, ok := entry.(map[string]interface{})
	if !ok {
		return nil, false
	}
	out, ok := m[OutputKey]
	return out, ok
}

// WithNodeOutput records output under the node's id so later templates can
// reference {{nodeId.output...}}.
func (v Vars) WithNodeOutput(nodeID string, output interface{}) Vars {
	return v.WithAll(map[string]interface{}{
		nodeID:        map[string]interface{}{OutputKey: output},
		VarLastOutput: output,
	})
}
