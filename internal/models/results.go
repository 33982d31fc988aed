package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Entity is the open payload flowing between steps. Step collaborators own
// its keys; the orchestration layer only reads "id" and writes the
// *_source fallback tags.
type Entity map[string]any

// ID returns the entity's "id" field as a string.
func (e Entity) ID() string {
	if v, ok := e["id"]; ok {
		return fmt.Sprint(v)
	}
	return ""
}

// Clone returns a shallow copy of the entity's fields.
func (e Entity) Clone() Entity {
	out := make(Entity, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// CloneEntities copies every entity of the slice. It never returns nil.
func CloneEntities(entities []Entity) []Entity {
	out := make([]Entity, 0, len(entities))
	for _, e := range entities {
		out = append(out, e.Clone())
	}
	return out
}

// StepOutput is what a step action (or the fallback provider) produces.
type StepOutput struct {
	// Source is "fallback" for degraded output.
	Source   string   `json:"source,omitempty"`
	Entities []Entity `json:"entities"`
}

// StepResult pairs a step name with its output.
type StepResult struct {
	Step   string
	Output *StepOutput
}

// Results maps step names to outputs, keeping execution order.
// It encodes as a JSON object whose keys follow that order.
type Results []StepResult

// Get returns the output stored under step.
func (r Results) Get(step string) (*StepOutput, bool) {
	for _, res := range r {
		if res.Step == step {
			return res.Output, true
		}
	}
	return nil, false
}

// Put stores out under step, replacing an earlier value in place.
func (r *Results) Put(step string, out *StepOutput) {
	for i := range *r {
		if (*r)[i].Step == step {
			(*r)[i].Output = out
			return
		}
	}
	*r = append(*r, StepResult{Step: step, Output: out})
}

// InputEntities returns copies of the entities produced by the most recent
// step, or of seed when no step has produced output yet.
func (r Results) InputEntities(seed []Entity) []Entity {
	if len(r) == 0 {
		return CloneEntities(seed)
	}
	last := r[len(r)-1].Output
	if last == nil {
		return CloneEntities(nil)
	}
	return CloneEntities(last.Entities)
}

// MarshalJSON encodes the results as an ordered JSON object.
func (r Results) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, res := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(res.Step)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(res.Output)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s result: %w", res.Step, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an object written by MarshalJSON, keeping key order.
func (r *Results) UnmarshalJSON(data []byte) error {
	*r = nil
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("results: expected object, got %v", tok)
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		step, ok := tok.(string)
		if !ok {
			return fmt.Errorf("results: expected key, got %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("results: %s: %w", step, err)
		}
		var out *StepOutput
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("results: %s: %w", step, err)
		}
		*r = append(*r, StepResult{Step: step, Output: out})
	}

	_, err = dec.Token()
	return err
}
