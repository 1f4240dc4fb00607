package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// NodeOutput is the recorded result of one node's execution.
type NodeOutput struct {
	Status    NodeStatus `json:"status"`
	StartTime *time.Time `json:"startTime,omitempty"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Data      any        `json:"data,omitempty"`
	Error     string     `json:"error,omitempty"`
	Branch    string     `json:"branch,omitempty"`
	Attempts  int        `json:"attempts,omitempty"`
}

// Clone returns a deep copy of the output.
func (o NodeOutput) Clone() NodeOutput {
	cp := o
	cp.StartTime = cloneTime(o.StartTime)
	cp.EndTime = cloneTime(o.EndTime)
	cp.Data = CloneValue(o.Data)
	return cp
}

// Outputs is an insertion-ordered map of node ID to NodeOutput.
// The zero value is ready to use.
type Outputs struct {
	keys []string
	m    map[string]NodeOutput
}

// Set inserts or overwrites an entry. New keys are appended to the order.
func (o *Outputs) Set(nodeID string, out NodeOutput) {
	if o.m == nil {
		o.m = make(map[string]NodeOutput)
	}
	if _, ok := o.m[nodeID]; !ok {
		o.keys = append(o.keys, nodeID)
	}
	o.m[nodeID] = out
}

// Get returns the entry for a node.
func (o *Outputs) Get(nodeID string) (NodeOutput, bool) {
	out, ok := o.m[nodeID]
	return out, ok
}

// Keys returns node IDs in insertion order.
func (o *Outputs) Keys() []string {
	keys := make([]string, len(o.keys))
	copy(keys, o.keys)
	return keys
}

// Len returns the number of entries.
func (o *Outputs) Len() int {
	return len(o.keys)
}

// Clone returns a deep copy preserving order.
func (o *Outputs) Clone() Outputs {
	cp := Outputs{
		keys: make([]string, len(o.keys)),
		m:    make(map[string]NodeOutput, len(o.m)),
	}
	copy(cp.keys, o.keys)
	for k, v := range o.m {
		cp.m[k] = v.Clone()
	}
	return cp
}

// MarshalJSON encodes the outputs as a JSON object whose keys follow insertion order.
func (o Outputs) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(o.m[k])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object keeping the order keys appear in.
func (o *Outputs) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*o = Outputs{}
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("outputs: expected object, got %v", tok)
	}
	result := Outputs{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("outputs: expected string key, got %v", keyTok)
		}
		var out NodeOutput
		if err := dec.Decode(&out); err != nil {
			return fmt.Errorf("outputs: decode %q: %w", key, err)
		}
		result.Set(key, out)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*o = result
	return nil
}

// ExecutionState is the full observable snapshot of one workflow run.
type ExecutionState struct {
	WorkflowID    string          `json:"workflowId"`
	ExecutionID   string          `json:"executionId"`
	Status        ExecutionStatus `json:"status"`
	Mode          ExecutionMode   `json:"mode,omitempty"`
	CurrentNodeID string          `json:"currentNodeId,omitempty"`
	StartTime     *time.Time      `json:"startTime,omitempty"`
	EndTime       *time.Time      `json:"endTime,omitempty"`
	Outputs       Outputs         `json:"outputs"`
	Variables     map[string]any  `json:"variables"`
	Error         string          `json:"error,omitempty"`
	Stopped       bool            `json:"stopped,omitempty"`
}

// Clone returns a deep copy safe to hand to observers.
func (s *ExecutionState) Clone() ExecutionState {
	cp := *s
	cp.StartTime = cloneTime(s.StartTime)
	cp.EndTime = cloneTime(s.EndTime)
	cp.Outputs = s.Outputs.Clone()
	cp.Variables = make(map[string]any, len(s.Variables))
	for k, v := range s.Variables {
		cp.Variables[k] = CloneValue(v)
	}
	return cp
}

// OutputData returns the data of every recorded output, keyed by node ID.
func (s *ExecutionState) OutputData() map[string]any {
	data := make(map[string]any, s.Outputs.Len())
	for _, id := range s.Outputs.keys {
		data[id] = s.Outputs.m[id].Data
	}
	return data
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
