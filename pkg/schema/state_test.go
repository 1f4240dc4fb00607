package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputs_PreservesInsertionOrder(t *testing.T) {
	var outs Outputs
	outs.Set("z", NodeOutput{Status: NodeStatusRunning})
	outs.Set("a", NodeOutput{Status: NodeStatusRunning})
	outs.Set("m", NodeOutput{Status: NodeStatusSkipped})
	// Overwrite keeps original position.
	outs.Set("z", NodeOutput{Status: NodeStatusCompleted})

	assert.Equal(t, []string{"z", "a", "m"}, outs.Keys())
	z, ok := outs.Get("z")
	require.True(t, ok)
	assert.Equal(t, NodeStatusCompleted, z.Status)
	assert.Equal(t, 3, outs.Len())
}

func TestOutputs_CloneIsDeep(t *testing.T) {
	var outs Outputs
	outs.Set("a", NodeOutput{Status: NodeStatusCompleted, Data: map[string]any{"n": 1.0}})

	cp := outs.Clone()
	orig, _ := outs.Get("a")
	orig.Data.(map[string]any)["n"] = 99.0

	got, _ := cp.Get("a")
	assert.Equal(t, 1.0, got.Data.(map[string]any)["n"])
}

func TestExecutionState_RoundTrip(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 123000000, time.UTC)
	end := start.Add(1500 * time.Millisecond)

	state := ExecutionState{
		WorkflowID:  "wf-1",
		ExecutionID: "ex-1",
		Status:      ExecutionCompleted,
		Mode:        ModeFull,
		StartTime:   &start,
		EndTime:     &end,
		Variables:   map[string]any{"city": "Lisbon", "temp": 21.5},
	}
	// Deliberately non-alphabetical order.
	for _, id := range []string{"trigger", "http", "cond", "email", "alt"} {
		s := start
		state.Outputs.Set(id, NodeOutput{
			Status:    NodeStatusCompleted,
			StartTime: &s,
			EndTime:   &end,
			Data:      map[string]any{"id": id, "items": []any{1.0, "two"}},
			Attempts:  1,
		})
	}
	state.Outputs.Set("alt", NodeOutput{Status: NodeStatusSkipped})

	raw, err := json.Marshal(state)
	require.NoError(t, err)

	var decoded ExecutionState
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, state.Outputs.Keys(), decoded.Outputs.Keys())
	assert.Equal(t, state.WorkflowID, decoded.WorkflowID)
	assert.Equal(t, state.ExecutionID, decoded.ExecutionID)
	assert.Equal(t, state.Status, decoded.Status)
	assert.Equal(t, state.Mode, decoded.Mode)
	assert.True(t, state.StartTime.Equal(*decoded.StartTime))
	assert.True(t, state.EndTime.Equal(*decoded.EndTime))
	assert.Equal(t, state.Variables, decoded.Variables)
	for _, id := range state.Outputs.Keys() {
		want, _ := state.Outputs.Get(id)
		got, _ := decoded.Outputs.Get(id)
		assert.Equal(t, want.Status, got.Status, id)
		assert.Equal(t, want.Data, got.Data, id)
		assert.Equal(t, want.Attempts, got.Attempts, id)
	}
}

func TestOutputs_UnmarshalRejectsNonObject(t *testing.T) {
	var outs Outputs
	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &outs))
}

func TestNodeflowError_Helpers(t *testing.T) {
	cause := errors.New("boom")
	err := NewErrorf(ErrCodeNodeExecution, "handler failed: %s", "x").WithNode("b").WithCause(cause)

	assert.Equal(t, "[NODE_EXECUTION_ERROR] node b: handler failed: x", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.True(t, err.IsRetryable())
	assert.False(t, NewError(ErrCodeExpression, "bad").IsRetryable())

	wrapped := fmt.Errorf("outer: %w", err)
	assert.True(t, IsCode(wrapped, ErrCodeNodeExecution))
	assert.False(t, IsCode(cause, ErrCodeNodeExecution))
}

func TestNode_IsBranching(t *testing.T) {
	assert.True(t, (&Node{Type: NodeTypeLogic, SubType: SubTypeCondition}).IsBranching())
	assert.True(t, (&Node{Type: NodeTypeLogic, SubType: SubTypeSwitch}).IsBranching())
	assert.False(t, (&Node{Type: NodeTypeLogic, SubType: SubTypeMerge}).IsBranching())
	assert.Equal(t, HandleOutput, Edge{}.Handle())
}
