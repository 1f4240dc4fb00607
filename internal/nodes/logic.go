package nodes

import (
	"context"
	"time"

	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/internal/graph"
	"github.com/rendis/nodeflow/pkg/schema"
)

// Condition implements logic/condition. The predicate is either a resolved
// config.value (usually a {{ }} expression) or a CEL config.expression over
// json, vars and node. The node's input passes through as its data.
type Condition struct {
	cel *expressions.CELEngine
}

// NewCondition creates the logic/condition handler.
func NewCondition(cel *expressions.CELEngine) *Condition {
	return &Condition{cel: cel}
}

func (h *Condition) ValidateConfig(config map[string]any) error {
	if _, ok := config["value"]; ok {
		return nil
	}
	if _, err := requireString(config, "expression"); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "condition: config needs 'value' or 'expression'")
	}
	return nil
}

func (h *Condition) Run(ctx context.Context, in Input) (*Result, error) {
	if err := h.ValidateConfig(in.Config); err != nil {
		return nil, err
	}

	var ok bool
	if v, has := in.Config["value"]; has {
		ok = truthy(v)
	} else {
		var err error
		ok, err = h.cel.EvaluateBool(ctx, in.Config["expression"].(string),
			expressions.ScriptEnv(in.Data, in.Variables, in.Outputs))
		if err != nil {
			return nil, err
		}
	}

	branch := schema.HandleFalse
	if ok {
		branch = schema.HandleTrue
	}
	return &Result{Data: in.Data, Branch: branch}, nil
}

// Switch implements logic/switch. The selector (config.value, or CEL
// config.expression) is compared against config.cases in order; a case is
// either a plain value or {"value": ...}. The first match selects case-<i>,
// otherwise default.
type Switch struct {
	cel *expressions.CELEngine
}

// NewSwitch creates the logic/switch handler.
func NewSwitch(cel *expressions.CELEngine) *Switch {
	return &Switch{cel: cel}
}

func (h *Switch) ValidateConfig(config map[string]any) error {
	if _, ok := config["cases"].([]any); !ok {
		return schema.NewError(schema.ErrCodeValidation, "switch: config 'cases' must be an array")
	}
	if _, ok := config["value"]; ok {
		return nil
	}
	if _, err := requireString(config, "expression"); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "switch: config needs 'value' or 'expression'")
	}
	return nil
}

func (h *Switch) Run(ctx context.Context, in Input) (*Result, error) {
	if err := h.ValidateConfig(in.Config); err != nil {
		return nil, err
	}

	selector, has := in.Config["value"]
	if !has {
		var err error
		selector, err = h.cel.Evaluate(ctx, in.Config["expression"].(string),
			expressions.ScriptEnv(in.Data, in.Variables, in.Outputs))
		if err != nil {
			return nil, err
		}
	}

	for i, c := range in.Config["cases"].([]any) {
		if m, ok := c.(map[string]any); ok {
			if v, ok := m["value"]; ok {
				c = v
			}
		}
		if looseEqual(selector, c) {
			return &Result{Data: in.Data, Branch: graph.CaseHandle(i)}, nil
		}
	}
	return &Result{Data: in.Data, Branch: schema.HandleDefault}, nil
}

// Delay implements logic/delay: waits config.ms milliseconds, then passes its
// input through. Cancellation ends the wait early with ctx's error.
type Delay struct{}

func (Delay) ValidateConfig(config map[string]any) error {
	if intParam(config, "ms", 0) < 0 {
		return schema.NewError(schema.ErrCodeValidation, "delay: 'ms' must be non-negative")
	}
	return nil
}

func (d Delay) Run(ctx context.Context, in Input) (*Result, error) {
	if err := d.ValidateConfig(in.Config); err != nil {
		return nil, err
	}
	timer := time.NewTimer(time.Duration(intParam(in.Config, "ms", 0)) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return &Result{Data: in.Data}, nil
	}
}

// Merge modes.
const (
	MergeAppend = "append"
	MergeKeyed  = "keyed"
	MergeFirst  = "first"
)

// Merge implements logic/merge, combining the data of its live predecessors.
//   - append (default): array concatenation; non-array inputs become elements.
//   - keyed: object keyed by predecessor ID.
//   - first: data of the first predecessor (edge order) with non-null data.
type Merge struct{}

func (Merge) ValidateConfig(config map[string]any) error {
	switch stringParam(config, "mode", MergeAppend) {
	case MergeAppend, MergeKeyed, MergeFirst:
		return nil
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "merge: unknown mode %q", config["mode"])
	}
}

func (m Merge) Run(_ context.Context, in Input) (*Result, error) {
	if err := m.ValidateConfig(in.Config); err != nil {
		return nil, err
	}

	switch stringParam(in.Config, "mode", MergeAppend) {
	case MergeKeyed:
		out := make(map[string]any, len(in.Sources))
		for _, id := range in.Sources {
			out[id] = in.Inputs[id]
		}
		return &Result{Data: out}, nil

	case MergeFirst:
		for _, id := range in.Sources {
			if d := in.Inputs[id]; d != nil {
				return &Result{Data: d}, nil
			}
		}
		return &Result{Data: nil}, nil

	default:
		out := make([]any, 0, len(in.Sources))
		for _, id := range in.Sources {
			switch d := in.Inputs[id].(type) {
			case nil:
			case []any:
				out = append(out, d...)
			default:
				out = append(out, d)
			}
		}
		return &Result{Data: out}, nil
	}
}
