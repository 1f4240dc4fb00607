package nodes

import (
	"context"

	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/pkg/schema"
)

// SetValues implements action/set: emits the resolved config.values object,
// optionally layered over the input when config.keepInput is true.
type SetValues struct{}

func (SetValues) ValidateConfig(config map[string]any) error {
	if _, ok := mapParam(config, "values"); !ok {
		return schema.NewError(schema.ErrCodeValidation, "set: config 'values' must be an object")
	}
	return nil
}

func (s SetValues) Run(_ context.Context, in Input) (*Result, error) {
	if err := s.ValidateConfig(in.Config); err != nil {
		return nil, err
	}
	values, _ := mapParam(in.Config, "values")

	out := make(map[string]any, len(values))
	if boolParam(in.Config, "keepInput", false) {
		if base, ok := in.Data.(map[string]any); ok {
			for k, v := range base {
				out[k] = schema.CloneValue(v)
			}
		}
	}
	for k, v := range values {
		out[k] = v
	}
	return &Result{Data: out}, nil
}

// Code implements transform/code: runs an expr-lang program (config.code)
// with json, vars and node in scope and emits its result.
type Code struct {
	engine *expressions.ExprEngine
}

// NewCode creates the transform/code handler.
func NewCode(engine *expressions.ExprEngine) *Code {
	return &Code{engine: engine}
}

func (h *Code) ValidateConfig(config map[string]any) error {
	code, err := requireString(config, "code")
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "code: "+err.Error())
	}
	if expressions.IsExpression(code) {
		return nil
	}
	return h.engine.Check(code)
}

func (h *Code) Run(ctx context.Context, in Input) (*Result, error) {
	if err := h.ValidateConfig(in.Config); err != nil {
		return nil, err
	}
	out, err := h.engine.Evaluate(ctx, in.Config["code"].(string),
		expressions.ScriptEnv(in.Data, in.Variables, in.Outputs))
	if err != nil {
		return nil, err
	}
	return &Result{Data: out}, nil
}

// JQ implements transform/jq: runs config.query over the node's input.
type JQ struct {
	engine *expressions.GoJQEngine
}

// NewJQ creates the transform/jq handler.
func NewJQ(engine *expressions.GoJQEngine) *JQ {
	return &JQ{engine: engine}
}

func (h *JQ) ValidateConfig(config map[string]any) error {
	if _, err := requireString(config, "query"); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "jq: "+err.Error())
	}
	return nil
}

func (h *JQ) Run(ctx context.Context, in Input) (*Result, error) {
	if err := h.ValidateConfig(in.Config); err != nil {
		return nil, err
	}
	out, err := h.engine.Run(ctx, in.Config["query"].(string), in.Data)
	if err != nil {
		return nil, err
	}
	return &Result{Data: out}, nil
}

// Template implements transform/template: emits config.fields after
// expression resolution, shaping a new object from prior outputs.
type Template struct{}

func (Template) ValidateConfig(config map[string]any) error {
	if _, ok := mapParam(config, "fields"); !ok {
		return schema.NewError(schema.ErrCodeValidation, "template: config 'fields' must be an object")
	}
	return nil
}

func (t Template) Run(_ context.Context, in Input) (*Result, error) {
	if err := t.ValidateConfig(in.Config); err != nil {
		return nil, err
	}
	fields, _ := mapParam(in.Config, "fields")
	return &Result{Data: fields}, nil
}
