package expressions

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"

	"github.com/rendis/nodeflow/pkg/schema"
)

// Error reasons recorded in NodeflowError details.
const (
	reasonSyntax    = "syntax"
	reasonReference = "missing_reference"
	reasonEval      = "evaluation"
)

// evalState carries the read-only context through one evaluation.
type evalState struct {
	src string
	ctx *Context
}

// Lazy views over the context. They resolve keys on access so that a
// missing node or variable surfaces as a precise reference error.
type (
	nodesView struct{ outputs map[string]any }
	nodeView  struct {
		id   string
		data any
	}
	varsView struct{ vars map[string]any }
)

func (l *literal) eval(*evalState) (any, error) { return l.val, nil }

func (nodesRef) eval(s *evalState) (any, error) {
	return nodesView{outputs: s.ctx.Outputs}, nil
}

func (varsRef) eval(s *evalState) (any, error) {
	return varsView{vars: s.ctx.Variables}, nil
}

func (inputRef) eval(s *evalState) (any, error) {
	return s.ctx.Input, nil
}

func (b *builtin) eval(s *evalState) (any, error) {
	switch b.name {
	case "$now":
		return s.ctx.now().UTC().Format(timeLayout), nil
	case "$timestamp":
		return float64(nextTimestamp(s.ctx.now())), nil
	case "$random":
		return s.ctx.random(), nil
	case "$uuid":
		return s.ctx.newUUID(), nil
	}
	return nil, s.evalErr("unknown builtin %s", b.name)
}

func (m *member) eval(s *evalState) (any, error) {
	target, err := m.target.eval(s)
	if err != nil {
		return nil, err
	}
	key, err := m.key.eval(s)
	if err != nil {
		return nil, err
	}
	return s.access(target, key)
}

func (u *unary) eval(s *evalState) (any, error) {
	v, err := u.x.eval(s)
	if err != nil {
		return nil, err
	}
	v = materialize(v)
	if u.op == "!" {
		return !truthy(v), nil
	}
	n, ok := toNumber(v)
	if !ok {
		return nil, s.evalErr("cannot negate %s", typeName(v))
	}
	return -n, nil
}

func (b *binary) eval(s *evalState) (any, error) {
	left, err := b.l.eval(s)
	if err != nil {
		return nil, err
	}
	left = materialize(left)

	// Logical operators short-circuit and yield the deciding operand.
	switch b.op {
	case "&&":
		if !truthy(left) {
			return left, nil
		}
		return evalMaterialized(b.r, s)
	case "||":
		if truthy(left) {
			return left, nil
		}
		return evalMaterialized(b.r, s)
	}

	right, err := evalMaterialized(b.r, s)
	if err != nil {
		return nil, err
	}

	switch b.op {
	case "==":
		return equalValues(left, right), nil
	case "!=":
		return !equalValues(left, right), nil
	case "+":
		_, ls := left.(string)
		_, rs := right.(string)
		if ls || rs {
			return stringify(left) + stringify(right), nil
		}
	case "<", "<=", ">", ">=":
		return s.compare(b.op, left, right)
	}

	ln, lok := toNumber(left)
	rn, rok := toNumber(right)
	if !lok || !rok {
		return nil, s.evalErr("operator %s not defined for %s and %s", b.op, typeName(left), typeName(right))
	}
	switch b.op {
	case "+":
		return ln + rn, nil
	case "-":
		return ln - rn, nil
	case "*":
		return ln * rn, nil
	case "/":
		if rn == 0 {
			return nil, s.evalErr("division by zero")
		}
		return ln / rn, nil
	case "%":
		if rn == 0 {
			return nil, s.evalErr("modulo by zero")
		}
		return math.Mod(ln, rn), nil
	}
	return nil, s.evalErr("unknown operator %s", b.op)
}

func (t *ternary) eval(s *evalState) (any, error) {
	cond, err := t.cond.eval(s)
	if err != nil {
		return nil, err
	}
	if truthy(materialize(cond)) {
		return t.then.eval(s)
	}
	return t.els.eval(s)
}

func evalMaterialized(n astNode, s *evalState) (any, error) {
	v, err := n.eval(s)
	if err != nil {
		return nil, err
	}
	return materialize(v), nil
}

// access reads key from target, following the same addressing rules as ResolvePath.
func (s *evalState) access(target, key any) (any, error) {
	switch t := target.(type) {
	case nodesView:
		id, ok := key.(string)
		if !ok {
			return nil, s.evalErr("$node must be indexed by a node ID string, got %s", typeName(key))
		}
		data, ok := t.outputs[id]
		if !ok {
			return nil, s.refErr("node %q has no recorded output", id).
				WithDetails(map[string]any{"expression": s.src, "reason": reasonReference, "available_nodes": sortedKeys(t.outputs)})
		}
		return nodeView{id: id, data: data}, nil

	case nodeView:
		if key != "json" {
			return nil, s.refErr("unknown accessor %v on $node[%q]; use .json", key, t.id)
		}
		return t.data, nil

	case varsView:
		name, ok := key.(string)
		if !ok {
			return nil, s.evalErr("$vars must be indexed by name, got %s", typeName(key))
		}
		v, ok := t.vars[name]
		if !ok {
			return nil, s.refErr("variable %q is not defined", name).
				WithDetails(map[string]any{"expression": s.src, "reason": reasonReference, "available_variables": sortedKeys(t.vars)})
		}
		return v, nil
	}

	v, err := step(target, key)
	if err != nil {
		return nil, s.refErr("%s", err.Error())
	}
	return v, nil
}

// step performs one path segment of traversal over plain data.
func step(current, key any) (any, error) {
	switch v := current.(type) {
	case map[string]any:
		name, ok := key.(string)
		if !ok {
			if n, isNum := key.(float64); isNum {
				name = strconv.FormatFloat(n, 'f', -1, 64)
			} else {
				return nil, fmt.Errorf("object key must be a string, got %s", typeName(key))
			}
		}
		val, ok := v[name]
		if !ok {
			return nil, fmt.Errorf("field %q not found; available: %v", name, sortedKeys(v))
		}
		return val, nil

	case []any:
		if key == "length" {
			return float64(len(v)), nil
		}
		idx, err := toIndex(key)
		if err != nil {
			return nil, err
		}
		if idx < 0 || idx >= len(v) {
			return nil, fmt.Errorf("index %d out of range (length %d)", idx, len(v))
		}
		return v[idx], nil

	case string:
		if key == "length" {
			return float64(len(v)), nil
		}
		return nil, fmt.Errorf("cannot read %v of string", key)

	case nil:
		return nil, fmt.Errorf("cannot read %v of null", key)

	default:
		return nil, fmt.Errorf("cannot read %v of %s", key, typeName(current))
	}
}

func toIndex(key any) (int, error) {
	switch k := key.(type) {
	case float64:
		if k != math.Trunc(k) {
			return 0, fmt.Errorf("array index must be an integer, got %v", k)
		}
		return int(k), nil
	case int:
		return k, nil
	case string:
		n, err := strconv.Atoi(k)
		if err != nil {
			return 0, fmt.Errorf("array index must be a number, got %q", k)
		}
		return n, nil
	}
	return 0, fmt.Errorf("array index must be a number, got %s", typeName(key))
}

func (s *evalState) compare(op string, left, right any) (any, error) {
	if ln, ok := toNumber(left); ok {
		if rn, ok := toNumber(right); ok {
			switch op {
			case "<":
				return ln < rn, nil
			case "<=":
				return ln <= rn, nil
			case ">":
				return ln > rn, nil
			default:
				return ln >= rn, nil
			}
		}
	}
	ls, lok := left.(string)
	rs, rok := right.(string)
	if !lok || !rok {
		return nil, s.evalErr("cannot compare %s %s %s", typeName(left), op, typeName(right))
	}
	switch op {
	case "<":
		return ls < rs, nil
	case "<=":
		return ls <= rs, nil
	case ">":
		return ls > rs, nil
	default:
		return ls >= rs, nil
	}
}

func (s *evalState) refErr(format string, args ...any) *schema.NodeflowError {
	return schema.NewErrorf(schema.ErrCodeExpression, format, args...).
		WithDetails(map[string]any{"expression": s.src, "reason": reasonReference})
}

func (s *evalState) evalErr(format string, args ...any) *schema.NodeflowError {
	return schema.NewErrorf(schema.ErrCodeExpression, format, args...).
		WithDetails(map[string]any{"expression": s.src, "reason": reasonEval})
}

// materialize converts lazy views into plain values.
func materialize(v any) any {
	switch t := v.(type) {
	case nodesView:
		out := make(map[string]any, len(t.outputs))
		for id, data := range t.outputs {
			out[id] = map[string]any{"json": data}
		}
		return out
	case nodeView:
		return map[string]any{"json": t.data}
	case varsView:
		if t.vars == nil {
			return map[string]any{}
		}
		return t.vars
	}
	return v
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	}
	if n, ok := toNumber(v); ok {
		return n != 0 && !math.IsNaN(n)
	}
	return true
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func equalValues(a, b any) bool {
	if an, ok := toNumber(a); ok {
		if bn, ok := toNumber(b); ok {
			return an == bn
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// stringify renders a value for string concatenation.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(t)
	}
	if n, ok := toNumber(v); ok {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	if _, ok := toNumber(v); ok {
		return "number"
	}
	return fmt.Sprintf("%T", v)
}
