package expressions

import (
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/nodeflow/pkg/schema"
)

const timeLayout = time.RFC3339

// Context is the read-only data an expression may reference.
type Context struct {
	Outputs   map[string]any // node ID -> recorded output data
	Variables map[string]any // user-promoted variables
	Input     any            // merged input of the node being resolved ($json)

	// Optional sources for built-ins; nil uses the real clock, math/rand and uuid v4.
	Now    func() time.Time
	Random func() float64
	UUID   func() string
}

func (c *Context) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Context) random() float64 {
	if c.Random != nil {
		return c.Random()
	}
	return rand.Float64()
}

func (c *Context) newUUID() string {
	if c.UUID != nil {
		return c.UUID()
	}
	return uuid.NewString()
}

var lastTimestamp atomic.Int64

// nextTimestamp returns epoch milliseconds that never go backwards across calls.
func nextTimestamp(now time.Time) int64 {
	ms := now.UnixMilli()
	for {
		last := lastTimestamp.Load()
		if ms < last {
			return last
		}
		if lastTimestamp.CompareAndSwap(last, ms) {
			return ms
		}
	}
}

// Evaluator resolves {{ ... }} expressions. Parsed programs are cached and
// reused across goroutines.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]astNode
}

// NewEvaluator creates an Evaluator with an empty parse cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]astNode)}
}

var defaultEvaluator = NewEvaluator()

// IsExpression reports whether s is wrapped in {{ and }}.
func IsExpression(s string) bool {
	t := strings.TrimSpace(s)
	return len(t) >= 4 && strings.HasPrefix(t, "{{") && strings.HasSuffix(t, "}}")
}

// Evaluate resolves source with the shared default Evaluator.
func Evaluate(source string, ctx *Context) (any, error) {
	return defaultEvaluator.Evaluate(source, ctx)
}

// ResolveConfig resolves config with the shared default Evaluator.
func ResolveConfig(config map[string]any, ctx *Context, tolerant bool) (map[string]any, error) {
	return defaultEvaluator.ResolveConfig(config, ctx, tolerant)
}

// Check parses source with the shared default Evaluator.
func Check(source string) error {
	return defaultEvaluator.Check(source)
}

// IsMissingReference reports whether err is an expression error caused by a
// node, path or variable that does not exist.
func IsMissingReference(err error) bool {
	var nfErr *schema.NodeflowError
	if !errors.As(err, &nfErr) || nfErr.Code != schema.ErrCodeExpression {
		return false
	}
	return nfErr.Details["reason"] == reasonReference
}

// Evaluate returns static strings verbatim. Expressions are parsed and
// evaluated against ctx; the result is a deep copy, so callers may keep or
// mutate it without touching ctx.
func (e *Evaluator) Evaluate(source string, ctx *Context) (any, error) {
	if !IsExpression(source) {
		return source, nil
	}
	if ctx == nil {
		ctx = &Context{}
	}

	body, err := bodyOf(source)
	if err != nil {
		return nil, err
	}
	prog, err := e.getOrParse(body)
	if err != nil {
		return nil, err
	}

	out, err := prog.eval(&evalState{src: body, ctx: ctx})
	if err != nil {
		return nil, err
	}
	return schema.CloneValue(materialize(out)), nil
}

// Check reports syntax errors in source without evaluating it. Static
// strings always pass.
func (e *Evaluator) Check(source string) error {
	if !IsExpression(source) {
		return nil
	}
	body, err := bodyOf(source)
	if err != nil {
		return err
	}
	_, err = e.getOrParse(body)
	return err
}

// bodyOf strips the braces of an expression value. A value holds exactly one
// expression; "{{ a }} and {{ b }}" is rejected rather than parsed as the
// body "a }} and {{ b".
func bodyOf(source string) (string, error) {
	t := strings.TrimSpace(source)
	body := strings.TrimSpace(t[2 : len(t)-2])
	if end := strings.Index(body, "}}"); end >= 0 && strings.Contains(body[end:], "{{") {
		return "", schema.NewError(schema.ErrCodeExpression,
			`a value holds one {{ }} expression; join parts inside it, e.g. {{ $json.a + " and " + $json.b }}`).
			WithDetails(map[string]any{"expression": source, "reason": reasonSyntax})
	}
	return body, nil
}

func (e *Evaluator) getOrParse(body string) (astNode, error) {
	e.mu.RLock()
	if prog, ok := e.cache[body]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	prog, err := parse(body)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[body] = prog
	e.mu.Unlock()
	return prog, nil
}

// ResolveConfig resolves every string field of config, recursing into nested
// objects and arrays. Each field is resolved independently and the input is
// left untouched. When tolerant is set, missing references resolve to "";
// syntax errors always fail.
func (e *Evaluator) ResolveConfig(config map[string]any, ctx *Context, tolerant bool) (map[string]any, error) {
	out := make(map[string]any, len(config))
	for k, v := range config {
		resolved, err := e.resolveValue(v, k, ctx, tolerant)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func (e *Evaluator) resolveValue(v any, path string, ctx *Context, tolerant bool) (any, error) {
	switch val := v.(type) {
	case string:
		out, err := e.Evaluate(val, ctx)
		if err == nil {
			return out, nil
		}
		if tolerant && IsMissingReference(err) {
			return "", nil
		}
		return nil, fieldErr(path, err)

	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := e.resolveValue(item, path+"."+k, ctx, tolerant)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil

	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := e.resolveValue(item, path+"["+itoa(i)+"]", ctx, tolerant)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil

	default:
		return schema.CloneValue(v), nil
	}
}

// fieldErr prefixes an expression error with the config field it came from.
func fieldErr(path string, err error) error {
	var nfErr *schema.NodeflowError
	if !errors.As(err, &nfErr) {
		return schema.NewErrorf(schema.ErrCodeExpression, "config.%s: %s", path, err.Error()).WithCause(err)
	}
	details := make(map[string]any, len(nfErr.Details)+1)
	for k, v := range nfErr.Details {
		details[k] = v
	}
	details["field"] = path
	return schema.NewErrorf(nfErr.Code, "config.%s: %s", path, nfErr.Message).
		WithCause(err).
		WithDetails(details)
}
