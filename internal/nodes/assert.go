package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/nodeflow/pkg/schema"
)

// Assert implements logic/assert. It passes its input through when the check
// holds and fails the node with ASSERTION_FAILED otherwise.
//
//	equals    config.actual deep-equals config.expected
//	contains  config.haystack (string or array) holds config.needle
//	matches   config.value matches the regexp config.pattern
//	schema    config.data (default: the input) satisfies the JSON Schema config.schema
//
// config.message replaces the default failure message.
type Assert struct{}

func (Assert) ValidateConfig(config map[string]any) error {
	var required []string
	switch check := stringParam(config, "check", ""); check {
	case "equals":
		required = []string{"actual", "expected"}
	case "contains":
		required = []string{"haystack", "needle"}
	case "matches":
		required = []string{"value", "pattern"}
	case "schema":
		required = []string{"schema"}
	case "":
		return schema.NewError(schema.ErrCodeValidation, "assert: config 'check' is required")
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "assert: unknown check %q", check)
	}
	for _, key := range required {
		if _, ok := config[key]; !ok {
			return schema.NewErrorf(schema.ErrCodeValidation, "assert: config %q is required", key)
		}
	}
	return nil
}

func (a Assert) Run(_ context.Context, in Input) (*Result, error) {
	if err := a.ValidateConfig(in.Config); err != nil {
		return nil, err
	}
	cfg := in.Config

	var (
		ok      bool
		msg     string
		details map[string]any
		err     error
	)
	switch cfg["check"] {
	case "equals":
		ok = deepEqualJSON(cfg["actual"], cfg["expected"])
		msg = "values are not equal"
		details = map[string]any{"expected": cfg["expected"], "actual": cfg["actual"]}
	case "contains":
		ok, err = contains(cfg["haystack"], cfg["needle"])
		msg = "value not found"
		details = map[string]any{"haystack": cfg["haystack"], "needle": cfg["needle"]}
	case "matches":
		ok, err = matches(cfg["value"], cfg["pattern"])
		msg = "value does not match pattern"
		details = map[string]any{"value": cfg["value"], "pattern": cfg["pattern"]}
	case "schema":
		data, has := cfg["data"]
		if !has {
			data = in.Data
		}
		var violations []string
		violations, err = schemaViolations(data, cfg["schema"])
		ok = len(violations) == 0
		msg = "data does not match schema"
		details = map[string]any{"violations": violations}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		if m := stringParam(cfg, "message", ""); m != "" {
			msg = m
		}
		return nil, schema.NewError(schema.ErrCodeAssertionFailed, "assertion failed: "+msg).WithDetails(details)
	}
	return &Result{Data: schema.CloneValue(in.Data)}, nil
}

// deepEqualJSON compares values after normalizing numbers, so 1 and 1.0 match.
func deepEqualJSON(a, b any) bool {
	return looseEqual(normalizeJSON(a), normalizeJSON(b))
}

func normalizeJSON(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeJSON(item)
		}
		return out
	}
	if f, ok := toFloat(v); ok {
		return f
	}
	return v
}

func contains(haystack, needle any) (bool, error) {
	switch hs := haystack.(type) {
	case string:
		return strings.Contains(hs, fmt.Sprint(needle)), nil
	case []any:
		for _, item := range hs {
			if deepEqualJSON(item, needle) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation, "assert: haystack must be a string or array, got %T", haystack)
	}
}

func matches(value, pattern any) (bool, error) {
	s, ok := value.(string)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation, "assert: value must be a string, got %T", value)
	}
	p, _ := pattern.(string)
	re, err := regexp.Compile(p)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeValidation, "assert: invalid pattern: %v", err)
	}
	return re.MatchString(s), nil
}

// schemaViolations validates data against a JSON Schema given as a decoded
// object. It returns one message per failing leaf.
func schemaViolations(data, schemaDoc any) ([]string, error) {
	doc, err := toJSONDoc(schemaDoc)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "assert: encode schema: %v", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("assert.json", doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "assert: invalid schema: %v", err)
	}
	sch, err := c.Compile("assert.json")
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "assert: invalid schema: %v", err)
	}

	value, err := toJSONDoc(data)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "assert: encode data: %v", err)
	}
	verr := sch.Validate(value)
	if verr == nil {
		return nil, nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(verr, &ve) {
		return []string{verr.Error()}, nil
	}
	var out []string
	collectLeaves(ve, &out)
	return out, nil
}

func collectLeaves(ve *jsonschema.ValidationError, out *[]string) {
	if len(ve.Causes) == 0 {
		*out = append(*out, ve.Error())
		return
	}
	for _, cause := range ve.Causes {
		collectLeaves(cause, out)
	}
}

// toJSONDoc round-trips v so numbers become json.Number, as jsonschema expects.
func toJSONDoc(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}
