package nodes

import (
	"time"

	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/pkg/schema"
)

// BuiltinConfig configures the built-in handler set.
type BuiltinConfig struct {
	HTTP HTTPConfig
	Now  func() time.Time
}

// RegisterBuiltins registers all built-in handlers in the given registry.
func RegisterBuiltins(reg *Registry, cfg BuiltinConfig) error {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}

	all := []struct {
		typ         schema.NodeType
		subType     string
		description string
		handler     Handler
	}{
		{schema.NodeTypeTrigger, "manual", "Start a run by hand; emits the trigger payload.", ManualTrigger{}},
		{schema.NodeTypeTrigger, "webhook", "Start a run from an HTTP call; emits body, method and path.", WebhookTrigger{}},
		{schema.NodeTypeTrigger, "schedule", "Start a run on a cron schedule; emits fire and next fire times.", NewScheduleTrigger(cfg.Now)},
		{schema.NodeTypeAction, "http", "Perform an HTTP request.", NewHTTPRequest(cfg.HTTP)},
		{schema.NodeTypeAction, "set", "Emit a fixed or expression-built object.", SetValues{}},
		{schema.NodeTypeLogic, schema.SubTypeCondition, "Branch on a predicate: true or false.", NewCondition(cel)},
		{schema.NodeTypeLogic, schema.SubTypeSwitch, "Branch on the first matching case.", NewSwitch(cel)},
		{schema.NodeTypeLogic, "delay", "Wait before continuing.", Delay{}},
		{schema.NodeTypeLogic, schema.SubTypeMerge, "Combine the outputs of several predecessors.", Merge{}},
		{schema.NodeTypeLogic, "assert", "Fail the run unless a check holds; passes the input through.", Assert{}},
		{schema.NodeTypeTransform, "code", "Run an expr-lang program over the input.", NewCode(expressions.NewExprEngine())},
		{schema.NodeTypeTransform, "jq", "Run a jq query over the input.", NewJQ(expressions.NewGoJQEngine())},
		{schema.NodeTypeTransform, "template", "Emit an object built from expressions.", Template{}},
		{schema.NodeTypeTransform, "crypto", "Hash, HMAC or generate a UUID.", Crypto{}},
	}

	for _, h := range all {
		if err := reg.Register(h.typ, h.subType, h.description, h.handler); err != nil {
			return err
		}
	}
	return nil
}

// NewBuiltinRegistry returns a registry holding every built-in handler.
func NewBuiltinRegistry(cfg BuiltinConfig) (*Registry, error) {
	reg := NewRegistry()
	if err := RegisterBuiltins(reg, cfg); err != nil {
		return nil, err
	}
	return reg, nil
}
