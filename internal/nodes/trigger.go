package nodes

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/nodeflow/pkg/schema"
)

// triggerPayload picks the data a trigger emits: injected run data first,
// then the static config payload.
func triggerPayload(in Input) any {
	if in.Trigger != nil {
		return in.Trigger
	}
	if p, ok := in.Config["payload"]; ok {
		return p
	}
	return map[string]any{}
}

// ManualTrigger emits the run's trigger data unchanged.
type ManualTrigger struct{}

func (ManualTrigger) Run(_ context.Context, in Input) (*Result, error) {
	return &Result{Data: triggerPayload(in)}, nil
}

// WebhookTrigger emits the received payload together with the configured route.
type WebhookTrigger struct{}

func (WebhookTrigger) Run(_ context.Context, in Input) (*Result, error) {
	return &Result{Data: map[string]any{
		"body":   triggerPayload(in),
		"method": stringParam(in.Config, "method", "POST"),
		"path":   stringParam(in.Config, "path", "/"),
	}}, nil
}

// ScheduleTrigger validates a cron expression and reports the fire time and
// the next planned fire time. Firing itself belongs to an external scheduler.
type ScheduleTrigger struct {
	parser cron.Parser
	now    func() time.Time
}

// NewScheduleTrigger creates a schedule trigger accepting standard five-field
// cron expressions and descriptors such as @hourly or @every 5m.
func NewScheduleTrigger(now func() time.Time) *ScheduleTrigger {
	if now == nil {
		now = time.Now
	}
	return &ScheduleTrigger{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:    now,
	}
}

func (t *ScheduleTrigger) ValidateConfig(config map[string]any) error {
	_, err := t.schedule(config)
	return err
}

func (t *ScheduleTrigger) Run(_ context.Context, in Input) (*Result, error) {
	sched, err := t.schedule(in.Config)
	if err != nil {
		return nil, err
	}
	now := t.now().UTC()
	data := map[string]any{
		"cron":    in.Config["cron"],
		"firedAt": now.Format(time.RFC3339),
		"next":    sched.Next(now).Format(time.RFC3339),
	}
	if in.Trigger != nil {
		data["payload"] = in.Trigger
	}
	return &Result{Data: data}, nil
}

func (t *ScheduleTrigger) schedule(config map[string]any) (cron.Schedule, error) {
	expr, err := requireString(config, "cron")
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, err.Error())
	}
	sched, err := t.parser.Parse(expr)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid cron expression %q: %s", expr, err.Error()).WithCause(err)
	}
	return sched, nil
}
