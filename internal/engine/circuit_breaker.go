package engine

import (
	"sync"
	"time"

	"github.com/rendis/nodeflow/internal/nodes"
	"github.com/rendis/nodeflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failed attempts before opening.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before allowing a trial.
	Cooldown time.Duration
	// HalfOpenMax is the number of trials allowed while half-open.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns the configuration used when none is given.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// CircuitKey names the integration a node calls: its handler, plus the
// credential when the node has one. A revoked API key trips only the nodes
// using it, not every node of the same type.
func CircuitKey(n *schema.Node) string {
	key := nodes.Key{Type: n.Type, SubType: n.SubType}.String()
	if n.Credential != "" {
		key += "@" + n.Credential
	}
	return key
}

// CircuitStats describes one breaker. It is the payload of circuit events.
type CircuitStats struct {
	Key                 string
	State               CircuitState
	ConsecutiveFailures int
	FailureThreshold    int
	Cooldown            time.Duration
	OpenedAt            time.Time
}

// Payload renders the stats as an event payload.
func (s CircuitStats) Payload() map[string]any {
	p := map[string]any{
		"handler":              s.Key,
		"state":                s.State.String(),
		"consecutive_failures": s.ConsecutiveFailures,
		"failure_threshold":    s.FailureThreshold,
		"cooldown":             s.Cooldown.String(),
	}
	if !s.OpenedAt.IsZero() {
		p["opened_at"] = s.OpenedAt.UTC().Format(time.RFC3339Nano)
	}
	return p
}

// CircuitTransition is the state change caused by reporting an attempt.
type CircuitTransition struct {
	From, To CircuitState
}

// Changed reports whether the attempt moved the breaker.
func (t CircuitTransition) Changed() bool { return t.From != t.To }

type breaker struct {
	state    CircuitState
	failures int
	openedAt time.Time
	trials   int
}

// CircuitBreakerRegistry keeps one breaker per CircuitKey. A registry may be
// shared by several engines so that a failing integration trips across runs.
// Open breakers turn half-open lazily, on the first read after the cooldown.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*breaker),
		config:   config,
		now:      time.Now,
	}
}

// Admit decides whether an attempt against key may run. trial is true when
// the attempt is one of the trial calls of a half-open breaker. A rejected
// attempt gets a CIRCUIT_OPEN error.
func (r *CircuitBreakerRegistry) Admit(key string) (trial bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.advance(key)
	switch b.state {
	case CircuitOpen:
		remaining := r.config.Cooldown - r.now().Sub(b.openedAt)
		return false, schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for %s after %d consecutive failures", key, b.failures).
			WithDetails(map[string]any{
				"handler":            key,
				"state":              b.state.String(),
				"cooldown_remaining": remaining.String(),
			})
	case CircuitHalfOpen:
		if b.trials >= r.config.HalfOpenMax {
			return false, schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for %s: trial already in flight", key)
		}
		b.trials++
		return true, nil
	}
	return false, nil
}

// Report records the outcome of an admitted attempt.
func (r *CircuitBreakerRegistry) Report(key string, ok bool) CircuitTransition {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.advance(key)
	t := CircuitTransition{From: b.state}
	if ok {
		*b = breaker{state: CircuitClosed}
	} else {
		b.failures++
		if b.state != CircuitClosed || b.failures >= r.config.FailureThreshold {
			b.state = CircuitOpen
			b.openedAt = r.now()
			b.trials = 0
		}
	}
	t.To = b.state
	return t
}

// State returns the current state of the breaker for key.
func (r *CircuitBreakerRegistry) State(key string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.advance(key).state
}

// Stats returns diagnostic information about the breaker for key.
func (r *CircuitBreakerRegistry) Stats(key string) CircuitStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.advance(key)
	return CircuitStats{
		Key:                 key,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		FailureThreshold:    r.config.FailureThreshold,
		Cooldown:            r.config.Cooldown,
		OpenedAt:            b.openedAt,
	}
}

// advance returns the breaker for key, creating it closed, and moves an
// open breaker whose cooldown has passed to half-open. Callers hold r.mu.
func (r *CircuitBreakerRegistry) advance(key string) *breaker {
	b, ok := r.breakers[key]
	if !ok {
		b = &breaker{state: CircuitClosed}
		r.breakers[key] = b
	}
	if b.state == CircuitOpen && r.now().Sub(b.openedAt) >= r.config.Cooldown {
		b.state = CircuitHalfOpen
		b.trials = 0
	}
	return b
}
