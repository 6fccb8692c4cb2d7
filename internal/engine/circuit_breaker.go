package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/rendis/mcpflow/pkg/schema"
)

// CircuitState is where a service's breaker stands.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

var circuitStateNames = [...]string{"closed", "open", "half_open"}

func (s CircuitState) String() string {
	if s < 0 || int(s) >= len(circuitStateNames) {
		return "unknown"
	}
	return circuitStateNames[s]
}

// CircuitBreakerConfig holds the thresholds shared by every service breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           // consecutive failed calls that open the circuit
	Cooldown         time.Duration // how long an open circuit refuses calls
	HalfOpenMax      int           // trial calls let through once the cooldown ends
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// breaker is the state of one service slug, guarded by the registry lock.
type breaker struct {
	state    CircuitState
	failures int       // consecutive
	openedAt time.Time // last failure that kept or put the circuit open
	trials   int       // calls admitted since going half-open
}

// CircuitBreakerRegistry keeps one breaker per service slug. Breakers outlive
// runs, so a service that keeps failing is refused across executions until
// its cooldown passes.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	config   CircuitBreakerConfig
	breakers map[string]*breaker
	now      func() time.Time
}

func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakerRegistry{
		config:   config,
		breakers: make(map[string]*breaker),
		now:      time.Now,
	}
}

// AllowRequest admits a call to slug or refuses it with CIRCUIT_OPEN.
// nodeID and costCents describe the refused call: that node was not called
// and its cost was not charged.
func (r *CircuitBreakerRegistry) AllowRequest(slug, nodeID string, costCents int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.lookup(slug)
	switch b.state {
	case CircuitClosed:
		return nil
	case CircuitHalfOpen:
		if b.trials < r.config.HalfOpenMax {
			b.trials++
			return nil
		}
	}
	return r.refusal(slug, nodeID, costCents, b)
}

func (r *CircuitBreakerRegistry) refusal(slug, nodeID string, costCents int, b *breaker) error {
	msg := fmt.Sprintf("circuit breaker open for service %q after %d consecutive failures", slug, b.failures)
	if b.state == CircuitHalfOpen {
		msg = fmt.Sprintf("circuit breaker half-open for service %q: trial call already in flight", slug)
	}
	wait := r.config.Cooldown - r.now().Sub(b.openedAt)
	if wait < 0 {
		wait = 0
	}
	return schema.NewError(schema.ErrCodeCircuitOpen, msg).WithNode(nodeID).WithDetails(map[string]any{
		"service":              slug,
		"node_id":              nodeID,
		"skipped_cost_cents":   costCents,
		"consecutive_failures": b.failures,
		"state":                b.state.String(),
		"retry_after_ms":       wait.Milliseconds(),
	})
}

// RecordSuccess closes the circuit and clears the failure streak.
func (r *CircuitBreakerRegistry) RecordSuccess(slug string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.lookup(slug)
	*b = breaker{state: CircuitClosed}
}

// RecordFailure extends the failure streak and returns the resulting state.
// A failed trial call reopens the circuit at once.
func (r *CircuitBreakerRegistry) RecordFailure(slug string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.lookup(slug)
	b.failures++
	if b.state == CircuitHalfOpen || b.failures >= r.config.FailureThreshold {
		b.state = CircuitOpen
		b.openedAt = r.now()
		b.trials = 0
	}
	return b.state
}

func (r *CircuitBreakerRegistry) GetState(slug string) CircuitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookup(slug).state
}

// GetStats is a diagnostic snapshot of one breaker.
func (r *CircuitBreakerRegistry) GetStats(slug string) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.lookup(slug)
	return map[string]any{
		"service":              slug,
		"state":                b.state.String(),
		"consecutive_failures": b.failures,
		"failure_threshold":    r.config.FailureThreshold,
		"cooldown":             r.config.Cooldown.String(),
	}
}

// lookup returns slug's breaker, creating it closed, and moves an open
// circuit whose cooldown has passed to half-open. Callers hold r.mu.
func (r *CircuitBreakerRegistry) lookup(slug string) *breaker {
	b, ok := r.breakers[slug]
	if !ok {
		b = &breaker{}
		r.breakers[slug] = b
	}
	if b.state == CircuitOpen && r.now().Sub(b.openedAt) >= r.config.Cooldown {
		b.state = CircuitHalfOpen
		b.trials = 0
	}
	return b
}

// Services lists the slugs that have a breaker, in no particular order.
func (r *CircuitBreakerRegistry) Services() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.breakers))
	for slug := range r.breakers {
		out = append(out, slug)
	}
	return out
}
