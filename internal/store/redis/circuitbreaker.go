package redis

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned instead of calling Redis while the breaker is
// open or its single probe is still running.
var ErrCircuitOpen = errors.New("redis: circuit open")

// State is the breaker position. The values are exported as the
// signalbot_redis_circuit_breaker_state gauge.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = [...]string{"closed", "open", "half-open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// CircuitBreaker guards the classification publisher. It opens after
// maxFailures consecutive publish errors, stays open for cooldown, then
// lets exactly one probe through.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	maxFailures int
	cooldown    time.Duration
	openedAt    time.Time
	probing     bool
	now         func() time.Time

	// OnStateChange runs under the breaker lock.
	OnStateChange func(from, to State)
}

func NewCircuitBreaker(maxFailures int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures: max(maxFailures, 1),
		cooldown:    cooldown,
		now:         time.Now,
	}
}

// Execute calls fn unless the breaker rejects it. Cancellation of ctx is
// not counted as a Redis failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := fn(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		cb.release()
		return err
	}
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			return false
		}
		cb.setState(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.probing {
			return false
		}
		cb.probing = true
	}
	return true
}

// release gives up a probe slot without judging the outcome.
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	cb.probing = false
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false

	switch {
	case err == nil:
		cb.failures = 0
		cb.setState(StateClosed)
	case cb.state == StateHalfOpen:
		cb.trip()
	default:
		cb.failures++
		if cb.failures >= cb.maxFailures {
			cb.trip()
		}
	}
}

func (cb *CircuitBreaker) trip() {
	cb.openedAt = cb.now()
	cb.setState(StateOpen)
}

// CurrentState reports the breaker position.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) setState(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if to == StateClosed {
		cb.failures = 0
	}
	if cb.OnStateChange != nil {
		cb.OnStateChange(from, to)
	}
}
