package webhook

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Handle while the endpoint's breaker is open.
var ErrCircuitOpen = errors.New("webhook: circuit open")

// BreakerConfig tunes the per-endpoint circuit breaker.
type BreakerConfig struct {
	ErrorThreshold float64       // weighted error rate that trips the breaker
	MinSamples     int           // deliveries in the window before it may trip
	Window         time.Duration // sliding window, at most one minute
	OpenTimeout    time.Duration // time open before a probe is allowed
}

// DefaultBreakerConfig trips at a 50% weighted error rate over the last
// minute once 10 deliveries were seen, and probes again after 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ErrorThreshold: 0.5,
		MinSamples:     10,
		Window:         time.Minute,
		OpenTimeout:    30 * time.Second,
	}
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	default:
		return "half_open"
	}
}

// slot accumulates one second of outcomes.
type slot struct {
	sec    int64
	errors float64
	total  int
}

// breaker is a closed/open/half-open state machine over a ring of one-second
// slots. In half-open exactly one probe delivery is in flight.
type breaker struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	state    breakerState
	slots    [60]slot
	size     int
	openedAt time.Time
	probing  bool
	now      func() time.Time
}

func newBreaker(cfg BreakerConfig) *breaker {
	size := int(cfg.Window / time.Second)
	if size <= 0 || size > 60 {
		size = 60
	}
	return &breaker{cfg: cfg, size: size, now: time.Now}
}

// allow reports whether a delivery may proceed.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.OpenTimeout {
			return false
		}
		b.state = stateHalfOpen
		b.probing = true
		return true
	case stateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

// record feeds a delivery outcome back into the breaker.
func (b *breaker) record(err error) {
	weight := errorWeight(err)
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	s := &b.slots[now.Unix()%int64(b.size)]
	if s.sec != now.Unix() {
		*s = slot{sec: now.Unix()}
	}
	s.total++
	s.errors += weight

	switch b.state {
	case stateHalfOpen:
		b.probing = false
		if weight > 0 {
			b.trip(now)
			return
		}
		b.state = stateClosed
		b.slots = [60]slot{}
	case stateClosed:
		rate, samples := b.errorRate(now)
		if samples >= b.cfg.MinSamples && rate >= b.cfg.ErrorThreshold {
			b.trip(now)
		}
	}
}

func (b *breaker) trip(now time.Time) {
	b.state = stateOpen
	b.openedAt = now
}

func (b *breaker) errorRate(now time.Time) (float64, int) {
	oldest := now.Unix() - int64(b.size) + 1
	var errs float64
	var total int
	for i := range b.size {
		if s := b.slots[i]; s.sec >= oldest {
			errs += s.errors
			total += s.total
		}
	}
	if total == 0 {
		return 0, 0
	}
	return errs / float64(total), total
}

func (b *breaker) currentState() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// errorWeight scores a delivery outcome. Timeouts weigh 1.5; 5xx and
// transport errors weigh 1; 429 weighs 0.5. Other statuses and cancellation
// weigh nothing since they point at the task or at shutdown.
func errorWeight(err error) float64 {
	if err == nil || errors.Is(err, context.Canceled) {
		return 0
	}
	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) ||
		(errors.As(err, &nerr) && nerr.Timeout()) {
		return 1.5
	}
	var werr *Error
	if !errors.As(err, &werr) {
		return 1
	}
	switch code := werr.StatusCode; {
	case code == http.StatusTooManyRequests:
		return 0.5
	case code >= 500:
		return 1
	default:
		return 0
	}
}
