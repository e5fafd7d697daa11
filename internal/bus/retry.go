package bus

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

// RetryPolicy bounds how long a publisher may be held up by a failing bus.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy allows four retries spread over roughly one second.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:      4,
	InitialInterval: 50 * time.Millisecond,
	MaxInterval:     time.Second,
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, p.MaxRetries), ctx)
}

// Health records publish outcomes so the health endpoint can report a degraded
// bus. The bus is degraded from the first exhausted publish until the next
// successful one.
type Health struct {
	lastFailure time.Time
	lastError   string
	failures    uint64
	mu          sync.RWMutex
	degraded    bool
}

// HealthStatus is a point-in-time copy of Health.
type HealthStatus struct {
	LastFailure time.Time `json:"lastFailure,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
	Failures    uint64    `json:"failures"`
	Degraded    bool      `json:"degraded"`
}

func (h *Health) recordFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.degraded = true
	h.failures++
	h.lastFailure = time.Now()
	h.lastError = err.Error()
}

func (h *Health) recordSuccess() {
	h.mu.RLock()
	degraded := h.degraded
	h.mu.RUnlock()
	if !degraded {
		return
	}
	h.mu.Lock()
	h.degraded = false
	h.mu.Unlock()
}

// Status returns the current health.
func (h *Health) Status() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HealthStatus{
		LastFailure: h.lastFailure,
		LastError:   h.lastError,
		Failures:    h.failures,
		Degraded:    h.degraded,
	}
}

// Retrying wraps a Bus so Publish retries with exponential backoff and fails
// with *UnavailableError once the policy is exhausted.
type Retrying struct {
	Bus
	health *Health
	log    *zap.Logger
	policy RetryPolicy
}

// WithRetry wraps b. health may be shared with the health endpoint.
func WithRetry(b Bus, policy RetryPolicy, health *Health, log *zap.Logger) *Retrying {
	if health == nil {
		health = &Health{}
	}
	return &Retrying{Bus: b, health: health, log: log.Named("bus"), policy: policy}
}

// Health returns the recorder fed by Publish.
func (r *Retrying) Health() *Health { return r.health }

func (r *Retrying) Publish(ctx context.Context, channel string, payload []byte) error {
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		return r.Bus.Publish(ctx, channel, payload)
	}, r.policy.backOff(ctx))
	if err == nil {
		r.health.recordSuccess()
		return nil
	}

	r.health.recordFailure(err)
	r.log.Warn("publish failed",
		zap.String("channel", channel),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	return &UnavailableError{Channel: channel, Attempts: attempts, Err: err}
}
