// Package reconnect decides whether and when a dropped voice session dials again.
package reconnect

import (
	"math/rand"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultBaseDelay   = 1000 * time.Millisecond
	DefaultMaxDelay    = 30000 * time.Millisecond
	DefaultMaxAttempts = 5
)

// Config holds the backoff knobs.
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	// Jitter randomizes each delay within [delay/2, delay].
	Jitter bool
	// NonRetryableCodes are close codes that end the session immediately.
	NonRetryableCodes []int
}

// DefaultConfig retries five times from 1s up to 30s and never retries a
// policy violation.
func DefaultConfig() Config {
	return Config{
		BaseDelay:         DefaultBaseDelay,
		MaxDelay:          DefaultMaxDelay,
		MaxAttempts:       DefaultMaxAttempts,
		NonRetryableCodes: []int{websocket.ClosePolicyViolation},
	}
}

// ShouldRetry is false for a locally requested normal close and once attempt
// reaches maxAttempts.
func ShouldRetry(closeCode int, local bool, attempt, maxAttempts int) bool {
	if local && closeCode == websocket.CloseNormalClosure {
		return false
	}
	return attempt < maxAttempts
}

// NextDelay returns min(base * 2^attempt, maxDelay).
func NextDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if base >= maxDelay {
		return maxDelay
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

// Policy binds a Config to the pure functions above.
type Policy struct {
	cfg         Config
	nonRetrying map[int]struct{}
	rand        func() float64
}

// NewPolicy fills unset delays with defaults. A negative MaxAttempts means
// the default; zero disables retries.
func NewPolicy(cfg Config) *Policy {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	p := &Policy{
		cfg:         cfg,
		nonRetrying: make(map[int]struct{}, len(cfg.NonRetryableCodes)),
		rand:        rand.Float64,
	}
	for _, code := range cfg.NonRetryableCodes {
		p.nonRetrying[code] = struct{}{}
	}
	return p
}

// Config returns the configuration the policy was built with.
func (p *Policy) Config() Config {
	return p.cfg
}

// MaxAttempts is the number of reconnects allowed before giving up.
func (p *Policy) MaxAttempts() int {
	return p.cfg.MaxAttempts
}

// ShouldRetry also refuses codes configured as non-retryable.
func (p *Policy) ShouldRetry(closeCode int, local bool, attempt int) bool {
	if _, ok := p.nonRetrying[closeCode]; ok {
		return false
	}
	return ShouldRetry(closeCode, local, attempt, p.cfg.MaxAttempts)
}

// Exhausted reports whether attempt has used up the retry budget.
func (p *Policy) Exhausted(attempt int) bool {
	return attempt >= p.cfg.MaxAttempts
}

func (p *Policy) NextDelay(attempt int) time.Duration {
	delay := NextDelay(attempt, p.cfg.BaseDelay, p.cfg.MaxDelay)
	if p.cfg.Jitter && delay > 0 {
		half := delay / 2
		delay = half + time.Duration(p.rand()*float64(delay-half))
	}
	return delay
}
