package payment

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/poslink/bridge/internal/metrics"
)

// Lock is the single-flight guard over the physical payment terminal. It is
// global to the process: the terminal is one device, so the lock is not keyed
// by device id. A holder that never releases is forcibly superseded once it
// has held the lock longer than the configured timeout.
type Lock struct {
	timeout time.Duration
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	held       bool
	holder     string
	acquiredAt time.Time
}

// NewLock constructs the lock with the given stale-holder timeout.
func NewLock(timeout time.Duration, opts ...LockOption) *Lock {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	l := &Lock{
		timeout: timeout,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LockOption customizes lock construction.
type LockOption func(*Lock)

// WithLockLogger sets a custom logger.
func WithLockLogger(logger zerolog.Logger) LockOption {
	return func(l *Lock) {
		l.logger = logger
	}
}

// WithLockMetrics sets the metrics collector.
func WithLockMetrics(m *metrics.Metrics) LockOption {
	return func(l *Lock) {
		l.metrics = m
	}
}

// Acquire attempts to take the lock for deviceID. It fails while another
// holder is live, unless that holder has exceeded the timeout, in which case
// the stale lock is force-released and immediately re-acquired by the caller.
func (l *Lock) Acquire(deviceID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		heldFor := time.Since(l.acquiredAt)
		if heldFor < l.timeout {
			if l.metrics != nil {
				l.metrics.LockContentions.Inc()
			}
			l.logger.Debug().
				Str("device_id", deviceID).
				Str("holder", l.holder).
				Dur("held_for", heldFor).
				Msg("payment.lock_contention")
			return false
		}
		if l.metrics != nil {
			l.metrics.LockTakeovers.Inc()
		}
		l.logger.Warn().
			Str("device_id", deviceID).
			Str("stale_holder", l.holder).
			Dur("held_for", heldFor).
			Msg("payment.lock_stale_takeover")
	}

	l.held = true
	l.holder = deviceID
	l.acquiredAt = time.Now()
	return true
}

// Release clears the lock unconditionally. Safe to call when not held.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	l.holder = ""
}

// Held reports whether the lock is currently held by a live holder.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held && time.Since(l.acquiredAt) < l.timeout
}

// Holder returns the device id of the current holder, if any.
func (l *Lock) Holder() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return "", false
	}
	return l.holder, true
}
