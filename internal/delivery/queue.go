package delivery

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/poslink/bridge/internal/metrics"
	"github.com/poslink/bridge/internal/protocol"
)

// Sender writes an encoded frame to a device's connection. The bridge injects
// an implementation backed by the device's socket; tests inject fakes.
type Sender interface {
	Send(deviceID string, frame []byte) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(deviceID string, frame []byte) error

// Send calls f.
func (f SenderFunc) Send(deviceID string, frame []byte) error {
	return f(deviceID, frame)
}

// Config holds delivery queue configuration.
type Config struct {
	RetryInterval  time.Duration // Background resend tick (default: 5s)
	MaxRetries     int           // Attempt ceiling before a message is dropped (default: 10)
	ConfirmTimeout time.Duration // Default wait for confirmation (default: 30s)
	MessageTTL     time.Duration // Age at which an unconfirmed message expires (default: 30m)
	SweepInterval  time.Duration // Expiry sweep interval (default: 5m)
}

// Queue is the guaranteed-delivery outbound queue. Messages requiring
// confirmation are wrapped in a SECURE_MESSAGE envelope and resent on a fixed
// interval until the receiving side acknowledges, the retry ceiling is
// reached, or the message outlives its TTL. A message is resolved exactly
// once, through exactly one of those paths.
type Queue struct {
	cfg     Config
	sender  Sender
	logger  zerolog.Logger
	metrics *metrics.Metrics

	seq uint64

	mu      sync.Mutex
	pending map[string]*pendingMessage

	stopCh chan struct{}
	doneCh chan struct{}
}

type pendingMessage struct {
	id          string
	deviceID    string
	frame       []byte
	createdAt   time.Time
	lastAttempt time.Time
	attempts    int
	// waiter is resolved at most once; it is nilled under the queue lock the
	// moment an outcome is chosen so no second path can fire for the same id.
	waiter chan bool
}

// Option customizes queue construction.
type Option func(*Queue)

// WithLogger sets a custom logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

// NewQueue constructs the queue and starts its retry and expiry loops.
// Call Stop to shut them down.
func NewQueue(cfg Config, sender Sender, opts ...Option) *Queue {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 30 * time.Second
	}
	if cfg.MessageTTL <= 0 {
		cfg.MessageTTL = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}

	q := &Queue{
		cfg:     cfg,
		sender:  sender,
		logger:  zerolog.Nop(),
		pending: make(map[string]*pendingMessage),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}

	go q.run()

	return q
}

// Enqueue wraps payload in a delivery envelope addressed to deviceID and
// performs an immediate send attempt.
//
// When requireConfirmation is false the call returns true after the first
// attempt regardless of transport outcome (fire-and-forget). When true, the
// call blocks until ConfirmDelivery is invoked for the message, the retry
// ceiling is reached, the message expires, or timeout elapses. A timeout
// resolves as not-delivered but leaves the message queued for background
// retry until retries are also exhausted.
func (q *Queue) Enqueue(deviceID string, payload any, requireConfirmation bool, timeout time.Duration) bool {
	raw, err := json.Marshal(payload)
	if err != nil {
		q.logger.Error().Err(err).Str("device_id", deviceID).Msg("delivery: payload not serializable")
		return false
	}

	msg := protocol.SecureMessage{
		Type:           protocol.TypeSecureMessage,
		MessageID:      uuid.NewString(),
		SequenceNumber: atomic.AddUint64(&q.seq, 1),
		Payload:        raw,
		RequireAck:     requireConfirmation,
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		q.logger.Error().Err(err).Str("device_id", deviceID).Msg("delivery: envelope not serializable")
		return false
	}

	if !requireConfirmation {
		if err := q.sender.Send(deviceID, frame); err != nil {
			q.logger.Debug().Err(err).Str("device_id", deviceID).Msg("delivery: fire-and-forget send failed")
		}
		return true
	}

	now := time.Now()
	pm := &pendingMessage{
		id:          msg.MessageID,
		deviceID:    deviceID,
		frame:       frame,
		createdAt:   now,
		lastAttempt: now,
		attempts:    1,
		waiter:      make(chan bool, 1),
	}

	// Register before the first attempt so a confirmation racing the send
	// cannot miss the entry.
	q.mu.Lock()
	q.pending[msg.MessageID] = pm
	waiter := pm.waiter
	q.mu.Unlock()
	q.gaugePending()

	if err := q.sender.Send(deviceID, frame); err != nil {
		q.MarkFailed(msg.MessageID, err)
	}

	if timeout <= 0 {
		timeout = q.cfg.ConfirmTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case delivered := <-waiter:
		return delivered
	case <-timer.C:
		q.logger.Warn().
			Str("message_id", msg.MessageID).
			Str("device_id", deviceID).
			Dur("timeout", timeout).
			Msg("delivery: confirmation wait timed out, message stays queued")
		return false
	}
}

// ConfirmDelivery removes the message from the pending set and resolves its
// waiter with success. Calling it again for the same id is a no-op.
func (q *Queue) ConfirmDelivery(messageID string) {
	q.mu.Lock()
	pm, ok := q.pending[messageID]
	if ok {
		delete(q.pending, messageID)
	}
	q.mu.Unlock()

	if !ok {
		return
	}
	q.gaugePending()
	q.resolve(pm, true, "confirmed")
}

// MarkFailed records a failed attempt for the message. Once the retry ceiling
// is reached the message is dropped and its waiter resolved with failure.
func (q *Queue) MarkFailed(messageID string, sendErr error) {
	q.mu.Lock()
	pm, ok := q.pending[messageID]
	if !ok {
		q.mu.Unlock()
		return
	}
	exhausted := pm.attempts >= q.cfg.MaxRetries
	if exhausted {
		delete(q.pending, messageID)
	}
	q.mu.Unlock()

	if !exhausted {
		q.logger.Debug().
			Err(sendErr).
			Str("message_id", messageID).
			Int("attempts", pm.attempts).
			Int("max_retries", q.cfg.MaxRetries).
			Msg("delivery: attempt failed")
		return
	}

	q.gaugePending()
	q.logger.Warn().
		Err(sendErr).
		Str("message_id", messageID).
		Str("device_id", pm.deviceID).
		Int("attempts", pm.attempts).
		Msg("delivery: retries exhausted, dropping message")
	q.resolve(pm, false, "exhausted")
}

// PendingCount returns the number of messages awaiting confirmation.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stop shuts down the retry and expiry loops.
func (q *Queue) Stop() {
	close(q.stopCh)
	<-q.doneCh
}

// run drives the retry tick and expiry sweep on independent schedules.
func (q *Queue) run() {
	retry := time.NewTicker(q.cfg.RetryInterval)
	sweep := time.NewTicker(q.cfg.SweepInterval)
	defer retry.Stop()
	defer sweep.Stop()
	defer close(q.doneCh)

	for {
		select {
		case <-q.stopCh:
			return
		case <-retry.C:
			q.retryPending()
		case <-sweep.C:
			q.expireOld()
		}
	}
}

// retryPending resends every pending message whose retry budget remains and
// whose last attempt is at least one retry interval old.
func (q *Queue) retryPending() {
	now := time.Now()

	q.mu.Lock()
	due := make([]*pendingMessage, 0, len(q.pending))
	for _, pm := range q.pending {
		if pm.attempts < q.cfg.MaxRetries && now.Sub(pm.lastAttempt) >= q.cfg.RetryInterval {
			pm.attempts++
			pm.lastAttempt = now
			due = append(due, pm)
		}
	}
	q.mu.Unlock()

	for _, pm := range due {
		if q.metrics != nil {
			q.metrics.DeliveryRetries.Inc()
		}
		if err := q.sender.Send(pm.deviceID, pm.frame); err != nil {
			q.markAttemptOutcome(pm.id, err)
		}
	}
}

// markAttemptOutcome drops a message whose final attempt failed. Unlike
// MarkFailed it does not bump the attempt counter, which retryPending already
// incremented for this attempt.
func (q *Queue) markAttemptOutcome(messageID string, sendErr error) {
	q.mu.Lock()
	pm, ok := q.pending[messageID]
	if !ok || pm.attempts < q.cfg.MaxRetries {
		q.mu.Unlock()
		return
	}
	delete(q.pending, messageID)
	q.mu.Unlock()

	q.gaugePending()
	q.logger.Warn().
		Err(sendErr).
		Str("message_id", messageID).
		Str("device_id", pm.deviceID).
		Int("attempts", pm.attempts).
		Msg("delivery: retries exhausted, dropping message")
	q.resolve(pm, false, "exhausted")
}

// expireOld drops messages older than the TTL regardless of retry count.
// This bounds memory growth from devices that never reconnect.
func (q *Queue) expireOld() {
	now := time.Now()

	q.mu.Lock()
	var expired []*pendingMessage
	for id, pm := range q.pending {
		if now.Sub(pm.createdAt) >= q.cfg.MessageTTL {
			delete(q.pending, id)
			expired = append(expired, pm)
		}
	}
	q.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	q.gaugePending()
	for _, pm := range expired {
		q.logger.Warn().
			Str("message_id", pm.id).
			Str("device_id", pm.deviceID).
			Time("created_at", pm.createdAt).
			Msg("delivery: message expired")
		q.resolve(pm, false, "expired")
	}
}

// resolve completes a waiter. The message has already been removed from the
// pending map, so each id reaches here at most once.
func (q *Queue) resolve(pm *pendingMessage, delivered bool, outcome string) {
	if q.metrics != nil {
		q.metrics.ObserveDelivery(outcome, time.Since(pm.createdAt))
	}
	select {
	case pm.waiter <- delivered:
	default:
		// Waiter already timed out and stopped listening; buffered channel
		// keeps this non-blocking.
	}
}

func (q *Queue) gaugePending() {
	if q.metrics != nil {
		q.mu.Lock()
		n := len(q.pending)
		q.mu.Unlock()
		q.metrics.DeliveriesPending.Set(float64(n))
	}
}
