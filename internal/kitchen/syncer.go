package kitchen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/poslink/bridge/internal/httputil"
	"github.com/poslink/bridge/internal/metrics"
)

// maxBufferedOrders bounds memory when the backend is down for a long time.
const maxBufferedOrders = 100

// Config holds kitchen backend sync configuration.
type Config struct {
	SyncURL      string            // POST target; empty disables sync
	SyncInterval time.Duration     // Push cadence (default: 30s)
	Timeout      time.Duration     // Per-request timeout (default: 5s)
	Headers      map[string]string // Extra headers (auth tokens etc.)
	Breaker      BreakerConfig
}

// BreakerConfig configures the circuit breaker guarding the backend.
type BreakerConfig struct {
	MaxRequests         uint32        // Requests allowed half-open (default: 3)
	Interval            time.Duration // Closed-state stats reset (default: 60s)
	Timeout             time.Duration // Open-state duration (default: 30s)
	ConsecutiveFailures uint32        // Failures to trip (default: 5)
}

// OrderRecord is one accepted order waiting to be pushed.
type OrderRecord struct {
	DeviceID   string          `json:"deviceId"`
	Order      json.RawMessage `json:"order"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// Syncer pushes accepted kitchen orders to an external backend on a fixed
// cadence. Sync is strictly best-effort: the pairing protocol never waits on
// it, failures only delay the next push, and a circuit breaker keeps a dead
// backend from soaking up timeouts.
type Syncer struct {
	cfg     Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	buffer []OrderRecord

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option customizes syncer construction.
type Option func(*Syncer)

// WithLogger sets a custom logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Syncer) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Syncer) {
		s.metrics = m
	}
}

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Syncer) {
		s.client = client
	}
}

// NewSyncer constructs the syncer and starts its push loop.
// Call Stop to shut it down.
func NewSyncer(cfg Config, opts ...Option) *Syncer {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Breaker.MaxRequests == 0 {
		cfg.Breaker.MaxRequests = 3
	}
	if cfg.Breaker.Interval <= 0 {
		cfg.Breaker.Interval = time.Minute
	}
	if cfg.Breaker.Timeout <= 0 {
		cfg.Breaker.Timeout = 30 * time.Second
	}
	if cfg.Breaker.ConsecutiveFailures == 0 {
		cfg.Breaker.ConsecutiveFailures = 5
	}

	s := &Syncer{
		cfg:    cfg,
		client: httputil.NewClient(cfg.Timeout),
		logger: zerolog.Nop(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "kitchen_backend",
		MaxRequests: cfg.Breaker.MaxRequests,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Breaker.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("kitchen.breaker_state_changed")
		},
	})

	go s.run()

	return s
}

// RecordOrder buffers an accepted order for the next push. The oldest order
// is dropped once the buffer is full.
func (s *Syncer) RecordOrder(deviceID string, order json.RawMessage) {
	rec := OrderRecord{
		DeviceID:   deviceID,
		Order:      append(json.RawMessage(nil), order...),
		ReceivedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.buffer = append(s.buffer, rec)
	if len(s.buffer) > maxBufferedOrders {
		s.buffer = s.buffer[len(s.buffer)-maxBufferedOrders:]
	}
	s.mu.Unlock()
}

// Buffered returns the number of orders waiting to be pushed.
func (s *Syncer) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Stop shuts the push loop down. A final push is attempted for any buffered
// orders.
func (s *Syncer) Stop() {
	close(s.stopCh)
	<-s.doneCh

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()
	s.Flush(ctx)
}

func (s *Syncer) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
			if err := s.Flush(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("kitchen.sync_failed")
			}
			cancel()
		}
	}
}

// Flush pushes every buffered order in one request. Orders stay buffered
// until a push succeeds.
func (s *Syncer) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := make([]OrderRecord, len(s.buffer))
	copy(batch, s.buffer)
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.push(ctx, batch)
	})
	if err != nil {
		outcome := "failure"
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			outcome = "breaker_open"
		}
		s.count(outcome)
		return err
	}

	// Drop only what this batch covered; orders recorded mid-push stay
	s.mu.Lock()
	if len(s.buffer) >= len(batch) {
		s.buffer = s.buffer[len(batch):]
	} else {
		s.buffer = nil
	}
	s.mu.Unlock()

	s.count("success")
	s.logger.Debug().Int("orders", len(batch)).Msg("kitchen.sync_pushed")
	return nil
}

func (s *Syncer) push(ctx context.Context, batch []OrderRecord) error {
	body, err := json.Marshal(map[string]any{"orders": batch})
	if err != nil {
		return fmt.Errorf("encode sync batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.SyncURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("push sync batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("kitchen backend returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *Syncer) count(outcome string) {
	if s.metrics != nil {
		s.metrics.KitchenSyncTotal.WithLabelValues(outcome).Inc()
	}
}
