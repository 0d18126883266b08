package sequencer

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/poslink/bridge/internal/metrics"
	"github.com/poslink/bridge/internal/protocol"
)

// Handler receives messages in strictly increasing sequence order per device.
type Handler func(deviceID string, env *protocol.Envelope)

// Sequencer is the per-device monotonic ordering buffer. Messages without a
// sequence number are order-insensitive and dispatch immediately; sequenced
// messages are applied exactly once, in order, with duplicates and stale
// replays discarded. A gap holds successors in the buffer until the missing
// predecessor arrives.
type Sequencer struct {
	handler Handler
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	devices map[string]*deviceState
}

type deviceState struct {
	// mu serializes dispatch for one device; the handler runs under it so
	// ordering cannot be broken by concurrent receives for the same device.
	mu          sync.Mutex
	lastApplied uint64
	buffer      map[uint64]*protocol.Envelope
}

// Option customizes sequencer construction.
type Option func(*Sequencer)

// WithLogger sets a custom logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Sequencer) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sequencer) {
		s.metrics = m
	}
}

// New constructs a sequencer dispatching to the given handler.
func New(handler Handler, opts ...Option) *Sequencer {
	s := &Sequencer{
		handler: handler,
		logger:  zerolog.Nop(),
		devices: make(map[string]*deviceState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Receive accepts an inbound message for a device. The envelope's sequence
// number (when present) decides whether it is dispatched now, buffered, or
// discarded as a duplicate.
func (s *Sequencer) Receive(deviceID string, env *protocol.Envelope) {
	if env.SequenceNumber == nil {
		// Order-insensitive control message; last-write-wins semantics
		s.dispatch(deviceID, env)
		return
	}

	st := s.stateFor(deviceID)
	seq := *env.SequenceNumber

	st.mu.Lock()
	defer st.mu.Unlock()

	switch {
	case seq <= st.lastApplied:
		s.logger.Debug().
			Str("device_id", deviceID).
			Uint64("seq", seq).
			Uint64("last_applied", st.lastApplied).
			Msg("sequencer.duplicate_discarded")
		if s.metrics != nil {
			s.metrics.MessagesDuplicate.Inc()
		}

	case seq == st.lastApplied+1:
		s.dispatch(deviceID, env)
		st.lastApplied = seq
		s.drain(deviceID, st)

	default:
		st.buffer[seq] = env
		s.logger.Debug().
			Str("device_id", deviceID).
			Uint64("seq", seq).
			Uint64("expected", st.lastApplied+1).
			Msg("sequencer.buffered_out_of_order")
		s.gauge(deviceID, len(st.buffer))
	}
}

// drain dispatches consecutive buffered successors. Caller holds st.mu.
func (s *Sequencer) drain(deviceID string, st *deviceState) {
	for {
		next, ok := st.buffer[st.lastApplied+1]
		if !ok {
			break
		}
		delete(st.buffer, st.lastApplied+1)
		s.dispatch(deviceID, next)
		st.lastApplied++
	}
	s.gauge(deviceID, len(st.buffer))
}

// LastApplied returns the highest sequence number applied for a device.
func (s *Sequencer) LastApplied(deviceID string) uint64 {
	st := s.stateFor(deviceID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastApplied
}

// BufferedCount returns how many out-of-order messages a device has waiting.
// A count that only grows indicates a permanently lost predecessor.
func (s *Sequencer) BufferedCount(deviceID string) int {
	st := s.stateFor(deviceID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.buffer)
}

func (s *Sequencer) stateFor(deviceID string) *deviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.devices[deviceID]
	if !ok {
		st = &deviceState{buffer: make(map[uint64]*protocol.Envelope)}
		s.devices[deviceID] = st
	}
	return st
}

func (s *Sequencer) dispatch(deviceID string, env *protocol.Envelope) {
	if s.metrics != nil {
		s.metrics.MessagesDispatched.WithLabelValues(env.Type).Inc()
	}
	s.handler(deviceID, env)
}

func (s *Sequencer) gauge(deviceID string, buffered int) {
	if s.metrics != nil {
		s.metrics.MessagesBuffered.WithLabelValues(deviceID).Set(float64(buffered))
	}
}
