package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	bridgeerrors "github.com/poslink/bridge/internal/errors"
	"github.com/poslink/bridge/internal/metrics"
	"github.com/poslink/bridge/internal/protocol"
)

// ModeSource exposes the current application mode. The bridge hub owns the
// mode; the service only reads it to gate payment starts.
type ModeSource interface {
	CurrentMode() protocol.Mode
}

// Notifier receives payment progress updates addressed to a device. The
// bridge wires this to the delivery queue; tests capture it directly.
type Notifier func(deviceID string, status protocol.PaymentStatusPayload)

// ValidationError is a rejected payment start. It carries the machine code
// reported back to the device; these never close the connection.
type ValidationError struct {
	Code    bridgeerrors.ErrorCode
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Config holds payment service configuration.
type Config struct {
	LockTimeout   time.Duration // Stale lock takeover threshold (default: 5m)
	AmountCeiling float64       // Maximum accepted amount (default: 100000)
}

// Service gates and tracks payment operations. A start must pass three
// checks: the display must be in customer-facing mode, the amount must be a
// positive number under the ceiling, and the terminal lock must be free.
// Only then is a ledger record created and the terminal driven. The lock is
// released on every terminal transition, and eagerly on failure so a retry
// is not blocked by its own failed predecessor.
type Service struct {
	cfg      Config
	lock     *Lock
	ledger   *Ledger
	modes    ModeSource
	terminal Terminal
	notify   Notifier
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// Option customizes service construction.
type Option func(*Service)

// WithLogger sets a custom logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithTerminal sets the payment terminal SDK adapter. Without one, status
// transitions come only from the cashier's explicit status messages.
func WithTerminal(t Terminal) Option {
	return func(s *Service) {
		s.terminal = t
	}
}

// WithNotifier sets the progress update sink.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		s.notify = n
	}
}

// NewService constructs the payment service.
func NewService(cfg Config, modes ModeSource, opts ...Option) *Service {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Minute
	}
	if cfg.AmountCeiling <= 0 {
		cfg.AmountCeiling = 100000
	}

	s := &Service{
		cfg:    cfg,
		modes:  modes,
		logger: zerolog.Nop(),
		notify: func(string, protocol.PaymentStatusPayload) {},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lock = NewLock(cfg.LockTimeout, WithLockLogger(s.logger), WithLockMetrics(s.metrics))
	s.ledger = NewLedger(s.logger)
	return s
}

// Start validates and begins a payment operation for the device. On success
// the returned transaction is in the processing state and, when a terminal
// adapter is configured, the card operation is already running in the
// background. Rejections return a *ValidationError and create no ledger
// record.
func (s *Service) Start(deviceID string, req protocol.StartPaymentPayload) (Transaction, error) {
	if mode := s.modes.CurrentMode(); mode != protocol.ModeCDS {
		return s.reject(deviceID, bridgeerrors.ErrCodeModeMismatch,
			fmt.Sprintf("payments can only start in customer display mode (current mode: %s)", mode))
	}
	if req.Amount <= 0 {
		return s.reject(deviceID, bridgeerrors.ErrCodeInvalidAmount,
			"amount must be a positive number")
	}
	if req.Amount > s.cfg.AmountCeiling {
		return s.reject(deviceID, bridgeerrors.ErrCodeAmountOverCeiling,
			fmt.Sprintf("amount %.2f exceeds the maximum of %.0f", req.Amount, s.cfg.AmountCeiling))
	}
	if !s.lock.Acquire(deviceID) {
		return s.reject(deviceID, bridgeerrors.ErrCodePaymentInProgress,
			"another payment operation is already in progress")
	}

	tx := s.ledger.Begin(deviceID, req.Amount)
	if s.metrics != nil {
		s.metrics.ObservePayment("started", 0)
	}

	if s.terminal != nil {
		go s.driveTerminal(deviceID, tx)
	}
	return tx, nil
}

func (s *Service) reject(deviceID string, code bridgeerrors.ErrorCode, message string) (Transaction, error) {
	if s.metrics != nil {
		s.metrics.ObservePayment("rejected", 0)
	}
	s.logger.Warn().
		Str("device_id", deviceID).
		Str("code", string(code)).
		Msg("payment.start_rejected")
	return Transaction{}, &ValidationError{Code: code, Message: message}
}

// driveTerminal runs one card operation and maps the SDK's event stream onto
// ledger transitions and progress notifications.
func (s *Service) driveTerminal(deviceID string, tx Transaction) {
	events, err := s.terminal.Process(context.Background(), tx.ID, tx.Amount)
	if err != nil {
		s.Fail(deviceID, fmt.Sprintf("terminal unavailable: %v", err))
		return
	}

	for ev := range events {
		switch ev.Kind {
		case EventApproved:
			s.Complete(deviceID, ev.Result)
			return
		case EventDeclined:
			s.Fail(deviceID, nonEmpty(ev.Message, "card declined"))
			return
		case EventError:
			s.Fail(deviceID, nonEmpty(ev.Message, "terminal error"))
			return
		default:
			s.notify(deviceID, protocol.PaymentStatusPayload{
				TransactionID: tx.ID,
				Status:        string(ev.Kind),
				Amount:        tx.Amount,
				Message:       ev.Message,
			})
		}
	}
	// Stream ended without a final event; treat as an aborted operation
	s.Fail(deviceID, "terminal stream ended unexpectedly")
}

// Complete marks the device's transaction completed and releases the lock.
func (s *Service) Complete(deviceID string, result json.RawMessage) (Transaction, bool) {
	return s.resolve(deviceID, StatusCompleted, result, "")
}

// Fail marks the device's transaction failed and releases the lock so a
// retry is not blocked by its failed predecessor.
func (s *Service) Fail(deviceID string, reason string) (Transaction, bool) {
	return s.resolve(deviceID, StatusFailed, nil, reason)
}

// Cancel marks the device's transaction cancelled and releases the lock.
func (s *Service) Cancel(deviceID string) (Transaction, bool) {
	return s.resolve(deviceID, StatusCancelled, nil, "")
}

func (s *Service) resolve(deviceID string, status Status, result json.RawMessage, message string) (Transaction, bool) {
	tx, ok := s.ledger.SetStatus(deviceID, status, result, message)
	if !ok {
		return Transaction{}, false
	}
	s.lock.Release()
	if s.metrics != nil {
		s.metrics.ObservePayment(string(status), tx.Amount)
	}
	s.notify(deviceID, protocol.PaymentStatusPayload{
		TransactionID: tx.ID,
		Status:        string(status),
		Amount:        tx.Amount,
		Message:       message,
	})
	return tx, true
}

// Clear removes the device's transaction record after the operator has
// acknowledged the outcome.
func (s *Service) Clear(deviceID string) {
	s.ledger.Clear(deviceID)
}

// HandleDisconnect flips a processing transaction to pending_verification.
// The record is kept: the physical terminal may have completed the payment
// even though the link to report it back failed. The lock is not released
// here; if the operation truly died, the stale takeover reclaims it.
func (s *Service) HandleDisconnect(deviceID string) bool {
	return s.ledger.MarkPendingVerification(deviceID)
}

// ActiveTransaction returns the device's live record for the reconnection
// snapshot.
func (s *Service) ActiveTransaction(deviceID string) (Transaction, bool) {
	return s.ledger.Get(deviceID)
}

// TerminalLock exposes the terminal lock for status reporting.
func (s *Service) TerminalLock() *Lock {
	return s.lock
}

// Ledger exposes the transaction ledger.
func (s *Service) Ledger() *Ledger {
	return s.ledger
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
