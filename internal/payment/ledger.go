package payment

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/poslink/bridge/internal/protocol"
)

// Status is the lifecycle state of a payment transaction.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	// StatusPendingVerification marks a transaction whose device disconnected
	// mid-payment. The physical terminal may have completed it even though the
	// link to report the outcome failed, so the record is held for
	// reconciliation instead of being discarded.
	StatusPendingVerification Status = "pending_verification"
)

// Terminal reports whether the status is an end state of the transaction.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Transaction is one in-flight payment record.
type Transaction struct {
	ID        string
	DeviceID  string
	Amount    float64
	Status    Status
	StartedAt time.Time
	Result    json.RawMessage
	Message   string
}

// Snapshot converts the record into its wire representation for the
// reconnection handshake.
func (t *Transaction) Snapshot() *protocol.TransactionSnapshot {
	return &protocol.TransactionSnapshot{
		TransactionID: t.ID,
		Status:        string(t.Status),
		Amount:        t.Amount,
		StartedAt:     t.StartedAt,
	}
}

// Ledger tracks at most one live transaction per device id. Records survive a
// disconnect so a reconnecting device can be told the true state instead of
// re-triggering payment.
type Ledger struct {
	logger zerolog.Logger

	mu      sync.Mutex
	records map[string]*Transaction
}

// NewLedger constructs an empty ledger.
func NewLedger(logger zerolog.Logger) *Ledger {
	return &Ledger{
		logger:  logger,
		records: make(map[string]*Transaction),
	}
}

// Begin creates a processing record for the device, superseding any previous
// record for the same device id.
func (l *Ledger) Begin(deviceID string, amount float64) Transaction {
	tx := &Transaction{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Amount:    amount,
		Status:    StatusProcessing,
		StartedAt: time.Now().UTC(),
	}

	l.mu.Lock()
	l.records[deviceID] = tx
	l.mu.Unlock()

	l.logger.Info().
		Str("transaction_id", tx.ID).
		Str("device_id", deviceID).
		Float64("amount", amount).
		Msg("payment.transaction_started")
	return *tx
}

// Get returns a copy of the device's live record.
func (l *Ledger) Get(deviceID string) (Transaction, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.records[deviceID]
	if !ok {
		return Transaction{}, false
	}
	return *tx, true
}

// SetStatus transitions the device's record and attaches an optional result
// payload and message. Returns the updated record.
func (l *Ledger) SetStatus(deviceID string, status Status, result json.RawMessage, message string) (Transaction, bool) {
	l.mu.Lock()
	tx, ok := l.records[deviceID]
	if !ok {
		l.mu.Unlock()
		return Transaction{}, false
	}
	tx.Status = status
	if result != nil {
		tx.Result = result
	}
	if message != "" {
		tx.Message = message
	}
	out := *tx
	l.mu.Unlock()

	l.logger.Info().
		Str("transaction_id", out.ID).
		Str("device_id", deviceID).
		Str("status", string(status)).
		Msg("payment.transaction_status")
	return out, true
}

// MarkPendingVerification flips a processing record to pending_verification.
// Records in any other state are left untouched.
func (l *Ledger) MarkPendingVerification(deviceID string) bool {
	l.mu.Lock()
	tx, ok := l.records[deviceID]
	if !ok || tx.Status != StatusProcessing {
		l.mu.Unlock()
		return false
	}
	tx.Status = StatusPendingVerification
	id := tx.ID
	l.mu.Unlock()

	l.logger.Warn().
		Str("transaction_id", id).
		Str("device_id", deviceID).
		Msg("payment.transaction_pending_verification")
	return true
}

// Clear removes the device's record.
func (l *Ledger) Clear(deviceID string) {
	l.mu.Lock()
	delete(l.records, deviceID)
	l.mu.Unlock()
}

// Count returns the number of live records.
func (l *Ledger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}
