package payment

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	bridgeerrors "github.com/poslink/bridge/internal/errors"
	"github.com/poslink/bridge/internal/protocol"
)

type modeFunc func() protocol.Mode

func (f modeFunc) CurrentMode() protocol.Mode { return f() }

func fixedMode(m protocol.Mode) ModeSource {
	return modeFunc(func() protocol.Mode { return m })
}

type statusRecorder struct {
	mu      sync.Mutex
	updates []protocol.PaymentStatusPayload
}

func (r *statusRecorder) notify(deviceID string, status protocol.PaymentStatusPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, status)
}

func (r *statusRecorder) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.updates))
	for i, u := range r.updates {
		out[i] = u.Status
	}
	return out
}

func expectCode(t *testing.T, err error, want bridgeerrors.ErrorCode) {
	t.Helper()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error %v is not a ValidationError", err)
	}
	if verr.Code != want {
		t.Fatalf("error code = %s, want %s", verr.Code, want)
	}
}

func TestStart_NegativeAmount(t *testing.T) {
	s := NewService(Config{}, fixedMode(protocol.ModeCDS))

	_, err := s.Start("cashier-1", protocol.StartPaymentPayload{Amount: -5})
	if err == nil {
		t.Fatal("expected rejection for negative amount")
	}
	expectCode(t, err, bridgeerrors.ErrCodeInvalidAmount)

	if s.Ledger().Count() != 0 {
		t.Error("ledger record created for a rejected start")
	}
	if s.TerminalLock().Held() {
		t.Error("lock held after a rejected start")
	}
}

func TestStart_ModeMismatch(t *testing.T) {
	s := NewService(Config{}, fixedMode(protocol.ModeKDS))

	_, err := s.Start("cashier-1", protocol.StartPaymentPayload{Amount: 50})
	if err == nil {
		t.Fatal("expected rejection in kitchen display mode")
	}
	expectCode(t, err, bridgeerrors.ErrCodeModeMismatch)

	if s.Ledger().Count() != 0 {
		t.Error("ledger record created for a rejected start")
	}
}

func TestStart_AmountOverCeiling(t *testing.T) {
	s := NewService(Config{AmountCeiling: 100000}, fixedMode(protocol.ModeCDS))

	_, err := s.Start("cashier-1", protocol.StartPaymentPayload{Amount: 100001})
	if err == nil {
		t.Fatal("expected rejection over the ceiling")
	}
	expectCode(t, err, bridgeerrors.ErrCodeAmountOverCeiling)
}

func TestStart_SecondPaymentRejected(t *testing.T) {
	s := NewService(Config{}, fixedMode(protocol.ModeCDS))

	first, err := s.Start("cashier-1", protocol.StartPaymentPayload{Amount: 20})
	if err != nil {
		t.Fatalf("first start rejected: %v", err)
	}

	_, err = s.Start("cashier-2", protocol.StartPaymentPayload{Amount: 30})
	if err == nil {
		t.Fatal("expected rejection while a payment is in progress")
	}
	expectCode(t, err, bridgeerrors.ErrCodePaymentInProgress)

	// The rejected start must not disturb the live transaction
	tx, ok := s.ActiveTransaction("cashier-1")
	if !ok || tx.ID != first.ID || tx.Status != StatusProcessing {
		t.Errorf("live transaction disturbed: %+v", tx)
	}
	if _, ok := s.ActiveTransaction("cashier-2"); ok {
		t.Error("ledger record created for the rejected start")
	}
}

func TestComplete_ReleasesLock(t *testing.T) {
	rec := &statusRecorder{}
	s := NewService(Config{}, fixedMode(protocol.ModeCDS), WithNotifier(rec.notify))

	tx, err := s.Start("cashier-1", protocol.StartPaymentPayload{Amount: 20})
	if err != nil {
		t.Fatalf("start rejected: %v", err)
	}

	result, _ := json.Marshal(map[string]string{"receipt": "r-1"})
	done, ok := s.Complete("cashier-1", result)
	if !ok {
		t.Fatal("Complete found no live transaction")
	}
	if done.ID != tx.ID || done.Status != StatusCompleted {
		t.Errorf("completed transaction = %+v", done)
	}
	if s.TerminalLock().Held() {
		t.Error("lock still held after completion")
	}
	if _, err := s.Start("cashier-2", protocol.StartPaymentPayload{Amount: 10}); err != nil {
		t.Errorf("start after completion rejected: %v", err)
	}
}

func TestFail_EagerLockRelease(t *testing.T) {
	s := NewService(Config{}, fixedMode(protocol.ModeCDS))

	if _, err := s.Start("cashier-1", protocol.StartPaymentPayload{Amount: 20}); err != nil {
		t.Fatalf("start rejected: %v", err)
	}
	s.Fail("cashier-1", "card declined")

	// A retry must not be blocked by its own failed predecessor
	if _, err := s.Start("cashier-1", protocol.StartPaymentPayload{Amount: 20}); err != nil {
		t.Errorf("retry after failure rejected: %v", err)
	}
}

func TestHandleDisconnect_PendingVerification(t *testing.T) {
	s := NewService(Config{}, fixedMode(protocol.ModeCDS))

	tx, err := s.Start("cashier-1", protocol.StartPaymentPayload{Amount: 75})
	if err != nil {
		t.Fatalf("start rejected: %v", err)
	}

	if !s.HandleDisconnect("cashier-1") {
		t.Fatal("disconnect did not flag the processing transaction")
	}

	got, ok := s.ActiveTransaction("cashier-1")
	if !ok {
		t.Fatal("record discarded on disconnect")
	}
	if got.ID != tx.ID || got.Status != StatusPendingVerification {
		t.Errorf("transaction = %+v, want pending_verification", got)
	}

	// A second disconnect, or one with no processing record, is a no-op
	if s.HandleDisconnect("cashier-1") {
		t.Error("pending_verification record flagged twice")
	}
	if s.HandleDisconnect("cashier-2") {
		t.Error("disconnect flagged a device with no record")
	}
}

func TestDriveTerminal_ApprovedFlow(t *testing.T) {
	rec := &statusRecorder{}
	s := NewService(Config{}, fixedMode(protocol.ModeCDS),
		WithTerminal(&Simulator{}),
		WithNotifier(rec.notify))

	tx, err := s.Start("cashier-1", protocol.StartPaymentPayload{Amount: 42})
	if err != nil {
		t.Fatalf("start rejected: %v", err)
	}

	waitForStatus(t, s, "cashier-1", StatusCompleted)

	got, _ := s.ActiveTransaction("cashier-1")
	if got.ID != tx.ID {
		t.Errorf("transaction id changed during processing")
	}
	if got.Result == nil {
		t.Error("approved transaction has no result payload")
	}

	statuses := rec.statuses()
	if len(statuses) == 0 || statuses[len(statuses)-1] != string(StatusCompleted) {
		t.Errorf("status updates = %v, want trailing completed", statuses)
	}
}

func TestDriveTerminal_DeclinedFlow(t *testing.T) {
	s := NewService(Config{}, fixedMode(protocol.ModeCDS),
		WithTerminal(&Simulator{Script: []EventKind{EventReadingStarted, EventDeclined}}))

	if _, err := s.Start("cashier-1", protocol.StartPaymentPayload{Amount: 42}); err != nil {
		t.Fatalf("start rejected: %v", err)
	}

	waitForStatus(t, s, "cashier-1", StatusFailed)

	got, _ := s.ActiveTransaction("cashier-1")
	if got.Message != "card declined" {
		t.Errorf("failure message = %q", got.Message)
	}
	if s.TerminalLock().Held() {
		t.Error("lock still held after decline")
	}
}

func waitForStatus(t *testing.T, s *Service, deviceID string, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tx, ok := s.ActiveTransaction(deviceID); ok && tx.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	tx, _ := s.ActiveTransaction(deviceID)
	t.Fatalf("transaction never reached %s (last: %+v)", want, tx)
}
