package delivery

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/poslink/bridge/internal/protocol"
)

var errSendFailed = errors.New("send failed")

// fakeSender counts attempts and fails the first failBefore sends. When
// confirmOnSuccess is set, a successful send immediately acknowledges the
// message, standing in for the remote DELIVERY_CONFIRMED.
type fakeSender struct {
	mu               sync.Mutex
	attempts         int
	failBefore       int
	confirmOnSuccess bool
	queue            *Queue
}

func (f *fakeSender) Send(deviceID string, frame []byte) error {
	f.mu.Lock()
	f.attempts++
	n := f.attempts
	f.mu.Unlock()

	if n <= f.failBefore {
		return errSendFailed
	}
	if f.confirmOnSuccess {
		var msg protocol.SecureMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			return err
		}
		f.queue.ConfirmDelivery(msg.MessageID)
	}
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func fastConfig() Config {
	return Config{
		RetryInterval:  20 * time.Millisecond,
		MaxRetries:     10,
		ConfirmTimeout: 2 * time.Second,
		MessageTTL:     time.Hour,
		SweepInterval:  time.Hour,
	}
}

func TestEnqueue_FireAndForget(t *testing.T) {
	sender := &fakeSender{failBefore: 1000} // transport always failing
	q := NewQueue(fastConfig(), sender)
	defer q.Stop()

	delivered := q.Enqueue("display-1", map[string]string{"type": "UPDATE_CART"}, false, 0)
	if !delivered {
		t.Error("fire-and-forget should report success regardless of transport outcome")
	}
	if sender.count() != 1 {
		t.Errorf("attempts = %d, want 1", sender.count())
	}
	if q.PendingCount() != 0 {
		t.Errorf("fire-and-forget message left queued")
	}
}

func TestEnqueue_ConfirmedFirstAttempt(t *testing.T) {
	sender := &fakeSender{confirmOnSuccess: true}
	q := NewQueue(fastConfig(), sender)
	defer q.Stop()
	sender.queue = q

	delivered := q.Enqueue("display-1", map[string]string{"type": "NEW_ORDER"}, true, 0)
	if !delivered {
		t.Fatal("expected delivery to succeed")
	}
	if sender.count() != 1 {
		t.Errorf("attempts = %d, want 1", sender.count())
	}
	if q.PendingCount() != 0 {
		t.Errorf("confirmed message left queued")
	}
}

func TestEnqueue_RetryThenSucceed(t *testing.T) {
	sender := &fakeSender{failBefore: 2, confirmOnSuccess: true}
	q := NewQueue(fastConfig(), sender)
	defer q.Stop()
	sender.queue = q

	delivered := q.Enqueue("display-1", map[string]string{"type": "NEW_ORDER"}, true, 3*time.Second)
	if !delivered {
		t.Fatal("expected delivery to succeed after retries")
	}
	if got := sender.count(); got != 3 {
		t.Errorf("attempts = %d, want exactly 3", got)
	}
	if q.PendingCount() != 0 {
		t.Errorf("confirmed message left queued")
	}
}

func TestEnqueue_RetryExhaustion(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 3
	sender := &fakeSender{failBefore: 1000}
	q := NewQueue(cfg, sender)
	defer q.Stop()

	delivered := q.Enqueue("display-1", map[string]string{"type": "NEW_ORDER"}, true, 3*time.Second)
	if delivered {
		t.Fatal("expected delivery to fail after retry exhaustion")
	}
	if got := sender.count(); got != 3 {
		t.Errorf("attempts = %d, want exactly %d", got, cfg.MaxRetries)
	}
	if q.PendingCount() != 0 {
		t.Errorf("exhausted message still queued")
	}
}

func TestConfirmDelivery_Idempotent(t *testing.T) {
	var msgID string
	captured := make(chan string, 1)
	capturing := SenderFunc(func(deviceID string, frame []byte) error {
		var msg protocol.SecureMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			return err
		}
		select {
		case captured <- msg.MessageID:
		default:
		}
		return nil
	})
	q := NewQueue(fastConfig(), capturing)
	defer q.Stop()

	done := make(chan bool, 1)
	go func() {
		done <- q.Enqueue("display-1", map[string]string{"type": "NEW_ORDER"}, true, 2*time.Second)
	}()

	select {
	case msgID = <-captured:
	case <-time.After(time.Second):
		t.Fatal("send never happened")
	}

	q.ConfirmDelivery(msgID)
	q.ConfirmDelivery(msgID) // second call must be a no-op

	select {
	case delivered := <-done:
		if !delivered {
			t.Error("expected delivery success")
		}
	case <-time.After(time.Second):
		t.Fatal("Enqueue did not return")
	}
	if q.PendingCount() != 0 {
		t.Errorf("pending count = %d after confirmation, want 0", q.PendingCount())
	}
}

func TestEnqueue_TimeoutLeavesMessageQueued(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryInterval = time.Hour // no background retries during the test
	sender := &fakeSender{failBefore: 1000}
	q := NewQueue(cfg, sender)
	defer q.Stop()

	delivered := q.Enqueue("display-1", map[string]string{"type": "NEW_ORDER"}, true, 50*time.Millisecond)
	if delivered {
		t.Error("expected timeout to resolve as not-delivered")
	}
	if q.PendingCount() != 1 {
		t.Errorf("pending count = %d after waiter timeout, want 1 (message stays for retry)", q.PendingCount())
	}
}

func TestExpirySweep_DropsOldMessages(t *testing.T) {
	cfg := Config{
		RetryInterval:  time.Hour, // isolate the expiry path
		MaxRetries:     10,
		ConfirmTimeout: time.Second,
		MessageTTL:     30 * time.Millisecond,
		SweepInterval:  20 * time.Millisecond,
	}
	sender := &fakeSender{failBefore: 1000}
	q := NewQueue(cfg, sender)
	defer q.Stop()

	delivered := q.Enqueue("display-1", map[string]string{"type": "NEW_ORDER"}, true, 2*time.Second)
	if delivered {
		t.Error("expected expired message to resolve as not-delivered")
	}
	if q.PendingCount() != 0 {
		t.Errorf("expired message still queued")
	}
}
