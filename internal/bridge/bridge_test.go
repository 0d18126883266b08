package bridge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/poslink/bridge/internal/auth"
	"github.com/poslink/bridge/internal/delivery"
	"github.com/poslink/bridge/internal/payment"
	"github.com/poslink/bridge/internal/protocol"
)

const testSecret = "bridge-test-secret-0123456789"

func newTestServer(t *testing.T, hubCfg Config, hubOpts ...Option) (*Hub, *httptest.Server) {
	t.Helper()

	if hubCfg.AuthTimeout <= 0 {
		hubCfg.AuthTimeout = 2 * time.Second
	}
	if hubCfg.CheckInterval <= 0 {
		hubCfg.CheckInterval = time.Hour
	}
	if hubCfg.ConnectionTimeout <= 0 {
		hubCfg.ConnectionTimeout = time.Hour
	}

	authSvc := auth.NewService(auth.Config{SharedSecret: testSecret})
	t.Cleanup(authSvc.Stop)

	hub := NewHub(hubCfg, authSvc,
		delivery.Config{
			RetryInterval:  50 * time.Millisecond,
			MaxRetries:     3,
			ConfirmTimeout: time.Second,
			MessageTTL:     time.Hour,
			SweepInterval:  time.Hour,
		},
		payment.Config{},
		hubOpts...)
	t.Cleanup(hub.Stop)

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Accept(ws, r.RemoteAddr)
	}))
	t.Cleanup(srv.Close)

	return hub, srv
}

// frame is the loose client-side view of any server frame.
type frame struct {
	Type              string                        `json:"type"`
	Token             string                        `json:"token"`
	CurrentMode       string                        `json:"currentMode"`
	Challenge         string                        `json:"challenge"`
	Code              string                        `json:"code"`
	Message           string                        `json:"message"`
	MessageID         string                        `json:"messageId"`
	RequireAck        bool                          `json:"requireAck"`
	Payload           json.RawMessage               `json:"payload"`
	ServerPort        int                           `json:"serverPort"`
	ActiveTransaction *protocol.TransactionSnapshot `json:"activeTransaction"`
}

type testClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func dial(t *testing.T, srv *httptest.Server) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return &testClient{t: t, ws: ws}
}

func (c *testClient) send(v any) {
	c.t.Helper()
	if err := c.ws.WriteJSON(v); err != nil {
		c.t.Fatalf("write failed: %v", err)
	}
}

func (c *testClient) read() (frame, error) {
	c.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal(data, &f); err != nil {
		c.t.Fatalf("unreadable frame %s: %v", data, err)
	}
	return f, nil
}

// readUntil skips frames until one of the wanted type arrives.
func (c *testClient) readUntil(wantType string) frame {
	c.t.Helper()
	for i := 0; i < 20; i++ {
		f, err := c.read()
		if err != nil {
			c.t.Fatalf("connection closed while waiting for %s: %v", wantType, err)
		}
		if f.Type == wantType {
			return f
		}
	}
	c.t.Fatalf("never received %s", wantType)
	return frame{}
}

// authenticate runs the full handshake and returns the session token.
func (c *testClient) authenticate(deviceID string, role protocol.Role) string {
	c.t.Helper()

	challenge := c.readUntil(protocol.TypeAuthChallenge)
	c.send(map[string]any{
		"type":      protocol.TypeAuthResponse,
		"challenge": challenge.Challenge,
		"response":  auth.SignChallenge(challenge.Challenge, []byte(testSecret)),
		"deviceId":  deviceID,
		"role":      string(role),
	})

	success := c.readUntil(protocol.TypeAuthSuccess)
	c.readUntil(protocol.TypeReconnected)
	return success.Token
}

func seqPtr(n uint64) *uint64 { return &n }

func TestHandshake_ValidResponse(t *testing.T) {
	_, srv := newTestServer(t, Config{})
	c := dial(t, srv)

	challenge := c.readUntil(protocol.TypeAuthChallenge)
	if challenge.Challenge == "" {
		t.Fatal("challenge frame carried no challenge")
	}

	c.send(map[string]any{
		"type":      protocol.TypeAuthResponse,
		"challenge": challenge.Challenge,
		"response":  auth.SignChallenge(challenge.Challenge, []byte(testSecret)),
		"deviceId":  "cashier-1",
		"role":      "cashier",
	})

	success := c.readUntil(protocol.TypeAuthSuccess)
	if parts := strings.Split(success.Token, "."); len(parts) != 3 {
		t.Errorf("token has %d parts, want 3", len(parts))
	}
	if success.CurrentMode != string(protocol.ModeCDS) {
		t.Errorf("currentMode = %q, want CDS", success.CurrentMode)
	}

	snapshot := c.readUntil(protocol.TypeReconnected)
	if snapshot.ActiveTransaction != nil {
		t.Error("fresh device got a transaction snapshot")
	}
}

func TestHandshake_ForgedResponseCloses(t *testing.T) {
	_, srv := newTestServer(t, Config{})
	c := dial(t, srv)

	challenge := c.readUntil(protocol.TypeAuthChallenge)
	c.send(map[string]any{
		"type":      protocol.TypeAuthResponse,
		"challenge": challenge.Challenge,
		"response":  "not-a-valid-hmac",
		"deviceId":  "intruder",
	})

	failed := c.readUntil(protocol.TypeAuthFailed)
	if failed.Message == "" {
		t.Error("AUTH_FAILED carried no message")
	}
	if _, err := c.read(); err == nil {
		t.Error("connection stayed open after failed handshake")
	}
}

func TestHandshake_MessageBeforeAuthCloses(t *testing.T) {
	_, srv := newTestServer(t, Config{})
	c := dial(t, srv)

	c.readUntil(protocol.TypeAuthChallenge)
	c.send(map[string]any{"type": protocol.TypePing})

	errFrame := c.readUntil(protocol.TypeError)
	if errFrame.Code != "unauthenticated" {
		t.Errorf("error code = %q, want unauthenticated", errFrame.Code)
	}
	if _, err := c.read(); err == nil {
		t.Error("connection stayed open after pre-auth message")
	}
}

func TestHandshake_Timeout(t *testing.T) {
	_, srv := newTestServer(t, Config{AuthTimeout: 100 * time.Millisecond})
	c := dial(t, srv)

	c.readUntil(protocol.TypeAuthChallenge)
	// Never respond

	failed := c.readUntil(protocol.TypeAuthFailed)
	if !strings.Contains(failed.Message, "timed out") {
		t.Errorf("AUTH_FAILED message = %q", failed.Message)
	}
	if _, err := c.read(); err == nil {
		t.Error("connection stayed open after handshake timeout")
	}
}

func TestPing_Pong(t *testing.T) {
	_, srv := newTestServer(t, Config{})
	c := dial(t, srv)
	c.authenticate("display-1", protocol.RoleDisplay)

	c.send(map[string]any{"type": protocol.TypePing})
	c.readUntil(protocol.TypePong)
}

func TestStartPayment_NegativeAmount(t *testing.T) {
	hub, srv := newTestServer(t, Config{})
	c := dial(t, srv)
	c.authenticate("cashier-1", protocol.RoleCashier)

	c.send(protocol.Envelope{
		Type:           protocol.TypeStartPayment,
		SequenceNumber: seqPtr(1),
		Data:           json.RawMessage(`{"amount":-5}`),
	})

	failed := c.readUntil(protocol.TypePaymentFailed)
	if !strings.Contains(failed.Message, "positive") {
		t.Errorf("rejection message = %q, want one naming the positive-amount rule", failed.Message)
	}
	if failed.Code != "invalid_amount" {
		t.Errorf("rejection code = %q, want invalid_amount", failed.Code)
	}
	if hub.Payments().Ledger().Count() != 0 {
		t.Error("rejected payment created a ledger record")
	}
}

func TestStartPayment_ModeMismatch(t *testing.T) {
	hub, srv := newTestServer(t, Config{})
	c := dial(t, srv)
	c.authenticate("cashier-1", protocol.RoleCashier)

	c.send(protocol.Envelope{
		Type:           protocol.TypeSetMode,
		SequenceNumber: seqPtr(1),
		Data:           json.RawMessage(`{"mode":"KDS"}`),
	})
	c.send(protocol.Envelope{
		Type:           protocol.TypeStartPayment,
		SequenceNumber: seqPtr(2),
		Data:           json.RawMessage(`{"amount":50}`),
	})

	failed := c.readUntil(protocol.TypePaymentFailed)
	if failed.Code != "mode_mismatch" {
		t.Errorf("rejection code = %q, want mode_mismatch", failed.Code)
	}
	if hub.CurrentMode() != protocol.ModeKDS {
		t.Errorf("mode = %s after SET_MODE, want KDS", hub.CurrentMode())
	}
	if hub.Payments().Ledger().Count() != 0 {
		t.Error("rejected payment created a ledger record")
	}
}

func TestNewOrder_GuaranteedFanOut(t *testing.T) {
	hub, srv := newTestServer(t, Config{})

	display := dial(t, srv)
	display.authenticate("display-1", protocol.RoleDisplay)

	cashier := dial(t, srv)
	cashier.authenticate("cashier-1", protocol.RoleCashier)

	cashier.send(protocol.Envelope{
		Type:           protocol.TypeNewOrder,
		SequenceNumber: seqPtr(1),
		Data:           json.RawMessage(`{"orderId":"o-1"}`),
	})

	secure := display.readUntil(protocol.TypeSecureMessage)
	if !secure.RequireAck {
		t.Error("order fan-out did not require acknowledgment")
	}
	var inner protocol.Envelope
	if err := json.Unmarshal(secure.Payload, &inner); err != nil {
		t.Fatalf("secure payload unreadable: %v", err)
	}
	if inner.Type != protocol.TypeNewOrder {
		t.Errorf("forwarded type = %q, want NEW_ORDER", inner.Type)
	}

	display.send(map[string]any{
		"type":      protocol.TypeDeliveryConfirmed,
		"messageId": secure.MessageID,
	})

	deadline := time.Now().Add(2 * time.Second)
	for hub.Queue().PendingCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("delivery never confirmed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestReconnect_PendingVerificationSnapshot(t *testing.T) {
	hub, srv := newTestServer(t, Config{})

	c := dial(t, srv)
	c.authenticate("cashier-1", protocol.RoleCashier)

	c.send(protocol.Envelope{
		Type:           protocol.TypeStartPayment,
		SequenceNumber: seqPtr(1),
		Data:           json.RawMessage(`{"amount":50}`),
	})

	waitFor(t, func() bool {
		tx, ok := hub.Payments().ActiveTransaction("cashier-1")
		return ok && tx.Status == payment.StatusProcessing
	}, "payment never reached processing")

	// Drop mid-payment; the ledger entry must survive as pending_verification
	c.ws.Close()
	waitFor(t, func() bool {
		tx, ok := hub.Payments().ActiveTransaction("cashier-1")
		return ok && tx.Status == payment.StatusPendingVerification
	}, "disconnect did not flag the transaction")

	re := dial(t, srv)
	challenge := re.readUntil(protocol.TypeAuthChallenge)
	re.send(map[string]any{
		"type":      protocol.TypeAuthResponse,
		"challenge": challenge.Challenge,
		"response":  auth.SignChallenge(challenge.Challenge, []byte(testSecret)),
		"deviceId":  "cashier-1",
		"role":      "cashier",
	})
	re.readUntil(protocol.TypeAuthSuccess)

	snapshot := re.readUntil(protocol.TypeReconnected)
	if snapshot.ActiveTransaction == nil {
		t.Fatal("reconnection snapshot carried no transaction")
	}
	if snapshot.ActiveTransaction.Status != string(payment.StatusPendingVerification) {
		t.Errorf("snapshot status = %q, want pending_verification", snapshot.ActiveTransaction.Status)
	}
	if snapshot.ActiveTransaction.Amount != 50 {
		t.Errorf("snapshot amount = %v, want 50", snapshot.ActiveTransaction.Amount)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}
