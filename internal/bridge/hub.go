package bridge

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/poslink/bridge/internal/auth"
	"github.com/poslink/bridge/internal/delivery"
	bridgeerrors "github.com/poslink/bridge/internal/errors"
	"github.com/poslink/bridge/internal/metrics"
	"github.com/poslink/bridge/internal/payment"
	"github.com/poslink/bridge/internal/protocol"
	"github.com/poslink/bridge/internal/sequencer"
)

// OrderSink receives accepted kitchen orders. The kitchen syncer implements
// it; the hub stays unaware of how orders leave the process.
type OrderSink interface {
	RecordOrder(deviceID string, order json.RawMessage)
}

// Config holds hub configuration.
type Config struct {
	AuthTimeout       time.Duration // Time allowed for the challenge response (default: 10s)
	CheckInterval     time.Duration // Health sweep interval (default: 30s)
	ConnectionTimeout time.Duration // Staleness threshold before forced close (default: 60s)
	SupportsNearPay   bool          // Advertised capability in AUTH_SUCCESS
}

// Hub owns the registered device connections and the shared protocol
// services behind them: the sequencer orders inbound application messages,
// the delivery queue carries outbound messages that must not be lost, and
// the payment service gates the terminal. The hub is also the process-wide
// owner of the application mode.
type Hub struct {
	auth            *auth.Service
	sequencer       *sequencer.Sequencer
	queue           *delivery.Queue
	payments        *payment.Service
	orders          OrderSink
	logger          zerolog.Logger
	metrics         *metrics.Metrics
	authTimeout     time.Duration
	checkInterval   time.Duration
	connTimeout     time.Duration
	supportsNearPay bool
	terminal        payment.Terminal

	mu         sync.Mutex
	conns      map[string]*connection
	mode       protocol.Mode
	serverPort int

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option customizes hub construction.
type Option func(*Hub)

// WithLogger sets a custom logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) {
		h.metrics = m
	}
}

// WithOrderSink sets the destination for accepted kitchen orders.
func WithOrderSink(sink OrderSink) Option {
	return func(h *Hub) {
		h.orders = sink
	}
}

// WithTerminal sets the payment terminal SDK adapter.
func WithTerminal(t payment.Terminal) Option {
	return func(h *Hub) {
		h.terminal = t
	}
}

// NewHub constructs the hub and its protocol services and starts the health
// sweep. Call Stop to shut everything down.
func NewHub(cfg Config, authSvc *auth.Service, queueCfg delivery.Config, payCfg payment.Config, opts ...Option) *Hub {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 60 * time.Second
	}

	h := &Hub{
		auth:            authSvc,
		logger:          zerolog.Nop(),
		authTimeout:     cfg.AuthTimeout,
		checkInterval:   cfg.CheckInterval,
		connTimeout:     cfg.ConnectionTimeout,
		supportsNearPay: cfg.SupportsNearPay,
		conns:           make(map[string]*connection),
		mode:            protocol.ModeCDS,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.sequencer = sequencer.New(h.dispatch,
		sequencer.WithLogger(h.logger),
		sequencer.WithMetrics(h.metrics))
	h.queue = delivery.NewQueue(queueCfg, h,
		delivery.WithLogger(h.logger),
		delivery.WithMetrics(h.metrics))

	payOpts := []payment.Option{
		payment.WithLogger(h.logger),
		payment.WithMetrics(h.metrics),
		payment.WithNotifier(h.paymentStatusChanged),
	}
	if h.terminal != nil {
		payOpts = append(payOpts, payment.WithTerminal(h.terminal))
	}
	h.payments = payment.NewService(payCfg, h, payOpts...)

	go h.healthLoop()

	return h
}

// Accept runs the handshake and read loop for a freshly upgraded socket. It
// blocks until the connection closes.
func (h *Hub) Accept(ws *websocket.Conn, remoteAddr string) {
	c := newConnection(h, ws, remoteAddr)
	c.run()
}

// Stop closes every connection and shuts the shared services down.
func (h *Hub) Stop() {
	close(h.stopCh)
	<-h.doneCh

	h.mu.Lock()
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.close("shutdown")
	}

	h.queue.Stop()
}

// CurrentMode returns the process-wide application mode.
func (h *Hub) CurrentMode() protocol.Mode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mode
}

func (h *Hub) setMode(m protocol.Mode) {
	h.mu.Lock()
	changed := h.mode != m
	h.mode = m
	h.mu.Unlock()
	if changed {
		h.logger.Info().Str("mode", string(m)).Msg("bridge.mode_changed")
	}
}

// SetServerPort records the port the listener bound, included in the
// reconnection snapshot so devices can re-pair after a restart on a
// different port in the range.
func (h *Hub) SetServerPort(port int) {
	h.mu.Lock()
	h.serverPort = port
	h.mu.Unlock()
}

// ServerPort returns the bound listener port.
func (h *Hub) ServerPort() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.serverPort
}

// Send writes a frame to the device's socket. It implements the delivery
// queue's sender; a disconnected device is a send failure, which keeps the
// message queued for retry until the device reconnects.
func (h *Hub) Send(deviceID string, frame []byte) error {
	h.mu.Lock()
	c, ok := h.conns[deviceID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("device %s is not connected", deviceID)
	}
	return c.writeRaw(frame)
}

// register records an authenticated connection, superseding any previous
// connection for the same device id.
func (h *Hub) register(c *connection) {
	deviceID := c.DeviceID()

	h.mu.Lock()
	old, existed := h.conns[deviceID]
	h.conns[deviceID] = c
	active := len(h.conns)
	h.mu.Unlock()

	if existed && old != c {
		old.close("superseded")
	}
	if h.metrics != nil {
		h.metrics.ConnectionsActive.Set(float64(active))
		h.metrics.ConnectionsTotal.WithLabelValues(string(c.Role())).Inc()
	}
}

// drop unregisters a closed connection. A disconnect mid-payment flips the
// transaction to pending_verification rather than discarding it.
func (h *Hub) drop(c *connection) {
	deviceID := c.DeviceID()
	reason := c.reason()

	if deviceID != "" {
		h.mu.Lock()
		registered := h.conns[deviceID] == c
		if registered {
			delete(h.conns, deviceID)
		}
		active := len(h.conns)
		h.mu.Unlock()

		if registered {
			if h.metrics != nil {
				h.metrics.ConnectionsActive.Set(float64(active))
			}
			if h.payments.HandleDisconnect(deviceID) {
				h.logger.Warn().
					Str("device_id", deviceID).
					Msg("bridge.disconnect_during_payment")
			}
		}
	}

	if h.metrics != nil {
		h.metrics.ConnectionsClosed.WithLabelValues(reason).Inc()
	}
	h.logger.Info().
		Str("device_id", deviceID).
		Str("reason", reason).
		Msg("bridge.connection_closed")
}

func (h *Hub) receive(deviceID string, env *protocol.Envelope) {
	h.sequencer.Receive(deviceID, env)
}

func (h *Hub) confirmDelivery(messageID string) {
	h.queue.ConfirmDelivery(messageID)
}

// snapshotFor builds the reconnection snapshot sent right after
// AUTH_SUCCESS: the current mode, the bound port, and the device's in-flight
// transaction if the ledger holds one.
func (h *Hub) snapshotFor(deviceID string) protocol.Reconnected {
	snapshot := protocol.Reconnected{
		Type:        protocol.TypeReconnected,
		CurrentMode: h.CurrentMode(),
		ServerPort:  h.ServerPort(),
	}
	if tx, ok := h.payments.ActiveTransaction(deviceID); ok {
		snapshot.ActiveTransaction = tx.Snapshot()
	}
	return snapshot
}

// dispatch handles application messages after the sequencer has ordered
// them. Full message semantics live with the devices; the hub owns mode,
// payment gating, and fan-out.
func (h *Hub) dispatch(deviceID string, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeSetMode:
		var p protocol.SetModePayload
		if err := protocol.DecodePayload(env, &p); err != nil || !p.Mode.Valid() {
			h.sendErrorTo(deviceID, bridgeerrors.ErrCodeTypeValidation, "SET_MODE requires a valid mode")
			return
		}
		h.setMode(p.Mode)
		h.fanOut(deviceID, env, false)

	case protocol.TypeUpdateCart:
		h.fanOut(deviceID, env, false)

	case protocol.TypeNewOrder:
		if h.orders != nil {
			h.orders.RecordOrder(deviceID, payloadOf(env))
		}
		h.fanOut(deviceID, env, true)

	case protocol.TypeStartPayment:
		h.handleStartPayment(deviceID, env)

	case protocol.TypeUpdatePaymentStatus:
		h.fanOut(deviceID, env, false)

	case protocol.TypePaymentSuccess:
		h.payments.Complete(deviceID, payloadOf(env))

	case protocol.TypePaymentFailed:
		h.payments.Fail(deviceID, env.Message)

	case protocol.TypeCancelPayment:
		h.payments.Cancel(deviceID)

	case protocol.TypeClearPayment:
		h.payments.Clear(deviceID)
		h.fanOut(deviceID, env, false)

	default:
		h.logger.Debug().
			Str("device_id", deviceID).
			Str("type", env.Type).
			Msg("bridge.unknown_message_type")
	}
}

func (h *Hub) handleStartPayment(deviceID string, env *protocol.Envelope) {
	var p protocol.StartPaymentPayload
	if err := protocol.DecodePayload(env, &p); err != nil {
		h.rejectPayment(deviceID, bridgeerrors.ErrCodeTypeValidation, "malformed payment request")
		return
	}

	tx, err := h.payments.Start(deviceID, p)
	if err != nil {
		code := bridgeerrors.ErrCodeInternalError
		if verr, ok := err.(*payment.ValidationError); ok {
			code = verr.Code
		}
		h.rejectPayment(deviceID, code, err.Error())
		return
	}

	// Everyone, including the originator, sees the operation begin
	h.broadcast(protocol.Envelope{
		Type: protocol.TypeUpdatePaymentStatus,
		Data: mustMarshal(protocol.PaymentStatusPayload{
			TransactionID: tx.ID,
			Status:        string(payment.StatusProcessing),
			Amount:        tx.Amount,
		}),
	}, false)
}

// rejectPayment reports a failed payment start on the same connection
// without closing it, so the operator can retry with corrected input.
func (h *Hub) rejectPayment(deviceID string, code bridgeerrors.ErrorCode, message string) {
	h.sendTo(deviceID, protocol.PaymentFailed{
		Type:      protocol.TypePaymentFailed,
		Code:      string(code),
		Message:   message,
		Timestamp: protocol.Now(),
	})
}

// paymentStatusChanged pushes payment progress to every device. Terminal
// outcomes go through the guaranteed queue; intermediate progress is
// fire-and-forget.
func (h *Hub) paymentStatusChanged(deviceID string, status protocol.PaymentStatusPayload) {
	frameType := protocol.TypeUpdatePaymentStatus
	confirm := false
	switch payment.Status(status.Status) {
	case payment.StatusCompleted:
		frameType = protocol.TypePaymentSuccess
		confirm = true
	case payment.StatusFailed:
		frameType = protocol.TypePaymentFailed
		confirm = true
	case payment.StatusCancelled:
		confirm = true
	}

	h.broadcast(protocol.Envelope{
		Type: frameType,
		Data: mustMarshal(status),
	}, confirm)
}

// fanOut forwards a device-originated message to every other connection.
func (h *Hub) fanOut(senderID string, env *protocol.Envelope, confirm bool) {
	out := protocol.Envelope{
		Type:    env.Type,
		Data:    payloadOf(env),
		Message: env.Message,
	}
	for _, target := range h.deviceIDs() {
		if target == senderID {
			continue
		}
		h.enqueue(target, out, confirm)
	}
}

// broadcast sends a server-originated message to every connection.
func (h *Hub) broadcast(env protocol.Envelope, confirm bool) {
	for _, target := range h.deviceIDs() {
		h.enqueue(target, env, confirm)
	}
}

// enqueue hands a message to the delivery queue. Confirmed sends block until
// acknowledged, so they run on their own goroutine; the sequencer's
// per-device dispatch must never stall behind a slow consumer.
func (h *Hub) enqueue(deviceID string, env protocol.Envelope, confirm bool) {
	if confirm {
		go h.queue.Enqueue(deviceID, env, true, 0)
		return
	}
	h.queue.Enqueue(deviceID, env, false, 0)
}

func (h *Hub) sendTo(deviceID string, v any) {
	frame, err := json.Marshal(v)
	if err != nil {
		h.logger.Error().Err(err).Msg("bridge.frame_marshal_failed")
		return
	}
	if err := h.Send(deviceID, frame); err != nil {
		h.logger.Debug().Err(err).Str("device_id", deviceID).Msg("bridge.direct_send_failed")
	}
}

func (h *Hub) sendErrorTo(deviceID string, code bridgeerrors.ErrorCode, message string) {
	h.sendTo(deviceID, bridgeerrors.NewFrame(code, message))
}

func (h *Hub) deviceIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	return ids
}

// healthLoop closes connections that stopped refreshing. PING traffic and
// any other inbound frame count as a refresh.
func (h *Hub) healthLoop() {
	defer close(h.doneCh)

	ticker := time.NewTicker(h.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.sweepStale()
		}
	}
}

func (h *Hub) sweepStale() {
	cutoff := time.Now().Add(-h.connTimeout)

	h.mu.Lock()
	var stale []*connection
	for _, c := range h.conns {
		if c.staleSince(cutoff) {
			stale = append(stale, c)
		}
	}
	h.mu.Unlock()

	for _, c := range stale {
		h.logger.Warn().
			Str("device_id", c.DeviceID()).
			Time("last_seen", c.lastSeenAt()).
			Msg("bridge.connection_stale")
		c.close("health_timeout")
	}
}

// DeviceStatus is one connected device's view in the status report.
type DeviceStatus struct {
	DeviceID    string    `json:"deviceId"`
	Role        string    `json:"role"`
	RemoteAddr  string    `json:"remoteAddr"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastSeen    time.Time `json:"lastSeen"`
}

// Status is the operator-facing view served on the status endpoint.
type Status struct {
	Port               int            `json:"port"`
	Mode               protocol.Mode  `json:"mode"`
	Devices            []DeviceStatus `json:"devices"`
	PendingDeliveries  int            `json:"pendingDeliveries"`
	PaymentLockHeld    bool           `json:"paymentLockHeld"`
	ActiveTransactions int            `json:"activeTransactions"`
}

// Status reports the hub's current state.
func (h *Hub) Status() Status {
	h.mu.Lock()
	devices := make([]DeviceStatus, 0, len(h.conns))
	for _, c := range h.conns {
		devices = append(devices, DeviceStatus{
			DeviceID:    c.DeviceID(),
			Role:        string(c.Role()),
			RemoteAddr:  c.remoteAddr,
			ConnectedAt: c.acceptedAt,
			LastSeen:    c.lastSeenAt(),
		})
	}
	mode := h.mode
	port := h.serverPort
	h.mu.Unlock()

	return Status{
		Port:               port,
		Mode:               mode,
		Devices:            devices,
		PendingDeliveries:  h.queue.PendingCount(),
		PaymentLockHeld:    h.payments.TerminalLock().Held(),
		ActiveTransactions: h.payments.Ledger().Count(),
	}
}

// Payments exposes the payment service.
func (h *Hub) Payments() *payment.Service {
	return h.payments
}

// Queue exposes the delivery queue.
func (h *Hub) Queue() *delivery.Queue {
	return h.queue
}

func payloadOf(env *protocol.Envelope) json.RawMessage {
	if len(env.Payload) > 0 {
		return env.Payload
	}
	return env.Data
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
