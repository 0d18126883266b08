package protocol

import (
	"encoding/json"
	"time"
)

// Message types exchanged over the socket. Handshake and control types are
// server-owned; application types are framed here and handled at the dispatch
// boundary.
const (
	TypeAuthChallenge = "AUTH_CHALLENGE"
	TypeAuthResponse  = "AUTH_RESPONSE"
	TypeAuthSuccess   = "AUTH_SUCCESS"
	TypeAuthFailed    = "AUTH_FAILED"
	TypeReconnected   = "RECONNECTED"

	TypeSetMode             = "SET_MODE"
	TypeUpdateCart          = "UPDATE_CART"
	TypeNewOrder            = "NEW_ORDER"
	TypeStartPayment        = "START_PAYMENT"
	TypeUpdatePaymentStatus = "UPDATE_PAYMENT_STATUS"
	TypePaymentSuccess      = "PAYMENT_SUCCESS"
	TypePaymentFailed       = "PAYMENT_FAILED"
	TypeCancelPayment       = "CANCEL_PAYMENT"
	TypeClearPayment        = "CLEAR_PAYMENT"

	TypePing = "PING"
	TypePong = "PONG"

	TypeSecureMessage     = "SECURE_MESSAGE"
	TypeDeliveryConfirmed = "DELIVERY_CONFIRMED"
	TypeError             = "ERROR"
)

// Mode is the application mode a display surface runs in.
type Mode string

const (
	// ModeCDS is the customer-facing display mode; payments may only start here.
	ModeCDS Mode = "CDS"
	// ModeKDS is the kitchen display mode.
	ModeKDS Mode = "KDS"
)

// Valid reports whether the mode is one of the known display modes.
func (m Mode) Valid() bool {
	return m == ModeCDS || m == ModeKDS
}

// Role identifies what kind of device a session belongs to.
type Role string

const (
	RoleCashier Role = "cashier"
	RoleDisplay Role = "display"
)

// Valid reports whether the role is known.
func (r Role) Valid() bool {
	return r == RoleCashier || r == RoleDisplay
}

// Envelope is the outer JSON object carried in every frame. Only Type is
// required; the remaining fields are populated per message type.
type Envelope struct {
	Type           string          `json:"type"`
	Data           json.RawMessage `json:"data,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Message        string          `json:"message,omitempty"`
	Timestamp      *time.Time      `json:"timestamp,omitempty"`
	SequenceNumber *uint64         `json:"sequenceNumber,omitempty"`

	// Handshake fields (AUTH_RESPONSE)
	Challenge string `json:"challenge,omitempty"`
	Response  string `json:"response,omitempty"`
	DeviceID  string `json:"deviceId,omitempty"`
	Role      string `json:"role,omitempty"`

	// Reliability framing (SECURE_MESSAGE / DELIVERY_CONFIRMED)
	MessageID  string `json:"messageId,omitempty"`
	RequireAck bool   `json:"requireAck,omitempty"`
}

// AuthChallenge is the server→client handshake opener.
type AuthChallenge struct {
	Type      string    `json:"type"`
	Challenge string    `json:"challenge"`
	Timestamp time.Time `json:"timestamp"`
}

// AuthSuccess is sent once a device's challenge response verifies.
type AuthSuccess struct {
	Type            string    `json:"type"`
	Token           string    `json:"token"`
	CurrentMode     Mode      `json:"currentMode"`
	SupportsNearPay bool      `json:"supportsNearPay"`
	Timestamp       time.Time `json:"timestamp"`
}

// AuthFailed terminates a handshake attempt.
type AuthFailed struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// TransactionSnapshot is the in-flight transaction view included in the
// reconnection snapshot so a device that dropped mid-payment learns the truth
// instead of re-triggering payment.
type TransactionSnapshot struct {
	TransactionID string    `json:"transactionId"`
	Status        string    `json:"status"`
	Amount        float64   `json:"amount"`
	StartedAt     time.Time `json:"startedAt"`
}

// Reconnected is sent immediately after AUTH_SUCCESS.
type Reconnected struct {
	Type              string               `json:"type"`
	CurrentMode       Mode                 `json:"currentMode"`
	ServerPort        int                  `json:"serverPort"`
	ActiveTransaction *TransactionSnapshot `json:"activeTransaction,omitempty"`
}

// SecureMessage wraps an application payload for guaranteed delivery.
type SecureMessage struct {
	Type           string          `json:"type"`
	MessageID      string          `json:"messageId"`
	SequenceNumber uint64          `json:"sequenceNumber"`
	Payload        json.RawMessage `json:"payload"`
	RequireAck     bool            `json:"requireAck"`
}

// DeliveryConfirmed acknowledges receipt of a SECURE_MESSAGE.
type DeliveryConfirmed struct {
	Type      string    `json:"type"`
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}

// SetModePayload carries the requested display mode.
type SetModePayload struct {
	Mode Mode `json:"mode"`
}

// StartPaymentPayload carries the payment request from the cashier.
type StartPaymentPayload struct {
	Amount  float64 `json:"amount"`
	OrderID string  `json:"orderId,omitempty"`
}

// PaymentStatusPayload reports payment progress back to the originating side.
type PaymentStatusPayload struct {
	TransactionID string  `json:"transactionId,omitempty"`
	Status        string  `json:"status"`
	Amount        float64 `json:"amount,omitempty"`
	Message       string  `json:"message,omitempty"`
}

// PaymentFailed reports a rejected or failed payment operation back to the
// connection that requested it. Rejections never close the connection.
type PaymentFailed struct {
	Type      string    `json:"type"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Pong answers a PING and carries the server timestamp.
type Pong struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}
