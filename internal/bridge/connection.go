package bridge

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	bridgeerrors "github.com/poslink/bridge/internal/errors"
	"github.com/poslink/bridge/internal/protocol"
)

// connState tracks a connection through the handshake lifecycle.
type connState int

const (
	stateConnecting connState = iota
	stateChallengeSent
	stateAuthenticated
	stateActive
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateChallengeSent:
		return "challenge_sent"
	case stateAuthenticated:
		return "authenticated"
	case stateActive:
		return "active"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// connection is one device socket. It is unauthenticated until the challenge
// response verifies; until then the only acceptable inbound message is
// AUTH_RESPONSE and a timer bounds how long the handshake may take.
type connection struct {
	hub    *Hub
	ws     *websocket.Conn
	logger zerolog.Logger

	remoteAddr string
	acceptedAt time.Time

	// writeMu serializes frame writes; gorilla allows one concurrent writer
	writeMu sync.Mutex

	mu          sync.Mutex
	state       connState
	deviceID    string
	role        protocol.Role
	challenge   string
	lastSeen    time.Time
	authTimer   *time.Timer
	closeReason string
}

func newConnection(hub *Hub, ws *websocket.Conn, remoteAddr string) *connection {
	now := time.Now()
	return &connection{
		hub:        hub,
		ws:         ws,
		logger:     hub.logger.With().Str("remote_addr", remoteAddr).Logger(),
		remoteAddr: remoteAddr,
		acceptedAt: now,
		state:      stateConnecting,
		lastSeen:   now,
	}
}

// run drives the connection: challenge first, then the read loop until the
// socket closes or a terminal error occurs.
func (c *connection) run() {
	defer func() {
		c.setState(stateClosed)
		c.ws.Close()
		c.hub.drop(c)
	}()

	if err := c.sendChallenge(); err != nil {
		c.logger.Debug().Err(err).Msg("bridge.challenge_send_failed")
		return
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if terminal := c.handleFrame(data); terminal {
			return
		}
	}
}

func (c *connection) sendChallenge() error {
	challenge, _ := c.hub.auth.GenerateChallenge()

	c.mu.Lock()
	c.challenge = challenge
	c.state = stateChallengeSent
	c.authTimer = time.AfterFunc(c.hub.authTimeout, c.handshakeTimedOut)
	c.mu.Unlock()

	return c.writeJSON(protocol.AuthChallenge{
		Type:      protocol.TypeAuthChallenge,
		Challenge: challenge,
		Timestamp: protocol.Now(),
	})
}

// handshakeTimedOut fires if no valid AUTH_RESPONSE arrived in time. It
// reports the failure and tears the socket down, which unblocks the read loop.
func (c *connection) handshakeTimedOut() {
	c.mu.Lock()
	pending := c.state == stateChallengeSent
	if pending {
		c.closeReason = "auth_timeout"
	}
	c.mu.Unlock()
	if !pending {
		return
	}

	c.logger.Warn().Msg("bridge.handshake_timeout")
	c.writeJSON(protocol.AuthFailed{
		Type:    protocol.TypeAuthFailed,
		Message: "authentication timed out",
	})
	c.ws.Close()
}

// handleFrame processes one inbound frame. It returns true when the
// connection must close.
func (c *connection) handleFrame(data []byte) bool {
	env, err := protocol.Decode(data)
	if err != nil {
		code := bridgeerrors.ErrCodeParseError
		if errors.Is(err, protocol.ErrWrongType) {
			code = bridgeerrors.ErrCodeTypeValidation
		}
		c.sendError(code, err.Error())
		c.setCloseReason(string(code))
		return true
	}

	c.touch()

	switch c.currentState() {
	case stateChallengeSent:
		if env.Type != protocol.TypeAuthResponse {
			c.sendError(bridgeerrors.ErrCodeUnauthenticated, "authentication required before any other message")
			c.setCloseReason("unauthenticated")
			return true
		}
		return !c.handleAuthResponse(env)

	case stateAuthenticated, stateActive:
		switch env.Type {
		case protocol.TypePing:
			c.writeJSON(protocol.Pong{Type: protocol.TypePong, Timestamp: protocol.Now()})
		case protocol.TypeDeliveryConfirmed:
			c.hub.confirmDelivery(env.MessageID)
		case protocol.TypeAuthResponse:
			// Duplicate response after a successful handshake; ignore
		default:
			c.hub.receive(c.DeviceID(), env)
		}
		return false

	default:
		return true
	}
}

// handleAuthResponse verifies the challenge response and, on success,
// registers the connection and sends the reconnection snapshot. Returns false
// when the handshake failed and the connection must close.
func (c *connection) handleAuthResponse(env *protocol.Envelope) bool {
	started := c.acceptedAt

	if env.DeviceID == "" || !c.hub.auth.VerifyResponse(env.Challenge, env.Response) {
		c.logger.Warn().Str("device_id", env.DeviceID).Msg("bridge.auth_failed")
		c.writeJSON(protocol.AuthFailed{
			Type:    protocol.TypeAuthFailed,
			Message: "challenge verification failed",
		})
		c.setCloseReason("auth_failed")
		return false
	}

	role := protocol.Role(env.Role)
	if !role.Valid() {
		role = protocol.RoleDisplay
	}

	token, err := c.hub.auth.IssueToken(env.DeviceID, role)
	if err != nil {
		c.logger.Error().Err(err).Msg("bridge.token_issue_failed")
		c.writeJSON(protocol.AuthFailed{
			Type:    protocol.TypeAuthFailed,
			Message: "session could not be created",
		})
		c.setCloseReason("token_issue_failed")
		return false
	}

	c.mu.Lock()
	if c.authTimer != nil {
		c.authTimer.Stop()
	}
	c.state = stateAuthenticated
	c.deviceID = env.DeviceID
	c.role = role
	c.mu.Unlock()

	c.hub.register(c)

	c.writeJSON(protocol.AuthSuccess{
		Type:            protocol.TypeAuthSuccess,
		Token:           token,
		CurrentMode:     c.hub.CurrentMode(),
		SupportsNearPay: c.hub.supportsNearPay,
		Timestamp:       protocol.Now(),
	})
	c.writeJSON(c.hub.snapshotFor(env.DeviceID))

	c.setState(stateActive)
	if c.hub.metrics != nil {
		c.hub.metrics.HandshakeDuration.Observe(time.Since(started).Seconds())
	}
	c.logger.Info().
		Str("device_id", env.DeviceID).
		Str("role", string(role)).
		Msg("bridge.device_authenticated")
	return true
}

func (c *connection) sendError(code bridgeerrors.ErrorCode, message string) {
	c.writeJSON(bridgeerrors.NewFrame(code, message))
}

func (c *connection) writeJSON(v any) error {
	frame, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.writeRaw(frame)
}

func (c *connection) writeRaw(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// close tears the socket down with a recorded reason. The read loop exit
// performs the actual unregistration.
func (c *connection) close(reason string) {
	c.setCloseReason(reason)
	c.ws.Close()
}

func (c *connection) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *connection) staleSince(cutoff time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen.Before(cutoff)
}

func (c *connection) currentState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *connection) setState(s connState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// DeviceID returns the authenticated device id, empty before authentication.
func (c *connection) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

func (c *connection) Role() protocol.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *connection) setCloseReason(reason string) {
	c.mu.Lock()
	if c.closeReason == "" {
		c.closeReason = reason
	}
	c.mu.Unlock()
}

func (c *connection) reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeReason == "" {
		return "remote_closed"
	}
	return c.closeReason
}

func (c *connection) lastSeenAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}
