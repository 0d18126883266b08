package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/poslink/bridge/internal/logger"
	"github.com/poslink/bridge/internal/metrics"
	"github.com/poslink/bridge/internal/protocol"
)

// Config holds authentication service configuration.
type Config struct {
	SharedSecret    string        // HMAC secret shared with paired devices
	ChallengeTTL    time.Duration // Unconsumed challenge lifetime (default: 30s)
	SessionTTL      time.Duration // Token/session lifetime (default: 1h)
	CleanupInterval time.Duration // Expired session/challenge sweep interval (default: 1m)
}

// Service issues single-use challenges, verifies HMAC-signed responses, mints
// short-lived session tokens, and tracks active sessions. Any verification
// failure is terminal for that handshake attempt; the caller must close the
// connection.
type Service struct {
	secret          []byte
	challengeTTL    time.Duration
	sessionTTL      time.Duration
	cleanupInterval time.Duration
	logger          zerolog.Logger
	metrics         *metrics.Metrics

	mu         sync.Mutex
	challenges map[string]time.Time
	sessions   map[string]Session

	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// Session records an authenticated device.
type Session struct {
	DeviceID  string
	Role      protocol.Role
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
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

// NewService constructs the authentication service and starts its cleanup loop.
// Call Stop to shut the loop down.
func NewService(cfg Config, opts ...Option) *Service {
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 30 * time.Second
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = time.Hour
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}

	s := &Service{
		secret:          []byte(cfg.SharedSecret),
		challengeTTL:    cfg.ChallengeTTL,
		sessionTTL:      cfg.SessionTTL,
		cleanupInterval: cfg.CleanupInterval,
		logger:          zerolog.Nop(),
		challenges:      make(map[string]time.Time),
		sessions:        make(map[string]Session),
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanup()

	return s
}

// GenerateChallenge produces a cryptographically random token and records its
// issue time. Challenges not verified within the TTL are purged.
func (s *Service) GenerateChallenge() (string, time.Time) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms
		panic("auth: crypto/rand unavailable: " + err.Error())
	}
	challenge := hex.EncodeToString(b)
	issuedAt := time.Now().UTC()

	s.mu.Lock()
	s.challenges[challenge] = issuedAt
	s.mu.Unlock()

	return challenge, issuedAt
}

// VerifyResponse checks that response is HMAC-SHA256(challenge, sharedSecret).
// A successful verification consumes the challenge (single use). Unknown and
// expired challenges fail.
func (s *Service) VerifyResponse(challenge, response string) bool {
	s.mu.Lock()
	issuedAt, known := s.challenges[challenge]
	if known && time.Since(issuedAt) > s.challengeTTL {
		delete(s.challenges, challenge)
		known = false
	}
	s.mu.Unlock()

	if !known {
		s.countAuth("unknown_challenge")
		return false
	}

	expected := SignChallenge(challenge, s.secret)
	// Constant-time comparison prevents timing side-channels
	if !hmac.Equal([]byte(expected), []byte(response)) {
		s.countAuth("bad_signature")
		return false
	}

	s.mu.Lock()
	delete(s.challenges, challenge)
	s.mu.Unlock()

	s.countAuth("verified")
	return true
}

// IssueToken mints a signed session token for the device and records its
// session. A new session for the same device id supersedes the old one.
func (s *Service) IssueToken(deviceID string, role protocol.Role) (string, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(s.sessionTTL)

	token, err := signToken(s.secret, claims{
		Issuer:    tokenIssuer,
		Subject:   deviceID,
		Role:      string(role),
		IssuedAt:  now.Unix(),
		ExpiresAt: expiresAt.Unix(),
	})
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.sessions[deviceID] = Session{
		DeviceID:  deviceID,
		Role:      role,
		Token:     token,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}
	active := len(s.sessions)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SessionsActive.Set(float64(active))
	}

	s.logger.Info().
		Str("device_id", deviceID).
		Str("role", string(role)).
		Str("token", logger.TruncateToken(token)).
		Time("expires_at", expiresAt).
		Msg("auth.session_issued")

	return token, nil
}

// ValidateToken checks token structure, expiry, and signature. It does not
// consult the session map, so validation survives a restart of session
// bookkeeping.
func (s *Service) ValidateToken(token string) bool {
	_, err := verifyToken(s.secret, token)
	return err == nil
}

// DeviceIDOf returns the device id a valid token was issued to.
func (s *Service) DeviceIDOf(token string) (string, bool) {
	c, err := verifyToken(s.secret, token)
	if err != nil {
		return "", false
	}
	return c.Subject, true
}

// SessionFor returns the live session for a device id, if one exists.
func (s *Service) SessionFor(deviceID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[deviceID]
	if ok && time.Now().After(sess.ExpiresAt) {
		return Session{}, false
	}
	return sess, ok
}

// RemoveSession drops the session for a device id.
func (s *Service) RemoveSession(deviceID string) {
	s.mu.Lock()
	delete(s.sessions, deviceID)
	active := len(s.sessions)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SessionsActive.Set(float64(active))
	}
}

// CleanupExpiredSessions purges expired sessions and stale unconsumed
// challenges. The background loop calls this on a fixed interval; it is
// exported for deterministic tests.
func (s *Service) CleanupExpiredSessions() {
	now := time.Now()

	s.mu.Lock()
	for id, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, id)
		}
	}
	for challenge, issuedAt := range s.challenges {
		if now.Sub(issuedAt) > s.challengeTTL {
			delete(s.challenges, challenge)
		}
	}
	active := len(s.sessions)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SessionsActive.Set(float64(active))
	}
}

// Stop shuts down the cleanup loop.
func (s *Service) Stop() {
	close(s.stopCleanup)
	<-s.cleanupDone
}

func (s *Service) cleanup() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	defer close(s.cleanupDone)

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.CleanupExpiredSessions()
		}
	}
}

func (s *Service) countAuth(outcome string) {
	if s.metrics != nil {
		s.metrics.AuthAttemptsTotal.WithLabelValues(outcome).Inc()
	}
}

// SignChallenge computes the hex HMAC-SHA256 of challenge under secret.
// Clients use the same construction to answer AUTH_CHALLENGE.
func SignChallenge(challenge string, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}
