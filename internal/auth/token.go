package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const tokenIssuer = "poslink-bridge"

// tokenHeader is the fixed first segment of every session token.
type tokenHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// claims is the signed token payload.
type claims struct {
	Issuer    string `json:"iss"`
	Subject   string `json:"sub"`
	Role      string `json:"role"`
	TokenID   string `json:"jti"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

var (
	errTokenStructure = errors.New("auth: token is not a 3-part token")
	errTokenExpired   = errors.New("auth: token expired")
	errTokenSignature = errors.New("auth: token signature mismatch")
)

// signToken builds header.payload.signature, HMAC-SHA256 signed over the
// first two segments.
func signToken(secret []byte, c claims) (string, error) {
	if c.TokenID == "" {
		c.TokenID = uuid.NewString()
	}

	headerJSON, err := json.Marshal(tokenHeader{Alg: "HS256", Typ: "session"})
	if err != nil {
		return "", fmt.Errorf("marshal token header: %w", err)
	}
	payloadJSON, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal token claims: %w", err)
	}

	header := base64.RawURLEncoding.EncodeToString(headerJSON)
	payload := base64.RawURLEncoding.EncodeToString(payloadJSON)
	signature := signSegments(secret, header, payload)

	return header + "." + payload + "." + signature, nil
}

// verifyToken checks structure, expiry, and signature, returning the claims
// on success.
func verifyToken(secret []byte, token string) (*claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, errTokenStructure
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, errTokenStructure
	}
	var c claims
	if err := json.Unmarshal(payloadJSON, &c); err != nil {
		return nil, errTokenStructure
	}

	if time.Now().Unix() >= c.ExpiresAt {
		return nil, errTokenExpired
	}

	expected := signSegments(secret, parts[0], parts[1])
	if !hmac.Equal([]byte(expected), []byte(parts[2])) {
		return nil, errTokenSignature
	}

	return &c, nil
}

func signSegments(secret []byte, header, payload string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(header))
	mac.Write([]byte("."))
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
