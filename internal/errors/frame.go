package errors

import (
	"time"
)

// Frame is the standardized error payload written to a client connection.
// It carries a machine-readable code so display surfaces can localize the
// message instead of showing raw text.
type Frame struct {
	Type      string    `json:"type"`
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Timestamp time.Time `json:"timestamp"`
}

// NewFrame builds an ERROR frame for the given code and human-readable reason.
func NewFrame(code ErrorCode, message string) Frame {
	return Frame{
		Type:      "ERROR",
		Code:      code,
		Message:   message,
		Retryable: code.IsRetryable(),
		Timestamp: time.Now().UTC(),
	}
}
