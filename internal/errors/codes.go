package errors

// ErrorCode represents a machine-readable error identifier surfaced to clients
// inside ERROR frames.
type ErrorCode string

// Framing / parsing errors
const (
	// Frame payload was not valid JSON
	ErrCodeParseError ErrorCode = "parse_error"
	// A field carried the wrong JSON type (e.g. string where a number was expected)
	ErrCodeTypeValidation ErrorCode = "type_validation_error"
	// Message arrived outside the expected sequence window
	ErrCodeSequenceError ErrorCode = "sequence_error"
)

// Authentication errors
const (
	ErrCodeAuthFailed      ErrorCode = "auth_failed"
	ErrCodeAuthTimeout     ErrorCode = "auth_timeout"
	ErrCodeUnauthenticated ErrorCode = "unauthenticated"
)

// Payment validation errors
const (
	ErrCodeInvalidAmount     ErrorCode = "invalid_amount"
	ErrCodeAmountOverCeiling ErrorCode = "amount_over_ceiling"
	ErrCodeModeMismatch      ErrorCode = "mode_mismatch"
	ErrCodePaymentInProgress ErrorCode = "payment_in_progress"
)

// Delivery / transport errors
const (
	ErrCodeDeliveryFailed     ErrorCode = "delivery_failed"
	ErrCodePortRangeExhausted ErrorCode = "port_range_exhausted"
)

// Internal errors
const (
	ErrCodeInternalError ErrorCode = "internal_error"
)

// ShouldCloseConnection reports whether an error of this code is terminal for
// the connection it occurred on. Authentication failures and malformed frames
// close the connection; payment validation failures are reported back on the
// same connection so the operator can retry with corrected input.
func (e ErrorCode) ShouldCloseConnection() bool {
	switch e {
	case ErrCodeParseError,
		ErrCodeTypeValidation,
		ErrCodeAuthFailed,
		ErrCodeAuthTimeout,
		ErrCodeUnauthenticated:
		return true
	default:
		return false
	}
}

// IsRetryable returns whether the client may usefully retry the operation
// that produced this error without changing its input.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeDeliveryFailed,
		ErrCodePaymentInProgress,
		ErrCodeInternalError:
		return true
	default:
		return false
	}
}
