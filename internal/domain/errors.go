package domain

import (
	"errors"
	"fmt"
	"time"
)

// Stable error codes sent to clients. Admission failures are terminal
// for that attempt; rate_limited and cooldown codes carry a retry
// hint; token codes require re-authentication but not a reconnect.
const (
	CodeAuthRequired        = "auth_required"
	CodeIdentityFailed      = "identity_verification_failed"
	CodeChallengeExpired    = "challenge_expired"
	CodeBanned              = "banned"
	CodeInviteRequired      = "invite_required"
	CodeInvalidInvite       = "invalid_invite"
	CodeRateLimited         = "rate_limited"
	CodeInviteCooldown      = "invite_cooldown"
	CodeTokenStale          = "token_stale"
	CodeTokenRevoked        = "token_revoked"
	CodeGatewayUnavailable  = "gateway_unavailable"
	CodeForbidden           = "forbidden"
	CodeBadPayload          = "bad_payload"
	CodeDuplicateConnection = "duplicate_connection"
)

// SignalError is a structured rejection delivered to the originating
// connection. It never crashes the connection or the process.
type SignalError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retryAfterMs,omitempty"`
}

func (e *SignalError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: %s (retry after %dms)", e.Code, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewSignalError builds a rejection with a stable code.
func NewSignalError(code, message string) *SignalError {
	return &SignalError{Code: code, Message: message}
}

// NewRetryableError builds a rejection that tells the client how long
// to back off before retrying.
func NewRetryableError(code, message string, retryAfter time.Duration) *SignalError {
	return &SignalError{Code: code, Message: message, RetryAfter: retryAfter.Milliseconds()}
}

// AsSignalError extracts a SignalError from an error chain. Errors
// that are not SignalErrors are reported to clients as a generic
// forbidden rejection so internal detail never leaks.
func AsSignalError(err error) *SignalError {
	var se *SignalError
	if errors.As(err, &se) {
		return se
	}
	return &SignalError{Code: CodeForbidden, Message: "request rejected"}
}
