package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/gorilla/websocket"
)

// Error is a classified engine fault. Callers never see raw transport errors;
// everything surfaced on the event bus is an *Error.
type Error struct {
	Type       ErrorType      `json:"type"`
	Message    string         `json:"message"`
	Code       string         `json:"code,omitempty"`
	Recovery   RecoveryAction `json:"recovery,omitempty"`
	RetryAfter *int           `json:"retry_after,omitempty"`

	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrConnection     ErrorType = "connection_error"
	ErrProtocol       ErrorType = "protocol_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrAudioDevice    ErrorType = "audio_device_error"
	ErrSessionExpired ErrorType = "session_expired_error"
	ErrUnavailable    ErrorType = "unavailable_error"
	ErrUnsupported    ErrorType = "unsupported_error"
	ErrInvalidRequest ErrorType = "invalid_request_error"
)

// RecoveryAction is the suggested next step attached to a classified error.
type RecoveryAction string

const (
	RecoveryNone              RecoveryAction = "none"
	RecoveryReconnect         RecoveryAction = "reconnect"
	RecoveryRenewSession      RecoveryAction = "renew_session"
	RecoveryWaitAndRetry      RecoveryAction = "wait_and_retry"
	RecoveryCheckCredentials  RecoveryAction = "check_credentials"
	RecoveryGrantMicrophone   RecoveryAction = "grant_microphone"
	RecoverySwitchEnvironment RecoveryAction = "switch_environment"
	RecoveryCheckConfig       RecoveryAction = "check_configuration"
)

// IsRetryable returns true if the error is retryable.
func (e *Error) IsRetryable() bool {
	return e.Type.Retryable()
}

// Retryable reports whether faults of this kind may be retried automatically.
func (t ErrorType) Retryable() bool {
	switch t {
	case ErrConnection, ErrRateLimit, ErrSessionExpired, ErrUnavailable:
		return true
	default:
		return false
	}
}

// DefaultRecovery returns the recovery action suggested for a kind.
func (t ErrorType) DefaultRecovery() RecoveryAction {
	switch t {
	case ErrConnection:
		return RecoveryReconnect
	case ErrSessionExpired:
		return RecoveryRenewSession
	case ErrRateLimit, ErrUnavailable:
		return RecoveryWaitAndRetry
	case ErrAuthentication:
		return RecoveryCheckCredentials
	case ErrAudioDevice:
		return RecoveryGrantMicrophone
	case ErrUnsupported:
		return RecoverySwitchEnvironment
	case ErrInvalidRequest:
		return RecoveryCheckConfig
	default:
		return RecoveryNone
	}
}

func newError(t ErrorType, message string, err error) *Error {
	return &Error{
		Type:     t,
		Message:  message,
		Recovery: t.DefaultRecovery(),
		Err:      err,
	}
}

// NewConnectionError creates a transport failure error.
func NewConnectionError(message string, err error) *Error {
	return newError(ErrConnection, message, err)
}

// NewProtocolError creates a protocol/parse error.
func NewProtocolError(message string, err error) *Error {
	return newError(ErrProtocol, message, err)
}

// NewAuthenticationError creates a credential error.
func NewAuthenticationError(message string) *Error {
	return newError(ErrAuthentication, message, nil)
}

// NewRateLimitError creates a quota error.
func NewRateLimitError(message string, retryAfter int) *Error {
	e := newError(ErrRateLimit, message, nil)
	if retryAfter > 0 {
		e.RetryAfter = &retryAfter
	}
	return e
}

// NewAudioDeviceError creates a microphone/speaker error.
func NewAudioDeviceError(message string, err error) *Error {
	return newError(ErrAudioDevice, message, err)
}

// NewSessionExpiredError creates a session expiry error.
func NewSessionExpiredError(message string, err error) *Error {
	return newError(ErrSessionExpired, message, err)
}

// NewUnavailableError creates a model/service unavailable error.
func NewUnavailableError(message string, err error) *Error {
	return newError(ErrUnavailable, message, err)
}

// NewUnsupportedError creates an unsupported environment error.
func NewUnsupportedError(message string) *Error {
	return newError(ErrUnsupported, message, nil)
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return newError(ErrInvalidRequest, message, nil)
}

// Close codes the live service uses beyond RFC 6455.
const (
	closeUnauthorized = 4001
	closeForbidden    = 4003
	closeRateLimited  = 4029
)

// Classify maps an arbitrary fault onto the taxonomy. A nil error yields nil.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return classifyClose(closeErr, err)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return NewProtocolError(err.Error(), err)
	}

	if byText := classifyText(err); byText != nil {
		return byText
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewConnectionError("timed out", err)
	}
	if errors.Is(err, websocket.ErrBadHandshake) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return NewConnectionError(err.Error(), err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewConnectionError(err.Error(), err)
	}
	return NewConnectionError(err.Error(), err)
}

func classifyClose(closeErr *websocket.CloseError, err error) *Error {
	reason := strings.TrimSpace(closeErr.Text)
	if reason == "" {
		reason = fmt.Sprintf("connection closed (%d)", closeErr.Code)
	}

	lower := strings.ToLower(reason)
	var out *Error
	switch {
	case closeErr.Code == closeRateLimited,
		isAuthClose(closeErr.Code) && containsAny(lower, "quota", "rate"):
		out = NewRateLimitError(reason, 0)
		out.Err = err
	case isAuthClose(closeErr.Code):
		out = newError(ErrAuthentication, reason, err)
	case containsAny(lower, sessionExpiredPhrases...):
		out = NewSessionExpiredError(reason, err)
	case closeErr.Code == websocket.CloseInternalServerErr,
		closeErr.Code == websocket.CloseTryAgainLater,
		closeErr.Code == websocket.CloseServiceRestart:
		out = NewUnavailableError(reason, err)
	default:
		out = NewConnectionError(reason, err)
	}
	out.Code = fmt.Sprintf("%d", closeErr.Code)
	return out
}

func isAuthClose(code int) bool {
	return code == websocket.ClosePolicyViolation || code == closeUnauthorized || code == closeForbidden
}

// sessionExpiredPhrases mark a close at the service's per-connection limit.
var sessionExpiredPhrases = []string{"session expired", "deadline for session", "deadline expired"}

func classifyText(err error) *Error {
	lower := strings.ToLower(err.Error())
	switch {
	case containsAny(lower, "resource_exhausted", "quota", "rate limit", "too many requests", "status 429"):
		out := NewRateLimitError(err.Error(), 0)
		out.Err = err
		return out
	case containsAny(lower, "api key not valid", "invalid api key", "unauthorized", "unauthenticated", "status 401", "status 403"):
		return newError(ErrAuthentication, err.Error(), err)
	case containsAny(lower, "microphone", "capture device", "no capture devices", "playback device"):
		return newError(ErrAudioDevice, err.Error(), err)
	case containsAny(lower, sessionExpiredPhrases...):
		return NewSessionExpiredError(err.Error(), err)
	case containsAny(lower, "unavailable", "overloaded", "status 503", "status 502"):
		return NewUnavailableError(err.Error(), err)
	case containsAny(lower, "not supported", "unsupported"):
		return newError(ErrUnsupported, err.Error(), err)
	}
	return nil
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
