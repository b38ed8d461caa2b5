package apperrors

import (
	"context"
	"errors"
	"net"
)

// Standardized Venue Errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrSystemOverload        = errors.New("system overload")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
)

// Session errors
var (
	ErrNotReady        = errors.New("session not ready")
	ErrNotConnected    = errors.New("venue not connected")
	ErrHandshakeFailed = errors.New("venue handshake failed")
	ErrMalformed       = errors.New("malformed venue message")
)

// IsTransient reports whether err is a transport failure worth retrying.
// Trading decisions and caller mistakes are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrNetwork) || errors.Is(err, ErrRateLimitExceeded) ||
		errors.Is(err, ErrSystemOverload) || errors.Is(err, ErrExchangeMaintenance) ||
		errors.Is(err, ErrNotConnected) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
