package exchange

import (
	"errors"
	"fmt"
)

// Common error variables that exchange sources may return.
var (
	// ErrInvalidSymbol is returned when a trading pair is not listed on the
	// exchange or its symbol form cannot be parsed.
	ErrInvalidSymbol = errors.New("invalid trading pair symbol")

	// ErrInvalidInterval is returned when an unsupported timeframe is
	// requested.
	ErrInvalidInterval = errors.New("invalid time interval")

	// ErrInvalidTimeRange is returned when an invalid time range is provided
	// (e.g. end time before start time).
	ErrInvalidTimeRange = errors.New("invalid time range")

	// ErrRateLimitExceeded is returned when the exchange rejected a request
	// because the rate limit was exceeded.
	ErrRateLimitExceeded = errors.New("exchange rate limit exceeded")

	// ErrInvalidCredentials is returned when the provided API credentials
	// are rejected by the exchange.
	ErrInvalidCredentials = errors.New("invalid API credentials")

	// ErrExchangeUnavailable is returned when the exchange API is
	// unavailable.
	ErrExchangeUnavailable = errors.New("exchange API unavailable")
)

// TransientError marks a failure that is expected to go away on its own:
// network timeouts, rate-limit rejections, exchange-side 5xx responses.
// The fetch engine retries transient failures with backoff and gives up on
// everything else immediately.
type TransientError struct {
	Err error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err so that IsTransient reports true for it. A nil err
// yields nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err (or any error it wraps) is marked
// transient.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// MarketError represents a market-specific error condition.
type MarketError struct {
	Pair    Pair
	Message string
	Err     error
}

// Error implements the error interface.
func (e *MarketError) Error() string {
	return fmt.Sprintf("market error for %s: %s", e.Pair, e.Message)
}

// Unwrap returns the underlying error.
func (e *MarketError) Unwrap() error {
	return e.Err
}

// NewMarketError creates a new market-specific error.
func NewMarketError(pair Pair, message string, err error) error {
	return &MarketError{
		Pair:    pair,
		Message: message,
		Err:     err,
	}
}
