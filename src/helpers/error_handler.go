package helpers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"instrument-gateway/src/logger"

	"github.com/cenkalti/backoff/v4"
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

var (
	// Arbiter
	ErrQueueTimeout    = errors.New("deadline elapsed before dispatch")
	ErrInFlightTimeout = errors.New("deadline elapsed during exchange")
	ErrArbiterClosed   = errors.New("arbiter closed")
	ErrQueueFull       = errors.New("arbiter queue full")

	// Instrument
	ErrNotConnected = errors.New("instrument not connected")
	ErrLinkLost     = errors.New("instrument link lost")

	// Subscribers
	ErrSendTimeout      = errors.New("subscriber send timeout")
	ErrSendBusy         = errors.New("subscriber still sending previous frame")
	ErrTransportClosed  = errors.New("subscriber transport closed")
	ErrSubscriberClosed = errors.New("subscriber closed")
)

// -----------------------------------------------------------------------------
// Custom Error Types
// -----------------------------------------------------------------------------

type GatewayError struct {
	Message string
	Cause   error
}

func (e *GatewayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// Distinct error types for errors.As
type ConfigurationError struct{ GatewayError }
type DatabaseError struct{ GatewayError }

// InstrumentError is an exchange the instrument itself failed.
type InstrumentError struct {
	GatewayError
	Command string
}

func NewInstrumentError(command string, cause error) *InstrumentError {
	return &InstrumentError{
		GatewayError: GatewayError{Message: fmt.Sprintf("instrument exchange %q failed", command), Cause: cause},
		Command:      command,
	}
}

func NewConfigurationError(msg string, cause error) *ConfigurationError {
	return &ConfigurationError{GatewayError{Message: msg, Cause: cause}}
}

func NewDatabaseError(msg string, cause error) *DatabaseError {
	return &DatabaseError{GatewayError{Message: msg, Cause: cause}}
}

// IsTimeout reports whether err is one of the arbiter deadline failures.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrQueueTimeout) || errors.Is(err, ErrInFlightTimeout)
}

// -----------------------------------------------------------------------------
// Retry Logic
// -----------------------------------------------------------------------------

// RetryWithBackoff runs fn until it succeeds, maxRetries extra attempts are used
// or ctx is done. The delay doubles from baseDelay up to maxDelay.
func RetryWithBackoff(ctx context.Context, operation string, maxRetries int, baseDelay, maxDelay time.Duration, log *logger.Logger, fn func() error) error {
	if maxRetries < 0 {
		maxRetries = 0
	}

	strategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(baseDelay),
				backoff.WithMaxInterval(maxDelay),
				backoff.WithMaxElapsedTime(0),
			),
			uint64(maxRetries),
		),
		ctx,
	)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		return fn()
	}, strategy, func(err error, d time.Duration) {
		if log != nil {
			log.Warning("Attempt %d/%d failed for %s: %v. Retrying in %v", attempt, maxRetries+1, operation, err, d)
		}
	})
}
