package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrStreamIncomplete is returned when the result of a stream is requested
// before its last chunk was consumed.
var ErrStreamIncomplete = errors.New("stream has not finished")

// ConfigError means the chosen transport is missing a credential or endpoint.
// It is raised before any network call.
type ConfigError struct {
	Transport string
	Msg       string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Transport, e.Msg)
}

// StatusError is a non-2xx answer, or an explicit {"error": ...} body.
type StatusError struct {
	Transport string
	Status    int
	Body      string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Transport, e.Status, e.Body)
}

// TransportError is a network-class failure: the request never produced an
// HTTP answer (dial, DNS, TLS, reset, origin rejection).
type TransportError struct {
	Transport string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport failure: %v", e.Transport, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsFallbackEligible reports whether err allows trying the next transport.
// Only network-class failures qualify; explicit status errors, missing
// configuration and cancellation do not.
func IsFallbackEligible(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *TransportError
	return errors.As(err, &te)
}

// IsConfigError reports whether err is a missing-credential error.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
