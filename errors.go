package pacer

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned for rates, options or arguments that can never
// be valid. Such values are rejected, never clamped.
var ErrInvalidConfig = errors.New("pacer: invalid configuration")

// ErrTimeout is returned when no token became available within the timeout
// passed to Acquire or Do.
var ErrTimeout = errors.New("pacer: timed out waiting for a token")

// TimeoutError provides details about a failed acquisition.
type TimeoutError struct {
	Pacer        string
	Timeout      time.Duration
	Waited       time.Duration // time spent before giving up; at least Timeout
	RequiredWait time.Duration // wait that was still needed for the next token
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("pacer: %s: no token within %v (waited %v, next token in %v)",
		e.Pacer, e.Timeout, e.Waited.Round(time.Microsecond), e.RequiredWait.Round(time.Microsecond))
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...)
}
