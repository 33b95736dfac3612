package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/john/chatkeep/internal/message"
)

// ValidationError means the channel does not exist on the platform; never retried automatically
type ValidationError struct {
	Channel  string
	Platform message.Platform
	Reason   string
	Err      error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation error [%s] %s: %s: %v", e.Platform, e.Channel, e.Reason, e.Err)
	}
	return fmt.Sprintf("validation error [%s] %s: %s", e.Platform, e.Channel, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// TimeoutError means no connection confirmation arrived in time
type TimeoutError struct {
	Channel  string
	Platform message.Platform
	After    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout error [%s] %s: no confirmation after %s", e.Platform, e.Channel, e.After)
}

// TransportError wraps socket, DNS and HTTP failures
type TransportError struct {
	Channel  string
	Platform message.Platform
	Op       string // "dial", "read", "resolve", "subscribe"
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error [%s] %s %s: %v", e.Platform, e.Op, e.Channel, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsSoft reports whether err is transient and the channel should stay followed for a later retry
func IsSoft(err error) bool {
	if err == nil {
		return false
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return false
	}
	var terr *TimeoutError
	var trerr *TransportError
	return errors.As(err, &terr) || errors.As(err, &trerr)
}

// IsValidation reports whether err is a hard validation failure
func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}
