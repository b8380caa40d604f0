package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed device call for retry decisions.
type ErrorKind string

const (
	ErrorKindNone ErrorKind = ""
	// ErrorKindRetryable means the device definitely did not apply the change.
	ErrorKindRetryable ErrorKind = "retryable"
	// ErrorKindAmbiguous means the change may have been applied.
	ErrorKindAmbiguous ErrorKind = "ambiguous"
	ErrorKindPermanent ErrorKind = "permanent"
)

func (k ErrorKind) String() string {
	if k == ErrorKindNone {
		return "none"
	}
	return string(k)
}

var (
	ErrDeviceOffline           = errors.New("device_offline")
	ErrDeviceNotFound          = errors.New("device_not_found")
	ErrRateLimited             = errors.New("device_api_rate_limited")
	ErrUnauthorized            = errors.New("device_api_unauthorized")
	ErrInvalidRequest          = errors.New("device_api_invalid_request")
	ErrConflict                = errors.New("device_api_conflict")
	ErrUpstream                = errors.New("device_api_upstream_error")
	ErrTimeout                 = errors.New("device_api_timeout")
	ErrAuthorizationNotVisible = errors.New("authorization_not_visible")
)

// Error carries the classification of a gateway failure.
type Error struct {
	Kind       ErrorKind
	Op         string
	DeviceID   string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("device gateway %s %s: status %d: %s", e.Op, e.DeviceID, e.StatusCode, msg)
	}
	return fmt.Sprintf("device gateway %s %s: %s", e.Op, e.DeviceID, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the classification carried by err, or ErrorKindNone.
func KindOf(err error) ErrorKind {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return ErrorKindNone
}

// Failure builds an Outcome for a classified error.
func Failure(kind ErrorKind, op, deviceID string, cause error) Outcome {
	err := &Error{Kind: kind, Op: op, DeviceID: deviceID, Err: cause}
	return Outcome{Kind: kind, Err: err}
}
