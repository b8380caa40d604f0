package domain

import (
	"context"
	"time"
)

// Device is a smart lock as reported by the vendor API.
type Device struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Online  bool   `json:"online"`
	Battery int    `json:"battery_percent"`
}

// Window bounds when an authorization opens a lock.
type Window struct {
	From  time.Time `json:"allowed_from"`
	Until time.Time `json:"allowed_until"`
}

func (w Window) Valid() bool {
	return !w.From.IsZero() && w.Until.After(w.From)
}

// Matches reports whether other describes the same window within tolerance.
// The vendor truncates timestamps to whole minutes.
func (w Window) Matches(other Window, tolerance time.Duration) bool {
	return absDuration(w.From.Sub(other.From)) <= tolerance &&
		absDuration(w.Until.Sub(other.Until)) <= tolerance
}

// Authorization is one keypad code accepted by a device.
type Authorization struct {
	ID       string    `json:"id"`
	DeviceID string    `json:"device_id"`
	Name     string    `json:"name"`
	Code     string    `json:"-"`
	Window   Window    `json:"window"`
	Enabled  bool      `json:"enabled"`
	Created  time.Time `json:"created_at"`
}

type CreateAuthorizationRequest struct {
	DeviceID string
	Name     string
	Code     string
	Window   Window
}

// Outcome is the classified result of a create-authorization call. Exactly
// one of Authorization or Err is set.
type Outcome struct {
	Authorization *Authorization
	Kind          ErrorKind
	Err           error
}

func (o Outcome) Succeeded() bool {
	return o.Err == nil && o.Authorization != nil
}

// Gateway is the lock vendor surface used by provisioning and the jobs.
type Gateway interface {
	ListDevices(ctx context.Context) ([]Device, error)
	CreateAuthorization(ctx context.Context, req CreateAuthorizationRequest) Outcome
	// FindAuthorization returns nil without error when nothing matches.
	FindAuthorization(ctx context.Context, deviceID, code string, window Window) (*Authorization, error)
	// RevokeAuthorization treats an already-missing authorization as revoked.
	RevokeAuthorization(ctx context.Context, deviceID, authorizationID string) error
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
