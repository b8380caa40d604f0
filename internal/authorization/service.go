package authorization

import (
	"context"
	"errors"
)

// Service decides whether an actor may perform an action on an object.
// Actors are "system" or "token:<name>" for configured admin API tokens.
type Service interface {
	Authorize(ctx context.Context, actor string, object string, action string) error
	// RoleOf returns the role name an actor is bound to.
	RoleOf(actor string) (string, error)
}

var (
	ErrForbidden     = errors.New("forbidden")
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
	ErrUnknownRole   = errors.New("unknown_role")
)

const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
	RoleSystem   = "system"

	ActorSystem = "system"
)

const (
	ObjectKeys     = "keys"
	ObjectRetries  = "retries"
	ObjectActivity = "activity"
	ObjectDevices  = "devices"
	ObjectBookings = "bookings"
	ObjectJobs     = "jobs"
)

const (
	ActionKeysView       = "keys.view"
	ActionKeysEnsure     = "keys.ensure"
	ActionKeysRegenerate = "keys.regenerate"
	ActionKeysRevoke     = "keys.revoke"

	ActionRetriesView  = "retries.view"
	ActionActivityView = "activity.view"
	ActionDevicesView  = "devices.view"

	ActionBookingsCancel = "bookings.cancel"

	ActionJobsTrigger = "jobs.trigger"
)

// ValidRole reports whether role is one admin tokens may carry.
func ValidRole(role string) bool {
	switch role {
	case RoleViewer, RoleOperator, RoleAdmin:
		return true
	default:
		return false
	}
}
