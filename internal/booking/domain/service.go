package domain

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	GetByID(ctx context.Context, id snowflake.ID) (Booking, error)
	// AssignKeypadCode persists code unless a code is already stored; it
	// returns the code that is stored afterwards.
	AssignKeypadCode(ctx context.Context, id snowflake.ID, code string) (string, error)
	// ReplaceKeypadCode stores a new code and bumps the generation counter.
	ReplaceKeypadCode(ctx context.Context, id snowflake.ID, code string) (int, error)
	ClearKeypadCode(ctx context.Context, id snowflake.ID) error
	Transition(ctx context.Context, id snowflake.ID, to Status) (bool, error)
	MarkPaid(ctx context.Context, id snowflake.ID) error
	ListKeyCandidates(ctx context.Context, lead time.Duration, limit int) ([]Booking, error)
}

var (
	ErrInvalidID         = errors.New("invalid_id")
	ErrNotFound          = errors.New("booking_not_found")
	ErrInvalidTransition = errors.New("invalid_status_transition")
	ErrInvalidKeypadCode = errors.New("invalid_keypad_code")
)

var transitions = map[Status][]Status{
	StatusPending:         {StatusConfirmed, StatusCancelled},
	StatusConfirmed:       {StatusCheckedIn, StatusCancelled},
	StatusCheckedIn:       {StatusKeysDistributed, StatusCancelled},
	StatusKeysDistributed: {StatusCompleted, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// EligibleForKeys reports whether keys may be provisioned in this status.
func EligibleForKeys(status Status) bool {
	return status == StatusCheckedIn || status == StatusKeysDistributed
}

// LeadTimeGate decides whether keys may be generated yet. When not,
// daysRemaining is the whole number of days until earliest, rounded up.
func LeadTimeGate(checkInAt, now time.Time, lead time.Duration) (ok bool, daysRemaining int, earliest time.Time) {
	earliest = checkInAt.Add(-lead)
	if !now.Before(earliest) {
		return true, 0, earliest
	}
	remaining := earliest.Sub(now)
	daysRemaining = int(math.Ceil(remaining.Hours() / 24))
	return false, daysRemaining, earliest
}
