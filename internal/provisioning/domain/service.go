package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// Service is the single path through which keys are created, replaced and
// torn down.
type Service interface {
	EnsureKeys(ctx context.Context, bookingID snowflake.ID, opts Options) (Result, error)
	// RegenerateKeys revokes every authorization of the booking, assigns a
	// new universal code and provisions it.
	RegenerateKeys(ctx context.Context, bookingID snowflake.ID, opts Options) (Result, error)
	RevokeKeys(ctx context.Context, bookingID snowflake.ID, reason string) (RevokeResult, error)
	// Reconcile looks for the authorization an ambiguous attempt may have
	// created and adopts it.
	Reconcile(ctx context.Context, recordID snowflake.ID) (ReconcileResult, error)
}

var (
	ErrKeypadCodeConflict = errors.New("keypad_code_conflict")
	ErrRevokeIncomplete   = errors.New("revoke_incomplete")
)
