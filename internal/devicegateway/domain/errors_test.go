package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindOfUnwrapsWrappedErrors(t *testing.T) {
	err := fmt.Errorf("ensure ROOM: %w", &Error{Kind: ErrorKindAmbiguous, Op: "create", Err: ErrTimeout})

	assert.Equal(t, ErrorKindAmbiguous, KindOf(err))
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, ErrorKindNone, KindOf(errors.New("plain")))
}

func TestFailureOutcome(t *testing.T) {
	outcome := Failure(ErrorKindRetryable, "create", "lock-1", ErrDeviceOffline)

	assert.False(t, outcome.Succeeded())
	assert.Equal(t, ErrorKindRetryable, outcome.Kind)
	assert.ErrorIs(t, outcome.Err, ErrDeviceOffline)
	assert.Contains(t, outcome.Err.Error(), "lock-1")
}

func TestWindowMatchesWithinTolerance(t *testing.T) {
	from := time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC)
	w := Window{From: from, Until: from.Add(48 * time.Hour)}
	rounded := Window{From: from.Add(30 * time.Second), Until: from.Add(48*time.Hour - 20*time.Second)}

	assert.True(t, w.Valid())
	assert.True(t, w.Matches(rounded, time.Minute))
	assert.False(t, w.Matches(Window{From: from.Add(time.Hour), Until: w.Until}, time.Minute))
	assert.False(t, Window{From: from, Until: from}.Valid())
}
