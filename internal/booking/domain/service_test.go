package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusCheckedIn, StatusKeysDistributed))
	assert.True(t, CanTransition(StatusKeysDistributed, StatusCompleted))
	assert.True(t, CanTransition(StatusConfirmed, StatusCancelled))
	assert.False(t, CanTransition(StatusCompleted, StatusCancelled))
	assert.False(t, CanTransition(StatusCancelled, StatusCheckedIn))
	assert.False(t, CanTransition(StatusPending, StatusKeysDistributed))
}

func TestEligibleForKeys(t *testing.T) {
	assert.True(t, EligibleForKeys(StatusCheckedIn))
	assert.True(t, EligibleForKeys(StatusKeysDistributed))
	assert.False(t, EligibleForKeys(StatusConfirmed))
	assert.False(t, EligibleForKeys(StatusCancelled))
	assert.False(t, EligibleForKeys(StatusCompleted))
}

func TestLeadTimeGate(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	lead := 72 * time.Hour

	ok, days, earliest := LeadTimeGate(now.Add(5*24*time.Hour), now, lead)
	assert.False(t, ok)
	assert.Equal(t, 2, days)
	assert.Equal(t, now.Add(2*24*time.Hour), earliest)

	ok, days, _ = LeadTimeGate(now.Add(3*24*time.Hour+time.Minute), now, lead)
	assert.False(t, ok)
	assert.Equal(t, 1, days)

	ok, days, _ = LeadTimeGate(now.Add(3*24*time.Hour), now, lead)
	assert.True(t, ok)
	assert.Equal(t, 0, days)

	ok, _, _ = LeadTimeGate(now.Add(24*time.Hour), now, lead)
	assert.True(t, ok)
}
