package guard

import (
	"errors"
	"time"

	vkdomain "github.com/smallbiznis/staykey/internal/virtualkey/domain"
)

var (
	ErrRecordNotPending       = errors.New("retry_record_not_pending")
	ErrReconciliationRequired = errors.New("retry_record_needs_reconciliation")
	ErrRecordNotDue           = errors.New("retry_record_not_due")
	ErrAttemptsExhausted      = errors.New("retry_attempts_exhausted")
	ErrKeyStillActive         = errors.New("virtual_key_still_active")
	ErrRetentionNotElapsed    = errors.New("retention_not_elapsed")
	ErrStayEnded              = errors.New("stay_ended")
)

// EnsureRetryCanRun reports why a listed record must not be claimed by the
// retry job. The listing query can be stale by the time a record is reached.
func EnsureRetryCanRun(rec vkdomain.RetryRecord, now time.Time) error {
	if rec.Status != vkdomain.RetryStatusPending {
		return ErrRecordNotPending
	}
	if rec.NeedsReconciliation {
		return ErrReconciliationRequired
	}
	if now.Before(rec.NextAttemptAt) {
		return ErrRecordNotDue
	}
	if rec.MaxAttempts > 0 && rec.AttemptCount >= rec.MaxAttempts {
		return ErrAttemptsExhausted
	}
	return nil
}

// EnsureStayOpen rejects key issuance once checkout plus grace has passed.
func EnsureStayOpen(checkOut, now time.Time, grace time.Duration) error {
	if now.After(checkOut.Add(grace)) {
		return ErrStayEnded
	}
	return nil
}

// EnsureKeyCanBePurged requires a deactivated key older than the retention.
func EnsureKeyCanBePurged(key vkdomain.VirtualKey, now time.Time, retention time.Duration) error {
	if key.IsActive || key.DeactivatedAt == nil {
		return ErrKeyStillActive
	}
	if key.DeactivatedAt.After(now.Add(-retention)) {
		return ErrRetentionNotElapsed
	}
	return nil
}
