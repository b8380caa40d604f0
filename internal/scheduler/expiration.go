package scheduler

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	activitydomain "github.com/smallbiznis/staykey/internal/activity/domain"
	bookingdomain "github.com/smallbiznis/staykey/internal/booking/domain"
	gatewaydomain "github.com/smallbiznis/staykey/internal/devicegateway/domain"
	obsmetrics "github.com/smallbiznis/staykey/internal/observability/metrics"
	"github.com/smallbiznis/staykey/internal/scheduler/guard"
	"go.uber.org/zap"
)

const expirationReason = "expired"

// ExpirationJob revokes the keys of bookings that checked out more than the
// grace period ago, drops their leftover retries and completes those bookings.
func (s *Scheduler) ExpirationJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobExpire, s.cfg.ExpireBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()

	cutoff := s.clock.Now().Add(-s.cfg.ExpirationGrace)
	keys, err := s.keys.ListExpired(ctx, s.db, cutoff, s.cfg.ExpireBatchSize)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.expire.list.failed", JobExpire, 0, err)
		return err
	}
	// Bookings whose every device failed have no active key, only retries.
	queued, err := s.retries.ListBookingsCheckedOutBefore(ctx, s.db, cutoff, s.cfg.ExpireBatchSize)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.expire.list_retries.failed", JobExpire, 0, err)
		return err
	}
	if len(keys) == 0 && len(queued) == 0 {
		schedMetrics.IncBatchDeferred(JobExpire, obsmetrics.SchedulerBatchDeferredReasonEmpty)
		return nil
	}

	bookingIDs := make([]snowflake.ID, 0, len(keys)+len(queued))
	seen := make(map[snowflake.ID]bool, len(keys)+len(queued))
	for _, key := range keys {
		if seen[key.BookingID] {
			continue
		}
		seen[key.BookingID] = true
		bookingIDs = append(bookingIDs, key.BookingID)
	}
	for _, bookingID := range queued {
		if seen[bookingID] {
			continue
		}
		seen[bookingID] = true
		bookingIDs = append(bookingIDs, bookingID)
	}

	var jobErr error
	for _, bookingID := range bookingIDs {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		bookingCtx := s.withLogContext(ctx, bookingID)

		result, err := s.provisioning.RevokeKeys(bookingCtx, bookingID, expirationReason)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logSchedulerError(ctx, run, "scheduler.expire.process.failed", JobExpire, bookingID, err)
			continue
		}
		run.AddProcessed(result.Revoked)
		schedMetrics.AddBatchProcessed(JobExpire, "virtual_key", result.Revoked)
		schedMetrics.AddBatchProcessed(JobExpire, "retry_record", int(result.RetriesDeleted))
		if len(result.Failed) > 0 {
			schedMetrics.IncBatchDeferred(JobExpire, obsmetrics.SchedulerBatchDeferredReasonInFlight)
			s.logger(bookingCtx).Warn("scheduler.expire.partial",
				zap.Int("revoked", result.Revoked),
				zap.Int("failed", len(result.Failed)),
			)
			continue
		}

		if err := s.completeBooking(bookingCtx, bookingID); err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logSchedulerError(ctx, run, "scheduler.expire.complete.failed", JobExpire, bookingID, err)
		}
	}
	return jobErr
}

func (s *Scheduler) completeBooking(ctx context.Context, bookingID snowflake.ID) error {
	booking, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return err
	}
	if booking.Status != bookingdomain.StatusKeysDistributed {
		return nil
	}
	changed, err := s.bookings.Transition(ctx, bookingID, bookingdomain.StatusCompleted)
	if err != nil || !changed {
		return err
	}
	s.record(ctx, bookingID, "", activitydomain.ActionBookingStatus, activitydomain.LevelInfo,
		"stay completed, keys expired",
		map[string]any{"from": string(bookingdomain.StatusKeysDistributed), "to": string(bookingdomain.StatusCompleted)})
	return nil
}

// PurgeJob hard-deletes keys deactivated longer than the retention window,
// revoking them on the device once more first, and trims old activity.
func (s *Scheduler) PurgeJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobPurge, s.cfg.PurgeBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()

	now := s.clock.Now()
	cutoff := now.Add(-s.cfg.PurgeRetention)
	keys, err := s.keys.ListInactiveBefore(ctx, s.db, cutoff, s.cfg.PurgeBatchSize)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.purge.list.failed", JobPurge, 0, err)
		return err
	}

	var jobErr error
	ids := make([]snowflake.ID, 0, len(keys))
	perBooking := make(map[snowflake.ID]int)
	for i, key := range keys {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		if err := guard.EnsureKeyCanBePurged(key, now, s.cfg.PurgeRetention); err != nil {
			schedMetrics.IncBatchDeferred(JobPurge, obsmetrics.SchedulerBatchDeferredReasonNotEligible)
			continue
		}
		if i > 0 {
			s.pause(ctx)
		}
		err := s.gateway.RevokeAuthorization(ctx, key.DeviceID, key.ExternalAuthID)
		if err != nil && gatewaydomain.KindOf(err) != gatewaydomain.ErrorKindPermanent {
			jobErr = errors.Join(jobErr, err)
			s.logSchedulerError(ctx, run, "scheduler.purge.revoke.failed", JobPurge, key.BookingID, err,
				zap.String("external_auth_id", key.ExternalAuthID),
				zap.String("device_id", key.DeviceID),
			)
			continue
		}
		ids = append(ids, key.ID)
		perBooking[key.BookingID]++
	}

	deleted, err := s.keys.DeleteByIDs(ctx, s.db, ids)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.purge.delete.failed", JobPurge, 0, err)
		return errors.Join(jobErr, err)
	}
	run.AddProcessed(int(deleted))
	schedMetrics.AddBatchProcessed(JobPurge, "virtual_key", int(deleted))
	for bookingID, count := range perBooking {
		s.record(ctx, bookingID, "", activitydomain.ActionKeysPurged, activitydomain.LevelInfo,
			"inactive keys purged",
			map[string]any{"count": count})
	}

	trimmed, err := s.activity.PurgeBefore(ctx, cutoff)
	if err != nil {
		jobErr = errors.Join(jobErr, err)
		s.logSchedulerError(ctx, run, "scheduler.purge.activity.failed", JobPurge, 0, err)
	}
	schedMetrics.AddBatchProcessed(JobPurge, "activity_entry", int(trimmed))
	return jobErr
}
