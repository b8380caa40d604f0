package scheduler

import (
	"context"
	"errors"
	"time"

	activitydomain "github.com/smallbiznis/staykey/internal/activity/domain"
	bookingdomain "github.com/smallbiznis/staykey/internal/booking/domain"
	obsmetrics "github.com/smallbiznis/staykey/internal/observability/metrics"
	provisioningdomain "github.com/smallbiznis/staykey/internal/provisioning/domain"
	"github.com/smallbiznis/staykey/internal/scheduler/guard"
	vkdomain "github.com/smallbiznis/staykey/internal/virtualkey/domain"
	"go.uber.org/zap"
)

// RetryQueueJob re-runs provisioning for due PENDING retry records, one key
// type per record, after returning stale PROCESSING claims to the queue.
func (s *Scheduler) RetryQueueJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobRetry, s.cfg.RetryBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()
	var jobErr error

	if err := s.recoverStaleClaims(ctx, run); err != nil {
		jobErr = errors.Join(jobErr, err)
	}

	now := s.clock.Now()
	records, err := s.retries.ListDue(ctx, s.db, now, s.cfg.RetryBatchSize)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.retry.list.failed", JobRetry, 0, err)
		return errors.Join(jobErr, err)
	}
	if len(records) == 0 {
		schedMetrics.IncBatchDeferred(JobRetry, obsmetrics.SchedulerBatchDeferredReasonEmpty)
		return jobErr
	}

	attempted := 0
	for _, rec := range records {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		if err := guard.EnsureRetryCanRun(rec, s.clock.Now()); err != nil {
			schedMetrics.IncBatchDeferred(JobRetry, obsmetrics.SchedulerBatchDeferredReasonNotEligible)
			s.logger(ctx).Debug("scheduler.retry.not_eligible",
				zap.String("record_id", rec.ID.String()),
				zap.String("reason", err.Error()),
			)
			continue
		}

		claimed, err := s.retries.Claim(ctx, s.db, rec.ID, s.clock.Now())
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logSchedulerError(ctx, run, "scheduler.retry.claim.failed", JobRetry, rec.BookingID, err,
				zap.String("record_id", rec.ID.String()),
			)
			continue
		}
		if !claimed {
			schedMetrics.IncBatchDeferred(JobRetry, obsmetrics.SchedulerBatchDeferredReasonClaimLost)
			continue
		}

		if attempted > 0 {
			s.pause(ctx)
		}
		attempted++
		if err := s.processRetry(ctx, run, rec); err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}
		run.AddProcessed(1)
		schedMetrics.AddBatchProcessed(JobRetry, "retry_record", 1)
	}

	return jobErr
}

// processRetry runs the orchestrator for a claimed record and releases the
// claim when the orchestrator returned without settling it.
func (s *Scheduler) processRetry(ctx context.Context, run *jobRun, rec vkdomain.RetryRecord) error {
	recCtx := s.withLogContext(ctx, rec.BookingID)
	s.logger(recCtx).Debug("scheduler.retry.claimed",
		zap.String("record_id", rec.ID.String()),
		zap.String("key_type", string(rec.KeyType)),
		zap.Int("attempt_count", rec.AttemptCount),
	)

	booking, err := s.bookings.GetByID(recCtx, rec.BookingID)
	switch {
	case errors.Is(err, bookingdomain.ErrNotFound):
		return s.releaseClaim(recCtx, rec, "booking no longer exists", true)
	case err != nil:
		s.logSchedulerError(ctx, run, "scheduler.retry.process.failed", JobRetry, rec.BookingID, err,
			zap.String("record_id", rec.ID.String()),
		)
		return errors.Join(err, s.releaseClaim(recCtx, rec, err.Error(), false))
	}
	if err := guard.EnsureStayOpen(booking.CheckOutAt, s.clock.Now(), s.cfg.ExpirationGrace); err != nil {
		obsmetrics.Scheduler().IncBatchDeferred(JobRetry, obsmetrics.SchedulerBatchDeferredReasonNotEligible)
		return s.releaseClaim(recCtx, rec, "stay ended before the key could be issued", true)
	}

	result, err := s.provisioning.EnsureKeys(recCtx, rec.BookingID, provisioningdomain.Options{
		Force:                true,
		AllowEarlyGeneration: true,
		KeyTypes:             []vkdomain.KeyType{rec.KeyType},
		ExplicitKeypadCode:   rec.KeypadCode,
		RetryRecordID:        rec.ID,
		Trigger:              provisioningdomain.TriggerRetry,
	})

	switch {
	case errors.Is(err, provisioningdomain.ErrKeypadCodeConflict):
		s.logSchedulerError(ctx, run, "scheduler.retry.process.failed", JobRetry, rec.BookingID, err,
			zap.String("record_id", rec.ID.String()),
		)
		return s.releaseClaim(recCtx, rec, "booking keypad code changed since the record was queued", true)
	case err != nil:
		s.logSchedulerError(ctx, run, "scheduler.retry.process.failed", JobRetry, rec.BookingID, err,
			zap.String("record_id", rec.ID.String()),
		)
		return errors.Join(err, s.releaseClaim(recCtx, rec, err.Error(), false))
	case result.Status == provisioningdomain.ResultNotFound:
		return s.releaseClaim(recCtx, rec, "booking no longer exists", true)
	case result.Status == provisioningdomain.ResultSkipped:
		return s.releaseClaim(recCtx, rec, "no lock is configured for "+string(rec.KeyType), true)
	}

	s.logger(recCtx).Info("scheduler.retry.processed",
		zap.String("record_id", rec.ID.String()),
		zap.String("key_type", string(rec.KeyType)),
		zap.String("status", string(result.Status)),
	)
	return s.releaseClaim(recCtx, rec, "provisioning returned "+string(result.Status)+" without settling the record", false)
}

// releaseClaim moves a record this run still holds in PROCESSING back to
// PENDING, or to FAILED when no later attempt can succeed. Records the
// orchestrator already settled are left alone.
func (s *Scheduler) releaseClaim(ctx context.Context, claimed vkdomain.RetryRecord, cause string, terminal bool) error {
	rec, err := s.retries.FindByID(ctx, s.db, claimed.ID)
	if err != nil || rec == nil {
		return err
	}
	if rec.Status != vkdomain.RetryStatusProcessing {
		return nil
	}

	now := s.clock.Now()
	rec.ProcessingStartedAt = nil
	rec.LastError = &cause
	rec.UpdatedAt = now
	if terminal {
		rec.Status = vkdomain.RetryStatusFailed
		rec.ResolutionNote = &cause
	} else {
		rec.Status = vkdomain.RetryStatusPending
		rec.NextAttemptAt = now.Add(s.devices.Get().Policy.RetryInterval)
	}

	ok, err := s.retries.UpdateIfStatus(ctx, s.db, rec, vkdomain.RetryStatusProcessing)
	if err != nil || !ok {
		return err
	}
	obsmetrics.Provisioning().IncRetryTransition(string(vkdomain.RetryStatusProcessing), string(rec.Status))
	if terminal {
		s.record(ctx, rec.BookingID, rec.KeyType, activitydomain.ActionKeyFailed, activitydomain.LevelError,
			"retry abandoned: "+cause,
			map[string]any{"record_id": rec.ID.String()})
	}
	return nil
}

func (s *Scheduler) pause(ctx context.Context) {
	if s.cfg.CallDelay <= 0 {
		return
	}
	timer := time.NewTimer(s.cfg.CallDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
