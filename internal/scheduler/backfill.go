package scheduler

import (
	"context"
	"errors"

	obsmetrics "github.com/smallbiznis/staykey/internal/observability/metrics"
	provisioningdomain "github.com/smallbiznis/staykey/internal/provisioning/domain"
	"go.uber.org/zap"
)

// BackfillJob provisions checked-in bookings that entered the lead window
// without keys, e.g. because the payment webhook fired too early.
func (s *Scheduler) BackfillJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobBackfill, s.cfg.BackfillBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()

	lead := s.devices.Get().Policy.LeadTime
	bookings, err := s.bookings.ListKeyCandidates(ctx, lead, s.cfg.BackfillBatchSize)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.backfill.list.failed", JobBackfill, 0, err)
		return err
	}
	if len(bookings) == 0 {
		schedMetrics.IncBatchDeferred(JobBackfill, obsmetrics.SchedulerBatchDeferredReasonEmpty)
		return nil
	}

	var jobErr error
	for i, booking := range bookings {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		if i > 0 {
			s.pause(ctx)
		}
		bookingCtx := s.withLogContext(ctx, booking.ID)
		result, err := s.provisioning.EnsureKeys(bookingCtx, booking.ID, provisioningdomain.Options{
			Trigger: provisioningdomain.TriggerBackfill,
		})
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logSchedulerError(ctx, run, "scheduler.backfill.process.failed", JobBackfill, booking.ID, err)
			continue
		}
		if result.Status == provisioningdomain.ResultCreated || result.Status == provisioningdomain.ResultQueued {
			run.AddProcessed(1)
			schedMetrics.AddBatchProcessed(JobBackfill, "booking", 1)
		}
		s.logger(bookingCtx).Info("scheduler.backfill.processed",
			zap.String("status", string(result.Status)),
			zap.Int("created", len(result.Created)),
			zap.Int("queued", len(result.Queued)),
		)
	}
	return jobErr
}
