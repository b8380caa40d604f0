package scheduler

import (
	"context"
	"errors"

	activitydomain "github.com/smallbiznis/staykey/internal/activity/domain"
	gatewaydomain "github.com/smallbiznis/staykey/internal/devicegateway/domain"
	obsmetrics "github.com/smallbiznis/staykey/internal/observability/metrics"
	vkdomain "github.com/smallbiznis/staykey/internal/virtualkey/domain"
	"go.uber.org/zap"
)

const staleClaimError = "processing claim expired before the attempt was recorded"

// recoverStaleClaims returns records stuck in PROCESSING past the recovery
// threshold to PENDING. The interrupted attempt may have reached the device,
// so the record is flagged for reconciliation before it is retried.
func (s *Scheduler) recoverStaleClaims(ctx context.Context, run *jobRun) error {
	now := s.clock.Now()
	cutoff := now.Add(-s.cfg.RecoveryThreshold)
	records, err := s.retries.ListStaleProcessing(ctx, s.db, cutoff, s.cfg.RetryBatchSize)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.retry.recovery.failed", JobRetry, 0, err)
		return err
	}

	var jobErr error
	recovered := 0
	for i := range records {
		rec := records[i]
		startedAt := rec.ProcessingStartedAt

		msg := staleClaimError
		rec.Status = vkdomain.RetryStatusPending
		rec.NeedsReconciliation = true
		rec.LastError = &msg
		rec.LastErrorKind = gatewaydomain.ErrorKindAmbiguous
		rec.ProcessingStartedAt = nil
		rec.NextAttemptAt = now
		rec.UpdatedAt = now

		ok, err := s.retries.UpdateIfStatus(ctx, s.db, &rec, vkdomain.RetryStatusProcessing)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logSchedulerError(ctx, run, "scheduler.retry.recovery.failed", JobRetry, rec.BookingID, err,
				zap.String("record_id", rec.ID.String()),
			)
			continue
		}
		if !ok {
			continue
		}
		recovered++
		obsmetrics.Provisioning().IncRetryTransition(string(vkdomain.RetryStatusProcessing), string(vkdomain.RetryStatusPending))

		fields := []zap.Field{
			zap.String("record_id", rec.ID.String()),
			zap.String("key_type", string(rec.KeyType)),
		}
		if startedAt != nil {
			fields = append(fields, zap.Time("processing_started_at", *startedAt))
		}
		s.logger(s.withLogContext(ctx, rec.BookingID)).Warn("retry.recovered", fields...)
		s.record(ctx, rec.BookingID, rec.KeyType, activitydomain.ActionRetryRecovered, activitydomain.LevelWarn,
			"stale processing claim returned to the queue for reconciliation",
			map[string]any{"record_id": rec.ID.String()})
	}

	obsmetrics.Scheduler().AddBatchProcessed(JobRetry, "stale_claim", recovered)
	return jobErr
}
