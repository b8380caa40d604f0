package scheduler

import (
	"context"
	"errors"

	obsmetrics "github.com/smallbiznis/staykey/internal/observability/metrics"
	provisioningdomain "github.com/smallbiznis/staykey/internal/provisioning/domain"
	"go.uber.org/zap"
)

// ReconciliationJob resolves records whose last attempt had an unknown
// outcome by asking the device whether the authorization exists.
func (s *Scheduler) ReconciliationJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobReconcile, s.cfg.ReconcileBatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()

	records, err := s.retries.ListNeedingReconciliation(ctx, s.db, s.cfg.ReconcileBatchSize)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.reconcile.list.failed", JobReconcile, 0, err)
		return err
	}
	if len(records) == 0 {
		schedMetrics.IncBatchDeferred(JobReconcile, obsmetrics.SchedulerBatchDeferredReasonEmpty)
		return nil
	}

	var jobErr error
	for i, rec := range records {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		if i > 0 {
			s.pause(ctx)
		}

		result, err := s.provisioning.Reconcile(s.withLogContext(ctx, rec.BookingID), rec.ID)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logSchedulerError(ctx, run, "scheduler.reconcile.process.failed", JobReconcile, rec.BookingID, err,
				zap.String("record_id", rec.ID.String()),
				zap.String("key_type", string(rec.KeyType)),
			)
			continue
		}

		switch result.Status {
		case provisioningdomain.ReconcileAdopted, provisioningdomain.ReconcileMissing:
			run.AddProcessed(1)
			schedMetrics.AddBatchProcessed(JobReconcile, "retry_record", 1)
		default:
			schedMetrics.IncBatchDeferred(JobReconcile, obsmetrics.SchedulerBatchDeferredReasonNotEligible)
		}
		s.logger(s.withLogContext(ctx, rec.BookingID)).Info("scheduler.reconcile.processed",
			zap.String("record_id", rec.ID.String()),
			zap.String("key_type", string(rec.KeyType)),
			zap.String("status", string(result.Status)),
			zap.String("external_auth_id", result.ExternalAuthID),
		)
	}
	return jobErr
}
