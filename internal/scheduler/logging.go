package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/staykey/internal/authorization"
	obscontext "github.com/smallbiznis/staykey/internal/observability/context"
	obslogger "github.com/smallbiznis/staykey/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/staykey/internal/observability/metrics"
	"go.uber.org/zap"
)

// jobRun accumulates the counters reported in a RunSummary. A run is owned by
// the outermost call; nested job helpers reuse it through the context.
type jobRun struct {
	job       string
	runID     string
	batchSize int
	started   time.Time
	processed int
	errors    int
	skipped   bool
}

type jobRunKey struct{}

func (r *jobRun) AddProcessed(n int) {
	if r != nil && n > 0 {
		r.processed += n
	}
}

func (r *jobRun) IncError() {
	if r != nil {
		r.errors++
	}
}

func (r *jobRun) summary() RunSummary {
	if r == nil {
		return RunSummary{}
	}
	return RunSummary{
		Job:        r.job,
		RunID:      r.runID,
		Processed:  r.processed,
		Errors:     r.errors,
		Skipped:    r.skipped,
		DurationMs: time.Since(r.started).Milliseconds(),
	}
}

func (r *jobRun) fields() []zap.Field {
	return []zap.Field{zap.String("run_id", r.runID), zap.Int("batch_size", r.batchSize)}
}

// ensureJobRun returns the run already on ctx, or starts one and reports
// owner=true so the caller logs start and finish exactly once.
func (s *Scheduler) ensureJobRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if run, ok := ctx.Value(jobRunKey{}).(*jobRun); ok && run != nil {
		return ctx, run, false
	}

	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		batchSize: batchSize,
		started:   time.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	ctx = obscontext.WithJob(ctx, job)
	return s.withLogContext(ctx, 0), run, true
}

// withLogContext tags ctx with the scheduler actor and, when known, the
// booking being processed.
func (s *Scheduler) withLogContext(ctx context.Context, bookingID snowflake.ID) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = obscontext.WithActor(ctx, authorization.ActorSystem, "scheduler")
	if bookingID != 0 {
		ctx = obscontext.WithBookingID(ctx, bookingID.String())
	}
	return ctx
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	if run != nil {
		s.logger(ctx).Info("scheduler.job.start", run.fields()...)
	}
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	sum := run.summary()
	fields := append(run.fields(),
		zap.Int64("duration_ms", sum.DurationMs),
		zap.Int("processed_count", sum.Processed),
		zap.Int("error_count", sum.Errors),
		zap.Bool("skipped", sum.Skipped),
	)
	if sum.Errors > 0 {
		s.logger(ctx).Warn("scheduler.job.finish", fields...)
		return
	}
	s.logger(ctx).Info("scheduler.job.finish", fields...)
}

// logSchedulerError counts err against the run and logs it with its
// classification. One booking failing never aborts the batch.
func (s *Scheduler) logSchedulerError(ctx context.Context, run *jobRun, msg string, job string, bookingID snowflake.ID, err error, extra ...zap.Field) {
	if err == nil {
		return
	}
	run.IncError()

	fields := make([]zap.Field, 0, len(extra)+4)
	fields = append(fields,
		zap.String("job", job),
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
		zap.Error(err),
	)
	fields = append(fields, extra...)
	s.logger(s.withLogContext(ctx, bookingID)).Error(msg, fields...)
}

func idString(id snowflake.ID) string {
	if id == 0 {
		return ""
	}
	return id.String()
}
