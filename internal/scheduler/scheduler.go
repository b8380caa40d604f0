package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	activitydomain "github.com/smallbiznis/staykey/internal/activity/domain"
	bookingdomain "github.com/smallbiznis/staykey/internal/booking/domain"
	"github.com/smallbiznis/staykey/internal/clock"
	"github.com/smallbiznis/staykey/internal/config"
	gatewaydomain "github.com/smallbiznis/staykey/internal/devicegateway/domain"
	obsmetrics "github.com/smallbiznis/staykey/internal/observability/metrics"
	provisioningdomain "github.com/smallbiznis/staykey/internal/provisioning/domain"
	"github.com/smallbiznis/staykey/internal/ratelimit"
	vkdomain "github.com/smallbiznis/staykey/internal/virtualkey/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	JobRetry     = "retry"
	JobReconcile = "reconcile"
	JobExpire    = "expire"
	JobPurge     = "purge"
	JobBackfill  = "backfill"
)

var (
	ErrInvalidConfig = errors.New("invalid_scheduler_config")
	ErrUnknownJob    = errors.New("unknown_job")
)

// JobNames lists the jobs in the order RunOnce executes them.
func JobNames() []string {
	return []string{JobRetry, JobReconcile, JobBackfill, JobExpire, JobPurge}
}

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Devices      *config.DeviceConfigHolder
	Provisioning provisioningdomain.Service
	Bookings     bookingdomain.Service
	Activity     activitydomain.Service
	Gateway      gatewaydomain.Gateway
	Keys         vkdomain.KeyRepository
	Retries      vkdomain.RetryRepository
	Locker       *ratelimit.Locker `optional:"true"`
	Config       Config            `optional:"true"`
}

type Scheduler struct {
	db           *gorm.DB
	log          *zap.Logger
	cfg          Config
	genID        *snowflake.Node
	clock        clock.Clock
	devices      *config.DeviceConfigHolder
	provisioning provisioningdomain.Service
	bookings     bookingdomain.Service
	activity     activitydomain.Service
	gateway      gatewaydomain.Gateway
	keys         vkdomain.KeyRepository
	retries      vkdomain.RetryRepository
	locker       *ratelimit.Locker
}

// RunSummary describes one job run for the trigger endpoints.
type RunSummary struct {
	Job        string `json:"job"`
	RunID      string `json:"run_id"`
	Processed  int    `json:"processed"`
	Errors     int    `json:"errors"`
	Skipped    bool   `json:"skipped"`
	DurationMs int64  `json:"duration_ms"`
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Devices == nil ||
		p.Provisioning == nil || p.Bookings == nil || p.Activity == nil || p.Gateway == nil ||
		p.Keys == nil || p.Retries == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:           p.DB,
		log:          p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:          p.Config.withDefaults(),
		genID:        p.GenID,
		clock:        p.Clock,
		devices:      p.Devices,
		provisioning: p.Provisioning,
		bookings:     p.Bookings,
		activity:     p.Activity,
		gateway:      p.Gateway,
		keys:         p.Keys,
		retries:      p.Retries,
		locker:       p.Locker,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) (RunSummary, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := s.locker.WithJobLock(ctx, name, s.cfg.LockTTL, fn)
	if errors.Is(err, ratelimit.ErrLockHeld) {
		run.skipped = true
		schedMetrics.IncBatchDeferred(name, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		log.Info("job skipped, another run holds the lock")
		err = nil
	}
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errors == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	summary := run.summary()
	if err == nil {
		return summary, nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		// Unfinished records stay queued for the next run.
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return summary, nil
	}

	return summary, fmt.Errorf("%s: %w", name, err)
}

// Trigger runs a single job by name, as the HTTP job endpoints do.
func (s *Scheduler) Trigger(ctx context.Context, name string) (RunSummary, error) {
	job, ok := s.job(strings.ToLower(strings.TrimSpace(name)))
	if !ok {
		return RunSummary{}, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	return s.runJob(ctx, job.name, job.batchSize, s.cfg.JobTimeout, job.run)
}

type jobSpec struct {
	name      string
	batchSize int
	run       func(context.Context) error
}

func (s *Scheduler) jobs() []jobSpec {
	return []jobSpec{
		{JobRetry, s.cfg.RetryBatchSize, s.RetryQueueJob},
		{JobReconcile, s.cfg.ReconcileBatchSize, s.ReconciliationJob},
		{JobBackfill, s.cfg.BackfillBatchSize, s.BackfillJob},
		{JobExpire, s.cfg.ExpireBatchSize, s.ExpirationJob},
		{JobPurge, s.cfg.PurgeBatchSize, s.PurgeJob},
	}
}

func (s *Scheduler) job(name string) (jobSpec, bool) {
	for _, job := range s.jobs() {
		if job.name == name {
			return job, true
		}
	}
	return jobSpec{}, false
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	for _, job := range s.jobs() {
		if !s.isJobEnabled(job.name) {
			continue
		}
		_, jobErr := s.runJob(parent, job.name, job.batchSize, s.cfg.JobTimeout, job.run)
		err = errors.Join(err, jobErr)
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// record writes an activity entry for job-driven changes; failures are
// logged by the activity service.
func (s *Scheduler) record(ctx context.Context, bookingID snowflake.ID, keyType vkdomain.KeyType, action activitydomain.Action, level activitydomain.Level, message string, metadata map[string]any) {
	_ = s.activity.Record(ctx, activitydomain.RecordRequest{
		BookingID: idString(bookingID),
		KeyType:   string(keyType),
		Action:    action,
		Level:     level,
		Message:   message,
		Metadata:  metadata,
	})
}
