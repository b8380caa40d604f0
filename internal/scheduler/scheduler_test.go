package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/staykey/internal/clock"
	obsmetrics "github.com/smallbiznis/staykey/internal/observability/metrics"
	"go.uber.org/zap"
)

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "staykey",
		Environment: "test",
	})

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	s := &Scheduler{log: zap.NewNop(), genID: node, clock: clock.NewFakeClock(time.Time{})}
	summary, err := s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if summary.Job != "timeout_job" || summary.RunID == "" {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.Errors != 1 {
		t.Fatalf("expected one error in summary, got %d", summary.Errors)
	}

	labels := map[string]string{
		"service": "staykey",
		"env":     "test",
		"job":     "timeout_job",
	}
	if got := getCounterValue(t, registry, "staykey_scheduler_job_timeouts_total", labels); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}

	errorLabels := map[string]string{
		"service": "staykey",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	if got := getCounterValue(t, registry, "staykey_scheduler_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func TestIsJobEnabled(t *testing.T) {
	s := &Scheduler{}
	if !s.isJobEnabled(JobPurge) {
		t.Fatalf("expected every job enabled by default")
	}

	s.cfg.EnabledJobs = []string{"Retry", "reconcile"}
	if !s.isJobEnabled(JobRetry) || !s.isJobEnabled(JobReconcile) {
		t.Fatalf("expected configured jobs enabled")
	}
	if s.isJobEnabled(JobExpire) {
		t.Fatalf("expected expire disabled")
	}
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{ExpirationGrace: time.Hour, CallDelay: -time.Second}.withDefaults()
	if cfg.ExpirationGrace != time.Hour {
		t.Fatalf("expected grace to be kept, got %s", cfg.ExpirationGrace)
	}
	if cfg.RetryBatchSize != 25 || cfg.ExpireBatchSize != 50 {
		t.Fatalf("unexpected batch sizes %d/%d", cfg.RetryBatchSize, cfg.ExpireBatchSize)
	}
	if cfg.PurgeRetention != 30*24*time.Hour {
		t.Fatalf("unexpected retention %s", cfg.PurgeRetention)
	}
	if cfg.CallDelay != 0 {
		t.Fatalf("expected negative delay clamped, got %s", cfg.CallDelay)
	}
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
