package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/staykey/internal/authorization"
	gatewaydomain "github.com/smallbiznis/staykey/internal/devicegateway/domain"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: SchedulerJobReasonDeadlineExceeded,
		},
		{
			name: "forbidden",
			err:  authorization.ErrForbidden,
			want: SchedulerJobReasonForbidden,
		},
		{
			name: "device_ambiguous",
			err:  fmt.Errorf("create: %w", &gatewaydomain.Error{Kind: gatewaydomain.ErrorKindAmbiguous, Op: "create"}),
			want: SchedulerJobReasonDeviceAmbiguous,
		},
		{
			name: "device_permanent",
			err:  &gatewaydomain.Error{Kind: gatewaydomain.ErrorKindPermanent, Op: "revoke"},
			want: SchedulerJobReasonDevicePermanent,
		},
		{
			name: "db_lock_timeout",
			err:  &pgconn.PgError{Code: "55P03"},
			want: SchedulerJobReasonDBLockTimeout,
		},
		{
			name: "serialization_failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: SchedulerJobReasonSerializationFailure,
		},
		{
			name: "unique_violation",
			err:  gorm.ErrDuplicatedKey,
			want: SchedulerJobReasonUniqueViolation,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: SchedulerJobReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestIsSchedulerErrorRetryable(t *testing.T) {
	if !IsSchedulerErrorRetryable(&gatewaydomain.Error{Kind: gatewaydomain.ErrorKindRetryable}) {
		t.Fatalf("expected retryable device error to be retryable")
	}
	if IsSchedulerErrorRetryable(&gatewaydomain.Error{Kind: gatewaydomain.ErrorKindPermanent}) {
		t.Fatalf("expected permanent device error not to be retryable")
	}
	if IsSchedulerErrorRetryable(gorm.ErrRecordNotFound) {
		t.Fatalf("expected record not found not to be retryable")
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{
		ServiceName: "staykey",
		Environment: "test",
	})

	metrics.AddBatchProcessed("retry_queue", "retry_records", 3)
	metrics.AddBatchProcessed("retry_queue", "retry_records", 0)

	got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("retry_queue", "retry_records"))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
}

func TestProvisioningMetricsCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newProvisioningMetrics(registry, Config{ServiceName: "staykey", Environment: "test"})

	metrics.IncDeviceOutcome("ROOM", DeviceOutcomeAmbiguous)
	metrics.IncRetryTransition("", "PENDING")
	metrics.IncRetryTransition("PENDING", "PROCESSING")
	metrics.AddKeysRevoked("expired", 4)
	metrics.IncAdoption()

	if got := testutil.ToFloat64(metrics.deviceOutcomes.WithLabelValues("ROOM", DeviceOutcomeAmbiguous)); got != 1 {
		t.Fatalf("expected 1 ambiguous outcome, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.retryTransitions.WithLabelValues("NONE", "PENDING")); got != 1 {
		t.Fatalf("expected NONE->PENDING transition, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.keysRevoked.WithLabelValues("expired")); got != 4 {
		t.Fatalf("expected 4 revoked keys, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.adoptions); got != 1 {
		t.Fatalf("expected 1 adoption, got %v", got)
	}
}
