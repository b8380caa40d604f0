package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("key_type", "ROOM"),
		attribute.String("booking_id", "456"),
		attribute.String("error_kind", "ambiguous"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	if attrs[0].Key != "key_type" && attrs[1].Key != "key_type" {
		t.Fatalf("expected key_type to be retained")
	}
	if attrs[0].Key != "error_kind" && attrs[1].Key != "error_kind" {
		t.Fatalf("expected error_kind to be retained")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordDeviceCall(context.Background(), "create", "ROOM", "retryable")
	m.RecordProvisioningResult(context.Background(), "created", "admin")
}
