package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsSensitiveKeys(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/api/bookings/:id/keys"),
		attribute.String("keypad_code", "583914"),
		attribute.String("device.api_token", "secret"),
		attribute.Int("http.status_code", 200),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "keypad_code" || attr.Key == "device.api_token" {
			t.Fatalf("expected %s to be dropped", attr.Key)
		}
	}
}

func TestSafeErrorHidesMessage(t *testing.T) {
	if SafeError(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
	if got := SafeError(errors.New("code 583914 rejected")); got.Error() != "request_failed" {
		t.Fatalf("expected request_failed, got %v", got)
	}
	if got := SafeError(context.DeadlineExceeded); !errors.Is(got, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", got)
	}
}
