package context

import (
	"context"
	"strings"
)

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	actorTypeKey ctxKey = "actor_type"
	actorIDKey   ctxKey = "actor_id"
	bookingIDKey ctxKey = "booking_id"
	jobKey       ctxKey = "job"
)

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, strings.TrimSpace(requestID))
}

func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

// WithActor records who triggered the work: an admin token name, the cron
// scheduler or a payment webhook.
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	ctx = context.WithValue(ctx, actorTypeKey, strings.TrimSpace(actorType))
	return context.WithValue(ctx, actorIDKey, strings.TrimSpace(actorID))
}

func ActorFromContext(ctx context.Context) (string, string) {
	return stringValue(ctx, actorTypeKey), stringValue(ctx, actorIDKey)
}

func WithBookingID(ctx context.Context, bookingID string) context.Context {
	return context.WithValue(ctx, bookingIDKey, strings.TrimSpace(bookingID))
}

func BookingIDFromContext(ctx context.Context) string {
	return stringValue(ctx, bookingIDKey)
}

func WithJob(ctx context.Context, job string) context.Context {
	return context.WithValue(ctx, jobKey, strings.TrimSpace(job))
}

func JobFromContext(ctx context.Context) string {
	return stringValue(ctx, jobKey)
}

func stringValue(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}
