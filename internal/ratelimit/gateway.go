package ratelimit

import (
	"context"
	"time"

	"github.com/smallbiznis/staykey/internal/config"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const gatewayBucketKey = "staykey:devicegateway:bucket"

// GatewayLimiter gates calls to the lock vendor: an in-process limiter
// always, and a Redis bucket shared across processes when Redis is enabled.
// Redis errors fail open to the local limiter.
type GatewayLimiter struct {
	local  *rate.Limiter
	bucket *TokenBucket

	sharedRate  float64
	sharedBurst int
	minBackoff  time.Duration
	log         *zap.Logger
}

func NewGatewayLimiter(cfg config.Config, bucket *TokenBucket, log *zap.Logger) *GatewayLimiter {
	gw := cfg.DeviceGateway
	limit := rate.Inf
	if gw.RatePerSecond > 0 {
		limit = rate.Limit(gw.RatePerSecond)
	}
	burst := gw.Burst
	if burst <= 0 {
		burst = 1
	}
	if log == nil {
		log = zap.NewNop()
	}

	l := &GatewayLimiter{
		local:      rate.NewLimiter(limit, burst),
		minBackoff: 50 * time.Millisecond,
		log:        log.Named("ratelimit.gateway"),
	}
	if bucket != nil && gw.SharedRatePerSecond > 0 && gw.SharedBurst > 0 {
		l.bucket = bucket
		l.sharedRate = gw.SharedRatePerSecond
		l.sharedBurst = gw.SharedBurst
	}
	return l
}

// Wait blocks until a call may proceed or ctx is done.
func (l *GatewayLimiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if err := l.local.Wait(ctx); err != nil {
		return err
	}
	if l.bucket == nil {
		return nil
	}

	for {
		wait, err := l.bucket.Take(ctx, gatewayBucketKey, l.sharedRate, l.sharedBurst)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			l.log.Warn("shared rate limit unavailable", zap.Error(err))
			return nil
		}
		if wait == 0 {
			return nil
		}
		if wait < l.minBackoff {
			wait = l.minBackoff
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
