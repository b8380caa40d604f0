package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	activitydomain "github.com/smallbiznis/staykey/internal/activity/domain"
	"github.com/smallbiznis/staykey/internal/config"
	gatewaydomain "github.com/smallbiznis/staykey/internal/devicegateway/domain"
	"github.com/smallbiznis/staykey/internal/observability/logger"
	"github.com/smallbiznis/staykey/internal/provisioning/domain"
	vkdomain "github.com/smallbiznis/staykey/internal/virtualkey/domain"
	pkgdb "github.com/smallbiznis/staykey/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type successInput struct {
	bookingID snowflake.ID
	target    target
	code      string
	window    gatewaydomain.Window
	auth      *gatewaydomain.Authorization
	record    *vkdomain.RetryRecord
	expected  vkdomain.RetryStatus
	source    vkdomain.Source
	note      string
}

// persistSuccess records an accepted authorization as the active key of its
// type and completes the retry record in one transaction. It reports false
// when the authorization was already recorded.
func (s *Service) persistSuccess(ctx context.Context, in successInput) (bool, error) {
	now := s.clock.Now()
	var superseded *vkdomain.VirtualKey
	created := false
	completed := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.keys.FindByExternalAuthID(ctx, tx, in.auth.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			prior, err := s.keys.FindActiveForUpdate(ctx, tx, in.bookingID, in.target.keyType)
			if err != nil {
				return err
			}
			if prior != nil {
				if _, err := s.keys.Deactivate(ctx, tx, prior.ID, now); err != nil {
					return err
				}
				superseded = prior
			}

			window := in.auth.Window
			if !window.Valid() {
				window = in.window
			}
			key := vkdomain.VirtualKey{
				ID:             s.genID.Generate(),
				BookingID:      in.bookingID,
				KeyType:        in.target.keyType,
				DeviceID:       in.target.deviceID,
				ExternalAuthID: in.auth.ID,
				KeypadCode:     in.code,
				AllowedFrom:    window.From,
				AllowedUntil:   window.Until,
				IsActive:       true,
				Source:         in.source,
				CreatedAt:      now,
			}
			if err := s.keys.Insert(ctx, tx, &key); err != nil {
				return err
			}
			created = true
		}

		if in.record == nil {
			return nil
		}
		note := in.note
		in.record.Status = vkdomain.RetryStatusCompleted
		in.record.NeedsReconciliation = false
		in.record.ResolutionNote = &note
		in.record.ProcessingStartedAt = nil
		in.record.UpdatedAt = now
		ok, err := s.retries.UpdateIfStatus(ctx, tx, in.record, in.expected)
		if err != nil {
			return err
		}
		completed = ok
		return nil
	})
	if err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			logger.WithContext(ctx, s.log).Warn("key recorded concurrently",
				zap.String("key_type", string(in.target.keyType)),
				zap.String("external_auth_id", in.auth.ID),
			)
			return false, nil
		}
		return false, err
	}

	if in.record != nil {
		if completed {
			s.provMetrics.IncRetryTransition(string(in.expected), string(vkdomain.RetryStatusCompleted))
		} else {
			logger.WithContext(ctx, s.log).Warn("retry record changed before completion",
				zap.String("retry_id", in.record.ID.String()),
			)
		}
	}

	if superseded != nil && superseded.ExternalAuthID != in.auth.ID {
		s.revokeSuperseded(ctx, *superseded)
	}
	return created, nil
}

// revokeSuperseded removes the device authorization of a key that was just
// replaced. Failures are logged; the key row is already inactive.
func (s *Service) revokeSuperseded(ctx context.Context, key vkdomain.VirtualKey) {
	err := s.gateway.RevokeAuthorization(ctx, key.DeviceID, key.ExternalAuthID)
	s.observeDeviceCall(ctx, "revoke_authorization", key.KeyType, gatewaydomain.KindOf(err), err == nil)
	if err == nil {
		s.provMetrics.AddKeysRevoked("superseded", 1)
		return
	}
	logger.WithContext(ctx, s.log).Warn("failed to revoke superseded authorization",
		zap.String("key_type", string(key.KeyType)),
		zap.String("external_auth_id", key.ExternalAuthID),
		zap.Error(err),
	)
	s.record(ctx, key.BookingID, key.KeyType, activitydomain.ActionKeyRevokeFailed, activitydomain.LevelWarn,
		"superseded authorization is still on the device",
		map[string]any{"device_id": key.DeviceID, "external_auth_id": key.ExternalAuthID, "error": err.Error()})
}

// recordFailure stores a failed attempt. rec is nil for a first failure and
// otherwise a record this caller holds in PROCESSING.
func (s *Service) recordFailure(
	ctx context.Context,
	bookingID snowflake.ID,
	t target,
	code string,
	rec *vkdomain.RetryRecord,
	outcome gatewaydomain.Outcome,
	policy config.AccessPolicy,
) (typeResult, error) {
	now := s.clock.Now()
	kind := outcome.Kind
	if kind == gatewaydomain.ErrorKindNone {
		kind = gatewaydomain.ErrorKindAmbiguous
	}
	msg := "device call failed"
	if outcome.Err != nil {
		msg = outcome.Err.Error()
	}

	fresh := rec == nil
	var prev vkdomain.RetryStatus
	if fresh {
		rec = &vkdomain.RetryRecord{
			ID:          s.genID.Generate(),
			BookingID:   bookingID,
			KeyType:     t.keyType,
			MaxAttempts: policy.MaxAttempts,
			CreatedAt:   now,
		}
	} else {
		prev = rec.Status
	}
	if rec.MaxAttempts <= 0 {
		rec.MaxAttempts = policy.MaxAttempts
	}

	rec.DeviceID = t.deviceID
	rec.KeypadCode = code
	rec.AttemptCount++
	rec.LastError = &msg
	rec.LastErrorKind = kind
	rec.NeedsReconciliation = kind == gatewaydomain.ErrorKindAmbiguous
	rec.NextAttemptAt = now.Add(policy.RetryInterval)
	rec.ProcessingStartedAt = nil
	rec.ResolutionNote = nil
	rec.UpdatedAt = now

	exhausted := kind != gatewaydomain.ErrorKindPermanent && rec.AttemptCount >= rec.MaxAttempts
	if kind == gatewaydomain.ErrorKindPermanent || exhausted {
		rec.Status = vkdomain.RetryStatusFailed
	} else {
		rec.Status = vkdomain.RetryStatusPending
	}

	if fresh {
		if err := s.retries.Insert(ctx, s.db, rec); err != nil {
			if pkgdb.IsDuplicateKeyErr(err) {
				return typeResult{outcome: outcomeQueued}, nil
			}
			return typeResult{}, err
		}
	} else {
		ok, err := s.retries.UpdateIfStatus(ctx, s.db, rec, vkdomain.RetryStatusProcessing)
		if err != nil {
			return typeResult{}, err
		}
		if !ok {
			logger.WithContext(ctx, s.log).Warn("retry claim lost before write-back",
				zap.String("retry_id", rec.ID.String()),
			)
			return typeResult{outcome: outcomeQueued}, nil
		}
	}
	s.provMetrics.IncRetryTransition(string(prev), string(rec.Status))

	metadata := map[string]any{
		"device_id":     t.deviceID,
		"error_kind":    kind.String(),
		"error":         msg,
		"attempt_count": rec.AttemptCount,
		"max_attempts":  rec.MaxAttempts,
		"retry_id":      rec.ID.String(),
	}
	if rec.Status == vkdomain.RetryStatusFailed {
		action := activitydomain.ActionKeyFailed
		message := "device rejected the authorization"
		if exhausted {
			action = activitydomain.ActionRetryExhausted
			message = "retries exhausted"
		}
		s.record(ctx, bookingID, t.keyType, action, activitydomain.LevelError, message, metadata)
		return typeResult{
			outcome: outcomeFailed,
			failure: &domain.KeyFailure{KeyType: t.keyType, Kind: kind, Error: msg},
		}, nil
	}

	metadata["next_attempt_at"] = rec.NextAttemptAt
	s.record(ctx, bookingID, t.keyType, activitydomain.ActionKeyQueued, activitydomain.LevelWarn,
		"authorization queued for retry", metadata)
	return typeResult{outcome: outcomeQueued}, nil
}
