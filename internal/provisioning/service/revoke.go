package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	activitydomain "github.com/smallbiznis/staykey/internal/activity/domain"
	bookingdomain "github.com/smallbiznis/staykey/internal/booking/domain"
	"github.com/smallbiznis/staykey/internal/devicegateway"
	gatewaydomain "github.com/smallbiznis/staykey/internal/devicegateway/domain"
	obscontext "github.com/smallbiznis/staykey/internal/observability/context"
	"github.com/smallbiznis/staykey/internal/observability/logger"
	"github.com/smallbiznis/staykey/internal/provisioning/domain"
	vkdomain "github.com/smallbiznis/staykey/internal/virtualkey/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RevokeKeys removes every active authorization of a booking from the
// devices, deactivates the keys and drops outstanding retries. Keys whose
// revocation failed transiently stay active so the next run retries them.
func (s *Service) RevokeKeys(ctx context.Context, bookingID snowflake.ID, reason string) (domain.RevokeResult, error) {
	ctx = obscontext.WithBookingID(ctx, bookingID.String())
	log := logger.WithContext(ctx, s.log)
	result := domain.RevokeResult{BookingID: bookingID.String()}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "manual"
	}

	if _, err := s.bookings.GetByID(ctx, bookingID); err != nil {
		return result, err
	}

	keys, err := s.keys.ListActiveByBooking(ctx, s.db, bookingID)
	if err != nil {
		return result, err
	}

	revoked := make([]vkdomain.VirtualKey, 0, len(keys))
	for i, key := range keys {
		if i > 0 {
			s.pause(ctx)
		}
		err := s.gateway.RevokeAuthorization(ctx, key.DeviceID, key.ExternalAuthID)
		kind := gatewaydomain.KindOf(err)
		s.observeDeviceCall(ctx, "revoke_authorization", key.KeyType, kind, err == nil)

		switch {
		case err == nil:
			revoked = append(revoked, key)
		case kind == gatewaydomain.ErrorKindPermanent:
			log.Warn("device refused revocation, deactivating locally",
				zap.String("key_type", string(key.KeyType)),
				zap.String("external_auth_id", key.ExternalAuthID),
				zap.Error(err),
			)
			s.record(ctx, bookingID, key.KeyType, activitydomain.ActionKeyRevokeFailed, activitydomain.LevelWarn,
				"device refused revocation; key deactivated locally",
				map[string]any{"device_id": key.DeviceID, "external_auth_id": key.ExternalAuthID, "error": err.Error()})
			revoked = append(revoked, key)
		default:
			log.Warn("revocation failed, will retry",
				zap.String("key_type", string(key.KeyType)),
				zap.String("external_auth_id", key.ExternalAuthID),
				zap.Error(err),
			)
			result.Failed = append(result.Failed, domain.KeyFailure{KeyType: key.KeyType, Kind: kind, Error: err.Error()})
			s.record(ctx, bookingID, key.KeyType, activitydomain.ActionKeyRevokeFailed, activitydomain.LevelError,
				"revocation failed; the key stays active until a later run succeeds",
				map[string]any{"device_id": key.DeviceID, "external_auth_id": key.ExternalAuthID, "error": err.Error()})
		}
	}

	now := s.clock.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, key := range revoked {
			if _, err := s.keys.Deactivate(ctx, tx, key.ID, now); err != nil {
				return err
			}
		}
		deleted, err := s.retries.DeleteByBooking(ctx, tx, bookingID)
		if err != nil {
			return err
		}
		result.RetriesDeleted = deleted
		return nil
	})
	if err != nil {
		return result, err
	}

	result.Revoked = len(revoked)
	s.provMetrics.AddKeysRevoked(reason, len(revoked))
	for _, key := range revoked {
		s.record(ctx, bookingID, key.KeyType, activitydomain.ActionKeyRevoked, activitydomain.LevelInfo,
			"key revoked",
			map[string]any{"device_id": key.DeviceID, "external_auth_id": key.ExternalAuthID, "reason": reason})
	}
	log.Info("keys revoked",
		zap.String("reason", reason),
		zap.Int("revoked", result.Revoked),
		zap.Int("failed", len(result.Failed)),
		zap.Int64("retries_deleted", result.RetriesDeleted),
	)
	return result, nil
}

func (s *Service) RegenerateKeys(ctx context.Context, bookingID snowflake.ID, opts domain.Options) (domain.Result, error) {
	ctx = obscontext.WithBookingID(ctx, bookingID.String())
	result := domain.Result{BookingID: bookingID.String()}

	booking, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		if isBookingMissing(err) {
			result.Status = domain.ResultNotFound
			return result, nil
		}
		return domain.Result{}, err
	}
	if !opts.Force && !bookingdomain.EligibleForKeys(booking.Status) {
		result.Status = domain.ResultSkipped
		result.Reason = "booking_status_" + string(booking.Status)
		return result, nil
	}

	revoked, err := s.RevokeKeys(ctx, bookingID, "regenerate")
	if err != nil {
		return domain.Result{}, err
	}
	if len(revoked.Failed) > 0 {
		return domain.Result{}, fmt.Errorf("%w: %d authorization(s) still on devices", domain.ErrRevokeIncomplete, len(revoked.Failed))
	}

	previous := booking.KeypadCode()
	code := strings.TrimSpace(opts.ExplicitKeypadCode)
	if code != "" {
		if code == previous {
			return domain.Result{}, domain.ErrKeypadCodeConflict
		}
		if err := s.codes.Policy().Validate(code); err != nil {
			return domain.Result{}, fmt.Errorf("%w: %v", bookingdomain.ErrInvalidKeypadCode, err)
		}
	} else {
		code, err = s.codes.Generate(booking.ID, booking.KeyCodeGeneration+1, previous)
		if err != nil {
			return domain.Result{}, err
		}
	}

	generation, err := s.bookings.ReplaceKeypadCode(ctx, bookingID, code)
	if err != nil {
		return domain.Result{}, err
	}
	s.record(ctx, bookingID, "", activitydomain.ActionKeysRegenerated, activitydomain.LevelInfo,
		"universal keypad code replaced",
		map[string]any{"generation": generation, "revoked": revoked.Revoked, "keypad_code": code})

	opts.Force = true
	opts.ExplicitKeypadCode = code
	opts.RetryRecordID = 0
	return s.EnsureKeys(ctx, bookingID, opts)
}

func (s *Service) Reconcile(ctx context.Context, recordID snowflake.ID) (domain.ReconcileResult, error) {
	rec, err := s.retries.FindByID(ctx, s.db, recordID)
	if err != nil {
		return domain.ReconcileResult{}, err
	}
	if rec == nil {
		return domain.ReconcileResult{}, vkdomain.ErrRetryNotFound
	}
	result := domain.ReconcileResult{RecordID: rec.ID.String(), KeyType: rec.KeyType}
	if !rec.NeedsReconciliation ||
		(rec.Status != vkdomain.RetryStatusPending && rec.Status != vkdomain.RetryStatusFailed) {
		result.Status = domain.ReconcileSkipped
		return result, nil
	}

	ctx = obscontext.WithBookingID(ctx, rec.BookingID.String())
	booking, err := s.bookings.GetByID(ctx, rec.BookingID)
	if err != nil {
		return result, err
	}

	devices := s.devices.Get()
	t := target{keyType: rec.KeyType, deviceID: rec.DeviceID}
	window := devicegateway.WindowFor(rec.KeyType, booking.CheckInAt, booking.CheckOutAt, devices.Policy)

	auth, err := s.gateway.FindAuthorization(ctx, rec.DeviceID, rec.KeypadCode, window)
	s.observeDeviceCall(ctx, "find_authorization", rec.KeyType, gatewaydomain.KindOf(err), err == nil)
	if err != nil {
		result.Status = domain.ReconcileDeferred
		return result, err
	}

	if auth != nil {
		if _, err := s.persistSuccess(ctx, successInput{
			bookingID: rec.BookingID,
			target:    t,
			code:      rec.KeypadCode,
			window:    window,
			auth:      auth,
			record:    rec,
			expected:  rec.Status,
			source:    vkdomain.SourceReconciliation,
			note:      "adopted authorization " + auth.ID,
		}); err != nil {
			return result, err
		}
		s.provMetrics.IncAdoption()
		s.record(ctx, rec.BookingID, rec.KeyType, activitydomain.ActionKeyAdopted, activitydomain.LevelInfo,
			"authorization found on device and adopted",
			map[string]any{"device_id": rec.DeviceID, "external_auth_id": auth.ID, "retry_id": rec.ID.String()})
		s.maybeMarkDistributed(ctx, booking, devices)
		result.Status = domain.ReconcileAdopted
		result.ExternalAuthID = auth.ID
		return result, nil
	}

	prev := rec.Status
	now := s.clock.Now()
	note := "reconciliation found no matching authorization"
	rec.NeedsReconciliation = false
	rec.ResolutionNote = &note
	rec.UpdatedAt = now
	if rec.Status == vkdomain.RetryStatusPending {
		rec.NextAttemptAt = now
	}
	ok, err := s.retries.UpdateIfStatus(ctx, s.db, rec, prev)
	if err != nil {
		return result, err
	}
	if !ok {
		result.Status = domain.ReconcileSkipped
		return result, nil
	}
	result.Status = domain.ReconcileMissing
	return result, nil
}

func isBookingMissing(err error) bool {
	return errors.Is(err, bookingdomain.ErrNotFound) || errors.Is(err, bookingdomain.ErrInvalidID)
}
