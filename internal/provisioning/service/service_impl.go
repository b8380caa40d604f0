package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	activitydomain "github.com/smallbiznis/staykey/internal/activity/domain"
	bookingdomain "github.com/smallbiznis/staykey/internal/booking/domain"
	"github.com/smallbiznis/staykey/internal/clock"
	"github.com/smallbiznis/staykey/internal/config"
	"github.com/smallbiznis/staykey/internal/devicegateway"
	gatewaydomain "github.com/smallbiznis/staykey/internal/devicegateway/domain"
	"github.com/smallbiznis/staykey/internal/keycode"
	obscontext "github.com/smallbiznis/staykey/internal/observability/context"
	"github.com/smallbiznis/staykey/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/staykey/internal/observability/metrics"
	"github.com/smallbiznis/staykey/internal/provisioning/domain"
	vkdomain "github.com/smallbiznis/staykey/internal/virtualkey/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	GenID    *snowflake.Node
	Cfg      config.Config
	Devices  *config.DeviceConfigHolder
	Gateway  gatewaydomain.Gateway
	Codes    keycode.Generator
	Bookings bookingdomain.Service
	Keys     vkdomain.KeyRepository
	Retries  vkdomain.RetryRepository
	Activity activitydomain.Service
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	genID    *snowflake.Node
	devices  *config.DeviceConfigHolder
	gateway  gatewaydomain.Gateway
	codes    keycode.Generator
	bookings bookingdomain.Service
	keys     vkdomain.KeyRepository
	retries  vkdomain.RetryRepository
	activity activitydomain.Service

	metrics     *obsmetrics.Metrics
	provMetrics *obsmetrics.ProvisioningMetrics
	callDelay   time.Duration
}

func New(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("provisioning"),
		clock:       p.Clock,
		genID:       p.GenID,
		devices:     p.Devices,
		gateway:     p.Gateway,
		codes:       p.Codes,
		bookings:    p.Bookings,
		keys:        p.Keys,
		retries:     p.Retries,
		activity:    p.Activity,
		metrics:     p.Metrics,
		provMetrics: obsmetrics.Provisioning(),
		callDelay:   p.Cfg.DeviceGateway.CallDelay,
	}
}

// target is one key type resolved to the lock that serves it.
type target struct {
	keyType  vkdomain.KeyType
	deviceID string
}

type typeOutcome int

const (
	outcomeAlready typeOutcome = iota
	outcomeCreated
	outcomeQueued
	outcomeFailed
)

type typeResult struct {
	outcome typeOutcome
	failure *domain.KeyFailure
}

func (s *Service) EnsureKeys(ctx context.Context, bookingID snowflake.ID, opts domain.Options) (domain.Result, error) {
	ctx = obscontext.WithBookingID(ctx, bookingID.String())
	log := logger.WithContext(ctx, s.log)
	result := domain.Result{BookingID: bookingID.String()}

	booking, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		if isBookingMissing(err) {
			result.Status = domain.ResultNotFound
			s.recordResult(ctx, result, opts)
			return result, nil
		}
		return domain.Result{}, err
	}

	devices := s.devices.Get()
	policy := devices.Policy

	if !opts.Force && !bookingdomain.EligibleForKeys(booking.Status) {
		result.Status = domain.ResultSkipped
		result.Reason = "booking_status_" + string(booking.Status)
		log.Info("provisioning skipped", zap.String("reason", result.Reason))
		s.record(ctx, booking.ID, "", activitydomain.ActionProvisioningSkipped, activitydomain.LevelInfo,
			"provisioning skipped: booking is "+string(booking.Status),
			map[string]any{"reason": result.Reason, "trigger": string(opts.Trigger)})
		s.recordResult(ctx, result, opts)
		return result, nil
	}

	if !opts.AllowEarlyGeneration {
		ok, days, earliest := bookingdomain.LeadTimeGate(booking.CheckInAt, s.clock.Now(), policy.LeadTime)
		if !ok {
			result.Status = domain.ResultTooEarly
			result.DaysUntilGeneration = days
			result.EarliestGenerationAt = &earliest
			log.Info("provisioning deferred until lead window",
				zap.Int("days_until_generation", days),
				zap.Time("earliest_generation_at", earliest),
			)
			s.record(ctx, booking.ID, "", activitydomain.ActionProvisioningEarly, activitydomain.LevelInfo,
				"keys are generated closer to arrival",
				map[string]any{"days_until_generation": days, "earliest_generation_at": earliest.Format(time.RFC3339)})
			s.recordResult(ctx, result, opts)
			return result, nil
		}
	}

	targets, skipped := resolveTargets(booking, opts.KeyTypes, devices)
	result.SkippedKeyTypes = skipped
	if len(targets) == 0 {
		result.Status = domain.ResultSkipped
		result.Reason = "no_required_key_types"
		s.record(ctx, booking.ID, "", activitydomain.ActionProvisioningSkipped, activitydomain.LevelWarn,
			"no lock is configured for the requested key types",
			map[string]any{"reason": result.Reason, "skipped_key_types": keyTypeStrings(skipped)})
		s.recordResult(ctx, result, opts)
		return result, nil
	}

	active, err := s.activeByType(ctx, booking.ID)
	if err != nil {
		return domain.Result{}, err
	}

	reauthorize := opts.Force && opts.RetryRecordID == 0
	pending := make([]target, 0, len(targets))
	for _, t := range targets {
		if _, ok := active[t.keyType]; ok && !reauthorize {
			result.Already = append(result.Already, t.keyType)
			continue
		}
		pending = append(pending, t)
	}

	if len(pending) == 0 {
		if opts.RetryRecordID != 0 {
			if err := s.completeRecordForActiveKey(ctx, opts.RetryRecordID); err != nil {
				return domain.Result{}, err
			}
		}
		result.Status = domain.ResultAlready
		if booking.HasKeypadCode() {
			result.KeypadCode = booking.KeypadCode()
		}
		s.maybeMarkDistributed(ctx, booking, devices)
		s.recordResult(ctx, result, opts)
		return result, nil
	}

	code, err := s.resolveCode(ctx, booking, opts)
	if err != nil {
		return domain.Result{}, err
	}
	result.KeypadCode = code

	var errs []error
	for i, t := range pending {
		if i > 0 {
			s.pause(ctx)
		}
		tr, err := s.ensureType(ctx, booking, t, code, opts, policy)
		if err != nil {
			log.Error("ensure key type failed", zap.String("key_type", string(t.keyType)), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		switch tr.outcome {
		case outcomeCreated:
			result.Created = append(result.Created, t.keyType)
		case outcomeQueued:
			result.Queued = append(result.Queued, t.keyType)
		case outcomeFailed:
			result.Failed = append(result.Failed, *tr.failure)
		default:
			result.Already = append(result.Already, t.keyType)
		}
	}

	switch {
	case len(result.Created) > 0:
		result.Status = domain.ResultCreated
	case len(result.Queued) > 0:
		result.Status = domain.ResultQueued
	case len(result.Failed) > 0:
		result.Status = domain.ResultFailed
	default:
		result.Status = domain.ResultAlready
	}

	s.maybeMarkDistributed(ctx, booking, devices)
	s.recordResult(ctx, result, opts)
	log.Info("ensure keys finished",
		zap.String("status", string(result.Status)),
		zap.Strings("created", keyTypeStrings(result.Created)),
		zap.Strings("queued", keyTypeStrings(result.Queued)),
		zap.Int("failed", len(result.Failed)),
		zap.String("trigger", string(opts.Trigger)),
	)
	if len(errs) > 0 {
		return result, errors.Join(errs...)
	}
	return result, nil
}

// ensureType provisions one key type. The retry record, when one exists, is
// claimed (PROCESSING) before the device is called.
func (s *Service) ensureType(
	ctx context.Context,
	booking bookingdomain.Booking,
	t target,
	code string,
	opts domain.Options,
	policy config.AccessPolicy,
) (typeResult, error) {
	now := s.clock.Now()
	rec, err := s.retries.FindByBookingAndType(ctx, s.db, booking.ID, t.keyType)
	if err != nil {
		return typeResult{}, err
	}

	window := devicegateway.WindowFor(t.keyType, booking.CheckInAt, booking.CheckOutAt, policy)

	if rec != nil {
		claimed, err := s.claimForAttempt(ctx, rec, opts, policy, now)
		if err != nil {
			return typeResult{}, err
		}
		if !claimed {
			return typeResult{outcome: outcomeQueued}, nil
		}

		// The previous attempt may have landed on the device.
		if rec.LastErrorKind == gatewaydomain.ErrorKindAmbiguous {
			auth, err := s.gateway.FindAuthorization(ctx, t.deviceID, code, window)
			s.observeDeviceCall(ctx, "find_authorization", t.keyType, gatewaydomain.KindOf(err), err == nil)
			if err != nil {
				outcome := gatewaydomain.Outcome{Kind: gatewaydomain.ErrorKindAmbiguous, Err: err}
				return s.recordFailure(ctx, booking.ID, t, code, rec, outcome, policy)
			}
			if auth != nil {
				created, err := s.persistSuccess(ctx, successInput{
					bookingID: booking.ID,
					target:    t,
					code:      code,
					window:    window,
					auth:      auth,
					record:    rec,
					expected:  vkdomain.RetryStatusProcessing,
					source:    vkdomain.SourceReconciliation,
					note:      "adopted authorization " + auth.ID + " found before retrying",
				})
				if err != nil {
					return typeResult{}, err
				}
				s.provMetrics.IncAdoption()
				s.record(ctx, booking.ID, t.keyType, activitydomain.ActionKeyAdopted, activitydomain.LevelInfo,
					"existing device authorization adopted",
					map[string]any{"device_id": t.deviceID, "external_auth_id": auth.ID})
				if created {
					return typeResult{outcome: outcomeCreated}, nil
				}
				return typeResult{outcome: outcomeAlready}, nil
			}
		}
	}

	outcome := s.gateway.CreateAuthorization(ctx, gatewaydomain.CreateAuthorizationRequest{
		DeviceID: t.deviceID,
		Name:     devicegateway.AuthorizationName(booking.Reference, t.keyType),
		Code:     code,
		Window:   window,
	})
	s.observeDeviceCall(ctx, "create_authorization", t.keyType, outcome.Kind, outcome.Succeeded())
	if !outcome.Succeeded() {
		return s.recordFailure(ctx, booking.ID, t, code, rec, outcome, policy)
	}

	created, err := s.persistSuccess(ctx, successInput{
		bookingID: booking.ID,
		target:    t,
		code:      code,
		window:    window,
		auth:      outcome.Authorization,
		record:    rec,
		expected:  vkdomain.RetryStatusProcessing,
		source:    vkdomain.SourceOrchestrator,
		note:      "authorization created",
	})
	if err != nil {
		return typeResult{}, err
	}
	if !created {
		return typeResult{outcome: outcomeAlready}, nil
	}
	s.record(ctx, booking.ID, t.keyType, activitydomain.ActionKeyCreated, activitydomain.LevelInfo,
		"key authorized on device",
		map[string]any{
			"device_id":        t.deviceID,
			"external_auth_id": outcome.Authorization.ID,
			"keypad_code":      code,
			"trigger":          string(opts.Trigger),
		})
	return typeResult{outcome: outcomeCreated}, nil
}

// claimForAttempt moves an existing record to PROCESSING for this caller. It
// returns false when another worker owns the record or reconciliation must
// run first.
func (s *Service) claimForAttempt(
	ctx context.Context,
	rec *vkdomain.RetryRecord,
	opts domain.Options,
	policy config.AccessPolicy,
	now time.Time,
) (bool, error) {
	owned := opts.RetryRecordID != 0 && rec.ID == opts.RetryRecordID

	switch rec.Status {
	case vkdomain.RetryStatusProcessing:
		return owned, nil
	case vkdomain.RetryStatusPending:
		if rec.NeedsReconciliation && !owned {
			return false, nil
		}
		ok, err := s.retries.Claim(ctx, s.db, rec.ID, now)
		if err != nil || !ok {
			return false, err
		}
		rec.Status = vkdomain.RetryStatusProcessing
		rec.ProcessingStartedAt = &now
		s.provMetrics.IncRetryTransition(string(vkdomain.RetryStatusPending), string(rec.Status))
		return true, nil
	default:
		// A manual run restarts a finished record with a fresh attempt budget.
		prev := rec.Status
		rec.Status = vkdomain.RetryStatusProcessing
		rec.AttemptCount = 0
		rec.MaxAttempts = policy.MaxAttempts
		rec.ProcessingStartedAt = &now
		rec.ResolutionNote = nil
		rec.UpdatedAt = now
		ok, err := s.retries.UpdateIfStatus(ctx, s.db, rec, prev)
		if err != nil || !ok {
			return false, err
		}
		s.provMetrics.IncRetryTransition(string(prev), string(rec.Status))
		return true, nil
	}
}

// resolveCode returns the booking's universal code, assigning one when the
// booking has none yet.
func (s *Service) resolveCode(ctx context.Context, booking bookingdomain.Booking, opts domain.Options) (string, error) {
	explicit := strings.TrimSpace(opts.ExplicitKeypadCode)
	if explicit != "" {
		if booking.HasKeypadCode() {
			if booking.KeypadCode() != explicit {
				return "", domain.ErrKeypadCodeConflict
			}
			return explicit, nil
		}
		if err := s.codes.Policy().Validate(explicit); err != nil {
			return "", errors.Join(bookingdomain.ErrInvalidKeypadCode, err)
		}
		return s.bookings.AssignKeypadCode(ctx, booking.ID, explicit)
	}

	if booking.HasKeypadCode() {
		return booking.KeypadCode(), nil
	}
	code, err := s.codes.Generate(booking.ID, booking.KeyCodeGeneration, "")
	if err != nil {
		return "", err
	}
	return s.bookings.AssignKeypadCode(ctx, booking.ID, code)
}

func (s *Service) completeRecordForActiveKey(ctx context.Context, recordID snowflake.ID) error {
	rec, err := s.retries.FindByID(ctx, s.db, recordID)
	if err != nil || rec == nil {
		return err
	}
	prev := rec.Status
	if prev == vkdomain.RetryStatusCompleted {
		return nil
	}
	note := "key already active"
	rec.Status = vkdomain.RetryStatusCompleted
	rec.NeedsReconciliation = false
	rec.ResolutionNote = &note
	rec.ProcessingStartedAt = nil
	rec.UpdatedAt = s.clock.Now()
	ok, err := s.retries.UpdateIfStatus(ctx, s.db, rec, prev)
	if err != nil {
		return err
	}
	if ok {
		s.provMetrics.IncRetryTransition(string(prev), string(rec.Status))
	}
	return nil
}

// maybeMarkDistributed advances a checked-in booking once every required
// key type has an active key.
func (s *Service) maybeMarkDistributed(ctx context.Context, booking bookingdomain.Booking, devices config.DeviceConfig) {
	if booking.Status != bookingdomain.StatusCheckedIn {
		return
	}
	targets, _ := resolveTargets(booking, nil, devices)
	if len(targets) == 0 {
		return
	}
	active, err := s.activeByType(ctx, booking.ID)
	if err != nil {
		s.log.Warn("failed to load active keys", zap.Error(err))
		return
	}
	for _, t := range targets {
		if _, ok := active[t.keyType]; !ok {
			return
		}
	}

	changed, err := s.bookings.Transition(ctx, booking.ID, bookingdomain.StatusKeysDistributed)
	if err != nil {
		logger.WithContext(ctx, s.log).Warn("failed to mark keys distributed", zap.Error(err))
		return
	}
	if changed {
		s.record(ctx, booking.ID, "", activitydomain.ActionBookingStatus, activitydomain.LevelInfo,
			"all keys distributed",
			map[string]any{"from": string(bookingdomain.StatusCheckedIn), "to": string(bookingdomain.StatusKeysDistributed)})
	}
}

func (s *Service) activeByType(ctx context.Context, bookingID snowflake.ID) (map[vkdomain.KeyType]vkdomain.VirtualKey, error) {
	keys, err := s.keys.ListActiveByBooking(ctx, s.db, bookingID)
	if err != nil {
		return nil, err
	}
	out := make(map[vkdomain.KeyType]vkdomain.VirtualKey, len(keys))
	for _, key := range keys {
		out[key.KeyType] = key
	}
	return out, nil
}

// resolveTargets maps requested key types (all by default) to devices. Key
// types without a configured device are returned as skipped.
func resolveTargets(booking bookingdomain.Booking, requested []vkdomain.KeyType, devices config.DeviceConfig) ([]target, []vkdomain.KeyType) {
	want := make(map[vkdomain.KeyType]bool, len(requested))
	for _, kt := range requested {
		want[kt] = true
	}

	var targets []target
	var skipped []vkdomain.KeyType
	for _, kt := range vkdomain.AllKeyTypes() {
		if len(requested) > 0 && !want[kt] {
			continue
		}
		deviceID, ok := devicegateway.ResolveDevice(devices, kt, booking.UnitCode)
		if !ok {
			skipped = append(skipped, kt)
			continue
		}
		targets = append(targets, target{keyType: kt, deviceID: deviceID})
	}
	return targets, skipped
}

func (s *Service) pause(ctx context.Context) {
	if s.callDelay <= 0 {
		return
	}
	timer := time.NewTimer(s.callDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (s *Service) observeDeviceCall(ctx context.Context, op string, keyType vkdomain.KeyType, kind gatewaydomain.ErrorKind, ok bool) {
	s.metrics.RecordDeviceCall(ctx, op, string(keyType), kind.String())
	if op != "create_authorization" {
		return
	}
	outcome := obsmetrics.DeviceOutcomeSuccess
	if !ok {
		outcome = kind.String()
	}
	s.provMetrics.IncDeviceOutcome(string(keyType), outcome)
}

func (s *Service) recordResult(ctx context.Context, result domain.Result, opts domain.Options) {
	trigger := string(opts.Trigger)
	if trigger == "" {
		trigger = string(domain.TriggerAdmin)
	}
	s.metrics.RecordProvisioningResult(ctx, string(result.Status), trigger)
}

func (s *Service) record(
	ctx context.Context,
	bookingID snowflake.ID,
	keyType vkdomain.KeyType,
	action activitydomain.Action,
	level activitydomain.Level,
	message string,
	metadata map[string]any,
) {
	if s.activity == nil {
		return
	}
	err := s.activity.Record(ctx, activitydomain.RecordRequest{
		BookingID: bookingID.String(),
		KeyType:   string(keyType),
		Action:    action,
		Level:     level,
		Message:   message,
		Metadata:  metadata,
	})
	if err != nil {
		s.log.Warn("failed to record activity", zap.String("action", string(action)), zap.Error(err))
	}
}

func keyTypeStrings(types []vkdomain.KeyType) []string {
	out := make([]string, 0, len(types))
	for _, kt := range types {
		out = append(out, string(kt))
	}
	return out
}
