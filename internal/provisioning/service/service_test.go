package service_test

import (
	"context"
	"testing"
	"time"

	bookingdomain "github.com/smallbiznis/staykey/internal/booking/domain"
	gatewaydomain "github.com/smallbiznis/staykey/internal/devicegateway/domain"
	"github.com/smallbiznis/staykey/internal/provisioning/domain"
	pt "github.com/smallbiznis/staykey/internal/provisioning/provisioningtest"
	"github.com/smallbiznis/staykey/internal/testutil"
	vkdomain "github.com/smallbiznis/staykey/internal/virtualkey/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureKeysCreatesEveryRequiredKey(t *testing.T) {
	ctx := context.Background()
	h := pt.New(t)
	booking := h.SeedBooking(t, testutil.BookingFixture{UnitCode: "A1"})

	res, err := h.Service.EnsureKeys(ctx, booking.ID, domain.Options{})
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCreated, res.Status)
	assert.Equal(t, vkdomain.AllKeyTypes(), res.Created)
	assert.Empty(t, res.Queued)
	require.NotEmpty(t, res.KeypadCode)

	stored := h.Booking(t, booking.ID)
	assert.Equal(t, res.KeypadCode, stored.KeypadCode())
	assert.Equal(t, bookingdomain.StatusKeysDistributed, stored.Status)

	keys := h.ActiveKeys(t, booking.ID)
	require.Len(t, keys, 4)
	for _, key := range keys {
		assert.Equal(t, res.KeypadCode, key.KeypadCode)
		assert.Equal(t, vkdomain.SourceOrchestrator, key.Source)
	}
	assert.Equal(t, 1, h.Gateway.CodesOn(pt.RoomA1Device, res.KeypadCode))
}

func TestEnsureKeysTwiceIsAlready(t *testing.T) {
	ctx := context.Background()
	h := pt.New(t)
	booking := h.SeedBooking(t, testutil.BookingFixture{UnitCode: "A1"})

	_, err := h.Service.EnsureKeys(ctx, booking.ID, domain.Options{})
	require.NoError(t, err)
	creates := h.Gateway.Calls("create")

	for i := 0; i < 2; i++ {
		res, err := h.Service.EnsureKeys(ctx, booking.ID, domain.Options{})
		require.NoError(t, err)
		assert.Equal(t, domain.ResultAlready, res.Status)
	}
	assert.Equal(t, creates, h.Gateway.Calls("create"))
	assert.Len(t, h.AllKeys(t, booking.ID), 4)
}

func TestEnsureKeysTooEarly(t *testing.T) {
	ctx := context.Background()
	h := pt.New(t)
	booking := h.SeedBooking(t, testutil.BookingFixture{CheckIn: h.Clock.Now().Add(5 * 24 * time.Hour)})

	res, err := h.Service.EnsureKeys(ctx, booking.ID, domain.Options{})
	require.NoError(t, err)
	assert.Equal(t, domain.ResultTooEarly, res.Status)
	assert.Equal(t, 2, res.DaysUntilGeneration)
	require.NotNil(t, res.EarliestGenerationAt)
	assert.WithinDuration(t, booking.CheckInAt.Add(-72*time.Hour), *res.EarliestGenerationAt, 0)

	assert.Empty(t, h.AllKeys(t, booking.ID))
	for _, kt := range vkdomain.AllKeyTypes() {
		assert.Nil(t, h.Retry(t, booking.ID, kt))
	}
	assert.False(t, h.Booking(t, booking.ID).HasKeypadCode())
	assert.Zero(t, h.Gateway.Calls("create"))
}

func TestEnsureKeysAllowEarlyGeneration(t *testing.T) {
	h := pt.New(t)
	booking := h.SeedBooking(t, testutil.BookingFixture{CheckIn: h.Clock.Now().Add(5 * 24 * time.Hour)})

	res, err := h.Service.EnsureKeys(context.Background(), booking.ID, domain.Options{AllowEarlyGeneration: true})
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCreated, res.Status)
}

func TestEnsureKeysPartialFailureQueuesRoom(t *testing.T) {
	ctx := context.Background()
	h := pt.New(t)
	booking := h.SeedBooking(t, testutil.BookingFixture{UnitCode: "A1"})
	h.Gateway.FailNext(pt.RoomA1Device, gatewaydomain.ErrorKindAmbiguous, 1)

	res, err := h.Service.EnsureKeys(ctx, booking.ID, domain.Options{
		KeyTypes: []vkdomain.KeyType{vkdomain.KeyTypeMainEntrance, vkdomain.KeyTypeRoom, vkdomain.KeyTypeLuggageRoom},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCreated, res.Status)
	assert.Equal(t, []vkdomain.KeyType{vkdomain.KeyTypeMainEntrance, vkdomain.KeyTypeLuggageRoom}, res.Created)
	assert.Equal(t, []vkdomain.KeyType{vkdomain.KeyTypeRoom}, res.Queued)
	assert.Equal(t, res.KeypadCode, h.Booking(t, booking.ID).KeypadCode())

	rec := h.Retry(t, booking.ID, vkdomain.KeyTypeRoom)
	require.NotNil(t, rec)
	assert.Equal(t, vkdomain.RetryStatusPending, rec.Status)
	assert.True(t, rec.NeedsReconciliation)
	assert.Equal(t, gatewaydomain.ErrorKindAmbiguous, rec.LastErrorKind)
	assert.Equal(t, 1, rec.AttemptCount)
	assert.WithinDuration(t, h.Clock.Now().Add(15*time.Minute), rec.NextAttemptAt, 0)

	// Not every required key is active yet.
	assert.Equal(t, bookingdomain.StatusCheckedIn, h.Booking(t, booking.ID).Status)
}

func TestReconcileAdoptsAmbiguousAuthorization(t *testing.T) {
	ctx := context.Background()
	h := pt.New(t)
	booking := h.SeedBooking(t, testutil.BookingFixture{UnitCode: "A1"})
	h.Gateway.FailNext(pt.RoomA1Device, gatewaydomain.ErrorKindAmbiguous, 1)

	res, err := h.Service.EnsureKeys(ctx, booking.ID, domain.Options{})
	require.NoError(t, err)
	require.Equal(t, []vkdomain.KeyType{vkdomain.KeyTypeRoom}, res.Queued)

	// A manual ensure must not create a second authorization while the
	// record waits for reconciliation.
	again, err := h.Service.EnsureKeys(ctx, booking.ID, domain.Options{})
	require.NoError(t, err)
	assert.Equal(t, domain.ResultQueued, again.Status)
	assert.Equal(t, 1, h.Gateway.CodesOn(pt.RoomA1Device, res.KeypadCode))

	rec := h.Retry(t, booking.ID, vkdomain.KeyTypeRoom)
	out, err := h.Service.Reconcile(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReconcileAdopted, out.Status)

	perType := pt.ActivePerType(h.AllKeys(t, booking.ID))
	assert.Equal(t, 1, perType[vkdomain.KeyTypeRoom])
	assert.Equal(t, 1, h.Gateway.CodesOn(pt.RoomA1Device, res.KeypadCode))

	rec = h.Retry(t, booking.ID, vkdomain.KeyTypeRoom)
	assert.Equal(t, vkdomain.RetryStatusCompleted, rec.Status)
	assert.False(t, rec.NeedsReconciliation)
	require.NotNil(t, rec.ResolutionNote)
	assert.Contains(t, *rec.ResolutionNote, "adopted")

	for _, key := range h.ActiveKeys(t, booking.ID) {
		if key.KeyType == vkdomain.KeyTypeRoom {
			assert.Equal(t, vkdomain.SourceReconciliation, key.Source)
		}
	}
	assert.Equal(t, bookingdomain.StatusKeysDistributed, h.Booking(t, booking.ID).Status)

	second, err := h.Service.Reconcile(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReconcileSkipped, second.Status)
}

func TestReconcileMissingReleasesRecordForRetry(t *testing.T) {
	ctx := context.Background()
	h := pt.New(t)
	booking := h.SeedBooking(t, testutil.BookingFixture{UnitCode: "A1"})
	h.Gateway.HideNextCreate(pt.LuggageDevice, 1)

	_, err := h.Service.EnsureKeys(ctx, booking.ID, domain.Options{KeyTypes: []vkdomain.KeyType{vkdomain.KeyTypeLuggageRoom}})
	require.NoError(t, err)
	rec := h.Retry(t, booking.ID, vkdomain.KeyTypeLuggageRoom)
	require.NotNil(t, rec)

	// The authorization disappears before reconciliation looks for it.
	for _, auth := range h.Gateway.Authorizations(pt.LuggageDevice) {
		require.NoError(t, h.Gateway.RevokeAuthorization(ctx, pt.LuggageDevice, auth.ID))
	}
	h.Clock.Advance(time.Minute)

	out, err := h.Service.Reconcile(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReconcileMissing, out.Status)

	rec = h.Retry(t, booking.ID, vkdomain.KeyTypeLuggageRoom)
	assert.Equal(t, vkdomain.RetryStatusPending, rec.Status)
	assert.False(t, rec.NeedsReconciliation)
	assert.WithinDuration(t, h.Clock.Now(), rec.NextAttemptAt, 0)
	assert.Empty(t, h.ActiveKeys(t, booking.ID))
}

func TestRetryReachesFailedAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	h := pt.New(t)
	booking := h.SeedBooking(t, testutil.BookingFixture{UnitCode: "A1"})
	h.Gateway.FailAlways(pt.LuggageDevice, gatewaydomain.ErrorKindRetryable)

	res, err := h.Service.EnsureKeys(ctx, booking.ID, domain.Options{KeyTypes: []vkdomain.KeyType{vkdomain.KeyTypeLuggageRoom}})
	require.NoError(t, err)
	require.Equal(t, domain.ResultQueued, res.Status)

	maxAttempts := h.Devices.Get().Policy.MaxAttempts
	for attempt := 2; attempt <= maxAttempts; attempt++ {
		h.Clock.Advance(16 * time.Minute)
		due, err := h.Retries.ListDue(ctx, h.DB, h.Clock.Now(), 25)
		require.NoError(t, err)
		require.Len(t, due, 1, "attempt %d", attempt)

		rec := due[0]
		claimed, err := h.Retries.Claim(ctx, h.DB, rec.ID, h.Clock.Now())
		require.NoError(t, err)
		require.True(t, claimed)

		_, err = h.Service.EnsureKeys(ctx, booking.ID, domain.Options{
			Force:                true,
			AllowEarlyGeneration: true,
			KeyTypes:             []vkdomain.KeyType{rec.KeyType},
			ExplicitKeypadCode:   rec.KeypadCode,
			RetryRecordID:        rec.ID,
			Trigger:              domain.TriggerRetry,
		})
		require.NoError(t, err)
	}

	rec := h.Retry(t, booking.ID, vkdomain.KeyTypeLuggageRoom)
	assert.Equal(t, vkdomain.RetryStatusFailed, rec.Status)
	assert.Equal(t, maxAttempts, rec.AttemptCount)
	assert.Equal(t, maxAttempts, h.Gateway.Calls("create"))

	h.Clock.Advance(time.Hour)
	due, err := h.Retries.ListDue(ctx, h.DB, h.Clock.Now(), 25)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestPermanentFailureFailsImmediately(t *testing.T) {
	h := pt.New(t)
	booking := h.SeedBooking(t, testutil.BookingFixture{UnitCode: "A1"})
	h.Gateway.FailNext(pt.LaundryDevice, gatewaydomain.ErrorKindPermanent, 1)

	res, err := h.Service.EnsureKeys(context.Background(), booking.ID, domain.Options{
		KeyTypes: []vkdomain.KeyType{vkdomain.KeyTypeLaundryRoom},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ResultFailed, res.Status)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, gatewaydomain.ErrorKindPermanent, res.Failed[0].Kind)

	rec := h.Retry(t, booking.ID, vkdomain.KeyTypeLaundryRoom)
	assert.Equal(t, vkdomain.RetryStatusFailed, rec.Status)
	require.NotNil(t, rec.LastError)

	// An operator re-run starts a fresh attempt budget.
	res, err = h.Service.EnsureKeys(context.Background(), booking.ID, domain.Options{
		KeyTypes: []vkdomain.KeyType{vkdomain.KeyTypeLaundryRoom},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCreated, res.Status)
	assert.Equal(t, vkdomain.RetryStatusCompleted, h.Retry(t, booking.ID, vkdomain.KeyTypeLaundryRoom).Status)
}

func TestUnmappedRoomIsSkipped(t *testing.T) {
	h := pt.New(t)
	booking := h.SeedBooking(t, testutil.BookingFixture{UnitCode: "Z9"})

	res, err := h.Service.EnsureKeys(context.Background(), booking.ID, domain.Options{})
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCreated, res.Status)
	assert.Equal(t, []vkdomain.KeyType{vkdomain.KeyTypeRoom}, res.SkippedKeyTypes)
	assert.Len(t, res.Created, 3)
	assert.Equal(t, bookingdomain.StatusKeysDistributed, h.Booking(t, booking.ID).Status)

	only, err := h.Service.EnsureKeys(context.Background(), booking.ID, domain.Options{
		KeyTypes: []vkdomain.KeyType{vkdomain.KeyTypeRoom},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ResultSkipped, only.Status)
}

func TestStatusGate(t *testing.T) {
	h := pt.New(t)
	booking := h.SeedBooking(t, testutil.BookingFixture{Status: bookingdomain.StatusConfirmed})

	res, err := h.Service.EnsureKeys(context.Background(), booking.ID, domain.Options{})
	require.NoError(t, err)
	assert.Equal(t, domain.ResultSkipped, res.Status)
	assert.Equal(t, "booking_status_confirmed", res.Reason)
	assert.Zero(t, h.Gateway.Calls("create"))

	forced, err := h.Service.EnsureKeys(context.Background(), booking.ID, domain.Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCreated, forced.Status)
	assert.Equal(t, bookingdomain.StatusConfirmed, h.Booking(t, booking.ID).Status)
}

func TestEnsureKeysUnknownBooking(t *testing.T) {
	h := pt.New(t)
	res, err := h.Service.EnsureKeys(context.Background(), h.Node.Generate(), domain.Options{})
	require.NoError(t, err)
	assert.Equal(t, domain.ResultNotFound, res.Status)
}

func TestForceReauthorizesAndRevokesSuperseded(t *testing.T) {
	ctx := context.Background()
	h := pt.New(t)
	booking := h.SeedBooking(t, testutil.BookingFixture{UnitCode: "A1"})

	first, err := h.Service.EnsureKeys(ctx, booking.ID, domain.Options{})
	require.NoError(t, err)

	res, err := h.Service.EnsureKeys(ctx, booking.ID, domain.Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCreated, res.Status)
	assert.Equal(t, first.KeypadCode, res.KeypadCode)

	all := h.AllKeys(t, booking.ID)
	assert.Len(t, all, 8)
	for kt, n := range pt.ActivePerType(all) {
		assert.Equal(t, 1, n, "active keys for %s", kt)
	}
	for _, device := range []string{pt.EntranceDevice, pt.RoomA1Device, pt.LuggageDevice, pt.LaundryDevice} {
		assert.Equal(t, 1, h.Gateway.CodesOn(device, res.KeypadCode), device)
	}
}

func TestExplicitCodeConflict(t *testing.T) {
	h := pt.New(t)
	booking := h.SeedBooking(t, testutil.BookingFixture{UnitCode: "A1", Code: "583914"})

	_, err := h.Service.EnsureKeys(context.Background(), booking.ID, domain.Options{ExplicitKeypadCode: "694825"})
	assert.ErrorIs(t, err, domain.ErrKeypadCodeConflict)

	res, err := h.Service.EnsureKeys(context.Background(), booking.ID, domain.Options{ExplicitKeypadCode: "583914"})
	require.NoError(t, err)
	assert.Equal(t, "583914", res.KeypadCode)
}

func TestExplicitCodeMustSatisfyKeypadPolicy(t *testing.T) {
	h := pt.New(t)
	booking := h.SeedBooking(t, testutil.BookingFixture{UnitCode: "A1"})

	_, err := h.Service.EnsureKeys(context.Background(), booking.ID, domain.Options{ExplicitKeypadCode: "123456"})
	assert.ErrorIs(t, err, bookingdomain.ErrInvalidKeypadCode)
	assert.Zero(t, h.Gateway.Calls("create"))
}

func TestRegenerateReplacesCodeOnEveryDevice(t *testing.T) {
	ctx := context.Background()
	h := pt.New(t)
	booking := h.SeedBooking(t, testutil.BookingFixture{UnitCode: "A1"})

	first, err := h.Service.EnsureKeys(ctx, booking.ID, domain.Options{})
	require.NoError(t, err)
	oldCode := first.KeypadCode

	res, err := h.Service.RegenerateKeys(ctx, booking.ID, domain.Options{})
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCreated, res.Status)
	require.NotEqual(t, oldCode, res.KeypadCode)

	devices := []string{pt.EntranceDevice, pt.RoomA1Device, pt.LuggageDevice, pt.LaundryDevice}
	for _, device := range devices {
		assert.Zero(t, h.Gateway.CodesOn(device, oldCode), device)
		assert.Equal(t, 1, h.Gateway.CodesOn(device, res.KeypadCode), device)
	}

	stored := h.Booking(t, booking.ID)
	assert.Equal(t, res.KeypadCode, stored.KeypadCode())
	assert.Equal(t, 1, stored.KeyCodeGeneration)

	active := h.ActiveKeys(t, booking.ID)
	require.Len(t, active, 4)
	for _, key := range active {
		assert.Equal(t, res.KeypadCode, key.KeypadCode)
	}
}

func TestRegenerateStopsWhenRevocationFails(t *testing.T) {
	ctx := context.Background()
	h := pt.New(t)
	booking := h.SeedBooking(t, testutil.BookingFixture{UnitCode: "A1"})

	first, err := h.Service.EnsureKeys(ctx, booking.ID, domain.Options{})
	require.NoError(t, err)
	h.Gateway.FailNextRevoke(pt.EntranceDevice, gatewaydomain.ErrorKindRetryable, 1)

	_, err = h.Service.RegenerateKeys(ctx, booking.ID, domain.Options{})
	require.ErrorIs(t, err, domain.ErrRevokeIncomplete)

	assert.Equal(t, first.KeypadCode, h.Booking(t, booking.ID).KeypadCode())
	active := h.ActiveKeys(t, booking.ID)
	require.Len(t, active, 1)
	assert.Equal(t, vkdomain.KeyTypeMainEntrance, active[0].KeyType)
	assert.Equal(t, 1, h.Gateway.CodesOn(pt.EntranceDevice, first.KeypadCode))

	// Rerunning once the device answers finishes the swap.
	res, err := h.Service.RegenerateKeys(ctx, booking.ID, domain.Options{})
	require.NoError(t, err)
	assert.NotEqual(t, first.KeypadCode, res.KeypadCode)
	assert.Zero(t, h.Gateway.CodesOn(pt.EntranceDevice, first.KeypadCode))
	assert.Equal(t, 1, h.Gateway.CodesOn(pt.EntranceDevice, res.KeypadCode))
	assert.Equal(t, res.KeypadCode, h.Booking(t, booking.ID).KeypadCode())
	require.Len(t, h.ActiveKeys(t, booking.ID), 4)
}

func TestRevokeKeysIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := pt.New(t)
	booking := h.SeedBooking(t, testutil.BookingFixture{UnitCode: "A1"})
	h.Gateway.FailNext(pt.LaundryDevice, gatewaydomain.ErrorKindRetryable, 1)

	res, err := h.Service.EnsureKeys(ctx, booking.ID, domain.Options{})
	require.NoError(t, err)
	require.Equal(t, []vkdomain.KeyType{vkdomain.KeyTypeLaundryRoom}, res.Queued)

	out, err := h.Service.RevokeKeys(ctx, booking.ID, "cancelled")
	require.NoError(t, err)
	assert.Equal(t, 3, out.Revoked)
	assert.Empty(t, out.Failed)
	assert.Equal(t, int64(1), out.RetriesDeleted)

	assert.Empty(t, h.ActiveKeys(t, booking.ID))
	for _, key := range h.AllKeys(t, booking.ID) {
		require.NotNil(t, key.DeactivatedAt)
	}
	assert.Nil(t, h.Retry(t, booking.ID, vkdomain.KeyTypeLaundryRoom))
	assert.Zero(t, h.Gateway.CodesOn(pt.EntranceDevice, res.KeypadCode))

	again, err := h.Service.RevokeKeys(ctx, booking.ID, "cancelled")
	require.NoError(t, err)
	assert.Zero(t, again.Revoked)
	assert.Zero(t, again.RetriesDeleted)
}

func TestActivityIsRecordedWithMaskedCode(t *testing.T) {
	h := pt.New(t)
	booking := h.SeedBooking(t, testutil.BookingFixture{UnitCode: "A1"})

	res, err := h.Service.EnsureKeys(context.Background(), booking.ID, domain.Options{})
	require.NoError(t, err)

	entries := h.Hub.Snapshot(50)
	require.NotEmpty(t, entries)
	for _, entry := range entries {
		for _, value := range entry.Metadata {
			if s, ok := value.(string); ok {
				assert.NotEqual(t, res.KeypadCode, s)
			}
		}
	}
}
