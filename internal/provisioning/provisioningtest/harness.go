// Package provisioningtest wires the provisioning engine against SQLite, a
// fake clock and the sandbox gateway.
package provisioningtest

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	activitydomain "github.com/smallbiznis/staykey/internal/activity/domain"
	activityrepo "github.com/smallbiznis/staykey/internal/activity/repository"
	"github.com/smallbiznis/staykey/internal/activity/ring"
	activityservice "github.com/smallbiznis/staykey/internal/activity/service"
	bookingdomain "github.com/smallbiznis/staykey/internal/booking/domain"
	bookingrepo "github.com/smallbiznis/staykey/internal/booking/repository"
	bookingservice "github.com/smallbiznis/staykey/internal/booking/service"
	"github.com/smallbiznis/staykey/internal/clock"
	"github.com/smallbiznis/staykey/internal/config"
	"github.com/smallbiznis/staykey/internal/devicegateway/sandbox"
	"github.com/smallbiznis/staykey/internal/keycode"
	"github.com/smallbiznis/staykey/internal/provisioning/domain"
	"github.com/smallbiznis/staykey/internal/provisioning/service"
	"github.com/smallbiznis/staykey/internal/testutil"
	vkdomain "github.com/smallbiznis/staykey/internal/virtualkey/domain"
	vkrepo "github.com/smallbiznis/staykey/internal/virtualkey/repository"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

const (
	EntranceDevice = "lock-entrance"
	LuggageDevice  = "lock-luggage"
	LaundryDevice  = "lock-laundry"
	RoomA1Device   = "lock-a1"
	RoomB2Device   = "lock-b2"
)

// Start is the fake clock's initial time.
var Start = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

type Harness struct {
	DB       *gorm.DB
	Clock    *clock.FakeClock
	Node     *snowflake.Node
	Gateway  *sandbox.Gateway
	Devices  *config.DeviceConfigHolder
	Codes    keycode.Generator
	Bookings bookingdomain.Service
	Keys     vkdomain.KeyRepository
	Retries  vkdomain.RetryRepository
	Activity activitydomain.Service
	Hub      *ring.Hub
	Service  domain.Service
}

func DeviceConfig() config.DeviceConfig {
	return config.DeviceConfig{
		MainEntranceDeviceID: EntranceDevice,
		LuggageRoomDeviceID:  LuggageDevice,
		LaundryRoomDeviceID:  LaundryDevice,
		Rooms:                map[string]string{"A1": RoomA1Device, "B2": RoomB2Device},
		Policy:               config.DefaultAccessPolicy(),
	}
}

func New(t *testing.T) *Harness {
	t.Helper()

	db := testutil.OpenDB(t)
	log := zaptest.NewLogger(t)
	clk := clock.NewFakeClock(Start)
	node := testutil.NewNode(t)

	devices, err := config.NewStaticDeviceConfigHolder(DeviceConfig())
	if err != nil {
		t.Fatalf("device config: %v", err)
	}
	codes, err := keycode.NewDeterministic(keycode.DefaultPolicy(), "harness-secret")
	if err != nil {
		t.Fatalf("keycode: %v", err)
	}
	gateway := sandbox.New(sandbox.WithClock(clk.Now))

	bookings := bookingservice.New(bookingservice.Params{
		DB:    db,
		Log:   log,
		Clock: clk,
		Repo:  bookingrepo.Provide(),
	})
	hub := ring.NewHub()
	activity := activityservice.NewService(activityservice.Params{
		DB:    db,
		Log:   log,
		Clock: clk,
		Repo:  activityrepo.Provide(),
		Hub:   hub,
	})
	keys := vkrepo.ProvideKeys()
	retries := vkrepo.ProvideRetries()

	svc := service.New(service.Params{
		DB:       db,
		Log:      log,
		Clock:    clk,
		GenID:    node,
		Devices:  devices,
		Gateway:  gateway,
		Codes:    codes,
		Bookings: bookings,
		Keys:     keys,
		Retries:  retries,
		Activity: activity,
	})

	return &Harness{
		DB:       db,
		Clock:    clk,
		Node:     node,
		Gateway:  gateway,
		Devices:  devices,
		Codes:    codes,
		Bookings: bookings,
		Keys:     keys,
		Retries:  retries,
		Activity: activity,
		Hub:      hub,
		Service:  svc,
	}
}

// SeedBooking stores a booking; CheckIn defaults to one day after the clock.
func (h *Harness) SeedBooking(t *testing.T, f testutil.BookingFixture) bookingdomain.Booking {
	t.Helper()
	if f.CheckIn.IsZero() {
		f.CheckIn = h.Clock.Now().Add(24 * time.Hour)
	}
	return testutil.SeedBooking(t, h.DB, h.Node, f)
}

func (h *Harness) Booking(t *testing.T, id snowflake.ID) bookingdomain.Booking {
	t.Helper()
	booking, err := h.Bookings.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("load booking: %v", err)
	}
	return booking
}

func (h *Harness) ActiveKeys(t *testing.T, bookingID snowflake.ID) []vkdomain.VirtualKey {
	t.Helper()
	keys, err := h.Keys.ListActiveByBooking(context.Background(), h.DB, bookingID)
	if err != nil {
		t.Fatalf("list active keys: %v", err)
	}
	return keys
}

func (h *Harness) AllKeys(t *testing.T, bookingID snowflake.ID) []vkdomain.VirtualKey {
	t.Helper()
	keys, err := h.Keys.ListByBooking(context.Background(), h.DB, bookingID)
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	return keys
}

func (h *Harness) Retry(t *testing.T, bookingID snowflake.ID, keyType vkdomain.KeyType) *vkdomain.RetryRecord {
	t.Helper()
	rec, err := h.Retries.FindByBookingAndType(context.Background(), h.DB, bookingID, keyType)
	if err != nil {
		t.Fatalf("find retry: %v", err)
	}
	return rec
}

// ActivePerType counts active keys by key type.
func ActivePerType(keys []vkdomain.VirtualKey) map[vkdomain.KeyType]int {
	out := make(map[vkdomain.KeyType]int)
	for _, key := range keys {
		if key.IsActive {
			out[key.KeyType]++
		}
	}
	return out
}
