package devicegateway

import (
	"testing"
	"time"

	"github.com/smallbiznis/staykey/internal/config"
	vkdomain "github.com/smallbiznis/staykey/internal/virtualkey/domain"
	"github.com/stretchr/testify/assert"
)

func TestWindowFor(t *testing.T) {
	policy := config.DefaultAccessPolicy()
	checkIn := time.Date(2026, 7, 1, 15, 0, 0, 0, time.UTC)
	checkOut := checkIn.Add(3 * 24 * time.Hour)

	room := WindowFor(vkdomain.KeyTypeRoom, checkIn, checkOut, policy)
	assert.Equal(t, checkIn, room.From)
	assert.Equal(t, checkOut, room.Until)

	entrance := WindowFor(vkdomain.KeyTypeMainEntrance, checkIn, checkOut, policy)
	assert.Equal(t, checkIn.Add(-2*time.Hour), entrance.From)
	assert.Equal(t, checkOut.Add(2*time.Hour), entrance.Until)

	luggage := WindowFor(vkdomain.KeyTypeLuggageRoom, checkIn, checkOut, policy)
	assert.Equal(t, checkIn.Add(-6*time.Hour), luggage.From)
	assert.Equal(t, checkOut.Add(6*time.Hour), luggage.Until)
}

func TestResolveDevice(t *testing.T) {
	cfg := config.DeviceConfig{
		MainEntranceDeviceID: "lock-entrance",
		LuggageRoomDeviceID:  "lock-luggage",
		LaundryRoomDeviceID:  "lock-laundry",
		Rooms:                map[string]string{"A1": "lock-a1"},
	}

	id, ok := ResolveDevice(cfg, vkdomain.KeyTypeRoom, "a1")
	assert.True(t, ok)
	assert.Equal(t, "lock-a1", id)

	_, ok = ResolveDevice(cfg, vkdomain.KeyTypeRoom, "B7")
	assert.False(t, ok)

	id, ok = ResolveDevice(cfg, vkdomain.KeyTypeLaundryRoom, "B7")
	assert.True(t, ok)
	assert.Equal(t, "lock-laundry", id)
}

func TestAuthorizationName(t *testing.T) {
	assert.Equal(t, "bk-2026-0042-main-entrance", AuthorizationName("BK-2026-0042", vkdomain.KeyTypeMainEntrance))
}
