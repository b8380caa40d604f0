package devicegateway

import (
	"strings"
	"time"

	"github.com/gosimple/slug"
	"github.com/smallbiznis/staykey/internal/config"
	"github.com/smallbiznis/staykey/internal/devicegateway/domain"
	vkdomain "github.com/smallbiznis/staykey/internal/virtualkey/domain"
)

// WindowFor computes when a key of keyType may open its lock. Room keys
// cover exactly the stay; shared locks are widened by the policy span.
func WindowFor(keyType vkdomain.KeyType, checkIn, checkOut time.Time, policy config.AccessPolicy) domain.Window {
	window := domain.Window{From: checkIn.UTC(), Until: checkOut.UTC()}
	if !keyType.IsShared() {
		return window
	}
	span := policy.Span(string(keyType))
	window.From = window.From.Add(-span.Before)
	window.Until = window.Until.Add(span.After)
	return window
}

// ResolveDevice returns the lock that serves keyType for a unit. The second
// result is false when no device is configured, e.g. an unmapped room.
func ResolveDevice(cfg config.DeviceConfig, keyType vkdomain.KeyType, unitCode string) (string, bool) {
	var id string
	switch keyType {
	case vkdomain.KeyTypeMainEntrance:
		id = cfg.MainEntranceDeviceID
	case vkdomain.KeyTypeLuggageRoom:
		id = cfg.LuggageRoomDeviceID
	case vkdomain.KeyTypeLaundryRoom:
		id = cfg.LaundryRoomDeviceID
	case vkdomain.KeyTypeRoom:
		return cfg.RoomDevice(unitCode)
	default:
		return "", false
	}
	id = strings.TrimSpace(id)
	return id, id != ""
}

// AuthorizationName is the label shown in the vendor app for a key.
func AuthorizationName(reference string, keyType vkdomain.KeyType) string {
	return slug.Make(reference + " " + strings.ReplaceAll(string(keyType), "_", " "))
}
