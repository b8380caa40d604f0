package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// DeviceConfig maps key purposes to lock devices and carries the access policy.
type DeviceConfig struct {
	MainEntranceDeviceID string            `mapstructure:"mainEntrance"`
	LuggageRoomDeviceID  string            `mapstructure:"luggageRoom"`
	LaundryRoomDeviceID  string            `mapstructure:"laundryRoom"`
	Rooms                map[string]string `mapstructure:"rooms"`
	Policy               AccessPolicy      `mapstructure:"policy"`
}

type AccessPolicy struct {
	LeadTime      time.Duration         `mapstructure:"leadTime"`
	RetryInterval time.Duration         `mapstructure:"retryInterval"`
	MaxAttempts   int                   `mapstructure:"maxAttempts"`
	SharedAccess  map[string]AccessSpan `mapstructure:"sharedAccess"`
}

// AccessSpan widens a stay for a shared device: From opens Before check-in,
// Until closes After check-out.
type AccessSpan struct {
	Before time.Duration `mapstructure:"before"`
	After  time.Duration `mapstructure:"after"`
}

func DefaultAccessPolicy() AccessPolicy {
	return AccessPolicy{
		LeadTime:      72 * time.Hour,
		RetryInterval: 15 * time.Minute,
		MaxAttempts:   5,
		SharedAccess: map[string]AccessSpan{
			"MAIN_ENTRANCE": {Before: 2 * time.Hour, After: 2 * time.Hour},
			"LUGGAGE_ROOM":  {Before: 6 * time.Hour, After: 6 * time.Hour},
			"LAUNDRY_ROOM":  {},
		},
	}
}

// RoomDevice returns the room lock mapped for a unit.
func (c DeviceConfig) RoomDevice(unitCode string) (string, bool) {
	id, ok := c.Rooms[normalizeUnit(unitCode)]
	if !ok || strings.TrimSpace(id) == "" {
		return "", false
	}
	return id, true
}

// Span returns the shared-access widening for a key type name.
func (p AccessPolicy) Span(keyType string) AccessSpan {
	return p.SharedAccess[keyType]
}

type DeviceConfigHolder struct {
	current atomic.Value // holds DeviceConfig
}

func NewDeviceConfigHolder(log *zap.Logger) (*DeviceConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("devices")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/staykey/config")
	v.AddConfigPath("/etc/staykey")
	v.AddConfigPath(".")

	v.SetEnvPrefix("STAYKEY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// explicit keys so env-only deployments still resolve via AutomaticEnv
	v.SetDefault("devices.mainEntrance", "")
	v.SetDefault("devices.luggageRoom", "")
	v.SetDefault("devices.laundryRoom", "")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg, err := decodeDeviceConfig(v)
	if err != nil {
		return nil, err
	}

	holder := &DeviceConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeDeviceConfig(v)
		if err != nil {
			log.Warn("device config reload ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("device config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

// NewStaticDeviceConfigHolder validates cfg and serves it without watching files.
func NewStaticDeviceConfigHolder(cfg DeviceConfig) (*DeviceConfigHolder, error) {
	cfg = normalizeDeviceConfig(cfg)
	if err := ValidateDeviceConfig(cfg); err != nil {
		return nil, err
	}
	holder := &DeviceConfigHolder{}
	holder.current.Store(cfg)
	return holder, nil
}

func (h *DeviceConfigHolder) Get() DeviceConfig {
	return h.current.Load().(DeviceConfig)
}

func decodeDeviceConfig(v *viper.Viper) (DeviceConfig, error) {
	var cfg DeviceConfig
	if err := v.UnmarshalKey("devices", &cfg); err != nil {
		return DeviceConfig{}, err
	}
	cfg = normalizeDeviceConfig(cfg)
	if err := ValidateDeviceConfig(cfg); err != nil {
		return DeviceConfig{}, err
	}
	return cfg, nil
}

func normalizeDeviceConfig(cfg DeviceConfig) DeviceConfig {
	cfg.MainEntranceDeviceID = strings.TrimSpace(cfg.MainEntranceDeviceID)
	cfg.LuggageRoomDeviceID = strings.TrimSpace(cfg.LuggageRoomDeviceID)
	cfg.LaundryRoomDeviceID = strings.TrimSpace(cfg.LaundryRoomDeviceID)

	rooms := make(map[string]string, len(cfg.Rooms))
	for unit, device := range cfg.Rooms {
		rooms[normalizeUnit(unit)] = strings.TrimSpace(device)
	}
	cfg.Rooms = rooms

	defaults := DefaultAccessPolicy()
	if cfg.Policy.LeadTime == 0 {
		cfg.Policy.LeadTime = defaults.LeadTime
	}
	if cfg.Policy.RetryInterval == 0 {
		cfg.Policy.RetryInterval = defaults.RetryInterval
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy.MaxAttempts = defaults.MaxAttempts
	}
	if len(cfg.Policy.SharedAccess) == 0 {
		cfg.Policy.SharedAccess = defaults.SharedAccess
	}
	spans := make(map[string]AccessSpan, len(cfg.Policy.SharedAccess))
	for keyType, span := range cfg.Policy.SharedAccess {
		spans[strings.ToUpper(strings.TrimSpace(keyType))] = span
	}
	cfg.Policy.SharedAccess = spans
	return cfg
}

func ValidateDeviceConfig(cfg DeviceConfig) error {
	var errs []error
	if cfg.MainEntranceDeviceID == "" {
		errs = append(errs, errors.New("devices.mainEntrance is required"))
	}
	if cfg.LuggageRoomDeviceID == "" {
		errs = append(errs, errors.New("devices.luggageRoom is required"))
	}
	if cfg.LaundryRoomDeviceID == "" {
		errs = append(errs, errors.New("devices.laundryRoom is required"))
	}
	for unit, device := range cfg.Rooms {
		if unit == "" || device == "" {
			errs = append(errs, fmt.Errorf("devices.rooms entry %q is incomplete", unit))
		}
	}
	if cfg.Policy.LeadTime < 0 {
		errs = append(errs, errors.New("devices.policy.leadTime must not be negative"))
	}
	if cfg.Policy.RetryInterval <= 0 {
		errs = append(errs, errors.New("devices.policy.retryInterval must be positive"))
	}
	if cfg.Policy.MaxAttempts <= 0 {
		errs = append(errs, errors.New("devices.policy.maxAttempts must be positive"))
	}
	for keyType, span := range cfg.Policy.SharedAccess {
		if span.Before < 0 || span.After < 0 {
			errs = append(errs, fmt.Errorf("devices.policy.sharedAccess.%s offsets must not be negative", keyType))
		}
	}
	return errors.Join(errs...)
}

func normalizeUnit(unit string) string {
	return strings.ToUpper(strings.TrimSpace(unit))
}
