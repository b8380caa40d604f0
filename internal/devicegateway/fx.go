package devicegateway

import (
	"fmt"

	"github.com/smallbiznis/staykey/internal/config"
	"github.com/smallbiznis/staykey/internal/devicegateway/domain"
	"github.com/smallbiznis/staykey/internal/devicegateway/sandbox"
	"github.com/smallbiznis/staykey/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("devicegateway",
	fx.Provide(func(l *ratelimit.GatewayLimiter) Limiter { return l }),
	fx.Provide(NewGateway),
)

var _ domain.Gateway = (*Client)(nil)
var _ domain.Gateway = (*sandbox.Gateway)(nil)

type Params struct {
	fx.In

	Cfg     config.Config
	Devices *config.DeviceConfigHolder
	Limiter Limiter
	Log     *zap.Logger
}

func NewGateway(p Params) (domain.Gateway, error) {
	switch p.Cfg.DeviceGateway.Mode {
	case config.GatewayModeSandbox:
		if p.Cfg.IsProduction() {
			p.Log.Warn("device gateway running in sandbox mode in production")
		}
		devices := p.Devices.Get()
		ids := []string{devices.MainEntranceDeviceID, devices.LuggageRoomDeviceID, devices.LaundryRoomDeviceID}
		for _, id := range devices.Rooms {
			ids = append(ids, id)
		}
		return sandbox.New(sandbox.WithDevices(ids...)), nil
	case config.GatewayModeHTTP, "":
		if p.Cfg.DeviceGateway.BaseURL == "" {
			return nil, fmt.Errorf("device gateway: DEVICE_GATEWAY_URL is required in http mode")
		}
		return NewClient(p.Cfg.DeviceGateway, p.Limiter, p.Log), nil
	default:
		return nil, fmt.Errorf("device gateway: unknown mode %q", p.Cfg.DeviceGateway.Mode)
	}
}
