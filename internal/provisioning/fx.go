package provisioning

import (
	"github.com/smallbiznis/staykey/internal/provisioning/service"
	"go.uber.org/fx"
)

var Module = fx.Module("provisioning",
	fx.Provide(service.New),
)
