package activity

import (
	"github.com/smallbiznis/staykey/internal/activity/repository"
	"github.com/smallbiznis/staykey/internal/activity/ring"
	"github.com/smallbiznis/staykey/internal/activity/service"
	"go.uber.org/fx"
)

var Module = fx.Module("activity",
	fx.Provide(repository.Provide),
	fx.Provide(ring.NewHub),
	fx.Provide(service.NewService),
)
