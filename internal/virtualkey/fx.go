package virtualkey

import (
	"github.com/smallbiznis/staykey/internal/virtualkey/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("virtualkey.repository",
	fx.Provide(repository.ProvideKeys),
	fx.Provide(repository.ProvideRetries),
)
