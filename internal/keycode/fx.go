package keycode

import "go.uber.org/fx"

var Module = fx.Module("keycode",
	fx.Provide(New),
)
