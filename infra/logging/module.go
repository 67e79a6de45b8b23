package logging

import "go.uber.org/fx"

// Module provides the root logger via fx.
var Module = fx.Module("logging",
	fx.Provide(
		DefaultConfig,
		New,
	),
)
