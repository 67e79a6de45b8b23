package http

import "go.uber.org/fx"

// Module wires the HTTP Handler into the composition root.
var Module = fx.Module("httphandler",
	fx.Provide(New),
)
