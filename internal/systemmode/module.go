package systemmode

import "go.uber.org/fx"

// Module wires the SystemModeController, matching the teacher's per-package
// fx.Module idiom.
var Module = fx.Module("systemmode",
	fx.Provide(New),
)
