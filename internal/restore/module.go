package restore

import "go.uber.org/fx"

// Module wires the RestoreScheduler's config default; CreateFunc/MarkFailedFunc
// and the scheduler itself are constructed in cmd/fx.go once the registry's
// Manager exists, to avoid an import cycle (restore -> registry -> restore).
var Module = fx.Module("restore",
	fx.Provide(DefaultConfig),
)
