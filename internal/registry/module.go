package registry

import "go.uber.org/fx"

// Module wires the InstanceManager into the composition root, matching the
// teacher's registry.Module shape (internal/domain/registry/module.go).
var Module = fx.Module("registry",
	fx.Provide(
		fx.Annotate(
			New,
			fx.ParamTags(``, ``, ``, ``, ``, ``, ``, `name:"authRoot"`),
		),
	),
)

