package webhook

import (
	"log/slog"

	"go.uber.org/fx"
)

// Module wires the Dispatcher, decorated with a metrics-recording wrapper
// the way the teacher decorates Enricher with a logging middleware
// (internal/service/enricher_middleware.go).
var Module = fx.Module("webhook",
	fx.Provide(func(cfg Config, logger *slog.Logger) Dispatcher {
		return New(cfg, logger)
	}),
	fx.Decorate(func(d Dispatcher, logger *slog.Logger) Dispatcher {
		return WithMetrics(d, logger)
	}),
)
