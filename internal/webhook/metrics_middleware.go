package webhook

import (
	"context"
	"log/slog"
	"time"

	"github.com/whatsapp-hub/supervisor/internal/domain/model"
)

// metricsMiddleware wraps a Dispatcher with duration logging, the way the
// teacher's enricherMiddleware wraps Enricher (internal/service/enricher_middleware.go).
type metricsMiddleware struct {
	next   Dispatcher
	logger *slog.Logger
}

// WithMetrics decorates d with delivery-duration logging.
func WithMetrics(d Dispatcher, logger *slog.Logger) Dispatcher {
	return &metricsMiddleware{next: d, logger: logger}
}

func (m *metricsMiddleware) Dispatch(ctx context.Context, instanceID string, webhook model.WebhookConfig, event string, data any) {
	start := time.Now()
	m.next.Dispatch(ctx, instanceID, webhook, event, data)
	m.logger.Debug("webhook: dispatch issued", "instance", instanceID, "event", event, "since", time.Since(start))
}

func (m *metricsMiddleware) DispatchTracked(ctx context.Context, instanceID string, webhook model.WebhookConfig, event string, data any, report func(statusCode int, err error)) {
	start := time.Now()
	m.next.DispatchTracked(ctx, instanceID, webhook, event, data, report)
	m.logger.Debug("webhook: tracked dispatch issued", "instance", instanceID, "event", event, "since", time.Since(start))
}
