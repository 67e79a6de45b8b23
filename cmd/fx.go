package cmd

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.uber.org/fx"

	"github.com/whatsapp-hub/supervisor/infra/config"
	"github.com/whatsapp-hub/supervisor/infra/logging"
	"github.com/whatsapp-hub/supervisor/infra/tracing"
	"github.com/whatsapp-hub/supervisor/internal/driver"
	"github.com/whatsapp-hub/supervisor/internal/driver/fake"
	httphandler "github.com/whatsapp-hub/supervisor/internal/handler/http"
	"github.com/whatsapp-hub/supervisor/internal/registry"
	"github.com/whatsapp-hub/supervisor/internal/restore"
	"github.com/whatsapp-hub/supervisor/internal/store"
	"github.com/whatsapp-hub/supervisor/internal/store/idempotency"
	"github.com/whatsapp-hub/supervisor/internal/systemmode"
	"github.com/whatsapp-hub/supervisor/internal/webhook"
)

// cleanupAge is how far back the idempotency ledger is pruned on startup
// (spec §4.1 "records older than 7 days are discarded").
const cleanupAge = 7 * 24 * time.Hour

// NewApp assembles the fx composition root, matching the teacher's
// postgres.Module/service.Module/grpcsrv.Module wiring shape but against
// this service's own stores, registry and HTTP handler.
func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			provideStoreConfig,
			provideWebhookConfig,
			provideRegistryConfig,
			fx.Annotate(provideAuthRoot, fx.ResultTags(`name:"authRoot"`)),
			provideDriverFactory,
			provideRestoreScheduler,
		),
		logging.Module,
		store.Module,
		webhook.Module,
		systemmode.Module,
		registry.Module,
		restore.Module,
		httphandler.Module,
		fx.Invoke(runLifecycle),
	)
}

func provideStoreConfig(cfg *config.Config) store.Config {
	return store.Config{DataDir: cfg.DataDir}
}

func provideWebhookConfig(cfg *config.Config) webhook.Config {
	return webhook.Config{
		Secret:           cfg.WebhookSecret,
		BearerToken:      cfg.WebhookBearerToken,
		ProtectionBypass: cfg.WebhookProtectionBypass,
		Timeout:          cfg.WebhookTimeout,
	}
}

func provideRegistryConfig(cfg *config.Config) registry.Config {
	rc := registry.Default()
	if cfg.MaxQueueSize > 0 {
		rc.MaxQueueSize = cfg.MaxQueueSize
	}
	if cfg.MaxSendsPerMinute > 0 {
		rc.MaxSendsPerMinute = cfg.MaxSendsPerMinute
	}
	if cfg.MaxSendsPerHour > 0 {
		rc.MaxSendsPerHour = cfg.MaxSendsPerHour
	}
	if cfg.RestartWindow > 0 {
		rc.RestartWindow = cfg.RestartWindow
	}
	if cfg.MaxRestartsPerWindow > 0 {
		rc.MaxRestartsPerWindow = cfg.MaxRestartsPerWindow
	}
	if len(cfg.RestrictionPatterns) > 0 {
		rc.RestrictionPatterns = cfg.RestrictionPatterns
	}
	return rc
}

func provideAuthRoot(cfg *config.Config) string { return cfg.AuthRoot }

// provideDriverFactory wraps the scriptable fake.Session as the
// out-of-scope real driver's integration seam (spec §1 "the underlying
// browser-automation session library"). Each instance gets its own
// session, unlike fake.Factory which pins every instance to one shared one.
func provideDriverFactory() driver.Factory {
	return func(instanceID, authDir string) driver.Session {
		return fake.New()
	}
}

func provideRestoreScheduler(cfg restore.Config, logger *slog.Logger, mgr *registry.Manager) *restore.Scheduler {
	return restore.New(cfg, logger, mgr.RestoreCreateFn(), mgr.RestoreMarkFailedFn())
}

func runLifecycle(
	lc fx.Lifecycle,
	cfg *config.Config,
	logger *slog.Logger,
	mgr *registry.Manager,
	sched *restore.Scheduler,
	idem *idempotency.Store,
	h *httphandler.Handler,
) {
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: h.Router()}
	var shutdownTracing func(context.Context) error

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
			if err != nil {
				return err
			}
			shutdownTracing, err = tracing.New(ctx, exp, ServiceName)
			if err != nil {
				return err
			}

			n := idem.Cleanup(cleanupAge)
			logger.Info("startup: pruned idempotency ledger", "removed", n)

			mgr.RestoreOnStartup(sched)
			go sched.Run()

			ln, err := net.Listen("tcp", cfg.HTTPAddr)
			if err != nil {
				return err
			}
			go func() {
				if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("http server stopped", "err", err)
				}
			}()
			logger.Info("http server listening", "addr", cfg.HTTPAddr)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			sched.Stop()
			idem.Flush()
			if shutdownTracing != nil {
				_ = shutdownTracing(ctx)
			}
			return srv.Shutdown(ctx)
		},
	})
}
