package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/urfave/cli/v2"

	"github.com/whatsapp-hub/supervisor/infra/config"
)

const (
	ServiceName      = "whatsapp-supervisor"
	ServiceNamespace = "whatsapp-hub"
)

var (
	version        = "0.0.0"
	commit         = "hash"
	commitDate     = time.Now().String()
	branch         = "branch"
	buildTimestamp = ""
)

// Run builds and executes the CLI, per the teacher's urfave/cli entrypoint.
func Run() error {
	app := &cli.App{
		Name:  ServiceName,
		Usage: "Multi-tenant WhatsApp Web session supervisor",
		Commands: []*cli.Command{
			serverCmd(),
		},
	}

	return app.Run(os.Args)
}

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Run the supervisor HTTP server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config_file",
				Usage: "Path to the configuration file",
			},
			&cli.StringFlag{
				Name:  "http_addr",
				Usage: "Override http_addr from the config file/environment",
			},
		},
		Action: func(c *cli.Context) error {
			bootLogger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

			// Bridge the one CLI override worth exposing (http_addr) into a
			// pflag.FlagSet so infra/config can bind it through viper the same
			// way the teacher's cobra/pflag-based config loader does.
			flags := pflag.NewFlagSet("server", pflag.ContinueOnError)
			flags.String("http_addr", "", "")
			if v := c.String("http_addr"); v != "" {
				_ = flags.Set("http_addr", v)
			}

			cfg, v, err := config.Load(c.String("config_file"), flags, bootLogger)
			if err != nil {
				return err
			}
			config.WatchHotReload(v, bootLogger, func(next config.Config) {
				bootLogger.Info("config: change observed, restart to apply", "http_addr", next.HTTPAddr)
			})

			app := NewApp(cfg)

			if err := app.Start(c.Context); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("shutting down...")
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return app.Stop(ctx)
		},
	}
}
