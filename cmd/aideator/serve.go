package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/aideator/aideator-sub000"
	"github.com/aideator/aideator-sub000/internal/config"
	"github.com/aideator/aideator-sub000/internal/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the aideator server",
	Long: `Start the HTTP server, the run orchestrator and the relay retention
janitor. Runs owned by this process are cancelled on shutdown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app := fx.New(serverOptions(configPath))
		if err := app.Err(); err != nil {
			return err
		}
		app.Run()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// serverOptions assembles the server from configuration. fx owns start and
// stop ordering; the App stops its own components in dependency order.
func serverOptions(path string) fx.Option {
	return fx.Options(
		fx.Provide(
			func() (*config.Config, error) { return config.Load(path) },
			logger.NewFromConfig,
			newApp,
		),
		fx.Invoke(func(lc fx.Lifecycle, app *aideator.App) {
			lc.Append(fx.Hook{
				OnStart: app.Start,
				OnStop:  app.Stop,
			})
		}),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)
}

func newApp(cfg *config.Config, log *zap.Logger) (*aideator.App, error) {
	return aideator.NewBuilder(cfg, log).Build()
}
