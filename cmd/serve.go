package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/elskow/binder-build/internal/app"
	"github.com/elskow/binder-build/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the build service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := server.LoadConfig()
		if err != nil {
			return err
		}

		opts := []fx.Option{
			app.Module(cfg),
			fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
				return &fxevent.ZapLogger{
					Logger: log,
				}
			}),
		}
		if cfg.Server.ShutdownTimeout > 0 {
			opts = append(opts, fx.StopTimeout(cfg.Server.ShutdownTimeout))
		}

		fx.New(opts...).Run()
		return nil
	},
}
