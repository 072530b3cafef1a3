// Command ruggine-server runs the chat server, or applies its database
// schema, depending on the subcommand.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/doroteaMonaco/ruggine-server/schema"
	"github.com/doroteaMonaco/ruggine-server/server"
	"github.com/doroteaMonaco/ruggine-server/server/broker"
	"github.com/doroteaMonaco/ruggine-server/server/config"
	"github.com/doroteaMonaco/ruggine-server/server/metrics"
	"github.com/doroteaMonaco/ruggine-server/server/store/postgres"
)

var dotenvPath string

func main() {
	root := &cobra.Command{
		Use:   "ruggine-server",
		Short: "Ruggine chat server",
	}
	root.PersistentFlags().StringVar(&dotenvPath, "env-file", "", "path to a dotenv file (optional)")
	root.AddCommand(serveCmd(), schemaCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the command, push, and metrics listeners until signalled to stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()

			cfg, err := config.Load(dotenvPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, cancel := server.WithSignalCancel(context.Background())
			defer cancel()

			store := postgres.New()
			if err := store.Open(ctx, config.DatabaseURL()); err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			var brk broker.Handler
			if cfg.BrokerURL != "" {
				rb := broker.NewRedisBroker(log)
				if err := rb.Init(ctx, cfg.BrokerURL); err != nil {
					log.Error().Err(err).Msg("broker init failed, running single-instance")
				} else {
					brk = rb
				}
			}

			met := metrics.NewMetrics(prometheus.DefaultRegisterer)
			app := server.New(cfg, store, brk, met, log)

			log.Info().Msg("starting ruggine-server")
			if err := app.Run(ctx); err != nil {
				return fmt.Errorf("server run: %w", err)
			}
			return nil
		},
	}
}

func schemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Apply the database schema to RUGGINE_DATABASE_URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()

			if _, err := config.Load(dotenvPath); err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx := context.Background()
			store := postgres.New()
			if err := store.Open(ctx, config.DatabaseURL()); err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			if err := store.ApplySchema(ctx, schema.DDL); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
			log.Info().Msg("schema applied")
			return nil
		},
	}
}
