// Command shove runs the hosted job queue and delivery broker.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shovehq/shove/pkg/broker"
	"github.com/shovehq/shove/pkg/config"
	"github.com/shovehq/shove/pkg/jobstore"
	"github.com/shovehq/shove/pkg/observability/logger"
	"github.com/shovehq/shove/pkg/queue"
	"github.com/shovehq/shove/pkg/scheduler"
	"github.com/shovehq/shove/pkg/version"

	_ "github.com/lib/pq"
)

const (
	serviceName = "shove"
	envPrefix   = "SHOVE"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Job queue and delivery broker",
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config-file", "c", "", "config file path")

	loadConfig := func() (*config.Config, logger.Logger, error) {
		cfg, err := config.NewViperLoader(cfgPath, envPrefix).Load()
		if err != nil {
			return nil, nil, err
		}
		log, err := logger.NewZapLogger(logger.Config{
			Level:  logger.LogLevel(cfg.Log.Level),
			Format: logger.LogFormat(cfg.Log.Format),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("build logger failed: %w", err)
		}
		return cfg, log, nil
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			log.Info("starting", "version", version.Current(serviceName).String())

			b, err := broker.New(cfg, log)
			if err != nil {
				return err
			}
			return b.Run(cmd.Context())
		},
	}
	rootCmd.AddCommand(serveCmd)
	rootCmd.RunE = serveCmd.RunE

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Current(serviceName)
			fmt.Printf("Service:    %s\n", info.Service)
			fmt.Printf("Version:    %s\n", info.Version)
			fmt.Printf("Commit:     %s\n", info.Commit)
			fmt.Printf("Build Time: %s\n", info.BuildTime)
		},
	})

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Printf("configuration valid (store driver %q, port %d)\n", cfg.Store.Driver, cfg.HTTP.Port)
			return nil
		},
	})
	rootCmd.AddCommand(configCmd)

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration commands",
	}
	migrateCmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Create missing database tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			return migrateUp(cmd.Context(), cfg, log)
		},
	})
	rootCmd.AddCommand(migrateCmd)

	return rootCmd
}

func migrateUp(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	if cfg.Store.Driver != config.StoreDriverPostgres {
		log.Info("store driver needs no migrations", "driver", cfg.Store.Driver)
		return nil
	}

	db, err := sql.Open("postgres", cfg.Store.PostgresURL)
	if err != nil {
		return fmt.Errorf("open postgres failed: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres failed: %w", err)
	}

	store, err := jobstore.NewPostgresStore(db, log)
	if err != nil {
		return err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	registry, err := queue.NewPostgresRegistry(db, log)
	if err != nil {
		return err
	}
	if err := registry.EnsureSchema(ctx); err != nil {
		return err
	}

	locks, err := scheduler.NewPostgresLockProvider(db, log)
	if err != nil {
		return err
	}
	if err := locks.EnsureSchema(ctx); err != nil {
		return err
	}

	log.Info("schema up to date")
	return nil
}
