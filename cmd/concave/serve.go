package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/concavehq/concave/internal/app"
	"github.com/concavehq/concave/internal/config"
	"github.com/concavehq/concave/internal/kv"
	"github.com/concavehq/concave/internal/kv/memkv"
	"github.com/concavehq/concave/internal/kv/rediskv"
	"github.com/concavehq/concave/internal/resource"
	"github.com/concavehq/concave/internal/scope"
	"github.com/concavehq/concave/internal/storage"
	"github.com/concavehq/concave/internal/storage/sqlstore"
)

const shutdownGrace = 10 * time.Second

func newServeCmd() *cobra.Command {
	var cfgPath string
	var watch bool
	var metricsOn bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the configured resources",
		Long: `Serve starts the HTTP server with every resource declared in the
configuration file. Tables must already exist; the server never issues
DDL.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfgPath, watch, metricsOn)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "concave.yaml", "configuration file")
	cmd.Flags().BoolVar(&watch, "watch", false, "watch the configuration file and log changes")
	cmd.Flags().BoolVar(&metricsOn, "metrics", false, "enable OpenTelemetry instrumentation")
	return cmd
}

func newInitCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteDefault(cfgPath); err != nil {
				return err
			}
			fmt.Println("wrote", cfgPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "concave.yaml", "configuration file")
	return cmd
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Driver, error) {
	switch cfg.Database.Driver {
	case "mysql":
		return sqlstore.OpenMySQL(ctx, cfg.Database.DSN)
	default:
		return sqlstore.OpenSQLite(ctx, cfg.Database.DSN)
	}
}

func openKV(cfg *config.Config) (kv.Adapter, error) {
	if cfg.KV.Backend == "redis" {
		return rediskv.New(cfg.KV.RedisURL)
	}
	return memkv.New(), nil
}

// descriptorFromConfig maps a file-level resource declaration onto a
// descriptor. File-declared resources are public when marked so and
// otherwise require an embedding application to supply auth.
func descriptorFromConfig(r config.Resource) *resource.Descriptor {
	return &resource.Descriptor{
		Name: r.Name,
		Table: &storage.Table{
			Name:       r.Table,
			PrimaryKey: r.PrimaryKey,
			Columns:    r.Columns,
		},
		EnableCreate:        r.Create,
		EnableUpdate:        r.Update,
		EnableReplace:       r.Replace,
		EnableDelete:        r.Delete,
		EnableSubscriptions: r.Subscriptions,
		EnableAggregations:  r.Aggregations,
		DefaultLimit:        r.DefaultLimit,
		MaxLimit:            r.MaxLimit,
		VersionField:        r.VersionField,
		ETagField:           r.ETagField,
		Scope:               &scope.Config{Public: scope.Public{All: r.Public}},
	}
}

func runServe(ctx context.Context, cfgPath string, watch, metricsOn bool) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	kvStore, err := openKV(cfg)
	if err != nil {
		return err
	}
	defer kvStore.Close()

	a, err := app.New(app.Options{
		Store:           store,
		KV:              kvStore,
		Logger:          logger,
		Heartbeat:       cfg.Subscribe.Heartbeat,
		QueueSize:       cfg.Subscribe.QueueSize,
		MutationTimeout: cfg.Requests.MutationTimeout,
		IdempotencyTTL:  cfg.Requests.IdempotencyTTL,
		Metrics:         metricsOn,
	})
	if err != nil {
		return err
	}
	for _, rc := range cfg.Resources {
		if _, err := a.Resource(descriptorFromConfig(rc)); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if watch {
		go func() {
			err := config.Watch(ctx, cfgPath, logger, func(*config.Config) {
				// Resource topology is fixed for the process lifetime;
				// a changed file takes effect on the next start.
				logger.Info("configuration changed on disk, restart to apply")
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("config watch stopped", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Listen, "resources", len(cfg.Resources))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
