package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/agentworkforce/fieldsync/internal/fieldsync"
	"github.com/agentworkforce/fieldsync/internal/httpapi"
	"github.com/agentworkforce/fieldsync/internal/logging"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string
	root := &cobra.Command{
		Use:          "fieldsync",
		Short:        "Offline-first sync server for CMMS field clients",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (yaml, toml or json)")
	registerLogFlags(root.PersistentFlags())
	registerServerFlags(root.PersistentFlags())

	configure := func(cmd *cobra.Command) (config, error) {
		v, err := newViper(cmd.Flags(), configFile)
		if err != nil {
			return config{}, err
		}
		return loadConfig(v), nil
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the sync HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configure(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create the sync tables in the configured backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configure(cmd)
			if err != nil {
				return err
			}
			return migrate(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "entities",
		Short: "List the tracked entities and their delta page sizes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configure(cmd)
			if err != nil {
				return err
			}
			registry, err := cfg.registry()
			if err != nil {
				return err
			}
			return printEntities(cmd.OutOrStdout(), registry)
		},
	})
	return root
}

func serve(ctx context.Context, cfg config) error {
	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	registry, err := cfg.registry()
	if err != nil {
		return fmt.Errorf("load entity registry: %w", err)
	}
	resolver, err := cfg.resolver()
	if err != nil {
		return err
	}
	location, err := cfg.location()
	if err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	dsn, err := cfg.backendDSN()
	if err != nil {
		return err
	}
	backend, err := fieldsync.BuildBackendFromDSN(dsn, nil)
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}
	defer backend.Close()
	if err := backend.Migrate(ctx, registry.Entities()); err != nil {
		return fmt.Errorf("migrate %s backend: %w", backend.Name(), err)
	}

	if cfg.EntitiesFile != "" && cfg.WatchEntities {
		watcher, err := fieldsync.NewRegistryWatcher(registry, cfg.EntitiesFile, logger)
		if err != nil {
			return err
		}
		if err := watcher.Start(); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	hub := httpapi.NewStreamHub(logger)
	coordinator, err := fieldsync.NewCoordinator(fieldsync.CoordinatorOptions{
		Records:          backend,
		Ledger:           backend,
		Registry:         registry,
		Resolver:         resolver,
		Location:         location,
		OperationTimeout: cfg.OperationTimeout,
		Logger:           logger,
		Notifier:         hub,
	})
	if err != nil {
		return err
	}
	handler := httpapi.NewServerWithConfig(coordinator, httpapi.ServerConfig{
		RateLimitMax:         cfg.RateLimitMax,
		RateLimitWindow:      cfg.RateLimitWindow,
		MaxBodyBytes:         cfg.MaxBodyBytes,
		Hub:                  hub,
		StreamOriginPatterns: cfg.StreamOrigins,
		Logger:               logger,
	})

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"addr":     cfg.Addr,
			"backend":  backend.Name(),
			"entities": registry.Entities(),
		}).Info("fieldsync listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		hub.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func migrate(ctx context.Context, cfg config, out io.Writer) error {
	registry, err := cfg.registry()
	if err != nil {
		return err
	}
	dsn, err := cfg.backendDSN()
	if err != nil {
		return err
	}
	backend, err := fieldsync.BuildBackendFromDSN(dsn, nil)
	if err != nil {
		return err
	}
	defer backend.Close()
	if err := backend.Migrate(ctx, registry.Entities()); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s backend ready for %d entities\n", backend.Name(), len(registry.Entities()))
	return err
}

func printEntities(out io.Writer, registry *fieldsync.Registry) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tPAGE SIZE\tFIELDS")
	for _, name := range registry.Entities() {
		spec, _ := registry.Lookup(name)
		fmt.Fprintf(tw, "%s\t%d\t%d\n", name, registry.PageSize(name), len(spec.Fields))
	}
	return tw.Flush()
}
