// Command attendsync runs sync passes for the offline attendance queue.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/presenceapp/attendsync"
	"github.com/presenceapp/attendsync/config"
	"github.com/presenceapp/attendsync/logging"
	"github.com/presenceapp/attendsync/metrics"
	"github.com/presenceapp/attendsync/queue"
	"github.com/presenceapp/attendsync/transport"
	"github.com/presenceapp/attendsync/transport/httptransport"
	"github.com/presenceapp/attendsync/transport/wstransport"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "attendsync",
		Short:         "Offline-first sync for classroom attendance data",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	root.AddCommand(syncCmd(), watchCmd(), statusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "attendsync: %v\n", err)
		os.Exit(1)
	}
}

// buildManager wires the queue, transport and engine from configuration.
func buildManager(cfg *config.Config, logger *logging.Logger, collector metrics.Collector) (*attendsync.Manager, error) {
	store, err := queue.NewSQLiteStore(&queue.Config{
		DataSourceName: cfg.Queue.DataSourceName,
		TableName:      cfg.Queue.TableName,
		EnableWAL:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}

	var tr transport.Transport = httptransport.NewClient(cfg.Transport.BaseURL,
		httptransport.WithLogger(logger))
	if cfg.Transport.WSURL != "" {
		tr = wstransport.NewSubscriber(tr, cfg.Transport.WSURL,
			wstransport.WithLogger(logger))
	}

	m, err := attendsync.NewManager(attendsync.Options{
		Store:       store,
		Transport:   tr,
		Logger:      logger,
		Metrics:     collector,
		SyncTimeout: cfg.Transport.GetTimeout(),
		BatchSize:   cfg.Sync.BatchSize,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	return m, nil
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := logging.NewLogger(cfg.Logging)

			m, err := buildManager(cfg, logger, &metrics.NoOpCollector{})
			if err != nil {
				return err
			}
			defer m.Close()

			result, err := m.Sync(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("pushed %d, pulled %d, conflicts %d (%d need review) in %s\n",
				result.OpsPushed, result.ChangesPulled, result.ConflictsDetected,
				len(result.NeedsReview), result.Duration.Round(0))
			for _, item := range result.NeedsReview {
				fmt.Printf("  review %s: %s\n", item.Conflict.EntityID, item.Resolution.Explanation)
			}
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Sync continuously until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := logging.NewLogger(cfg.Logging)

			registry := prometheus.NewRegistry()
			collector := metrics.NewPrometheusCollector(registry)
			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
				go func() {
					if err := http.ListenAndServe(metricsAddr, mux); err != nil {
						logger.LogError(err, "metrics server stopped")
					}
				}()
			}

			m, err := buildManager(cfg, logger, collector)
			if err != nil {
				return err
			}
			defer m.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := m.StartAutoSync(ctx, cfg.Sync.GetInterval()); err != nil {
				return err
			}
			logger.Info("auto sync started", slog.String("interval", cfg.Sync.Interval))

			if cfg.Transport.WSURL != "" {
				go func() {
					err := m.ListenRealtime(ctx)
					if err != nil && !errors.Is(err, transport.ErrSubscribeUnsupported) && !errors.Is(err, context.Canceled) {
						logger.LogError(err, "realtime subscription ended")
					}
				}()
			}

			<-ctx.Done()
			m.StopAutoSync()
			return nil
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address (e.g. :9090)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show offline queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			store, err := queue.NewSQLiteStore(&queue.Config{
				DataSourceName: cfg.Queue.DataSourceName,
				TableName:      cfg.Queue.TableName,
				EnableWAL:      true,
			})
			if err != nil {
				return fmt.Errorf("open queue: %w", err)
			}
			defer store.Close()

			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("total %d: pending %d, syncing %d, synced %d, superseded %d, failed %d\n",
				stats.Total, stats.Pending, stats.Syncing, stats.Synced, stats.Superseded, stats.Failed)
			return nil
		},
	}
}
