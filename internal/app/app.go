// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/skobkin/procview/internal/config"
	"github.com/skobkin/procview/internal/httpserver"
	"github.com/skobkin/procview/internal/localstats"
	"github.com/skobkin/procview/internal/longview"
	"github.com/skobkin/procview/internal/poller"
)

const shutdownTimeout = 10 * time.Second

// Client kinds reported by the clients endpoint.
const (
	KindLongview = "longview"
	KindLocal    = "local"
)

// localAPIKey keeps the local client's fetch key non-empty so polling is enabled.
const localAPIKey = "local"

// Run bootstraps the application lifecycle.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	clients, collector, err := buildClients(cfg, baseLogger)
	if err != nil {
		return err
	}
	if len(clients) == 0 {
		appLogger.Warn("no clients configured", "hint", "set APP_LONGVIEW_API_KEY, APP_CLIENTS_FILE or APP_LOCAL_ENABLE")
	}
	appLogger.Info("configured clients", "count", len(clients))

	manager, err := poller.NewManager(cfg.PollInterval, clients, baseLogger)
	if err != nil {
		return fmt.Errorf("init poller: %w", err)
	}

	srv := httpserver.New(cfg, baseLogger.With("component", "http"), manager)

	g, gctx := errgroup.WithContext(ctx)

	if collector != nil {
		g.Go(func() error {
			return collector.Run(gctx)
		})
	}

	g.Go(func() error {
		return manager.Run(gctx)
	})

	g.Go(func() error {
		appLogger.Info("starting HTTP server", "listen_addr", cfg.ListenAddr)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("shutdown initiated", "reason", gctx.Err())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	appLogger.Info("shutdown complete")
	return nil
}

// buildClients turns configuration into poller clients. The returned collector
// is non-nil when the local host is monitored and must be run alongside the poller.
func buildClients(cfg config.Config, baseLogger *slog.Logger) ([]poller.Client, *localstats.Collector, error) {
	clients := make([]poller.Client, 0, len(cfg.Clients)+1)

	if len(cfg.Clients) > 0 {
		api, err := longview.NewClient(longview.ClientOptions{
			BaseURL: cfg.Longview.BaseURL,
			Timeout: cfg.Longview.Timeout,
			Rate:    rate.Limit(cfg.Longview.Rate.PerSecond),
			Burst:   cfg.Longview.Rate.Burst,
			Logger:  baseLogger.With("component", "longview_client"),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("init longview client: %w", err)
		}
		for _, c := range cfg.Clients {
			clients = append(clients, poller.Client{
				ID:     c.ID,
				Label:  c.Label,
				Kind:   KindLongview,
				APIKey: c.APIKey,
				Source: api,
			})
		}
	}

	var collector *localstats.Collector
	if cfg.Local.Enable {
		var err error
		collector, err = localstats.NewCollector(cfg.Local.Interval, cfg.Local.History, nil, baseLogger)
		if err != nil {
			return nil, nil, fmt.Errorf("init local collector: %w", err)
		}
		clients = append(clients, poller.Client{
			ID:     config.LocalClientID,
			Label:  localLabel(),
			Kind:   KindLocal,
			APIKey: localAPIKey,
			Source: collector,
		})
	}

	return clients, collector, nil
}

func localLabel() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "This host"
}
