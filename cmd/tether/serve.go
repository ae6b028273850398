package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/jkaninda/tether/internal/gateway/httpapi"
	"github.com/jkaninda/tether/internal/scheduler"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP gateway",
	RunE:  runServe,
}

func init() {
	// Registered on both root and serve so that `tether --listen x` works.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&listenAddr, "listen", "", "override HTTP listen address (e.g. 127.0.0.1:8420)")
	}
}

// runServe starts the HTTP gateway and the background jobs.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Gateways.HTTP.ListenAddr = listenAddr
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Cleanup()

	if err := ensureAdmin(ctx, c); err != nil {
		return err
	}

	stopCleanup := c.Access.StartCleanup(ctx, cfg.Security.SessionCleanupInterval())
	defer stopCleanup()

	stopJobs, err := startScheduler(ctx, c)
	if err != nil {
		return err
	}
	defer stopJobs()

	readinessChecks(c)

	var registry *prometheus.Registry
	if c.Obs.Metrics != nil {
		registry = c.Obs.Metrics.Registry
	}
	gw := httpapi.NewGateway(httpapi.Config{
		ListenAddr:      cfg.Gateways.HTTP.Addr(),
		EnableDocs:      cfg.Gateways.HTTP.EnableDocs,
		MaxRequestSize:  cfg.Gateways.HTTP.MaxBodyBytes(),
		Version:         version,
		MetricsRegistry: registry,
		MetricsPath:     cfg.MetricsPath(),
		HealthChecker:   c.Obs.Health,
		Metrics:         c.Obs.Metrics,
		Tracer:          c.Obs.Tracer.Tracer(),
	}, c.Dispatcher, c.Access, c.Store.Audit(), logger)

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http gateway: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping http gateway", slog.String("error", err.Error()))
	}
	return nil
}

// startScheduler registers audit retention and the in-memory state sweep.
func startScheduler(ctx context.Context, c *Components) (func(), error) {
	var metrics *scheduler.Metrics
	if c.Obs.Metrics != nil {
		metrics = scheduler.NewMetrics(c.Obs.Metrics.Registry)
	}
	s := scheduler.New(metrics, c.Logger)

	sec := c.Config.Security
	if retention := sec.Retention(); retention > 0 {
		if err := s.Add(scheduler.AuditRetentionJob(c.Store.Audit(), retention, sec.RetentionSchedule(), metrics, c.Logger)); err != nil {
			return nil, fmt.Errorf("scheduling audit retention: %w", err)
		}
	}

	sweepers := []scheduler.Sweeper{{Name: "rate_limit_windows", Sweep: c.Limiter.Sweep}}
	if c.Obs.Anomaly != nil {
		sweepers = append(sweepers, scheduler.Sweeper{Name: "anomaly_windows", Sweep: c.Obs.Anomaly.Sweep})
	}
	if err := s.Add(scheduler.StateSweepJob("@every 5m", c.Logger, sweepers...)); err != nil {
		return nil, fmt.Errorf("scheduling state sweep: %w", err)
	}

	return s.Start(ctx), nil
}
