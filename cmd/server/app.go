package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"tripline.opentransit.org/internal/app"
	"tripline.opentransit.org/internal/appconf"
	"tripline.opentransit.org/internal/clock"
	"tripline.opentransit.org/internal/metrics"
	"tripline.opentransit.org/internal/realtime"
	"tripline.opentransit.org/internal/reconcile"
	"tripline.opentransit.org/internal/schedule"
	"tripline.opentransit.org/internal/server"
)

// ParseFixedTime parses the -f flag's y,m,d,h,m,s form in the given location.
// An empty flag means the real clock.
func ParseFixedTime(value string, loc *time.Location) (time.Time, error) {
	parts := strings.Split(value, ",")
	if len(parts) != 6 {
		return time.Time{}, fmt.Errorf("fixed time %q: want y,m,d,h,m,s", value)
	}
	nums := make([]int, 6)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return time.Time{}, fmt.Errorf("fixed time %q: %w", value, err)
		}
		nums[i] = n
	}
	return time.Date(nums[0], time.Month(nums[1]), nums[2], nums[3], nums[4], nums[5], 0, loc), nil
}

// BuildApplication loads the configuration and the static bundle, then wires
// the real-time machinery when a feed location is configured.
func BuildApplication(configPath string, logTransactions bool, fixedTime string, logger *slog.Logger) (*app.Application, error) {
	cfg, err := appconf.Load(configPath)
	if err != nil {
		return nil, err
	}
	cfg.LogTransactions = logTransactions

	static, err := schedule.Load(cfg.DataPath, logger)
	if err != nil {
		return nil, fmt.Errorf("loading static bundle: %w", err)
	}

	var clk clock.Clock = clock.SystemClock{}
	if fixedTime != "" {
		fixed, err := ParseFixedTime(fixedTime, static.Location())
		if err != nil {
			return nil, err
		}
		clk = clock.FixedClock{FixedTime: fixed}
		logger.Info("clock frozen", "at", fixed)
	}

	m := metrics.New()
	application := &app.Application{
		Config:  cfg,
		Static:  static,
		Clock:   clk,
		Metrics: m,
		Logger:  logger,
		Reconciler: reconcile.New(static, reconcile.Config{
			TripsPerRoute:        cfg.NexTripsPerRoute,
			HideTerminating:      cfg.HideTerminating,
			AllSkippedIsCanceled: cfg.HasZOption(appconf.ZOptionAllSkippedIsCanceled),
		}),
		StartedAt: clk.Now(),
	}

	if cfg.RealtimeEnabled() {
		application.Buffer = realtime.NewBuffer()
		application.Heartbeat = &realtime.Heartbeat{}
		application.Refresher = realtime.NewRefresher(
			application.Buffer,
			realtime.NewFetcher(cfg.FeedLocation, cfg.FetchTimeout),
			static,
			realtime.Options{
				DateMatching:        realtime.DateMatching(cfg.ServiceDateMatch),
				LoosenSequenceMatch: cfg.SkipStopSeqMatch,
			},
			cfg.UpdateInterval,
			clk,
			application.Heartbeat,
			m,
		)
	}

	return application, nil
}

// Run starts the listener and the refresher, then blocks until SIGINT or
// SIGTERM and shuts both down.
func Run(application *app.Application) error {
	srv := server.New(application)
	if err := srv.Start(); err != nil {
		return err
	}
	if application.Refresher != nil {
		application.Refresher.Start()
	}

	var metricsSrv *http.Server
	if application.Config.MetricsPort > 0 {
		metricsSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", application.Config.MetricsPort),
			Handler: application.Metrics.Handler(),
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				application.Logger.Error("metrics listener failed", "error", err)
			}
		}()
		application.Logger.Info("metrics listening", "port", application.Config.MetricsPort)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	application.Logger.Info("shutting down")

	srv.Shutdown()
	if application.Refresher != nil {
		application.Refresher.Shutdown()
	}
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Shutdown(shutdownCtx)
	}

	application.Logger.Info("server exited")
	return nil
}
