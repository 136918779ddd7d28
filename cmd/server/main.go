package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hybrid-llm-gateway/internal/api"
	"hybrid-llm-gateway/internal/config"
	"hybrid-llm-gateway/internal/database"
	"hybrid-llm-gateway/internal/logx"
	"hybrid-llm-gateway/internal/models"
	"hybrid-llm-gateway/internal/provider"
	"hybrid-llm-gateway/internal/ratelimit"
	"hybrid-llm-gateway/internal/scheduler"
	"hybrid-llm-gateway/internal/websocket"
	"hybrid-llm-gateway/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "gateway:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, closer, err := logx.New(logx.Config{Level: cfg.LogLevel, Console: cfg.LogConsole, File: cfg.LogFile})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Open database
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.InitSchema(); err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	log.Info("init.database", logx.String("path", cfg.DatabasePath))

	providers := provider.NewService(&http.Client{})

	sched, err := scheduler.New(scheduler.Config{
		MaxConcurrent:    cfg.MaxConcurrentRequests,
		TaskCap:          cfg.TaskRequestCap,
		LatencyThreshold: cfg.LatencyThreshold,
		ExecTimeout:      cfg.ExecTimeout,
		DispatchBackoff:  cfg.DispatchBackoff,
		LaunchDelay:      cfg.LaunchDelay,
		StatsWindow:      cfg.StatsWindow,
	}, providers, db, log)
	if err != nil {
		return err
	}
	sched.Start(ctx)
	defer sched.Stop()

	wsManager := websocket.New(db, sched.State, log)

	stats, err := worker.New(sched, cfg.StatsSchedule, log, func(models.StatsSnapshot) { wsManager.Broadcast() })
	if err != nil {
		return err
	}
	stats.Start(ctx)
	defer stats.Stop()

	apiServer := api.NewServer(db, sched, providers, ratelimit.New(cfg.RequestsPerMinute, cfg.Burst), wsManager, log)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("init.http", logx.String("addr", cfg.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown.signal")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown.http", logx.Err(err))
	}
	log.Info("shutdown.complete")
	return nil
}
