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

	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/manthysbr/ocrkernel/internal/adapters/docker"
	"github.com/manthysbr/ocrkernel/internal/adapters/duckdb"
	"github.com/manthysbr/ocrkernel/internal/adapters/process"
	appconfig "github.com/manthysbr/ocrkernel/internal/config"
	"github.com/manthysbr/ocrkernel/internal/core/domain"
	"github.com/manthysbr/ocrkernel/internal/core/ports"
	"github.com/manthysbr/ocrkernel/internal/core/services"
	"github.com/manthysbr/ocrkernel/pkg/kernel"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting ocr kernel")

	if err := run(logger); err != nil {
		logger.Error("kernel startup failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	cfg, err := appconfig.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Tool first: no job is accepted without a working backend.
	runner, tool, err := buildRunner(ctx, logger, cfg.Runner)
	if err != nil {
		return err
	}

	var (
		settingsRepo ports.SettingsRepository
		archive      ports.HistoryArchive
	)
	if cfg.DBPath != "" {
		repo, err := duckdb.NewRepository(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("failed to init repository: %w", err)
		}
		defer repo.Close()
		settingsRepo, archive = repo, repo
		logger.Info("persistence enabled", "db_path", cfg.DBPath)
	} else {
		logger.Warn("persistence disabled, settings and history are kept in memory")
	}

	settingsStore, err := appconfig.NewSettingsStore(ctx, logger, settingsRepo)
	if err != nil {
		return fmt.Errorf("failed to init settings store: %w", err)
	}
	settingsStore.OnChange(func(p domain.OCRPreferences) {
		logger.Info("default job flags changed", "flags", p.Flags(), "output_folder", p.OutputFolder)
	})

	// Initialize Core Services
	eventBus := services.NewEventBus(logger, cfg.EventBuffer)
	results := services.NewResultStore()
	scheduler := services.NewJobScheduler(logger, cfg.Scheduler, runner, eventBus, results)

	apiServer, err := kernel.NewServer(logger, scheduler, eventBus, settingsStore, archive, tool)
	if err != nil {
		return fmt.Errorf("failed to init api server: %w", err)
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	httpServer := &http.Server{
		Handler:           c.Handler(apiServer.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := kernel.Listen(cfg.Server.Addr, cfg.Server.SocketPath)
	if err != nil {
		return err
	}

	scheduler.Start(ctx)

	g, gCtx := errgroup.WithContext(ctx)

	// 1. History archive follows the bus
	if archive != nil {
		recorder := services.NewHistoryRecorder(logger, eventBus, results, archive)
		// Runs until the bus closes so the final results are archived too.
		g.Go(func() error {
			return recorder.Run(context.WithoutCancel(gCtx))
		})
	}

	// 2. Start API Server
	g.Go(func() error {
		logger.Info("starting api server", "addr", listener.Addr().String())
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	// 3. Graceful shutdown: drain jobs, then detach subscribers, then stop HTTP
	g.Go(func() error {
		<-gCtx.Done()

		logger.Info("stopping job scheduler")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownGrace+cfg.Runner.KillGrace)
		defer cancel()
		if err := scheduler.Shutdown(shutdownCtx); err != nil {
			logger.Error("scheduler shutdown failed", "error", err)
		}
		eventBus.Close()

		logger.Info("shutting down api server")
		httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer httpCancel()
		return httpServer.Shutdown(httpCtx)
	})

	return g.Wait()
}

func buildRunner(ctx context.Context, logger *slog.Logger, cfg domain.RunnerConfig) (ports.ProcessRunner, kernel.ToolStatus, error) {
	switch cfg.Mode {
	case domain.RunnerDocker:
		dcfg := docker.Config{Image: cfg.DockerImage, KillGrace: cfg.KillGrace}
		if uid := os.Getuid(); uid >= 0 {
			dcfg.User = fmt.Sprintf("%d:%d", uid, os.Getgid())
		}
		r, err := docker.NewRunner(logger, dcfg)
		if err != nil {
			return nil, kernel.ToolStatus{}, err
		}
		if err := r.Probe(ctx); err != nil {
			return nil, kernel.ToolStatus{}, err
		}
		if n, err := r.ReapOrphans(ctx); err != nil {
			logger.Warn("failed to reap orphaned job containers", "error", err)
		} else if n > 0 {
			logger.Info("reaped orphaned job containers", "count", n)
		}
		return r, kernel.ToolStatus{Runner: domain.RunnerDocker, Tool: cfg.DockerImage}, nil

	default:
		searchPath := services.SearchPath(os.Getenv("PATH"))
		info, err := services.ProbeTool(ctx, logger, cfg.Tool, searchPath)
		if err != nil {
			return nil, kernel.ToolStatus{}, err
		}
		r := process.NewRunner(logger, process.Config{
			Tool:       info.Path,
			SearchPath: searchPath,
			KillGrace:  cfg.KillGrace,
		})
		return r, kernel.ToolStatus{Runner: domain.RunnerExec, Tool: info.Path, Version: info.Version}, nil
	}
}
