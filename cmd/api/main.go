package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/congo-pay/transferd/internal/config"
	"github.com/congo-pay/transferd/internal/infra"
	"github.com/congo-pay/transferd/internal/logging"
	"github.com/congo-pay/transferd/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)
	if err := run(cfg, logging.Component(logger, "main")); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited cleanly")
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx := context.Background()
	var backends server.Backends

	if cfg.DatabaseURL != "" {
		db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer db.Close()
		if err := infra.Migrate(ctx, db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		backends.DB = db
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory repositories")
	}

	if cfg.RedisURL != "" {
		cache, err := infra.NewRedisClient(ctx, cfg.RedisURL, cfg.AppName)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
		backends.Cache = cache
	} else {
		logger.Warn("REDIS_URL not set, using in-memory key/value store")
	}

	if cfg.RabbitMQ.URL != "" {
		conn, err := infra.NewRabbitConnection(cfg.RabbitMQ.URL)
		if err != nil {
			return fmt.Errorf("connect rabbitmq: %w", err)
		}
		defer func() {
			if err := conn.Close(); err != nil {
				logger.Warn("close rabbitmq", "error", err)
			}
		}()
		backends.Rabbit = conn
	} else {
		logger.Warn("RABBITMQ_URL not set, using in-process hint queue")
	}

	srv, err := server.New(cfg, backends, logger)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	workersCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	srv.Start(workersCtx)

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var listenErr error
	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case listenErr = <-srvErrCh:
		if listenErr != nil {
			logger.Error("server error", "error", listenErr)
		}
	}

	stopWorkers()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return listenErr
}
