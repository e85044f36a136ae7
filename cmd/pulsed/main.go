package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/InsulaLabs/pulse/broker"
	"github.com/InsulaLabs/pulse/config"
	"github.com/InsulaLabs/pulse/core"
	"github.com/InsulaLabs/pulse/presence"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

func main() {
	configPath := flag.String("config", "pulse.yaml", "Path to the service config file")
	generateConfig := flag.Bool("generate-config", false, "Write a default config to the --config path and exit")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *generateConfig {
		if _, err := os.Stat(*configPath); err == nil {
			logger.Error("Refusing to overwrite existing config file", "path", *configPath)
			os.Exit(1)
		}
		data, err := yaml.Marshal(config.Generate())
		if err != nil {
			logger.Error("Failed to encode default config", "error", err)
			os.Exit(1)
		}
		if err := os.WriteFile(*configPath, data, 0644); err != nil {
			logger.Error("Failed to write default config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		logger.Info("Default config written", "path", *configPath)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("Redis is unreachable", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}

	presenceStore := presence.New(logger.WithGroup("presence"), rdb, cfg.Heartbeat.TTL)
	bkr := broker.New(logger.WithGroup("broker"), rdb, cfg.Sessions.EventChannelSize)

	svc, err := core.New(ctx, logger.WithGroup("core"), cfg, presenceStore, bkr)
	if err != nil {
		logger.Error("Failed to initialize service", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := bkr.Run(ctx, svc); err != nil && ctx.Err() == nil {
			logger.Error("Broker subscription exited", "error", err)
			stop()
		}
	}()

	// The sweeper evicts identities whose process died without a clean
	// stream close; subscribers learn about it the same way they learn
	// about a clean departure.
	go presenceStore.RunSweeper(ctx, cfg.Heartbeat.SweepInterval, func(id string) {
		logger.Info("Heartbeat expired, identity evicted", "user_id", id)
		svc.AnnounceExpired(ctx, id)
	})

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- svc.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
		if err := svc.Stop(); err != nil {
			logger.Warn("Graceful shutdown incomplete", "error", err)
		}
	case err := <-serveErr:
		if err != nil {
			logger.Error("HTTP service failed", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("Application exiting.")
}
