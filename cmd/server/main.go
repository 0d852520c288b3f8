package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"imu-svr/internal/clock"
	"imu-svr/internal/config"
	"imu-svr/internal/grpcclient"
	"imu-svr/internal/observability"
	"imu-svr/internal/pipeline"
	"imu-svr/internal/server"
	"imu-svr/internal/session"
	"imu-svr/internal/sink"
	"imu-svr/internal/store"
)

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("IMU_CONFIG"), "archivo YAML de configuración")
	baseDir := pflag.String("base-dir", "", "carpeta donde se crean las sesiones")
	initial := pflag.Int("session", 0, "índice de la primera sesión")
	logLevel := pflag.String("log-level", "", "debug, info, warn o error")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	if pflag.CommandLine.Changed("base-dir") {
		cfg.BaseDir = *baseDir
	}
	if pflag.CommandLine.Changed("session") {
		cfg.InitialSession = *initial
	}
	if pflag.CommandLine.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}

	logger := observability.NewLogger(cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.Error("imu-svr failed", "error", err)
		os.Exit(1)
	}
	logger.Info("imu-svr stopped")
}

func run(cfg config.Config, logger *slog.Logger) error {
	logger.Info("Starting imu-svr...",
		"listen", cfg.ListenAddr,
		"session_prefix", cfg.SessionPrefix,
		"session", cfg.InitialSession,
		"block_samples", cfg.BlockSamples,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := observability.StartMetricsServer(cfg.MetricsPort, logger)
	defer observability.StopMetricsServer(metrics)

	opts := pipeline.Options{
		BlockSamples:   cfg.BlockSamples,
		FlushEvery:     cfg.FlushEvery,
		StatusEvery:    cfg.StatusEvery,
		StatusInterval: cfg.StatusInterval,
		GapFillLimit:   cfg.GapFillLimit,
		Devices:        cfg.Devices,
		Sink:           sink.Options{SyncOnFlush: cfg.SyncOnFlush},
		Logger:         logger,
	}

	// Redis y el forwarder son opcionales: si no están, solo quedan los CSV.
	if cfg.RedisAddr != "" {
		rs, err := store.InitRedis(ctx, cfg.RedisAddr, cfg.RedisDB, cfg.StatusTTL)
		if err != nil {
			logger.Warn("Redis init failed, status publishing disabled", "error", err)
		} else {
			defer rs.Close()
			opts.Publisher = rs
		}
	}
	if cfg.ForwarderAddr != "" {
		fw, err := grpcclient.NewGRPCClient(cfg.ForwarderAddr)
		if err != nil {
			logger.Warn("forwarder init failed", "addr", cfg.ForwarderAddr, "error", err)
		} else {
			defer fw.Close()
			opts.Forwarder = fw
		}
	}

	sessions := session.NewManager(cfg.BaseDir, cfg.SessionPrefix, cfg.InitialSession, cfg.SessionDuration, clock.Real())
	proc := pipeline.NewProcessor(sessions, opts)

	conn, err := server.Listen(cfg.ListenAddr, cfg.ReadBuffer)
	if err != nil {
		return err
	}
	return server.New(conn, proc, cfg.ReceiveTimeout, cfg.MaxDatagram, logger).Serve(ctx)
}
