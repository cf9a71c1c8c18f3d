package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/rtx-gateway/internal/config"
	"github.com/rickgao/rtx-gateway/internal/database"
	"github.com/rickgao/rtx-gateway/internal/engine"
	"github.com/rickgao/rtx-gateway/internal/journal"
	"github.com/rickgao/rtx-gateway/internal/server"
	"github.com/rickgao/rtx-gateway/internal/version"
	"github.com/rickgao/rtx-gateway/internal/wire"
)

func main() {
	configPath := flag.String("config", "configs/gateway.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting rtx gateway",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"api_host", cfg.API.Host,
		"api_port", cfg.API.Port,
		"tcp_port", cfg.Server.TCPPort,
		"http_port", cfg.Server.HTTPPort,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Optional audit journal
	var jw *journal.Writer
	if cfg.Database.Enabled() {
		logger.Info("connecting to journal database",
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Name,
		)
		pool, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			logger.Error("failed to connect to journal database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		jcfg := journal.DefaultConfig()
		if cfg.Journal.BatchSize > 0 {
			jcfg.BatchSize = cfg.Journal.BatchSize
		}
		if cfg.Journal.FlushInterval > 0 {
			jcfg.FlushInterval = cfg.Journal.FlushInterval
		}
		jw = journal.NewWriter(jcfg, pool, logger)
		if err := jw.Start(ctx); err != nil {
			logger.Error("failed to start journal", "error", err)
			os.Exit(1)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			jw.Stop(stopCtx)
		}()
		logger.Info("audit journal enabled")
	} else {
		logger.Info("audit journal disabled")
	}

	// Upstream client
	wireCfg := wire.DefaultClientConfig()
	wireCfg.Host = cfg.API.Host
	wireCfg.Port = cfg.API.Port
	upstream := wire.NewClient(wireCfg, logger)

	// Engine
	engCfg := engine.Config{
		EnableTicker:      cfg.Features.Ticker,
		EnableHighLow:     cfg.Features.HighLow,
		EnableSecondsTick: cfg.Features.SecondsTick,
		LogAPIMessages:    cfg.Logging.APIMessages,
		DebugAPIMessages:  cfg.Logging.DebugAPIMessages,
		LogClientMessages: cfg.Logging.ClientMessages,
		LogOrderUpdates:   cfg.Logging.OrderUpdates,
		Timeouts:          engineTimeouts(cfg.Timeouts),
		Timezone:          cfg.API.Timezone,
		Route:             cfg.API.Route,
	}
	var j engine.Journal
	if jw != nil {
		j = jw
	}
	eng, err := engine.New(engCfg, upstream, j, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	// Downstream servers
	tcpServer := server.NewTCPServer(cfg.Server.TCPPort, eng, logger)
	httpServer := server.NewHTTPServer(cfg.Server.HTTPPort, eng, logger)

	if err := tcpServer.Start(ctx); err != nil {
		logger.Error("failed to start tcp feed", "error", err)
		os.Exit(1)
	}
	if err := httpServer.Start(ctx); err != nil {
		logger.Error("failed to start http api", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return upstream.Run(gctx)
	})
	g.Go(func() error {
		return eng.Run(gctx, upstream.Events())
	})

	err = g.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	tcpServer.Stop(stopCtx)
	httpServer.Stop(stopCtx)

	if err != nil {
		// The engine exits with an error when the upstream session is
		// unrecoverable; the supervisor restarts the process.
		logger.Error("gateway terminated", "error", err)
		os.Exit(1)
	}
	logger.Info("gateway stopped")
}

func engineTimeouts(t config.TimeoutsConfig) engine.Timeouts {
	out := engine.DefaultTimeouts()
	if t.Default > 0 {
		out.Default = t.Default
	}
	if t.Account > 0 {
		out.Account = t.Account
	}
	if t.AddSymbol > 0 {
		out.AddSymbol = t.AddSymbol
	}
	if t.Order > 0 {
		out.Order = t.Order
	}
	if t.OrderStatus > 0 {
		out.OrderStatus = t.OrderStatus
	}
	if t.Position > 0 {
		out.Position = t.Position
	}
	if t.Timer > 0 {
		out.Timer = t.Timer
	}
	return out
}
