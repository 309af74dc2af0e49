package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"bookflow/config"
	"bookflow/hub"
	"bookflow/internal/channel"
	"bookflow/logger"
	"bookflow/processor"
	"bookflow/store"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Bookflow.Name,
		"version": cfg.Bookflow.Version,
	}).Info("starting bookflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace, cfg.Logging.DashboardName)
	}

	if strings.ToLower(cfg.Logging.Level) == "report" {
		interval := time.Duration(cfg.Metrics.ReportIntervalSeconds) * time.Second
		if interval <= 0 {
			interval = 30 * time.Second
		}
		logger.StartReport(ctx, log, interval)
	}

	st, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		log.WithError(err).Error("Failed to open store")
		os.Exit(1)
	}

	seedTokens := cfg.Tokens
	if len(seedTokens) == 0 {
		seedTokens = config.DefaultTokens()
	}
	seedExchanges := cfg.Exchanges
	if len(seedExchanges) == 0 {
		seedExchanges = config.DefaultExchanges()
	}
	if err := store.Seed(ctx, st, seedTokens, seedExchanges); err != nil {
		log.WithError(err).Error("Failed to seed store")
		os.Exit(1)
	}

	channels := channel.NewChannels(cfg.Channels.UpdateBuffer)
	defer channels.Close()

	go channels.StartMetricsReporting(ctx)

	registry := processor.NewRegistry(cfg, channels, st)
	if err := registry.Start(ctx); err != nil {
		log.WithError(err).Error("Failed to start registry")
		os.Exit(1)
	}

	broadcastHub := hub.NewHub(registry)
	server := hub.NewServer(cfg, broadcastHub, registry, st, channels)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		broadcastHub.Run(ctx, channels.Updates)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Run(ctx); err != nil {
			log.WithError(err).Error("http server failed")
			cancel()
		}
	}()

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case <-ctx.Done():
		log.Info("shutdown triggered by component failure")
	}

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping registry")
	registry.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	if err := st.Close(); err != nil {
		log.WithError(err).Warn("failed to close store")
	}

	log.Info("bookflow stopped")
}
