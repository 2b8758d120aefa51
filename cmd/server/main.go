package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/Harshitk-cp/camrelay/internal/auth"
	"github.com/Harshitk-cp/camrelay/internal/config"
	"github.com/Harshitk-cp/camrelay/internal/handler"
	"github.com/Harshitk-cp/camrelay/internal/health"
	"github.com/Harshitk-cp/camrelay/internal/logging"
	"github.com/Harshitk-cp/camrelay/internal/metrics"
	"github.com/Harshitk-cp/camrelay/internal/service"
	"github.com/Harshitk-cp/camrelay/internal/signaling"
	"github.com/Harshitk-cp/camrelay/internal/transport"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "./config/config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logging
	output, err := logging.OpenOutput(cfg.Logging.Output)
	if err != nil {
		log.Fatalf("Failed to open log output: %v", err)
	}
	defer output.Close()

	factory, err := logging.NewFactory(output, cfg.Logging.Level, cfg.Logging.Scopes)
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	logger := factory.NewLogger("main")

	// Initialize metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewPrometheusCollector(registry)

	checker := health.NewChecker(30 * time.Second)

	// Initialize WebRTC transport
	audio := cfg.Sources.Main.Audio || cfg.Sources.Sub.Audio ||
		cfg.Sources.Main.AudioPattern != "" || cfg.Sources.Sub.AudioPattern != ""
	api, err := transport.NewAPI(cfg, factory, collector, audio)
	if err != nil {
		logger.Errorf("Failed to initialize WebRTC: %v", err)
		os.Exit(1)
	}

	// Initialize relay service
	svc, err := service.New(cfg, service.Dependencies{
		Factory: factory,
		Metrics: collector,
		Health:  checker,
		Peers:   service.WebRTCPeers{API: api},
	})
	if err != nil {
		logger.Errorf("Failed to initialize service: %v", err)
		os.Exit(1)
	}

	authService := auth.NewService(auth.Config{
		Enabled: cfg.Auth.Enabled,
		Secret:  cfg.Auth.Secret,
		Issuer:  cfg.Auth.Issuer,
	})

	// Initialize signaling
	hub := signaling.NewHub(svc, signaling.Options{
		PingInterval:   cfg.Signaling.PingInterval,
		PongWait:       cfg.Signaling.PongWait,
		WriteWait:      cfg.Signaling.WriteWait,
		MaxMessageSize: cfg.Signaling.MaxMessageSize,
	}, collector, factory)
	wsHandler := signaling.NewHandler(hub, authService, cfg.Signaling.AllowedOrigins, factory)

	// Initialize HTTP handler and server
	httpHandler := handler.NewHTTPHandler(cfg, handler.Options{
		Service:   svc,
		Health:    checker,
		Metrics:   collector,
		Auth:      authService,
		Signaling: wsHandler,
		Factory:   factory,
	})
	httpServer := handler.NewHTTPServer(cfg, httpHandler, factory)

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(ctx)
	})
	g.Go(httpServer.Start)
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down servers...")

		// Drop signaling clients before the listener goes away
		hub.Close()
		return httpServer.Stop()
	})

	if err := g.Wait(); err != nil {
		logger.Errorf("Server stopped with error: %v", err)
		os.Exit(1)
	}

	logger.Info("Servers successfully shut down")
}
