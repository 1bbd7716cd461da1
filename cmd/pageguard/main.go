package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/whisper/pageguard/internal/cache"
	"github.com/whisper/pageguard/internal/classify"
	"github.com/whisper/pageguard/internal/config"
	"github.com/whisper/pageguard/internal/logging"
	"github.com/whisper/pageguard/internal/messaging"
	"github.com/whisper/pageguard/internal/metrics"
	"github.com/whisper/pageguard/internal/ratelimit"
	"github.com/whisper/pageguard/internal/report"
	"github.com/whisper/pageguard/internal/settings"
	"github.com/whisper/pageguard/internal/watch"
	"github.com/whisper/pageguard/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to pageguard.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		logrus.Fatalf("failed to build logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Redis (optional) ---
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		defer rdb.Close()
	}

	// --- Verdict cache ---
	var verdicts cache.Cache
	switch cfg.Cache.Kind {
	case "redis":
		verdicts = cache.NewRedis(rdb, cfg.Cache.TTL, log)
	default:
		verdicts = cache.NewMemory(cfg.Cache.Capacity)
	}

	// --- Settings ---
	var src settings.Source
	switch cfg.Settings.Source {
	case "file":
		src = settings.NewFileSource(cfg.Settings.Path, log)
	case "redis":
		src = settings.NewRedisSource(rdb, cfg.Settings.Profile, log)
	default:
		src = settings.NewStatic(settings.Default())
	}
	hub := settings.NewHub(src, log)
	if err := hub.Run(ctx); err != nil {
		log.WithError(err).Warn("settings watch unavailable, serving the loaded settings only")
	}

	// --- Classifier ---
	ccfg := classify.DefaultConfig()
	ccfg.Endpoints = cfg.Classifier.Endpoints
	ccfg.Timeout = cfg.Classifier.Timeout
	ccfg.MaxBatchSize = cfg.Classifier.MaxBatchSize
	ccfg.FallbackWindow = cfg.Classifier.FallbackWindow
	copts := []classify.Option{classify.WithLogger(log)}
	if cfg.Classifier.RulesFile != "" {
		rules, err := classify.LoadRulesFile(cfg.Classifier.RulesFile)
		if err != nil {
			log.Fatalf("failed to load fallback rules: %v", err)
		}
		copts = append(copts, classify.WithRules(rules))
	}
	classifier := classify.NewClient(ccfg, copts...)

	// --- Rate limiting (needs Redis) ---
	var limiter *ratelimit.Limiter
	if rdb != nil {
		limiter = ratelimit.NewLimiter(rdb, log)
	}

	// --- Detection reports over NATS (optional) ---
	var reporter report.Reporter = report.Nop{}
	if cfg.NATS.URL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		natsConfig.Name = "pageguard"
		natsConfig.Logger = log
		natsClient, err := messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		defer natsClient.Close()

		popts := []report.PublisherOption{report.WithPublisherLogger(log)}
		if limiter != nil {
			popts = append(popts, report.WithLimiter(limiter))
		}
		publisher := report.NewNATSPublisher(natsClient, popts...)
		defer publisher.Close()
		reporter = publisher
	}

	// --- Control server ---
	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.Server.ListenAddr
	serverConfig.ReadTimeout = cfg.Server.IdleTimeout
	serverConfig.MaxFrameBytes = int64(2 * cfg.Server.MaxPageSize)
	if cfg.Server.MetricsAddr == "" {
		serverConfig.Metrics = metrics.Handler()
	}

	deps := ws.PageDeps{
		Settings:    hub,
		Classifier:  classifier,
		Cache:       verdicts,
		Reporter:    reporter,
		Logger:      log,
		Watch:       watch.DefaultOptions(),
		MaxPageSize: cfg.Server.MaxPageSize,
	}
	var wsLimiter ws.Limiter
	if limiter != nil {
		wsLimiter = limiter
	}
	server := ws.NewServer(serverConfig, deps, wsLimiter)

	var metricsServer *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("metrics server failed")
			}
		}()
	}

	log.WithFields(logrus.Fields{
		"listen_addr":  cfg.Server.ListenAddr,
		"metrics_addr": cfg.Server.MetricsAddr,
		"endpoints":    len(cfg.Classifier.Endpoints),
		"cache":        cfg.Cache.Kind,
		"settings":     cfg.Settings.Source,
		"nats":         cfg.NATS.URL != "",
	}).Info("pageguard starting")

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		log.Info("received signal, shutting down...")
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	log.Info("pageguard stopped")
}
