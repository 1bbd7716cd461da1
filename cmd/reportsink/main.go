package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/whisper/pageguard/internal/config"
	"github.com/whisper/pageguard/internal/logging"
	"github.com/whisper/pageguard/internal/messaging"
	"github.com/whisper/pageguard/internal/report"
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
	if cfg.Database.URL == "" {
		log.Fatal("database.url is required")
	}
	if cfg.NATS.URL == "" {
		log.Fatal("nats.url is required")
	}

	log.Info("Starting pageguard report sink...")

	// Postgres setup.
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	if err := report.Migrate(db); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}
	store := report.NewStore(db)

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = "pageguard-reportsink"
	natsConfig.Logger = log

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	err = natsClient.SubscribeDetections(func(data []byte) {
		var d report.Detection
		if err := json.Unmarshal(data, &d); err != nil {
			log.WithError(err).Warn("[reportsink] failed to unmarshal detection")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Create(ctx, &d); err != nil {
			log.WithError(err).WithField("id", d.ID).Warn("[reportsink] failed to store detection")
			return
		}
		log.WithFields(logrus.Fields{
			"id":       d.ID,
			"host":     report.SourceHost(d.SourceURL),
			"method":   d.DetectionMethod,
			"severity": d.Severity,
		}).Debug("[reportsink] stored detection")
	})
	if err != nil {
		log.Fatalf("failed to subscribe to detections: %v", err)
	}

	log.WithField("nats_url", natsConfig.URL).Info("pageguard report sink running")

	// Graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("received signal, shutting down...")

	_ = natsClient.UnsubscribeDetections()
	natsClient.Close()
}
