package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/meridian-data/meridian-signer/internal/api"
	"github.com/meridian-data/meridian-signer/internal/config"
	"github.com/meridian-data/meridian-signer/internal/engine"
	"github.com/meridian-data/meridian-signer/internal/events"
	"github.com/meridian-data/meridian-signer/internal/replicator"
	"github.com/meridian-data/meridian-signer/internal/server"
	"github.com/meridian-data/meridian-signer/internal/signer"
	"github.com/meridian-data/meridian-signer/internal/vault"
	"github.com/meridian-data/meridian-signer/internal/workflow"
)

const heartbeatInterval = 5 * time.Minute

func main() {
	if level, err := log.ParseLevel(os.Getenv("MERIDIAN_LOG_LEVEL")); err == nil {
		log.SetLevel(level)
	}
	log.Info("starting meridian signer daemon")

	configPath := os.Getenv("MERIDIAN_CONFIG")
	if configPath == "" {
		configPath = "./meridian.yaml"
	}

	// Configuration problems are fatal here, never per-request.
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	persister, err := engine.NewPersistence(cfg.DataDir)
	if err != nil {
		log.Fatalf("failed to initialize persistence: %v", err)
	}
	initial, err := persister.LoadAll()
	if err != nil {
		log.Warnf("could not load existing data: %v", err)
	}
	store := engine.NewMemStore(initial, persister)
	log.Infof("engine started, loaded %d buckets", len(initial))

	signers, err := signer.BuildAll(cfg)
	if err != nil {
		log.Fatalf("failed to load signers: %v", err)
	}

	bus := events.NewBus()
	bus.Subscribe(events.LogSubscriber())

	repl := replicator.New(store, signers, bus)
	machine := workflow.New(store, config.NewGroupAuthorizer(cfg), repl, cfg.Resources, cfg.ToReviewEnabled, cfg.AllowSelfReview)

	health := signer.NewHealthRegistry(signers)
	health.RefreshAll(context.Background())
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for range ticker.C {
			health.RefreshAll(context.Background())
		}
	}()

	h := &api.Handler{
		Store:    store,
		Machine:  machine,
		Health:   health,
		Notifier: bus,
		Cfg:      cfg,
	}
	router := server.NewRouter(h)

	if os.Getenv("MERIDIAN_DISABLE_TLS") != "true" {
		log.Info("generating self-signed certificate for internal TLS")
		cert, err := vault.GenerateSelfSignedCert()
		if err != nil {
			log.Fatalf("failed to generate TLS certificate: %v", err)
		}
		router.SetCertificate(cert)
	} else {
		log.Info("TLS disabled (MERIDIAN_DISABLE_TLS=true)")
	}

	// Graceful shutdown: finish background disk writes before exiting.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutdown signal received, finalizing disk writes")
		store.Wait()
		log.Info("persistence complete, exiting")
		os.Exit(0)
	}()

	log.Infof("listening on :%s", cfg.HTTPPort)
	if err := router.Listen(cfg.HTTPPort); err != nil {
		log.Fatalf("HTTP server failed: %v", err)
	}
}
