package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/daezy/drug-dispensing-system-sub000/config"
	"github.com/daezy/drug-dispensing-system-sub000/fraud"
	"github.com/daezy/drug-dispensing-system-sub000/internal/messaging/producer"
	"github.com/daezy/drug-dispensing-system-sub000/ledger/client"
	"github.com/daezy/drug-dispensing-system-sub000/listener"
	"github.com/daezy/drug-dispensing-system-sub000/storage/store"
	"github.com/daezy/drug-dispensing-system-sub000/syncer"
)

const syncdConfigPath = "./config/syncd.defaults.yml"

func main() {
	logger := log.New(os.Stdout, "[SYNCD] ", log.LstdFlags|log.Lshortfile)
	logger.Println("Starting Traceability Sync Daemon...")

	// 1. Load daemon configuration
	cfg, err := config.LoadSyncDaemonConfig(syncdConfigPath)
	if err != nil {
		logger.Fatalf("FATAL: Failed to load sync daemon configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Initialize dependencies
	logger.Println("Initializing database connection...")
	connectTimeout, err := time.ParseDuration(cfg.Database.ConnectTimeout)
	if err != nil {
		logger.Fatalf("FATAL: Invalid database.connect_timeout: %v", err)
	}
	dbStore, err := store.NewMongoStore(ctx, cfg.Database.URI, cfg.Database.Database, connectTimeout, logger)
	if err != nil {
		logger.Fatalf("FATAL: Failed to initialize database store: %v", err)
	}
	defer dbStore.Close()

	logger.Println("Initializing ledger client using configuration files...")
	ledgerClient, err := client.NewLedgerClientFromFile(cfg.LedgerConfigPath, logger)
	if err != nil {
		logger.Fatalf("FATAL: Failed to initialize ledger client: %v", err)
	}
	defer ledgerClient.Close()

	// 3. Initialize the alert producer
	var alertProducer producer.AlertProducer
	if len(cfg.Alerts.Brokers) > 0 && cfg.Alerts.Brokers[0] != "mock://local" {
		logger.Println("Initializing Kafka alert producer...")
		alertProducer, err = producer.NewKafkaProducer(cfg.Alerts, logger)
		if err != nil {
			logger.Fatalf("FATAL: Failed to initialize Kafka alert producer: %v", err)
		}
	} else {
		logger.Println("Initializing Mock alert producer...")
		alertProducer = producer.NewMockProducer(logger)
	}
	defer alertProducer.Close()

	// 4. Wire the synchronizer and start the event listener
	sync := syncer.New(cfg.Syncer, logger, dbStore, alertProducer)
	eventListener, err := listener.New(cfg.Listener, logger, ledgerClient, dbStore, sync)
	if err != nil {
		logger.Fatalf("FATAL: Failed to create event listener: %v", err)
	}
	if err := eventListener.Start(ctx); err != nil {
		logger.Fatalf("FATAL: Failed to start event listener: %v", err)
	}

	// 5. Start the fraud sweep
	sweeper, err := fraud.NewSweeper(cfg.Fraud, logger, dbStore, alertProducer)
	if err != nil {
		logger.Fatalf("FATAL: Failed to create fraud sweeper: %v", err)
	}
	sweeper.Start(ctx)

	logger.Println("Sync daemon started. Press Ctrl+C to stop.")

	// 6. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Println("Received shutdown signal, initiating graceful shutdown...")
	cancel()

	sweeper.Stop()
	eventListener.Stop()

	logger.Println("Sync daemon shut down gracefully.")
}
