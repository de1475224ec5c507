package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/daezy/drug-dispensing-system-sub000/config"
	"github.com/daezy/drug-dispensing-system-sub000/ledger/client"
	core "github.com/daezy/drug-dispensing-system-sub000/service/core"
	httphandler "github.com/daezy/drug-dispensing-system-sub000/service/http"
	"github.com/daezy/drug-dispensing-system-sub000/storage/store"
)

// API daemon configuration file path
const apiConfigPath = "./config/traceapi.defaults.yml"

func main() {
	logger := log.New(os.Stdout, "[TRACE-API] ", log.LstdFlags|log.Lshortfile)
	logger.Println("Starting Traceability API...")

	// 1. Load API configuration
	cfg, err := config.LoadServiceConfig(apiConfigPath)
	if err != nil {
		logger.Fatalf("FATAL: Failed to load API configuration: %v", err)
	}
	confirmWait, err := time.ParseDuration(cfg.ConfirmationWait)
	if err != nil {
		logger.Fatalf("FATAL: Invalid confirmation_wait: %v", err)
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
	ledgerCfg, err := config.LoadLedgerConfig(cfg.LedgerConfigPath)
	if err != nil {
		logger.Fatalf("FATAL: Failed to load ledger configuration: %v", err)
	}
	ledgerClient, err := client.NewLedgerClient(ledgerCfg, logger)
	if err != nil {
		logger.Fatalf("FATAL: Failed to initialize ledger client: %v", err)
	}
	defer ledgerClient.Close()

	// 3. Create the core service and its HTTP handler
	traceService := core.NewService(dbStore, ledgerClient, logger, confirmWait, ledgerCfg.ConfirmationDepth)
	traceHandler := httphandler.NewTraceHandler(traceService, logger)

	// 4. HTTP server
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/batches", traceHandler.Batches)
	mux.HandleFunc("/v1/movements", traceHandler.Movements)
	mux.HandleFunc("/v1/dispensings", traceHandler.Dispensings)
	mux.HandleFunc("/v1/verify", traceHandler.Verify)
	mux.HandleFunc("/v1/audit", traceHandler.Audit)
	mux.HandleFunc("/health", traceHandler.HealthCheck)

	readTimeout := cfg.HttpServer.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 5 * time.Second
	}
	writeTimeout := cfg.HttpServer.WriteTimeout
	if writeTimeout == 0 {
		// Write operations block up to confirmation_wait before answering.
		writeTimeout = confirmWait + 10*time.Second
	}
	idleTimeout := cfg.HttpServer.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = 60 * time.Second
	}
	maxHeaderBytes := cfg.HttpServer.MaxHeaderBytes
	if maxHeaderBytes == 0 {
		maxHeaderBytes = 1 << 20 // 1 MB
	}

	httpServer := &http.Server{
		Addr:           cfg.HttpListenAddr,
		Handler:        mux,
		ReadTimeout:    readTimeout,
		WriteTimeout:   writeTimeout,
		IdleTimeout:    idleTimeout,
		MaxHeaderBytes: maxHeaderBytes,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Printf("HTTP server listening on %s", cfg.HttpListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("HTTP server startup failed: %v", err)
		}
		logger.Println("HTTP server stopped listening.")
	}()

	// 5. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Println("Received shutdown signal, initiating graceful shutdown...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("HTTP server shutdown error: %v", err)
	}
	wg.Wait()

	logger.Println("Traceability API shut down gracefully.")
}
