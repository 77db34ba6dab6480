package main

import (
	"log"
	"os"

	"github.com/nateabele/jsengine/internal/api"
	"github.com/nateabele/jsengine/internal/config"
	"github.com/nateabele/jsengine/internal/engine"
	"github.com/nateabele/jsengine/internal/host"
	"github.com/nateabele/jsengine/internal/store"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Fatalf("failed to load .env: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("jsengine: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"module_root", cfg.ModuleRoot,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	opts := engine.Options{
		ModuleRoot:       cfg.ModuleRoot,
		MaxPendingTimers: cfg.MaxTimers,
		DefaultTimeoutS:  cfg.RunTimeoutS,
	}
	if cfg.EchoOutput {
		opts.Echo = host.NewWriterSink(os.Stdout, os.Stderr)
	}
	eng, err := engine.NewEngine(db, opts, logger)
	if err != nil {
		log.Fatalf("failed to start engine: %v", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Error("engine close", "error", err)
		}
	}()

	srv := api.NewServer(cfg.ListenAddr, db, eng, logger)

	if err := srv.Run(); err != nil {
		logger.Error("server error", "error", err)
	}
}
