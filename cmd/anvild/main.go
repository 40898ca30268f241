package main

import (
	"io"
	"log"
	"os"

	"github.com/seantiz/anvil/internal/api"
	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/backend/interp"
	"github.com/seantiz/anvil/internal/config"
	"github.com/seantiz/anvil/internal/engine"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/store"
)

func main() {
	cfg := config.Load()

	var extra []io.Writer
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatalf("failed to open log file: %v", err)
		}
		defer f.Close()
		extra = append(extra, f)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel, extra...)

	logger.Info("anvild: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"timeout_s", cfg.TimeoutS,
		"optimize", cfg.Optimize,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg := backend.NewRegistry()
	reg.Register(model.ModeBatch, interp.NewBatchBackend(logger))
	reg.Register(model.ModeStream, interp.NewStreamBackend(logger, interp.DefaultChunkSize))

	eng := engine.NewEngine(db, reg, logger)

	srv := api.NewServer(cfg.ListenAddr, db, reg, eng, api.RunDefaults{
		MaxIterations: cfg.MaxIterations,
		TimeoutS:      cfg.TimeoutS,
		Optimize:      cfg.Optimize,
	}, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
