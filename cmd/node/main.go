package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/uhyunpark/crossbook/params"
	"github.com/uhyunpark/crossbook/pkg/api"
	"github.com/uhyunpark/crossbook/pkg/app/exchange"
	"github.com/uhyunpark/crossbook/pkg/metrics"
	"github.com/uhyunpark/crossbook/pkg/storage"
	"github.com/uhyunpark/crossbook/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	level := cfg.Log.Level
	if cfg.Log.Verbose {
		level = "debug"
	}

	// Setup logging (write to both console and file)
	logger, err := util.NewLoggerWithFile(cfg.Log.File, level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Log.File, "level", level)

	// ---- Record store ----
	if cfg.Store.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
			sugar.Fatalw("data_dir_failed", "path", cfg.Store.Path, "err", err)
		}
	}
	store, err := storage.NewPebbleStore(cfg.Store.Path)
	if err != nil {
		sugar.Fatalw("store_open_failed", "path", cfg.Store.Path, "err", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			sugar.Errorw("store_close_failed", "err", err)
		}
	}()

	// ---- Exchange ----
	m := metrics.New()
	ex := exchange.New(store,
		exchange.WithLogger(sugar.Named("exchange")),
		exchange.WithMetrics(m),
	)

	// ---- API Server ----
	apiServer := api.NewServer(ex, cfg.API, m, sugar.Named("api"))

	// Hook exchange to API server: broadcast fills when they commit
	ex.OnMatch = apiServer.BroadcastFill

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sugar.Infow("node_starting",
		"store", cfg.Store.Path,
		"in_memory", cfg.Store.Path == "",
		"api_addr", cfg.API.Addr,
		"cors_origins", cfg.API.AllowedOrigins)

	if err := apiServer.Start(ctx, cfg.API.Addr); err != nil {
		sugar.Errorw("api_server_failed", "err", err)
		return
	}
	sugar.Info("node_stopped")
}
