package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Scientialibera/RFP-BUILDER/internal/api"
	"github.com/Scientialibera/RFP-BUILDER/internal/chunk"
	"github.com/Scientialibera/RFP-BUILDER/internal/config"
	"github.com/Scientialibera/RFP-BUILDER/internal/docrun"
	"github.com/Scientialibera/RFP-BUILDER/internal/llm"
	"github.com/Scientialibera/RFP-BUILDER/internal/pipeline"
	"github.com/Scientialibera/RFP-BUILDER/internal/runstore"
	"github.com/Scientialibera/RFP-BUILDER/internal/util"
)

const version = "0.1.0"

func main() {
	var (
		flagListen  = flag.String("listen", "", "listen address (default 127.0.0.1:8790)")
		flagDataDir = flag.String("data-dir", "", "data directory (default ~/.rfp-builder)")
		flagAuth    = flag.String("auth-token", "", "auth token (Bearer). If set, required for all requests.")
		flagConfig  = flag.String("config", "", "optional config YAML file")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	_ = util.LoadEnvFile(".env")

	cfg := config.DefaultConfig()
	if *flagConfig == "" {
		*flagConfig = os.Getenv("RFP_CONFIG")
	}
	if *flagConfig != "" {
		if loaded, err := config.LoadFromFile(*flagConfig); err == nil {
			cfg = loaded
		} else {
			logger.Warn("failed to load config file", "path", *flagConfig, "err", err)
		}
	}
	config.ApplyEnv(&cfg)

	if *flagListen != "" {
		cfg.ListenAddr = *flagListen
	}
	if *flagDataDir != "" {
		cfg.DataDir = *flagDataDir
	}
	if *flagAuth != "" {
		cfg.AuthToken = *flagAuth
	}
	cfg.DataDir = util.ExpandHome(cfg.DataDir)

	store := runstore.New(cfg.DataDir)
	if err := store.Init(); err != nil {
		logger.Error("store init failed", "err", err)
		os.Exit(1)
	}

	client, err := llm.NewOpenAIClient(llm.OpenAISettings{
		APIKey:     cfg.Completion.APIKey,
		Model:      cfg.Completion.Model,
		BaseURL:    cfg.Completion.BaseURL,
		Timeout:    time.Duration(cfg.Completion.TimeoutSec) * time.Second,
		MaxRetries: cfg.Completion.MaxRetries,
	})
	if err != nil {
		logger.Error("completion client init failed", "err", err)
		os.Exit(1)
	}

	orch := pipeline.New(logger, store, client, docrun.NewMarkdownRuntime(), cfg.Pipeline, chunk.NewTiktokenCounter())

	srv := &api.Server{
		Logger:    logger,
		Store:     store,
		Pipeline:  orch,
		AuthToken: cfg.AuthToken,

		Version:              version,
		CompletionConfigured: cfg.Completion.APIKey != "",
		ImagesEnabled:        cfg.Pipeline.EnableImages,
	}

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("rfpd listening", "addr", cfg.ListenAddr, "data_dir", cfg.DataDir, "model", cfg.Completion.Model)
		if cfg.AuthToken != "" {
			logger.Info("auth enabled", "mode", "bearer")
		}
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "err", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
}
