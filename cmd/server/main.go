package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/Brownie44l1/cattle-breed-api/internal/app"
	"github.com/Brownie44l1/cattle-breed-api/internal/config"
	apperrors "github.com/Brownie44l1/cattle-breed-api/internal/errors"
	"github.com/Brownie44l1/cattle-breed-api/internal/logging"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.NewLoader(*configPath).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}

	a, err := app.Build(cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		if apperrors.IsKind(err, apperrors.KindStartup) {
			os.Exit(2)
		}
		os.Exit(1)
	}

	logger.Info("endpoints",
		"health", "GET /api/health",
		"breeds", "GET /api/breeds",
		"predict", "POST /api/predict (multipart field 'image')",
		"tensor", "POST /api/predict/tensor",
		"model", "GET /api/model",
		"history", "GET /api/history",
		"system", "GET /api/system")

	serveErr := a.Serve(context.Background())
	if err := a.Close(); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	if serveErr != nil {
		logger.Error("server failed", "error", serveErr)
		os.Exit(1)
	}
}
