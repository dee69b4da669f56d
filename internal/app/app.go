// Package app assembles the service from configuration and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/cattle-breed-api/internal/catalog"
	"github.com/Brownie44l1/cattle-breed-api/internal/config"
	apperrors "github.com/Brownie44l1/cattle-breed-api/internal/errors"
	"github.com/Brownie44l1/cattle-breed-api/internal/events"
	"github.com/Brownie44l1/cattle-breed-api/internal/handlers"
	"github.com/Brownie44l1/cattle-breed-api/internal/history"
	"github.com/Brownie44l1/cattle-breed-api/internal/imaging"
	"github.com/Brownie44l1/cattle-breed-api/internal/logging"
	"github.com/Brownie44l1/cattle-breed-api/internal/model"
	"github.com/Brownie44l1/cattle-breed-api/internal/prediction"
	"github.com/Brownie44l1/cattle-breed-api/internal/system"
)

const shutdownTimeout = 10 * time.Second

// App holds every long-lived component.
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Catalog    *catalog.Catalog
	Classifier *model.Classifier
	Normalizer *imaging.Normalizer
	Service    *prediction.Service
	Bus        *events.Bus
	History    *history.Store
}

// Build wires the components described by cfg. Errors of kind startup mean
// the model artifact is unusable and the process must not serve.
func Build(cfg *config.Config, logger *slog.Logger) (*App, error) {
	logger = logging.OrDefault(logger)

	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindConfig, "app.build", "cannot load breed catalog", err)
	}

	classifier, err := model.Open(model.Options{
		ModelPath:    cfg.Model.Path,
		MetadataPath: cfg.Model.MetadataPath,
		LibraryPath:  cfg.Model.ONNXLibrary,
		TopK:         cfg.Model.TopK,
		Vocabulary:   cat,
	}, logger.With("component", "model"))
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:     cfg,
		Logger:     logger,
		Catalog:    cat,
		Classifier: classifier,
		Bus:        events.NewWithQueue(events.DefaultQueueSize, logger.With("component", "events")),
	}

	base := imaging.DefaultOptions()
	base.Interpolation = cfg.Preprocess.Interpolation
	base.Enhance = cfg.Preprocess.Enhance
	base.MinDimension = cfg.Preprocess.MinDimension
	base.MaxPixels = cfg.Preprocess.MaxPixels
	a.Normalizer, err = imaging.NewNormalizer(classifier.Metadata().NormalizerOptions(base), logger.With("component", "imaging"))
	if err != nil {
		a.Close()
		return nil, apperrors.Wrap(apperrors.KindConfig, "app.build", "invalid preprocessing options", err)
	}

	if cfg.History.Enabled {
		a.History, err = history.Open(cfg.History.DSN, logger.With("component", "history"))
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := a.History.Attach(a.Bus); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.Service, err = prediction.NewService(a.Normalizer, classifier, prediction.Options{
		ScratchDir:        cfg.Upload.ScratchDir,
		MaxBytes:          cfg.Upload.MaxBytes,
		AllowedExtensions: cfg.Upload.AllowedExtensions,
		StaleAfter:        cfg.Upload.StaleAfter,
	}, a.Bus, logger.With("component", "prediction"))
	if err != nil {
		a.Close()
		return nil, apperrors.Wrap(apperrors.KindConfig, "app.build", "cannot create prediction service", err)
	}

	info := classifier.Info()
	logger.Info("service assembled",
		"model_state", info.State,
		"classes", info.NumClasses,
		"input_shape", info.InputShape,
		"history", cfg.History.Enabled)
	return a, nil
}

// Router returns the HTTP handler for the API and the front page.
func (a *App) Router() (http.Handler, error) {
	deps := handlers.Deps{
		Predictor:  a.Service,
		Classifier: a.Classifier,
		Catalog:    a.Catalog,
		Stats:      system.NewCollector("/"),
		Logger:     a.Logger.With("component", "http"),
	}
	if a.History != nil {
		deps.History = a.History
	}
	h, err := handlers.NewHandler(deps)
	if err != nil {
		return nil, err
	}
	return handlers.NewRouter(h, handlers.RouterOptions{
		StaticDir:   a.Config.Server.StaticDir,
		CORSOrigins: a.Config.Server.CORSOrigins,
		Debug:       strings.EqualFold(a.Config.Log.Level, "debug"),
		Logger:      a.Logger.With("component", "http"),
	}), nil
}

// Close drains pending events and releases the model and the database.
func (a *App) Close() error {
	var errs []error
	if a.Bus != nil {
		a.Bus.Close()
		if n := a.Bus.Dropped(); n > 0 {
			a.Logger.Warn("prediction outcomes dropped", "count", n)
		}
	}
	if a.History != nil {
		errs = append(errs, a.History.Close())
	}
	if a.Classifier != nil {
		errs = append(errs, a.Classifier.Close())
	}
	return errors.Join(errs...)
}

// Serve runs the HTTP server until ctx is cancelled or SIGINT/SIGTERM
// arrives, then shuts it down gracefully.
func (a *App) Serve(ctx context.Context) error {
	router, err := a.Router()
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:              a.Config.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		a.Logger.Info("server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		a.Logger.Info("shutting down", "cause", context.Cause(groupCtx))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	return group.Wait()
}
