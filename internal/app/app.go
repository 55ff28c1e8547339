// Package app assembles the upload pipeline from configuration and owns the
// lifetime of its database connection and background sweeper.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"vstage-upload/internal/capacity"
	"vstage-upload/internal/checkpoint"
	"vstage-upload/internal/config"
	"vstage-upload/internal/database"
	"vstage-upload/internal/logging"
	"vstage-upload/internal/services/scheduler"
	"vstage-upload/internal/services/upload"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// App is the running upload engine of one process
type App struct {
	cfg          config.Config
	log          zerolog.Logger
	db           *gorm.DB
	store        checkpoint.Store
	orchestrator *upload.Orchestrator
	sweeper      *scheduler.Sweeper
}

// Startup opens the checkpoint store, wires the pipeline and starts the
// sweeper. On error everything opened so far is closed again.
func Startup(cfg config.Config, log zerolog.Logger) (*App, error) {
	log.Info().Str("store", cfg.CheckpointStore).Msg("Upload engine starting up")
	a := &App{cfg: cfg, log: log}

	if cfg.CheckpointStore == config.StoreDatabase {
		if err := ensureSQLiteDir(cfg.DatabaseURL); err != nil {
			return nil, err
		}
		db, err := database.Open(cfg.DatabaseURL, cfg.DB, logging.IsDebug(cfg.LogLevel), log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		a.db = db
	}

	store, err := checkpoint.New(cfg.CheckpointStore, a.db)
	if err != nil {
		a.Shutdown()
		return nil, err
	}
	a.store = store
	a.orchestrator = upload.New(cfg, store, log)

	if cfg.SweepCron != "" {
		sweeper, err := scheduler.NewSweeper(store, cfg.Upload.ResumeTTL, log)
		switch {
		case errors.Is(err, scheduler.ErrNotPurgeable):
			log.Info().Str("store", cfg.CheckpointStore).Msg("Checkpoint store cannot be swept, relying on read-time expiry")
		case err != nil:
			a.Shutdown()
			return nil, err
		default:
			if err := sweeper.Start(cfg.SweepCron); err != nil {
				a.Shutdown()
				return nil, err
			}
			a.sweeper = sweeper
		}
	}

	log.Info().Msg("Startup complete")
	return a, nil
}

// Shutdown stops the sweeper and closes the database
func (a *App) Shutdown() {
	a.log.Info().Msg("Upload engine shutting down")

	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	if err := database.Close(a.db); err != nil {
		a.log.Error().Err(err).Msg("Error closing database")
	}

	a.log.Info().Msg("Shutdown complete")
}

// Store exposes the checkpoint store, mostly for inspection
func (a *App) Store() checkpoint.Store {
	return a.store
}

// Sweep purges expired checkpoints once, outside the cron schedule
func (a *App) Sweep(ctx context.Context) (int64, error) {
	sweeper, err := scheduler.NewSweeper(a.store, a.cfg.Upload.ResumeTTL, a.log)
	if err != nil {
		return 0, err
	}
	return sweeper.SweepOnce(ctx)
}

// Upload runs one batch of in-memory or already opened files
func (a *App) Upload(ctx context.Context, scope string, files []upload.File, slots []capacity.Slot, onProgress upload.Progress) *upload.BatchResult {
	return a.orchestrator.RunBatch(ctx, upload.BatchRequest{
		Scope:      scope,
		Files:      files,
		OnProgress: onProgress,
	}, capacity.NewPool(slots))
}

// UploadPaths opens every path and runs them as one batch. A path that
// cannot be opened fails the call before anything is uploaded.
func (a *App) UploadPaths(ctx context.Context, scope string, paths []string, slots []capacity.Slot, onProgress upload.Progress) (*upload.BatchResult, error) {
	files := make([]upload.File, 0, len(paths))
	closers := make([]io.Closer, 0, len(paths))
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	for _, path := range paths {
		f, closer, err := upload.OpenFile(path)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
		closers = append(closers, closer)
	}
	return a.Upload(ctx, scope, files, slots, onProgress), nil
}

func ensureSQLiteDir(databaseURL string) error {
	path, ok := strings.CutPrefix(databaseURL, "sqlite://")
	if !ok {
		return nil
	}
	path, _, _ = strings.Cut(path, "?")
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	return nil
}
