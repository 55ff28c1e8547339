package upload

import (
	"vstage-upload/internal/api"
	"vstage-upload/internal/checkpoint"
	"vstage-upload/internal/config"

	"github.com/rs/zerolog"
)

// New wires an Orchestrator from configuration: one backend client, one
// storage client and the given checkpoint store
func New(cfg config.Config, store checkpoint.Store, log zerolog.Logger) *Orchestrator {
	u := cfg.Upload
	httpOpts := api.Options{
		Timeout:      u.RequestTimeout,
		RetryCount:   u.RetryAttempts - 1,
		RetryWait:    u.RetryBaseDelay,
		RetryMaxWait: backoff(u.RetryBaseDelay, u.RetryAttempts),
		Logger:       log,
	}

	backendOpts := httpOpts
	backendOpts.RequestsPerSec = u.BackendRPS
	backend := api.NewClient(cfg.BackendURL, backendOpts)
	storage := api.NewStorageClient(httpOpts)

	return NewOrchestrator(
		NewNegotiator(backend, storage, log),
		NewExecutor(storage, store, ExecutorOptions{
			ChunkSize:      u.ChunkSize,
			CheckpointStep: u.CheckpointStep,
		}, log),
		NewConfirmer(backend, log),
		store,
		Options{
			Concurrency:         u.Concurrency,
			MaxFileSize:         u.MaxFileSize,
			ResumeTTL:           u.ResumeTTL,
			RetryAttempts:       u.RetryAttempts,
			RetryBaseDelay:      u.RetryBaseDelay,
			CompensationTimeout: u.RequestTimeout,
		},
		log,
	)
}
