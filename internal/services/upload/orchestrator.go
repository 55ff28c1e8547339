// Package upload implements the resumable multi-file upload pipeline: per
// file session negotiation, chunked resumable transfer, confirmation with the
// backend of record, and compensation of confirmed files when a batch only
// partially succeeds.
package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vstage-upload/internal/capacity"
	"vstage-upload/internal/checkpoint"
	"vstage-upload/internal/logging"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Options bound the work a batch may do
type Options struct {
	Concurrency    int
	MaxFileSize    int64
	ResumeTTL      time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	// CompensationTimeout bounds the cleanup of a partially failed batch
	CompensationTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.ResumeTTL <= 0 {
		o.ResumeTTL = checkpoint.DefaultTTL
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 500 * time.Millisecond
	}
	if o.CompensationTimeout <= 0 {
		o.CompensationTimeout = 2 * time.Minute
	}
	return o
}

// Orchestrator fans a batch out to per-file pipelines on a bounded pool
type Orchestrator struct {
	negotiator *Negotiator
	executor   *Executor
	confirmer  *Confirmer
	store      checkpoint.Store
	opts       Options
	now        func() time.Time
	log        zerolog.Logger
}

func NewOrchestrator(negotiator *Negotiator, executor *Executor, confirmer *Confirmer, store checkpoint.Store, opts Options, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		negotiator: negotiator,
		executor:   executor,
		confirmer:  confirmer,
		store:      store,
		opts:       opts.withDefaults(),
		now:        time.Now,
		log:        log,
	}
}

// RunBatch uploads every file of req and waits for all of them to settle.
// Per-file failures never stop sibling files. When some files fail and
// others were confirmed, the confirmed records are deleted again through
// compensation; the result still reports the batch as it was computed.
func (o *Orchestrator) RunBatch(ctx context.Context, req BatchRequest, slots capacity.Provider) *BatchResult {
	batchID := uuid.NewString()
	log := o.log.With().
		Str(logging.FieldBatchID, batchID).
		Str(logging.FieldScope, req.Scope).
		Logger()

	log.Info().Int("files", len(req.Files)).Int("concurrency", o.opts.Concurrency).Msg("Starting upload batch")
	start := time.Now()

	tasks := make([]*UploadTask, len(req.Files))
	progress := newProgressTracker(len(req.Files), req.OnProgress)

	var g errgroup.Group
	g.SetLimit(o.opts.Concurrency)

	for i, file := range req.Files {
		task := &UploadTask{
			Identity: file.Identity,
			State:    NotStarted,
		}
		if task.Identity.ContentType == "" {
			task.Identity.ContentType = DefaultContentType
			file.Identity.ContentType = DefaultContentType
		}
		tasks[i] = task

		if err := ValidateFile(file, o.opts.MaxFileSize); err != nil {
			task.fail(err)
			log.Warn().Err(err).Str(logging.FieldFile, file.Identity.Name).Msg("File rejected")
			continue
		}

		g.Go(func() error {
			o.runFile(ctx, req.Scope, i, file, task, slots, progress, log)
			return nil
		})
	}
	_ = g.Wait()

	result := &BatchResult{BatchID: batchID}
	for _, task := range tasks {
		switch task.State {
		case Completed:
			result.Succeeded = append(result.Succeeded, task)
		default:
			result.Failed = append(result.Failed, FailedFile{
				Identity: task.Identity,
				Reason:   task.FailureReason,
				Err:      task.Err,
			})
		}
	}

	if len(result.Failed) > 0 && len(result.Succeeded) > 0 {
		result.Compensations = o.compensate(ctx, result.Succeeded, slots, log)
	}

	log.Info().
		Int("succeeded", len(result.Succeeded)).
		Int("failed", len(result.Failed)).
		Int("compensated", len(result.Compensations)).
		Dur("duration", time.Since(start)).
		Msg("Upload batch settled")
	return result
}

func (o *Orchestrator) runFile(ctx context.Context, scope string, i int, file File, task *UploadTask, slots capacity.Provider, progress *progressTracker, batchLog zerolog.Logger) {
	log := batchLog.With().
		Str(logging.FieldFile, file.Identity.Name).
		Int64(logging.FieldFileSize, file.Identity.Size).
		Logger()

	if err := ctx.Err(); err != nil {
		task.fail(err)
		return
	}

	slot, err := slots.Reserve(ctx)
	if err != nil {
		task.fail(err)
		log.Warn().Err(err).Msg("No capacity for file")
		return
	}
	task.Destination.ServiceSlot = slot
	log = log.With().Str(logging.FieldSlot, slot).Logger()

	p := &pipeline{
		o:    o,
		task: task,
		file: file,
		key:  checkpointKey(scope, file.Identity),
		onAck: func(acked int64) {
			progress.update(i, acked, file.Identity.Size)
		},
		log: log,
	}
	p.run(ctx)

	if task.State != Completed {
		slots.Release(slot)
		log.Warn().Str("reason", task.FailureReason).Msg("File failed")
		return
	}
	log.Info().Str("record_id", task.Confirmed.RecordID).Msg("File uploaded")
}

// compensate deletes the records of every confirmed task. It runs detached
// from ctx so an abandoned batch still cleans up after itself.
func (o *Orchestrator) compensate(ctx context.Context, succeeded []*UploadTask, slots capacity.Provider, log zerolog.Logger) []CompensationOutcome {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.CompensationTimeout)
	defer cancel()

	saga := NewSaga(log)
	for _, task := range succeeded {
		saga.Register(task.Identity.Name, func(ctx context.Context) error {
			if task.Confirmed == nil {
				return fmt.Errorf("%w: %s has no confirmed record", ErrCompensationFailed, task.Identity.Name)
			}
			if err := o.confirmer.Compensate(ctx, *task.Confirmed); err != nil {
				return err
			}
			task.State = Compensated
			slots.Release(task.Destination.ServiceSlot)
			return nil
		})
	}

	log.Warn().Int("records", saga.Len()).Msg("Batch partially failed, compensating confirmed files")
	errs := saga.Run(cctx)

	outcomes := make([]CompensationOutcome, len(succeeded))
	for i, task := range succeeded {
		outcomes[i] = CompensationOutcome{Identity: task.Identity, Err: errs[i]}
		if task.Confirmed != nil {
			outcomes[i].Confirmed = *task.Confirmed
		}
		if errs[i] != nil && !errors.Is(errs[i], ErrCompensationFailed) {
			outcomes[i].Err = fmt.Errorf("%w: %w", ErrCompensationFailed, errs[i])
		}
	}
	return outcomes
}
