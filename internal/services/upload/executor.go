package upload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"vstage-upload/internal/api"
	"vstage-upload/internal/checkpoint"
	"vstage-upload/internal/logging"

	"github.com/miolini/datacounter"
	"github.com/rs/zerolog"
)

// ChunkGranularity is the unit every non-final chunk must be a multiple of
const ChunkGranularity int64 = 256 * 1024

type probeStatus int

const (
	probeIncomplete probeStatus = iota
	probeComplete
	probeInvalid
)

func (p probeStatus) String() string {
	switch p {
	case probeIncomplete:
		return "incomplete"
	case probeComplete:
		return "complete"
	default:
		return "invalid"
	}
}

// ExecutorOptions tune the transfer loop
type ExecutorOptions struct {
	// ChunkSize is rounded down to a multiple of ChunkGranularity; 0 sends
	// the remainder of a file in one request
	ChunkSize int64
	// CheckpointStep is the percentage of a file that must be newly
	// acknowledged before the checkpoint is rewritten
	CheckpointStep int
}

// Executor moves the bytes of one file into its resumable session and keeps
// the file's checkpoint in step with what the endpoint acknowledged
type Executor struct {
	storage   *api.StorageClient
	store     checkpoint.Store
	chunkSize int64
	step      int
	now       func() time.Time
	log       zerolog.Logger
}

func NewExecutor(storage *api.StorageClient, store checkpoint.Store, opts ExecutorOptions, log zerolog.Logger) *Executor {
	chunk := opts.ChunkSize
	if chunk > 0 {
		chunk -= chunk % ChunkGranularity
		if chunk == 0 {
			chunk = ChunkGranularity
		}
	}
	step := opts.CheckpointStep
	if step <= 0 || step > 100 {
		step = 5
	}
	return &Executor{
		storage:   storage,
		store:     store,
		chunkSize: chunk,
		step:      step,
		now:       time.Now,
		log:       log,
	}
}

// Probe asks the endpoint how far a session got. A transport error is
// returned as is; every reply is classified.
func (e *Executor) Probe(ctx context.Context, sessionURL string, size int64) (probeStatus, int64, error) {
	resp, err := e.storage.Probe(ctx, sessionURL, size)
	if err != nil {
		return probeInvalid, 0, fmt.Errorf("status probe failed: %w", err)
	}

	switch resp.StatusCode() {
	case http.StatusOK, http.StatusCreated:
		return probeComplete, size, nil
	case api.StatusResumeIncomplete:
		received, err := api.ReceivedBytes(resp.Header().Get(api.HeaderRange))
		if err != nil || received > size {
			return probeInvalid, 0, nil
		}
		return probeIncomplete, received, nil
	default:
		return probeInvalid, 0, nil
	}
}

// Transfer sends [task.BytesAcknowledged, size) and returns nil once the
// endpoint reports the file complete. Any failure on the wire wraps
// ErrTransferInterrupted after the durable offset has been probed and saved;
// onAck is called each time the acknowledged offset moves.
func (e *Executor) Transfer(ctx context.Context, task *UploadTask, file File, key checkpoint.Key, onAck func(int64)) error {
	size := file.Identity.Size
	offset := task.BytesAcknowledged
	throttle := newCheckpointThrottle(size, e.step, offset)
	log := e.log.With().Str(logging.FieldFile, file.Identity.Name).Logger()

	for {
		if size > 0 && offset == size {
			return e.finalize(ctx, task, key, onAck, log)
		}

		end := size
		if e.chunkSize > 0 && offset+e.chunkSize < size {
			end = offset + e.chunkSize
		}

		counter := datacounter.NewReaderCounter(io.NewSectionReader(file.Content, offset, end-offset))
		chunk := make([]byte, end-offset)
		_, err := io.ReadFull(counter, chunk)
		task.BytesSent += int64(counter.Count())
		if err != nil {
			return fmt.Errorf("failed to read %s at offset %d: %w", file.Identity.Name, offset, err)
		}

		// A single request carrying the whole file is the only one allowed
		// to omit the range
		declare := offset > 0 || end < size
		resp, err := e.storage.PutRange(ctx, task.SessionURL, chunk, offset, size, declare)
		if err != nil {
			return e.interrupted(ctx, task, key, fmt.Errorf("chunk %s: %w", api.ContentRange(offset, end, size), err))
		}

		switch resp.StatusCode() {
		case http.StatusOK, http.StatusCreated:
			task.BytesAcknowledged = size
			onAck(size)
			log.Debug().Int64("bytes_sent", task.BytesSent).Msg("Transfer complete")
			return nil

		case api.StatusResumeIncomplete:
			acked, err := api.ReceivedBytes(resp.Header().Get(api.HeaderRange))
			if err != nil {
				return e.interrupted(ctx, task, key, err)
			}
			if acked <= offset || acked > size {
				return e.interrupted(ctx, task, key,
					fmt.Errorf("acknowledged %d bytes after sending up to %d", acked, end))
			}
			offset = acked
			task.BytesAcknowledged = acked
			onAck(acked)
			if throttle.due(acked) {
				e.save(ctx, key, task, log)
			}

		default:
			return e.interrupted(ctx, task, key,
				fmt.Errorf("storage returned HTTP %d for %s", resp.StatusCode(), api.ContentRange(offset, end, size)))
		}
	}
}

// finalize completes a session that already holds every byte with a status
// query; no data request may be sent past the end of the file
func (e *Executor) finalize(ctx context.Context, task *UploadTask, key checkpoint.Key, onAck func(int64), log zerolog.Logger) error {
	size := task.Identity.Size
	status, _, err := e.Probe(ctx, task.SessionURL, size)
	if err != nil {
		return e.interrupted(ctx, task, key, err)
	}
	if status != probeComplete {
		return e.interrupted(ctx, task, key,
			fmt.Errorf("storage holds all %d bytes but reports the upload %s", size, status))
	}
	task.BytesAcknowledged = size
	onAck(size)
	log.Debug().Int64("bytes_sent", task.BytesSent).Msg("Transfer finalized")
	return nil
}

// interrupted learns how many bytes the endpoint really holds, records that
// in the checkpoint and reports a resumable failure
func (e *Executor) interrupted(ctx context.Context, task *UploadTask, key checkpoint.Key, cause error) error {
	log := e.log.With().Str(logging.FieldFile, task.Identity.Name).Logger()

	if ctx.Err() == nil {
		status, received, err := e.Probe(ctx, task.SessionURL, task.Identity.Size)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("Could not confirm offset after failure")
		case status == probeIncomplete:
			if received < task.BytesAcknowledged {
				log.Warn().
					Int64("acknowledged", task.BytesAcknowledged).
					Int64("received", received).
					Msg("Storage holds fewer bytes than it acknowledged")
			}
			task.BytesAcknowledged = received
		}
	}

	e.save(ctx, key, task, log)
	log.Warn().Err(cause).Int64("acknowledged", task.BytesAcknowledged).Msg("Transfer interrupted")
	return fmt.Errorf("%w: %w", ErrTransferInterrupted, cause)
}

// save writes the checkpoint of task. It runs detached from ctx so progress
// survives cancellation; a failed write only costs resume distance.
func (e *Executor) save(ctx context.Context, key checkpoint.Key, task *UploadTask, log zerolog.Logger) {
	cp := &checkpoint.Checkpoint{
		SessionURL:     task.SessionURL,
		UploadedBytes:  task.BytesAcknowledged,
		Destination:    task.Destination,
		FileSize:       task.Identity.Size,
		ContentType:    task.Identity.ContentType,
		SavedAt:        e.now(),
		IdempotencyKey: task.IdempotencyKey,
	}
	if err := e.store.Put(context.WithoutCancel(ctx), key, cp); err != nil {
		log.Warn().Err(err).Msg("Failed to save checkpoint")
	}
}

// checkpointThrottle bounds checkpoint writes to one per step of progress
type checkpointThrottle struct {
	step int64
	last int64
}

func newCheckpointThrottle(size int64, percent int, last int64) *checkpointThrottle {
	step := size * int64(percent) / 100
	if step < 1 {
		step = 1
	}
	return &checkpointThrottle{step: step, last: last}
}

func (c *checkpointThrottle) due(acked int64) bool {
	if acked-c.last < c.step {
		return false
	}
	c.last = acked
	return true
}
