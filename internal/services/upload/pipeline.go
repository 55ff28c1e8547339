package upload

import (
	"context"
	"errors"
	"fmt"

	"vstage-upload/internal/checkpoint"
	"vstage-upload/internal/logging"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// pipeline drives one task through the state machine. It performs the
// effect of each state and feeds the resulting event back into transition.
type pipeline struct {
	o        *Orchestrator
	task     *UploadTask
	file     File
	key      checkpoint.Key
	onAck    func(int64)
	attempts int
	log      zerolog.Logger
}

func (p *pipeline) run(ctx context.Context) {
	state, eff := NotStarted, effLookup
	for {
		ev, err := p.perform(ctx, eff)
		next, nextEff := transition(state, ev)
		p.log.Debug().
			Str("from", state.String()).
			Str("event", ev.String()).
			Str(logging.FieldState, next.String()).
			Msg("Transition")

		p.task.State = next
		if next == Failed {
			if err == nil {
				err = fmt.Errorf("unexpected event %s in state %s", ev, state)
			}
			p.task.fail(err)
			return
		}
		if next.Terminal() {
			return
		}
		state, eff = next, nextEff
	}
}

func (p *pipeline) perform(ctx context.Context, eff effect) (event, error) {
	if err := ctx.Err(); err != nil {
		return evFailed, err
	}

	switch eff {
	case effLookup:
		return p.lookup(ctx)
	case effNegotiate:
		return p.negotiate(ctx)
	case effProbe:
		return p.probe(ctx)
	case effTransfer:
		return p.transfer(ctx)
	case effConfirm:
		return p.confirm(ctx)
	default:
		return evFailed, fmt.Errorf("no action for effect %d", eff)
	}
}

func (p *pipeline) lookup(ctx context.Context) (event, error) {
	cp, err := checkpoint.Lookup(ctx, p.o.store, p.key, p.o.now(), p.o.opts.ResumeTTL)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return evNoCheckpoint, nil
	}
	if err != nil {
		// The store is advisory; a fresh upload is always possible
		p.log.Warn().Err(err).Msg("Checkpoint lookup failed, starting fresh")
		return evNoCheckpoint, nil
	}

	p.task.SessionURL = cp.SessionURL
	p.task.BytesAcknowledged = cp.UploadedBytes
	p.task.IdempotencyKey = cp.IdempotencyKey
	if p.task.IdempotencyKey == "" {
		p.task.IdempotencyKey = uuid.NewString()
	}
	slot := p.task.Destination.ServiceSlot
	p.task.Destination = cp.Destination
	// The slot reserved for this run is the one the record is confirmed on
	p.task.Destination.ServiceSlot = slot
	p.log.Info().Int64("checkpoint_bytes", cp.UploadedBytes).Msg("Resuming from checkpoint")
	return evCheckpointFound, nil
}

func (p *pipeline) negotiate(ctx context.Context) (event, error) {
	var session *Session
	err := retryWithBackoff(ctx, "negotiate "+p.task.Identity.Name, func() error {
		s, err := p.o.negotiator.Negotiate(ctx, p.task.Identity, p.task.Destination.ServiceSlot)
		if err != nil {
			return err
		}
		session = s
		return nil
	}, p.o.opts.RetryAttempts, p.o.opts.RetryBaseDelay, renegotiable, p.log)
	if err != nil {
		return evFailed, err
	}

	p.task.SessionURL = session.URL
	p.task.Destination = session.Destination
	p.task.BytesAcknowledged = 0
	// A new session is a new object; retries of its confirmation share this key
	p.task.IdempotencyKey = uuid.NewString()
	p.o.executor.save(ctx, p.key, p.task, p.log)
	return evSessionReady, nil
}

func (p *pipeline) probe(ctx context.Context) (event, error) {
	status, received, err := p.o.executor.Probe(ctx, p.task.SessionURL, p.task.Identity.Size)
	if err != nil {
		return p.interrupted(ctx, fmt.Errorf("%w: %w", ErrTransferInterrupted, err))
	}
	p.log.Debug().Str("status", status.String()).Int64("received", received).Msg("Probed session")

	switch status {
	case probeIncomplete:
		p.task.BytesAcknowledged = received
		p.onAck(received)
		return evProbeIncomplete, nil
	case probeComplete:
		p.task.BytesAcknowledged = p.task.Identity.Size
		p.onAck(p.task.Identity.Size)
		return evProbeComplete, nil
	default:
		p.log.Info().Msg("Session no longer valid, negotiating a new one")
		if err := p.o.store.Delete(context.WithoutCancel(ctx), p.key); err != nil {
			p.log.Warn().Err(err).Msg("Failed to discard checkpoint")
		}
		p.task.SessionURL = ""
		p.task.BytesAcknowledged = 0
		return evProbeInvalid, nil
	}
}

func (p *pipeline) transfer(ctx context.Context) (event, error) {
	err := p.o.executor.Transfer(ctx, p.task, p.file, p.key, p.onAck)
	if err == nil {
		return evTransferred, nil
	}
	if errors.Is(err, ErrTransferInterrupted) {
		return p.interrupted(ctx, err)
	}
	return evFailed, err
}

// interrupted spends one attempt of the task's budget and waits before the
// session is probed again
func (p *pipeline) interrupted(ctx context.Context, err error) (event, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return evFailed, fmt.Errorf("%w: %w", ctxErr, err)
	}
	p.attempts++
	if p.attempts >= p.o.opts.RetryAttempts {
		return evFailed, fmt.Errorf("failed after %d attempts: %w", p.attempts, err)
	}
	if serr := sleep(ctx, backoff(p.o.opts.RetryBaseDelay, p.attempts)); serr != nil {
		return evFailed, fmt.Errorf("%w: %w", serr, err)
	}
	return evInterrupted, nil
}

func (p *pipeline) confirm(ctx context.Context) (event, error) {
	id, err := p.o.confirmer.Confirm(ctx, p.task)
	if err != nil {
		return evFailed, err
	}
	p.task.Confirmed = &id

	if err := p.o.store.Delete(context.WithoutCancel(ctx), p.key); err != nil {
		p.log.Warn().Err(err).Msg("Failed to clear checkpoint")
	}
	return evConfirmed, nil
}
