// Package scheduler runs periodic maintenance of the checkpoint store.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"vstage-upload/internal/checkpoint"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ErrNotPurgeable is returned for stores that cannot drop entries in bulk
var ErrNotPurgeable = errors.New("checkpoint store does not support purging")

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Sweeper deletes checkpoints older than the resume TTL on a cron schedule.
// Expired checkpoints are already ignored when read; sweeping only keeps the
// store from growing without bound.
type Sweeper struct {
	purger checkpoint.Purger
	ttl    time.Duration
	cron   *cron.Cron
	now    func() time.Time
	log    zerolog.Logger

	mu      sync.Mutex
	entry   cron.EntryID
	running bool
	cancel  context.CancelFunc
}

// NewSweeper returns ErrNotPurgeable when store cannot purge
func NewSweeper(store checkpoint.Store, ttl time.Duration, log zerolog.Logger) (*Sweeper, error) {
	purger, ok := store.(checkpoint.Purger)
	if !ok {
		return nil, ErrNotPurgeable
	}
	if ttl <= 0 {
		ttl = checkpoint.DefaultTTL
	}
	return &Sweeper{
		purger: purger,
		ttl:    ttl,
		// Create cron scheduler with seconds support
		cron:   cron.New(cron.WithSeconds()),
		now:    time.Now,
		log:    log,
	}, nil
}

// Start schedules the sweep. 5-field expressions get a leading seconds field.
func (s *Sweeper) Start(schedule string) error {
	normalized, err := NormalizeCron(schedule)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("sweeper already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	id, err := s.cron.AddFunc(normalized, func() {
		if _, err := s.SweepOnce(ctx); err != nil {
			s.log.Error().Err(err).Msg("Checkpoint sweep failed")
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("failed to schedule checkpoint sweep: %w", err)
	}
	s.entry = id
	s.cancel = cancel
	s.running = true
	s.cron.Start()

	s.log.Info().Str("cron", normalized).Dur("ttl", s.ttl).Msg("Checkpoint sweeper started")
	return nil
}

// Stop waits for a running sweep to finish
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.cron.Remove(s.entry)
	s.running = false
	s.log.Info().Msg("Checkpoint sweeper stopped")
}

// Next reports when the sweep runs next; zero when not started
func (s *Sweeper) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return time.Time{}
	}
	return s.cron.Entry(s.entry).Next
}

// SweepOnce purges every checkpoint saved more than one TTL ago
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.ttl)
	n, err := s.purger.PurgeExpired(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge checkpoints before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if n > 0 {
		s.log.Info().Int64("purged", n).Time("cutoff", cutoff).Msg("Expired checkpoints purged")
	}
	return n, nil
}

// NormalizeCron validates a cron expression and converts the standard
// 5-field form to the 6-field form with a seconds column
func NormalizeCron(cronExpr string) (string, error) {
	cronExpr = strings.TrimSpace(cronExpr)
	if strings.HasPrefix(cronExpr, "@") {
		if _, err := cronParser.Parse(cronExpr); err != nil {
			return "", fmt.Errorf("invalid cron descriptor: %w", err)
		}
		return cronExpr, nil
	}

	fields := strings.Fields(cronExpr)
	switch len(fields) {
	case 6:
		if _, err := cronParser.Parse(cronExpr); err != nil {
			return "", fmt.Errorf("invalid 6-field cron expression: %w", err)
		}
		return cronExpr, nil
	case 5:
		if _, err := cron.ParseStandard(cronExpr); err != nil {
			return "", fmt.Errorf("invalid 5-field cron expression: %w", err)
		}
		// Prepend seconds (0 = run at 0 seconds of the minute)
		return "0 " + cronExpr, nil
	default:
		return "", fmt.Errorf("invalid cron expression: expected 5 or 6 fields, got %d", len(fields))
	}
}
