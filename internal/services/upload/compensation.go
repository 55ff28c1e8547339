package upload

import (
	"context"

	"github.com/rs/zerolog"
)

// CompensateFunc undoes one completed step of a batch
type CompensateFunc func(ctx context.Context) error

type compensation struct {
	name string
	fn   CompensateFunc
}

// Saga collects the compensating actions of confirmed files. Run executes
// every action even when earlier ones fail.
type Saga struct {
	log   zerolog.Logger
	steps []compensation
}

func NewSaga(log zerolog.Logger) *Saga {
	return &Saga{log: log}
}

func (s *Saga) Register(name string, fn CompensateFunc) {
	s.steps = append(s.steps, compensation{name, fn})
}

func (s *Saga) Len() int {
	return len(s.steps)
}

// Run executes the actions in registration order and returns their errors
// in the same order, nil for each action that succeeded
func (s *Saga) Run(ctx context.Context) []error {
	errs := make([]error, len(s.steps))
	for i, step := range s.steps {
		log := s.log.With().Str("name", step.name).Logger()
		log.Debug().Msg("compensation called")
		if err := step.fn(ctx); err != nil {
			log.Error().Err(err).Msg("compensation failed")
			errs[i] = err
		} else {
			log.Debug().Msg("compensation succeeded")
		}
	}
	return errs
}
