package upload

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// backoff returns the wait after the given failed attempt: base·attempt²,
// so 500ms, 2s, 4.5s for the default base
func backoff(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(attempt*attempt)
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryWithBackoff runs operation up to maxAttempts times with quadratic
// backoff between attempts. Errors rejected by retryIf end the loop at once;
// a nil retryIf retries everything.
func retryWithBackoff(ctx context.Context, name string, operation func() error, maxAttempts int, base time.Duration, retryIf func(error) bool, log zerolog.Logger) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := operation()
		if err == nil {
			if attempt > 1 {
				log.Info().Str("operation", name).Msgf("succeeded on retry %d/%d", attempt, maxAttempts)
			}
			return nil
		}

		lastErr = err
		if retryIf != nil && !retryIf(err) {
			return err
		}

		// Don't sleep after last attempt
		if attempt < maxAttempts {
			wait := backoff(base, attempt)
			log.Warn().Err(err).Str("operation", name).Dur("retry_in", wait).
				Msgf("attempt %d/%d failed", attempt, maxAttempts)
			if err := sleep(ctx, wait); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		} else {
			log.Error().Err(err).Str("operation", name).Msgf("all %d attempts failed", maxAttempts)
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", maxAttempts, lastErr)
}
