package ingest

import (
	"context"
	"time"
)

const (
	retryBaseDelay = time.Second
	retryMaxDelay  = 4 * time.Second
	retryAttempts  = 3
)

// withRetry runs op, retrying twice with exponential backoff (1s, 2s,
// capped at 4s should the attempt count ever grow). It
// returns the last error once attempts are exhausted or the context ends.
func withRetry(ctx context.Context, op func() error) error {
	var err error

	delay := retryBaseDelay

	for attempt := 0; attempt < retryAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}

		if attempt == retryAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}

	return err
}
