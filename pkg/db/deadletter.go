package db

import (
	"context"
	"fmt"
	"time"
)

// InsertDeadLetter records a message that exhausted its processing retries.
func (db *DB) InsertDeadLetter(ctx context.Context, source, key, payload, errMsg string, attempts int) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO dead_letters (source, key, payload, error, attempts, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		source, key, payload, errMsg, attempts, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}

	return nil
}
