package store

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultDeleteAttempts and DefaultDeleteBackoff bound the retry when a file is still held open
	DefaultDeleteAttempts = 5
	DefaultDeleteBackoff  = 100 * time.Millisecond
)

// Delete removes a database file and its write-ahead log and shared memory files.
// Removal is retried with backoff because a just-closed handle may still be releasing the file.
// A file that is already gone is not an error.
func Delete(path string, attempts int, backoff time.Duration) error {
	if attempts <= 0 {
		attempts = DefaultDeleteAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = removeAll(path)
		if lastErr == nil {
			return nil
		}

		log.Debug().
			Err(lastErr).
			Str("component", "store").
			Str("path", path).
			Int("attempt", attempt).
			Msg("Delete failed, retrying")

		if attempt < attempts {
			time.Sleep(backoff)
		}
	}

	return &StorageError{Path: path, Op: "delete", Err: fmt.Errorf("%w after %d attempts: %v", ErrFileInUse, attempts, lastErr)}
}

func removeAll(path string) error {
	var errs []error
	for _, p := range []string{path + "-wal", path + "-shm", path} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
