package store

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by reads against a store that has been closed
	ErrClosed = errors.New("store is closed")
	// ErrFileInUse is returned when a store file could not be deleted after every retry
	ErrFileInUse = errors.New("store file is in use")
)

// StorageError represents errors accessing a channel database file
type StorageError struct {
	Path string
	Op   string // "open", "init", "append", "query", "clear", "delete"
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
