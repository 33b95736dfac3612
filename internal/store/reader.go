package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/john/chatkeep/internal/message"
)

// Summary describes a store file without loading its messages
type Summary struct {
	Key          message.ChannelKey
	Path         string
	Messages     int64
	SizeBytes    int64
	FirstMessage time.Time
	LastMessage  time.Time
}

// Reader is a read-only view of a channel store, safe to use while the application is writing to it
type Reader struct {
	key  message.ChannelKey
	path string
	db   *sql.DB
}

// OpenReader opens the store for key in dir read-only. It never creates the file.
func OpenReader(dir string, key message.ChannelKey) (*Reader, error) {
	path := PathFor(dir, key)
	db, err := openReadOnly(path)
	if err != nil {
		return nil, err
	}
	return &Reader{key: key, path: path, db: db}, nil
}

// Summary returns the message count, size and time range of the store
func (r *Reader) Summary(ctx context.Context) (Summary, error) {
	sum := Summary{Key: r.key, Path: r.path, SizeBytes: fileSize(r.path)}

	var first, last sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(timestamp), MAX(timestamp) FROM messages`).Scan(&sum.Messages, &first, &last)
	if err != nil {
		return Summary{}, &StorageError{Path: r.path, Op: "query", Err: err}
	}
	if first.Valid {
		sum.FirstMessage = time.Unix(0, first.Int64).UTC()
	}
	if last.Valid {
		sum.LastMessage = time.Unix(0, last.Int64).UTC()
	}
	return sum, nil
}

// RecentMessages returns up to limit messages, newest first
func (r *Reader) RecentMessages(ctx context.Context, limit int) ([]message.ChatMessage, error) {
	if limit <= 0 {
		return []message.ChatMessage{}, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT message_id, username, text, timestamp, is_system
		 FROM messages ORDER BY timestamp DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, &StorageError{Path: r.path, Op: "query", Err: err}
	}
	defer rows.Close()

	messages := make([]message.ChatMessage, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows, r.key)
		if err != nil {
			return nil, &StorageError{Path: r.path, Op: "query", Err: fmt.Errorf("scan failed: %w", err)}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Path: r.path, Op: "query", Err: err}
	}
	return messages, nil
}

// Close releases the read-only handle
func (r *Reader) Close() error {
	return r.db.Close()
}
