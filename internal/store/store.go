// Package store keeps each followed channel's history in its own SQLite file.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/john/chatkeep/internal/message"
)

// Ext is the extension of every channel database file
const Ext = ".db"

// MetaPlatform is the metadata key recording which platform a file belongs to
const MetaPlatform = "platform"

const (
	busyTimeoutMillis = 5000
	writeDSN          = "?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	readOnlyDSN       = "?mode=ro&_pragma=busy_timeout(%d)"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT,
		username TEXT NOT NULL,
		text TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		is_system INTEGER NOT NULL DEFAULT 0,
		inserted_at INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_message_id ON messages(message_id)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp)`,
	`CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

// FileName returns the database file name for a channel: "<name>_<platform>.db"
func FileName(key message.ChannelKey) string {
	return key.String() + Ext
}

// PathFor returns the database path for a channel inside dir
func PathFor(dir string, key message.ChannelKey) string {
	return filepath.Join(dir, FileName(key))
}

// Store is one channel's message database. All methods are safe for concurrent use.
type Store struct {
	key     message.ChannelKey
	path    string
	created bool
	log     zerolog.Logger

	mu sync.RWMutex
	db *sql.DB
}

// Open opens or creates the database for key inside dir and initializes its schema.
// A legacy "<name>.db" file recorded for the same platform is renamed into place first.
func Open(ctx context.Context, dir string, key message.ChannelKey) (*Store, error) {
	if err := key.Validate(); err != nil {
		return nil, &StorageError{Path: dir, Op: "open", Err: err}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &StorageError{Path: dir, Op: "open", Err: fmt.Errorf("failed to create data directory: %w", err)}
	}

	path := PathFor(dir, key)
	logger := log.With().
		Str("component", "store").
		Str("channel", key.Name).
		Str("platform", key.Platform.String()).
		Logger()

	if err := migrateLegacy(ctx, dir, key, logger); err != nil {
		logger.Warn().Err(err).Msg("Legacy database migration failed, starting a new file")
	}

	_, statErr := os.Stat(path)
	created := errors.Is(statErr, os.ErrNotExist)

	db, err := sql.Open("sqlite", path+fmt.Sprintf(writeDSN, busyTimeoutMillis))
	if err != nil {
		return nil, &StorageError{Path: path, Op: "open", Err: err}
	}
	// one connection so that Close releases the file completely
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &StorageError{Path: path, Op: "open", Err: fmt.Errorf("database ping failed: %w", err)}
	}

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, &StorageError{Path: path, Op: "init", Err: err}
		}
	}

	logger.Debug().Str("path", path).Bool("created", created).Msg("Opened channel store")
	return &Store{key: key, path: path, created: created, log: logger, db: db}, nil
}

// Key returns the channel this store belongs to
func (s *Store) Key() message.ChannelKey { return s.key }

// Path returns the database file path
func (s *Store) Path() string { return s.path }

// Created reports whether Open created the file rather than finding existing history
func (s *Store) Created() bool { return s.created }

// SetMetadata writes a metadata entry, replacing any previous value
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return &StorageError{Path: s.path, Op: "metadata", Err: ErrClosed}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return &StorageError{Path: s.path, Op: "metadata", Err: err}
	}
	return nil
}

// Metadata reads a metadata entry; ok is false when it is absent
func (s *Store) Metadata(ctx context.Context, key string) (value string, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return "", false, &StorageError{Path: s.path, Op: "metadata", Err: ErrClosed}
	}
	return readMetadata(ctx, s.db, key)
}

// Append writes a chat message. Messages with an id that is already stored are ignored.
// Appending to a closed store is a logged no-op.
func (s *Store) Append(ctx context.Context, msg message.ChatMessage) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		s.log.Warn().Msg("Append on closed store, message dropped")
		return nil
	}

	var messageID sql.NullString
	if msg.ID != "" {
		messageID = sql.NullString{String: msg.ID, Valid: true}
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages (message_id, username, text, timestamp, is_system, inserted_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		messageID, msg.Username, msg.Text, ts.UnixNano(), msg.IsSystemMessage, time.Now().UnixNano())
	if err != nil {
		return &StorageError{Path: s.path, Op: "append", Err: err}
	}
	return nil
}

// RecentMessages returns up to limit messages, newest first, with mention spans computed
func (s *Store) RecentMessages(ctx context.Context, limit int) ([]message.ChatMessage, error) {
	if limit <= 0 {
		return []message.ChatMessage{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, &StorageError{Path: s.path, Op: "query", Err: ErrClosed}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, username, text, timestamp, is_system
		 FROM messages ORDER BY timestamp DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, &StorageError{Path: s.path, Op: "query", Err: err}
	}
	defer rows.Close()

	messages := make([]message.ChatMessage, 0, limit)
	for rows.Next() {
		msg, err := s.scanMessage(rows)
		if err != nil {
			return nil, &StorageError{Path: s.path, Op: "query", Err: fmt.Errorf("scan failed: %w", err)}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Path: s.path, Op: "query", Err: fmt.Errorf("rows iteration error: %w", err)}
	}
	return messages, nil
}

// ForEach calls fn for every stored message, oldest first, stopping at the first error fn returns
func (s *Store) ForEach(ctx context.Context, fn func(message.ChatMessage) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return &StorageError{Path: s.path, Op: "query", Err: ErrClosed}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, username, text, timestamp, is_system
		 FROM messages ORDER BY timestamp ASC, id ASC`)
	if err != nil {
		return &StorageError{Path: s.path, Op: "query", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		msg, err := s.scanMessage(rows)
		if err != nil {
			return &StorageError{Path: s.path, Op: "query", Err: fmt.Errorf("scan failed: %w", err)}
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) scanMessage(rows *sql.Rows) (message.ChatMessage, error) {
	return scanMessage(rows, s.key)
}

func scanMessage(rows *sql.Rows, key message.ChannelKey) (message.ChatMessage, error) {
	var (
		messageID sql.NullString
		msg       message.ChatMessage
		nanos     int64
	)
	if err := rows.Scan(&messageID, &msg.Username, &msg.Text, &nanos, &msg.IsSystemMessage); err != nil {
		return message.ChatMessage{}, err
	}
	msg.ID = messageID.String
	msg.Timestamp = time.Unix(0, nanos).UTC()
	msg.Platform = key.Platform
	msg.Channel = key.Name
	msg.Annotate()
	return msg, nil
}

// Count returns the number of stored messages, or 0 if the store is unavailable
func (s *Store) Count(ctx context.Context) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0
	}

	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		s.log.Debug().Err(err).Msg("Count failed")
		return 0
	}
	return n
}

// SizeBytes returns the on-disk size of the database including its write-ahead log, or 0 if missing
func (s *Store) SizeBytes() int64 {
	return fileSize(s.path)
}

// ClearMessages deletes every message but keeps the file, schema and metadata
func (s *Store) ClearMessages(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return &StorageError{Path: s.path, Op: "clear", Err: ErrClosed}
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return &StorageError{Path: s.path, Op: "clear", Err: err}
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		s.log.Debug().Err(err).Msg("Checkpoint after clear failed")
	}
	return nil
}

// Close checkpoints the write-ahead log and releases the file handle. It is safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}

	if _, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		s.log.Debug().Err(err).Msg("Checkpoint before close failed")
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return &StorageError{Path: s.path, Op: "close", Err: err}
	}
	s.log.Debug().Msg("Closed channel store")
	return nil
}

func readMetadata(ctx context.Context, db *sql.DB, key string) (string, bool, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, err
	}
	return value, true, nil
}

func fileSize(path string) int64 {
	var total int64
	for _, p := range []string{path, path + "-wal"} {
		if info, err := os.Stat(p); err == nil {
			total += info.Size()
		}
	}
	return total
}
