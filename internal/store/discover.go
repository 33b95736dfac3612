package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/john/chatkeep/internal/message"
)

// Discover lists the channels that have a database file in dir.
// Files named "<name>_<platform>.db" are keyed by their name. Older "<name>.db" files are keyed
// by the platform recorded in their metadata, or the default platform when none is recorded.
func Discover(ctx context.Context, dir string) ([]message.ChannelKey, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &StorageError{Path: dir, Op: "discover", Err: err}
	}

	logger := log.With().Str("component", "store").Logger()
	seen := make(map[message.ChannelKey]bool)
	var keys []message.ChannelKey

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), Ext) {
			continue
		}
		base := strings.TrimSuffix(entry.Name(), Ext)

		key, ok := message.ParseKey(base)
		if !ok {
			platform, err := legacyPlatform(ctx, filepath.Join(dir, entry.Name()))
			if err != nil {
				logger.Warn().Err(err).Str("file", entry.Name()).Msg("Skipping unreadable database file")
				continue
			}
			key = message.NewKey(base, platform)
		}

		if err := key.Validate(); err != nil {
			logger.Debug().Err(err).Str("file", entry.Name()).Msg("Skipping file that does not name a channel")
			continue
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		keys = append(keys, key)
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Platform != keys[j].Platform {
			return keys[i].Platform < keys[j].Platform
		}
		return keys[i].Name < keys[j].Name
	})
	return keys, nil
}

// legacyPlatform reads the platform recorded in an old-style file without writing to it
func legacyPlatform(ctx context.Context, path string) (message.Platform, error) {
	db, err := openReadOnly(path)
	if err != nil {
		return "", err
	}
	defer db.Close()

	value, ok, err := readMetadata(ctx, db, MetaPlatform)
	if err != nil {
		// files from before the metadata table existed
		if strings.Contains(err.Error(), "no such table") {
			return message.DefaultPlatform, nil
		}
		return "", err
	}
	if !ok {
		return message.DefaultPlatform, nil
	}

	platform, err := message.ParsePlatform(value)
	if err != nil {
		return message.DefaultPlatform, nil
	}
	return platform, nil
}

func openReadOnly(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, &StorageError{Path: path, Op: "open", Err: err}
	}
	db, err := sql.Open("sqlite", path+fmt.Sprintf(readOnlyDSN, busyTimeoutMillis))
	if err != nil {
		return nil, &StorageError{Path: path, Op: "open", Err: err}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &StorageError{Path: path, Op: "open", Err: fmt.Errorf("database ping failed: %w", err)}
	}
	return db, nil
}

// migrateLegacy renames "<name>.db" to "<name>_<platform>.db" when the old file belongs to key's platform
func migrateLegacy(ctx context.Context, dir string, key message.ChannelKey, logger zerolog.Logger) error {
	legacy := filepath.Join(dir, key.Name+Ext)
	target := PathFor(dir, key)

	if _, err := os.Stat(legacy); err != nil {
		return nil
	}
	if _, err := os.Stat(target); err == nil {
		return nil
	}
	if _, ok := message.ParseKey(key.Name); ok {
		// "<x>_<platform>.db" is already a current-style name
		return nil
	}

	platform, err := legacyPlatform(ctx, legacy)
	if err != nil {
		return err
	}
	if platform != key.Platform {
		return nil
	}

	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Rename(legacy+suffix, target+suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("rename %s: %w", filepath.Base(legacy+suffix), err)
		}
	}
	logger.Info().Str("from", filepath.Base(legacy)).Str("to", filepath.Base(target)).Msg("Migrated legacy database file")
	return nil
}
