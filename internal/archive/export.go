// Package archive exports a channel's stored history to JSONL and ships it to S3
// before the channel's store is deleted.
package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/john/chatkeep/internal/message"
	"github.com/john/chatkeep/internal/store"
)

// Ext is the extension of exported history files
const Ext = ".jsonl"

const timestampLayout = "20060102_1504"

// FileName returns the export name for a channel at t: <platform>_<channel>_<YYYYMMDD_HHMM>.jsonl
func FileName(key message.ChannelKey, t time.Time) string {
	return fmt.Sprintf("%s_%s_%s%s", key.Platform, key.Name, t.UTC().Format(timestampLayout), Ext)
}

// Exporter writes stored history to JSONL files in a directory
type Exporter struct {
	dir string
	now func() time.Time
}

// NewExporter creates an exporter that writes into dir
func NewExporter(dir string) *Exporter {
	return &Exporter{dir: dir, now: time.Now}
}

// Dir returns the export directory
func (e *Exporter) Dir() string { return e.dir }

// Export writes every stored message of st, oldest first, one JSON object per line.
// It returns the file path and the number of messages written. A partial file is removed on error.
func (e *Exporter) Export(ctx context.Context, key message.ChannelKey, st *store.Store) (path string, n int, err error) {
	if err := os.MkdirAll(e.dir, 0755); err != nil {
		return "", 0, fmt.Errorf("create export directory: %w", err)
	}

	path = filepath.Join(e.dir, FileName(key, e.now()))
	file, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("create file: %w", err)
	}
	defer func() {
		if err != nil {
			file.Close()
			os.Remove(path)
		}
	}()

	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	err = st.ForEach(ctx, func(msg message.ChatMessage) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := enc.Encode(msg); err != nil {
			return fmt.Errorf("write message: %w", err)
		}
		n++
		return nil
	})
	if err != nil {
		return "", 0, err
	}

	if err = w.Flush(); err != nil {
		return "", 0, fmt.Errorf("flush: %w", err)
	}
	if err = file.Close(); err != nil {
		return "", 0, fmt.Errorf("close file: %w", err)
	}

	log.Info().Str("component", "archive").Str("file", filepath.Base(path)).Int("messages", n).Msg("Exported channel history")
	return path, n, nil
}

// Pending lists export files left in dir, typically by uploads that never completed
func Pending(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != Ext {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	return files, nil
}
