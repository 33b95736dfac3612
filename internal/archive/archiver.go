package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/john/chatkeep/internal/message"
	"github.com/john/chatkeep/internal/store"
)

// Archiver exports a channel's history and, with an uploader, ships it to S3.
// Exports that were uploaded are deleted locally unless KeepLocal is set.
type Archiver struct {
	exporter  *Exporter
	uploader  *Uploader
	keepLocal bool
	log       zerolog.Logger
}

// New creates an archiver. uploader may be nil to keep exports on disk only.
func New(exporter *Exporter, uploader *Uploader, keepLocal bool) *Archiver {
	return &Archiver{
		exporter:  exporter,
		uploader:  uploader,
		keepLocal: keepLocal || uploader == nil,
		log:       log.With().Str("component", "archive").Logger(),
	}
}

// Archive exports st and uploads the export. An empty history is skipped.
func (a *Archiver) Archive(ctx context.Context, key message.ChannelKey, st *store.Store) error {
	if st.Count(ctx) == 0 {
		a.log.Debug().Str("channel", key.Name).Str("platform", key.Platform.String()).Msg("Nothing to archive")
		return nil
	}

	path, _, err := a.exporter.Export(ctx, key, st)
	if err != nil {
		return fmt.Errorf("export %s: %w", key, err)
	}
	return a.ship(ctx, path)
}

// UploadPending uploads exports left over from earlier runs. Failures are logged and counted.
func (a *Archiver) UploadPending(ctx context.Context) (uploaded int, err error) {
	if a.uploader == nil {
		return 0, nil
	}

	files, err := Pending(a.exporter.Dir())
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		return 0, nil
	}

	a.log.Info().Int("files", len(files)).Msg("Uploading pending archives")
	for _, path := range files {
		if err := a.ship(ctx, path); err != nil {
			a.log.Error().Err(err).Str("file", filepath.Base(path)).Msg("Pending archive upload failed")
			continue
		}
		uploaded++
	}
	return uploaded, nil
}

func (a *Archiver) ship(ctx context.Context, path string) error {
	if a.uploader == nil {
		return nil
	}
	if _, err := a.uploader.Upload(ctx, path); err != nil {
		return err
	}
	if !a.keepLocal {
		if err := os.Remove(path); err != nil {
			a.log.Warn().Err(err).Str("file", filepath.Base(path)).Msg("Failed to delete uploaded export")
		}
	}
	return nil
}
