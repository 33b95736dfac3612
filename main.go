package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/john/chatkeep/internal/archive"
	"github.com/john/chatkeep/internal/config"
	"github.com/john/chatkeep/internal/events"
	"github.com/john/chatkeep/internal/kick"
	"github.com/john/chatkeep/internal/message"
	"github.com/john/chatkeep/internal/prefs"
	"github.com/john/chatkeep/internal/protocol"
	"github.com/john/chatkeep/internal/status"
	"github.com/john/chatkeep/internal/supervisor"
	"github.com/john/chatkeep/internal/telemetry"
	"github.com/john/chatkeep/internal/twitch"
)

var version = "dev"

func main() {
	// Get config path from environment variable or use default
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := telemetry.SetupLogging(cfg.Log.Level, cfg.Log.Format); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	log.Info().Str("version", version).Str("data_dir", cfg.DataDir).Msg("Chatkeep starting")

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("Chatkeep stopped with error")
	}
	log.Info().Msg("Chatkeep stopped")
}

func run(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("chatkeep", version)
	if err != nil {
		log.Warn().Err(err).Msg("Tracing disabled")
		shutdownTracing = func() {}
	}
	defer shutdownTracing()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	userPrefs, err := prefs.Load(cfg.PrefsPath)
	if err != nil {
		return fmt.Errorf("load preferences: %w", err)
	}
	if len(cfg.Blacklist) > 0 {
		if err := userPrefs.Block(cfg.Blacklist...); err != nil {
			log.Warn().Err(err).Msg("Failed to save configured blacklist")
		}
	}
	// Configured logging flags apply only to channels without a saved preference
	for _, ch := range cfg.Channels {
		key, err := ch.Key()
		if err != nil {
			continue
		}
		if _, ok := userPrefs.LoggingEnabled(key); !ok {
			userPrefs.SetLogging(key, ch.LoggingEnabled())
		}
	}

	bus := events.NewBus(cfg.Supervisor.EventBuffer, func(events.Kind) {
		telemetry.CountDropped("event_buffer")
	})
	defer bus.Close()

	factory, err := newClientFactory(cfg)
	if err != nil {
		return err
	}

	var archiver supervisor.Archiver
	var arch *archive.Archiver
	if cfg.Archive.Enabled {
		arch, err = newArchiver(ctx, cfg)
		if err != nil {
			return err
		}
		archiver = arch
	}

	sup, err := supervisor.New(supervisor.Options{
		DataDir:        cfg.DataDir,
		NewClient:      factory,
		Bus:            bus,
		Prefs:          userPrefs,
		Blacklist:      userPrefs,
		Archiver:       archiver,
		MentionNames:   cfg.MentionNames,
		StatsEvery:     cfg.Supervisor.StatsEvery,
		StatsInterval:  cfg.Supervisor.StatsInterval,
		RetryInitial:   cfg.Supervisor.RetryInitial,
		RetryMax:       cfg.Supervisor.RetryMax,
		DeleteAttempts: cfg.Supervisor.DeleteAttempts,
		DeleteBackoff:  cfg.Supervisor.DeleteBackoff,
		RestoreWorkers: cfg.Supervisor.RestoreWorkers,
	})
	if err != nil {
		return err
	}

	var statusServer *status.Server
	if cfg.StatusEnabled() {
		statusServer = status.New(cfg.Status.Addr, sup, bus)
	}

	var wg sync.WaitGroup

	if statusServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := statusServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Status server error")
			}
		}()
	}

	if arch != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if n, err := arch.UploadPending(ctx); err != nil {
				log.Warn().Err(err).Msg("Failed to scan for pending archives")
			} else if n > 0 {
				log.Info().Int("uploaded", n).Msg("Uploaded pending archives")
			}
		}()
	}

	followed, err := sup.Restore(ctx, cfg.StartupChannels())
	if err != nil {
		log.Error().Err(err).Msg("Some channels could not be restored")
	}
	log.Info().Int("channels", followed).Msg("All components started successfully")

	wg.Add(1)
	go func() {
		defer wg.Done()
		sup.Run(ctx)
	}()

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Supervisor.ShutdownTimeout)
	defer shutdownCancel()

	if statusServer != nil {
		if err := statusServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Error shutting down status server")
		}
	}
	if err := sup.Close(); err != nil {
		log.Warn().Err(err).Msg("Errors while closing channels")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("All components stopped gracefully")
	case <-shutdownCtx.Done():
		log.Warn().Msg("Shutdown timeout exceeded, forcing exit")
	}
	return nil
}

// newClientFactory builds the protocol.Factory the supervisor uses to create one client per channel
func newClientFactory(cfg *config.Config) (protocol.Factory, error) {
	var prober twitch.Prober
	switch {
	case cfg.Twitch.SkipProbe:
	case cfg.Twitch.ClientID != "" && cfg.Twitch.AppToken != "":
		helixProber, err := twitch.NewHelixProber(cfg.Twitch.ClientID, cfg.Twitch.AppToken, cfg.Twitch.HelixURL)
		if err != nil {
			return nil, err
		}
		prober = helixProber
		log.Info().Msg("Using Helix for Twitch channel checks")
	default:
		prober = twitch.NewPassportProber(cfg.Twitch.PassportURL)
	}

	twitchCfg := twitch.Config{
		Address:        cfg.Twitch.Address,
		TLS:            cfg.Twitch.TLS == nil || *cfg.Twitch.TLS,
		ConnectTimeout: cfg.Twitch.ConnectTimeout,
		Prober:         prober,
	}
	kickCfg := kick.Config{
		SocketURL:      cfg.Kick.SocketURL,
		ConnectTimeout: cfg.Kick.ConnectTimeout,
		JitterMin:      cfg.Kick.JitterMin,
		JitterMax:      cfg.Kick.JitterMax,
		Chatrooms:      cfg.KickChatrooms(),
		Resolver:       kick.NewResolver(cfg.Kick.APIURL, nil),
	}

	return func(platform message.Platform, h protocol.Handlers) (protocol.Client, error) {
		switch platform {
		case message.PlatformTwitch:
			return twitch.NewLineClient(twitchCfg, h), nil
		case message.PlatformKick:
			return kick.NewChatroomClient(kickCfg, h), nil
		default:
			return nil, fmt.Errorf("unsupported platform %q", platform)
		}
	}, nil
}

func newArchiver(ctx context.Context, cfg *config.Config) (*archive.Archiver, error) {
	exporter := archive.NewExporter(cfg.Archive.Dir)
	if cfg.Archive.S3.Bucket == "" {
		log.Info().Str("dir", cfg.Archive.Dir).Msg("Archiving removed channels locally only")
		return archive.New(exporter, nil, true), nil
	}

	s3 := cfg.Archive.S3
	if s3.RoleARN != "" {
		log.Info().Str("role", s3.RoleARN).Msg("Using OIDC authentication for archive uploads")
	} else if s3.AccessKeyID != "" {
		log.Warn().Msg("Using static AWS credentials (deprecated). Migrate to OIDC for better security.")
	}

	uploader, err := archive.NewUploader(ctx, archive.S3Options{
		Bucket:          s3.Bucket,
		Region:          s3.Region,
		Endpoint:        s3.Endpoint,
		Prefix:          s3.Prefix,
		RoleARN:         s3.RoleARN,
		TokenSocket:     s3.TokenSocket,
		AccessKeyID:     s3.AccessKeyID,
		SecretAccessKey: s3.SecretAccessKey,
		MaxRetries:      s3.MaxRetries,
		RetryBackoff:    s3.RetryBackoff,
	})
	if err != nil {
		return nil, fmt.Errorf("create uploader: %w", err)
	}
	return archive.New(exporter, uploader, cfg.Archive.KeepLocal), nil
}
