// Package supervisor owns the set of followed channels: their protocol clients,
// their stores and the add, remove and retry lifecycle that ties them together.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/john/chatkeep/internal/events"
	"github.com/john/chatkeep/internal/message"
	"github.com/john/chatkeep/internal/protocol"
	"github.com/john/chatkeep/internal/store"
	"github.com/john/chatkeep/internal/telemetry"
)

// LoggingPrefs persists each channel's logging flag
type LoggingPrefs interface {
	LoggingEnabled(key message.ChannelKey) (enabled, ok bool)
	SetLogging(key message.ChannelKey, enabled bool) error
	Forget(key message.ChannelKey) error
	Keys() []message.ChannelKey
}

// Blacklist decides whether a sender's messages are dropped entirely
type Blacklist interface {
	IsBlacklisted(username string) bool
}

// Archiver saves a channel's history somewhere durable before its store is deleted
type Archiver interface {
	Archive(ctx context.Context, key message.ChannelKey, st *store.Store) error
}

// Options configures a Supervisor. NewClient and DataDir are required.
type Options struct {
	DataDir   string
	NewClient protocol.Factory
	Bus       *events.Bus
	Prefs     LoggingPrefs
	Blacklist Blacklist
	Archiver  Archiver

	// MentionNames are extra usernames, besides followed channel names, that raise mention events
	MentionNames []string

	StatsEvery     int           // refresh store stats every N messages
	StatsInterval  time.Duration // and on this timer
	RetryInitial   time.Duration // first automatic reconnect delay
	RetryMax       time.Duration // reconnect delay cap
	DeleteAttempts int
	DeleteBackoff  time.Duration
	RestoreWorkers int
}

// Supervisor coordinates followed channels. All methods are safe for concurrent use.
type Supervisor struct {
	opts Options
	log  zerolog.Logger
	bus  *events.Bus

	channels registry[*FollowedChannel]
	clients  registry[protocol.Client]
	stores   registry[*store.Store]

	mentionNames map[string]bool

	baseCtx context.Context
	cancel  context.CancelFunc
	closed  atomic.Bool
}

// New creates a supervisor
func New(opts Options) (*Supervisor, error) {
	if opts.NewClient == nil {
		return nil, errors.New("supervisor: NewClient is required")
	}
	if opts.DataDir == "" {
		return nil, errors.New("supervisor: DataDir is required")
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus(events.DefaultBufferSize, nil)
	}
	if opts.StatsEvery <= 0 {
		opts.StatsEvery = 100
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = 30 * time.Second
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 5 * time.Second
	}
	if opts.RetryMax < opts.RetryInitial {
		opts.RetryMax = 5 * time.Minute
		if opts.RetryMax < opts.RetryInitial {
			opts.RetryMax = opts.RetryInitial
		}
	}
	if opts.DeleteAttempts <= 0 {
		opts.DeleteAttempts = store.DefaultDeleteAttempts
	}
	if opts.DeleteBackoff <= 0 {
		opts.DeleteBackoff = store.DefaultDeleteBackoff
	}
	if opts.RestoreWorkers <= 0 {
		opts.RestoreWorkers = 4
	}

	mentionNames := make(map[string]bool, len(opts.MentionNames))
	for _, name := range opts.MentionNames {
		if name = message.NormalizeChannel(name); name != "" {
			mentionNames[name] = true
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		opts:         opts,
		log:          log.With().Str("component", "supervisor").Logger(),
		bus:          opts.Bus,
		mentionNames: mentionNames,
		baseCtx:      ctx,
		cancel:       cancel,
	}, nil
}

// Bus returns the event bus the supervisor publishes to
func (s *Supervisor) Bus() *events.Bus { return s.bus }

// AddChannel follows a channel: it validates it, registers it, opens its store and connects.
// Errors are *AddError values naming the failed step. A soft connect failure still leaves the
// channel followed and offline with a retry scheduled; AddError.Kept reports that case.
func (s *Supervisor) AddChannel(ctx context.Context, name string, platform message.Platform, enableLogging bool) (err error) {
	key := message.NewKey(name, platform)
	if s.closed.Load() {
		return &AddError{Key: key, Step: StepValidate, Err: ErrClosed}
	}

	ctx, span := telemetry.StartSpan(ctx, "supervisor.AddChannel",
		attribute.String("channel", key.Name),
		attribute.String("platform", key.Platform.String()))
	defer func() { telemetry.EndSpan(span, err) }()

	logger := s.log.With().Str("channel", key.Name).Str("platform", key.Platform.String()).Logger()

	if _, ok := s.channels.Load(key); ok {
		return &AddError{Key: key, Step: StepRegister, Err: ErrAlreadyFollowed}
	}

	// Step 0: Validate the key and, where the platform supports it, that the channel exists
	var client protocol.Client
	err = s.step(ctx, logger, key, StepValidate, func(ctx context.Context) error {
		if err := key.Validate(); err != nil {
			return &protocol.ValidationError{Channel: key.Name, Platform: key.Platform, Reason: err.Error()}
		}

		c, err := s.opts.NewClient(key.Platform, s.handlersFor(key))
		if err != nil {
			return &protocol.ValidationError{Channel: key.Name, Platform: key.Platform, Reason: "no client for platform", Err: err}
		}
		client = c

		if v, ok := c.(protocol.Validator); ok {
			if err := v.Validate(ctx, key.Name); err != nil {
				if !protocol.IsSoft(err) {
					return err
				}
				// existence is checked again when connecting
				logger.Warn().Err(err).Msg("Channel existence check unavailable, continuing")
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Step 1: Register the channel record, rejecting a concurrent add of the same key
	fc := newFollowedChannel(key, enableLogging)
	fc.opMu.Lock()
	defer fc.opMu.Unlock()

	err = s.step(ctx, logger, key, StepRegister, func(context.Context) error {
		if _, loaded := s.channels.LoadOrStore(key, fc); loaded {
			return ErrAlreadyFollowed
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publishState(fc)

	var st *store.Store
	unwind := func() {
		s.unwind(logger, fc, client, st)
	}

	// Step 2: Wire the client to this key
	err = s.step(ctx, logger, key, StepCreateClient, func(context.Context) error {
		s.clients.Store(key, client)
		return nil
	})
	if err != nil {
		unwind()
		return err
	}

	// Step 3: Open the channel store
	err = s.step(ctx, logger, key, StepOpenStore, func(ctx context.Context) error {
		opened, err := store.Open(ctx, s.opts.DataDir, key)
		if err != nil {
			return err
		}
		st = opened
		s.stores.Store(key, st)
		return nil
	})
	if err != nil {
		unwind()
		return err
	}

	// Step 4: Record which platform the file belongs to
	err = s.step(ctx, logger, key, StepWriteMetadata, func(ctx context.Context) error {
		if err := st.SetMetadata(ctx, store.MetaPlatform, key.Platform.String()); err != nil {
			return err
		}
		if st.Created() {
			return st.SetMetadata(ctx, "created_at", time.Now().UTC().Format(time.RFC3339))
		}
		return nil
	})
	if err != nil {
		unwind()
		return err
	}

	// Step 5: Load any history that is already on disk
	err = s.step(ctx, logger, key, StepLoadStats, func(ctx context.Context) error {
		fc.applyStats(st.Count(ctx), st.SizeBytes(), true)
		return nil
	})
	if err != nil {
		unwind()
		return err
	}

	if s.opts.Prefs != nil {
		if err := s.opts.Prefs.SetLogging(key, enableLogging); err != nil {
			logger.Warn().Err(err).Msg("Failed to save logging preference")
		}
	}

	// Step 6: Connect
	err = s.step(ctx, logger, key, StepConnect, func(ctx context.Context) error {
		return s.connect(ctx, fc, client)
	})
	if err != nil {
		var addErr *AddError
		if errors.As(err, &addErr) && addErr.Kept() {
			logger.Info().Err(addErr.Err).Msg("Channel followed offline, will retry")
			return err
		}
		unwind()
		if s.opts.Prefs != nil {
			if err := s.opts.Prefs.Forget(key); err != nil {
				logger.Warn().Err(err).Msg("Failed to forget logging preference")
			}
		}
		return err
	}

	logger.Info().Bool("logging", enableLogging).Msg("Channel followed")
	return nil
}

// step runs one pipeline stage in its own span and wraps its error in an AddError
func (s *Supervisor) step(ctx context.Context, logger zerolog.Logger, key message.ChannelKey, step Step, fn func(context.Context) error) error {
	ctx, span := telemetry.StartSpan(ctx, "supervisor.add."+step.String())
	logger.Debug().Str("step", step.String()).Msg("Add channel step")

	err := fn(ctx)
	telemetry.EndSpan(span, err)
	if err == nil {
		return nil
	}

	if step == StepConnect && protocol.IsSoft(err) {
		logger.Warn().Err(err).Str("step", step.String()).Msg("Add channel step failed softly")
	} else {
		logger.Error().Err(err).Str("step", step.String()).Msg("Add channel step failed")
	}
	return &AddError{Key: key, Step: step, Err: err}
}

// unwind removes every trace of a failed add. A store file the add created is deleted.
func (s *Supervisor) unwind(logger zerolog.Logger, fc *FollowedChannel, client protocol.Client, st *store.Store) {
	key := fc.key
	fc.markRemoved()

	if client != nil {
		s.clients.CompareAndDelete(key, client)
		if err := client.Disconnect(); err != nil {
			logger.Debug().Err(err).Msg("Disconnect during unwind failed")
		}
	}
	if st != nil {
		s.stores.CompareAndDelete(key, st)
		if err := st.Close(); err != nil {
			logger.Warn().Err(err).Msg("Closing store during unwind failed")
		}
		if st.Created() {
			if err := store.Delete(st.Path(), s.opts.DeleteAttempts, s.opts.DeleteBackoff); err != nil {
				logger.Warn().Err(err).Msg("Failed to delete store created by a failed add")
			}
		}
	}
	s.channels.CompareAndDelete(key, fc)
	s.updateGauge()
	logger.Debug().Msg("Unwound partial add")
}

// connect runs client.Connect and records the outcome on fc
func (s *Supervisor) connect(ctx context.Context, fc *FollowedChannel, client protocol.Client) error {
	if fc.setState(StateConnecting) {
		s.publishState(fc)
	}
	fc.setClosing(false)

	start := time.Now()
	err := client.Connect(ctx, fc.key.Name)
	telemetry.ObserveConnect(fc.key.Platform.String(), connectResult(err), time.Since(start))

	if err == nil {
		if fc.setConnected() {
			s.publishState(fc)
		}
		return nil
	}

	fc.setError(err)
	s.publishState(fc)
	s.bus.Publish(events.Event{Kind: events.KindError, Channel: fc.key.Name, Platform: fc.key.Platform, Error: err.Error()})
	if protocol.IsSoft(err) {
		s.scheduleRetry(fc)
	}
	return err
}

func connectResult(err error) string {
	var timeout *protocol.TimeoutError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &timeout):
		return "timeout"
	case protocol.IsValidation(err):
		return "validation"
	case protocol.IsSoft(err):
		return "transport"
	default:
		return "other"
	}
}

// RemoveChannel stops following a channel and deletes its history. With an archiver configured
// the history is archived first and a failed archive aborts the removal. removed is false when
// the channel was not followed. A failure to delete the file is returned after the channel has
// already been unregistered.
func (s *Supervisor) RemoveChannel(ctx context.Context, name string, platform message.Platform) (removed bool, err error) {
	key := message.NewKey(name, platform)
	fc, ok := s.channels.Load(key)
	if !ok {
		return false, nil
	}

	ctx, span := telemetry.StartSpan(ctx, "supervisor.RemoveChannel",
		attribute.String("channel", key.Name),
		attribute.String("platform", key.Platform.String()))
	defer func() { telemetry.EndSpan(span, err) }()

	fc.opMu.Lock()
	defer fc.opMu.Unlock()
	if fc.isRemoved() {
		return false, nil
	}

	logger := s.log.With().Str("channel", key.Name).Str("platform", key.Platform.String()).Logger()
	st, hasStore := s.stores.Load(key)

	if hasStore && s.opts.Archiver != nil {
		if err := s.opts.Archiver.Archive(ctx, key, st); err != nil {
			telemetry.CountArchiveUpload(false)
			return false, fmt.Errorf("archive history: %w", err)
		}
		telemetry.CountArchiveUpload(true)
	}

	fc.markRemoved()

	if client, ok := s.clients.Load(key); ok {
		if err := client.Disconnect(); err != nil {
			logger.Warn().Err(err).Msg("Disconnect failed, continuing removal")
		}
		s.clients.CompareAndDelete(key, client)
	}

	path := store.PathFor(s.opts.DataDir, key)
	if hasStore {
		path = st.Path()
		if err := st.Close(); err != nil {
			logger.Warn().Err(err).Msg("Closing store failed, continuing removal")
		}
		s.stores.CompareAndDelete(key, st)
	}

	deleteErr := store.Delete(path, s.opts.DeleteAttempts, s.opts.DeleteBackoff)

	s.channels.CompareAndDelete(key, fc)
	if s.opts.Prefs != nil {
		if err := s.opts.Prefs.Forget(key); err != nil {
			logger.Warn().Err(err).Msg("Failed to forget logging preference")
		}
	}
	s.updateGauge()
	s.bus.Publish(events.Event{Kind: events.KindRemoved, Channel: key.Name, Platform: key.Platform})

	if deleteErr != nil {
		logger.Error().Err(deleteErr).Msg("Channel removed but its store file could not be deleted")
		return true, deleteErr
	}
	logger.Info().Msg("Channel removed")
	return true, nil
}

// RetryConnection reconnects a followed channel. It is a no-op when already connected.
func (s *Supervisor) RetryConnection(ctx context.Context, name string, platform message.Platform) error {
	key := message.NewKey(name, platform)
	fc, ok := s.channels.Load(key)
	if !ok {
		return ErrNotFollowed
	}

	fc.opMu.Lock()
	defer fc.opMu.Unlock()
	if fc.isRemoved() {
		return ErrNotFollowed
	}
	if s.closed.Load() {
		return ErrClosed
	}

	client, ok := s.clients.Load(key)
	if !ok {
		return ErrNotFollowed
	}
	if client.IsConnected() {
		return nil
	}

	fc.stopRetry()
	s.log.Info().Str("channel", key.Name).Str("platform", key.Platform.String()).Msg("Retrying connection")
	return s.connect(ctx, fc, client)
}

// SetLogging turns persistence on or off for a channel and saves the preference
func (s *Supervisor) SetLogging(name string, platform message.Platform, enabled bool) error {
	key := message.NewKey(name, platform)
	fc, ok := s.channels.Load(key)
	if !ok {
		return ErrNotFollowed
	}

	fc.setLogging(enabled)
	s.publishState(fc)
	if s.opts.Prefs != nil {
		if err := s.opts.Prefs.SetLogging(key, enabled); err != nil {
			return fmt.Errorf("save logging preference: %w", err)
		}
	}
	return nil
}

// ClearHistory erases a channel's stored messages but keeps following it
func (s *Supervisor) ClearHistory(ctx context.Context, name string, platform message.Platform) error {
	key := message.NewKey(name, platform)
	fc, ok := s.channels.Load(key)
	if !ok {
		return ErrNotFollowed
	}

	fc.opMu.Lock()
	defer fc.opMu.Unlock()
	st, ok := s.stores.Load(key)
	if !ok || fc.isRemoved() {
		return ErrNotFollowed
	}

	if err := st.ClearMessages(ctx); err != nil {
		return err
	}
	fc.applyStats(st.Count(ctx), st.SizeBytes(), true)
	s.publishState(fc)
	return nil
}

// RecentMessages returns a channel's newest stored messages, newest first
func (s *Supervisor) RecentMessages(ctx context.Context, name string, platform message.Platform, limit int) ([]message.ChatMessage, error) {
	st, ok := s.stores.Load(message.NewKey(name, platform))
	if !ok {
		return nil, ErrNotFollowed
	}
	return st.RecentMessages(ctx, limit)
}

// Channel returns a snapshot of one followed channel
func (s *Supervisor) Channel(name string, platform message.Platform) (ChannelInfo, bool) {
	fc, ok := s.channels.Load(message.NewKey(name, platform))
	if !ok {
		return ChannelInfo{}, false
	}
	return fc.snapshot(), true
}

// Channels returns snapshots of every followed channel, ordered by platform then name
func (s *Supervisor) Channels() []ChannelInfo {
	var infos []ChannelInfo
	s.channels.Range(func(_ message.ChannelKey, fc *FollowedChannel) bool {
		infos = append(infos, fc.snapshot())
		return true
	})
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Platform != infos[j].Platform {
			return infos[i].Platform < infos[j].Platform
		}
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Close disconnects every client and closes every store; files are kept.
// It waits for a channel's in-flight add or reconnect to finish before tearing it down.
func (s *Supervisor) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()

	var errs []error
	s.channels.Range(func(key message.ChannelKey, fc *FollowedChannel) bool {
		fc.opMu.Lock()
		defer fc.opMu.Unlock()

		fc.setClosing(true)
		fc.stopRetry()
		if client, ok := s.clients.Load(key); ok {
			if err := client.Disconnect(); err != nil {
				errs = append(errs, fmt.Errorf("disconnect %s: %w", key, err))
			}
		}
		if st, ok := s.stores.Load(key); ok {
			if err := st.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		return true
	})
	s.log.Info().Int("channels", s.channels.Len()).Msg("Supervisor closed")
	return errors.Join(errs...)
}

func (s *Supervisor) publishState(fc *FollowedChannel) {
	info := fc.snapshot()
	s.bus.Publish(events.Event{Kind: events.KindState, Channel: info.Name, Platform: info.Platform, State: info.State.String()})
	s.updateGauge()
}

func (s *Supervisor) updateGauge() {
	counts := make(map[string]map[string]int)
	s.channels.Range(func(key message.ChannelKey, fc *FollowedChannel) bool {
		platform := key.Platform.String()
		if counts[platform] == nil {
			counts[platform] = make(map[string]int)
		}
		counts[platform][fc.State().String()]++
		return true
	})
	telemetry.SetFollowed(counts)
}

// isMentionTarget reports whether a mentioned username should raise a mention event
func (s *Supervisor) isMentionTarget(username string) bool {
	name := strings.ToLower(username)
	if s.mentionNames[name] {
		return true
	}
	found := false
	s.channels.Range(func(key message.ChannelKey, _ *FollowedChannel) bool {
		if key.Name == name {
			found = true
			return false
		}
		return true
	})
	return found
}
