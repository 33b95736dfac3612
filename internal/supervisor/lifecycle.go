package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/john/chatkeep/internal/message"
	"github.com/john/chatkeep/internal/store"
)

// backoff returns the delay before automatic retry number attempt (0-based)
func (s *Supervisor) backoff(attempt int) time.Duration {
	delay := s.opts.RetryInitial
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= s.opts.RetryMax {
			return s.opts.RetryMax
		}
	}
	return delay
}

// scheduleRetry arms a single reconnect timer for fc unless one is pending
func (s *Supervisor) scheduleRetry(fc *FollowedChannel) {
	if s.closed.Load() {
		return
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.removed || fc.retryTimer != nil {
		return
	}

	delay := s.backoff(fc.retryAttempt)
	fc.retryAttempt++
	key := fc.key

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		fc.mu.Lock()
		if fc.retryTimer != timer {
			fc.mu.Unlock()
			return
		}
		fc.retryTimer = nil
		fc.mu.Unlock()

		if err := s.RetryConnection(s.baseCtx, key.Name, key.Platform); err != nil && !errors.Is(err, ErrNotFollowed) && !errors.Is(err, ErrClosed) {
			s.log.Debug().Err(err).Str("channel", key.Name).Str("platform", key.Platform.String()).Msg("Automatic retry failed")
		}
	})
	fc.retryTimer = timer

	s.log.Info().
		Str("channel", key.Name).
		Str("platform", key.Platform.String()).
		Dur("delay", delay).
		Int("attempt", fc.retryAttempt).
		Msg("Scheduled reconnect")
}

// refreshStats re-reads count and size from the channel's store
func (s *Supervisor) refreshStats(key message.ChannelKey, fc *FollowedChannel) {
	st, ok := s.stores.Load(key)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(s.baseCtx, appendTimeout)
	defer cancel()
	fc.applyStats(st.Count(ctx), st.SizeBytes(), false)
}

// RefreshStats re-reads store stats for every followed channel
func (s *Supervisor) RefreshStats() {
	s.channels.Range(func(key message.ChannelKey, fc *FollowedChannel) bool {
		if !fc.isRemoved() {
			s.refreshStats(key, fc)
		}
		return true
	})
	s.updateGauge()
}

// Run refreshes stats on the configured interval until ctx is done
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.baseCtx.Done():
			return
		case <-ticker.C:
			s.RefreshStats()
		}
	}
}

// Restore follows every channel that has a store in the data directory, a saved preference,
// or is listed in extra. Channels are added concurrently; those that cannot connect stay offline.
// It returns how many channels ended up followed and the hard failures.
func (s *Supervisor) Restore(ctx context.Context, extra []message.ChannelKey) (int, error) {
	discovered, err := store.Discover(ctx, s.opts.DataDir)
	if err != nil {
		return 0, err
	}

	seen := make(map[message.ChannelKey]bool)
	var keys []message.ChannelKey
	add := func(list []message.ChannelKey) {
		for _, k := range list {
			k = message.NewKey(k.Name, k.Platform)
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	add(discovered)
	if s.opts.Prefs != nil {
		add(s.opts.Prefs.Keys())
	}
	add(extra)

	s.log.Info().Int("discovered", len(discovered)).Int("total", len(keys)).Msg("Restoring followed channels")

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
		sem  = make(chan struct{}, s.opts.RestoreWorkers)
	)
	for _, key := range keys {
		logging := true
		if s.opts.Prefs != nil {
			if enabled, ok := s.opts.Prefs.LoggingEnabled(key); ok {
				logging = enabled
			}
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(key message.ChannelKey, logging bool) {
			defer wg.Done()
			defer func() { <-sem }()

			err := s.AddChannel(ctx, key.Name, key.Platform, logging)
			var addErr *AddError
			switch {
			case err == nil:
			case errors.As(err, &addErr) && (addErr.Kept() || errors.Is(err, ErrAlreadyFollowed)):
			default:
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(key, logging)
	}
	wg.Wait()

	followed := 0
	for _, key := range keys {
		if _, ok := s.channels.Load(key); ok {
			followed++
		}
	}
	return followed, errors.Join(errs...)
}
