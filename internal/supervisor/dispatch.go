package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/john/chatkeep/internal/events"
	"github.com/john/chatkeep/internal/message"
	"github.com/john/chatkeep/internal/protocol"
	"github.com/john/chatkeep/internal/telemetry"
)

const appendTimeout = 5 * time.Second

// handlersFor binds a client's events to key. The handlers look the channel up on every
// call so they never act on a record that has been removed.
func (s *Supervisor) handlersFor(key message.ChannelKey) protocol.Handlers {
	return protocol.Handlers{
		OnMessage:      func(msg message.ChatMessage) { s.handleMessage(key, msg) },
		OnConnected:    func(channel string) { s.handleConnected(key) },
		OnDisconnected: func() { s.handleDisconnected(key) },
		OnError:        func(err error) { s.handleError(key, err) },
	}
}

// handleMessage runs one incoming message through the pipeline:
// annotate, blacklist, persist, count, mention routing, publish.
func (s *Supervisor) handleMessage(key message.ChannelKey, msg message.ChatMessage) {
	fc, ok := s.channels.Load(key)
	if !ok || fc.isRemoved() {
		return
	}

	msg.Annotate()
	if msg.Channel == "" {
		msg.Channel = key.Name
	}
	if msg.Platform == "" {
		msg.Platform = key.Platform
	}
	telemetry.CountReceived(key.Platform.String())

	if s.opts.Blacklist != nil && !msg.IsSystemMessage && s.opts.Blacklist.IsBlacklisted(msg.Username) {
		telemetry.CountDropped("blacklist")
		return
	}

	if fc.logging() && !msg.IsSystemMessage {
		if st, ok := s.stores.Load(key); ok {
			ctx, cancel := context.WithTimeout(s.baseCtx, appendTimeout)
			err := st.Append(ctx, msg)
			cancel()
			if err != nil {
				telemetry.CountAppendFailure()
				s.log.Warn().Err(err).Str("channel", key.Name).Str("platform", key.Platform.String()).Msg("Failed to persist message")
			} else {
				telemetry.CountPersisted(key.Platform.String())
			}
		}
	}

	if fc.recordMessage(msg.Timestamp, s.opts.StatsEvery) {
		s.refreshStats(key, fc)
	}

	for _, mentioned := range msg.Mentions() {
		if s.isMentionTarget(mentioned) {
			m := msg
			s.bus.Publish(events.Event{Kind: events.KindMention, Channel: key.Name, Platform: key.Platform, Message: &m, Mentioned: mentioned})
		}
	}

	s.bus.Publish(events.Event{Kind: events.KindMessage, Channel: key.Name, Platform: key.Platform, Message: &msg})
}

func (s *Supervisor) handleConnected(key message.ChannelKey) {
	fc, ok := s.channels.Load(key)
	if !ok || fc.isRemoved() {
		return
	}

	if fc.setConnected() {
		s.publishState(fc)
	}
	s.bus.Publish(events.Event{Kind: events.KindConnected, Channel: key.Name, Platform: key.Platform})
	s.publishNotice(key, fmt.Sprintf("Connected to #%s", key.Name))
}

func (s *Supervisor) handleDisconnected(key message.ChannelKey) {
	fc, ok := s.channels.Load(key)
	if !ok {
		return
	}

	s.bus.Publish(events.Event{Kind: events.KindDisconnected, Channel: key.Name, Platform: key.Platform})
	if fc.isRemoved() {
		return
	}
	s.publishNotice(key, fmt.Sprintf("Disconnected from #%s", key.Name))

	if fc.State() != StateError && fc.setState(StateDisconnected) {
		s.publishState(fc)
	}
	if !fc.isClosing() && !s.closed.Load() {
		s.scheduleRetry(fc)
	}
}

func (s *Supervisor) handleError(key message.ChannelKey, err error) {
	fc, ok := s.channels.Load(key)
	if !ok || fc.isRemoved() {
		return
	}

	s.log.Warn().Err(err).Str("channel", key.Name).Str("platform", key.Platform.String()).Msg("Channel connection error")
	fc.setError(err)
	s.publishState(fc)
	s.bus.Publish(events.Event{Kind: events.KindError, Channel: key.Name, Platform: key.Platform, Error: err.Error()})
}

// publishNotice publishes a system status line for a channel; notices are never persisted
func (s *Supervisor) publishNotice(key message.ChannelKey, text string) {
	notice := message.SystemMessage(key.Name, key.Platform, text)
	s.bus.Publish(events.Event{Kind: events.KindMessage, Channel: key.Name, Platform: key.Platform, Message: &notice})
}
