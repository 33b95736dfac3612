// Package telemetry provides Prometheus metrics, OpenTelemetry tracing and logging setup.
package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesReceived  *prometheus.CounterVec // platform
	MessagesPersisted *prometheus.CounterVec // platform
	MessagesDropped   *prometheus.CounterVec // reason: blacklist, event_buffer
	AppendFailures    prometheus.Counter
	ConnectAttempts   *prometheus.CounterVec // platform, result: ok, timeout, transport, validation
	ArchiveUploads    *prometheus.CounterVec // result: ok, failed

	// Histograms (seconds)
	ConnectDuration *prometheus.HistogramVec // platform

	// Gauges
	FollowedChannels *prometheus.GaugeVec // platform, state
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatkeep_messages_received_total", Help: "Chat messages received from platforms"}, []string{"platform"})
		MessagesPersisted = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatkeep_messages_persisted_total", Help: "Chat messages written to channel stores"}, []string{"platform"})
		MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatkeep_messages_dropped_total", Help: "Chat messages or events dropped before delivery"}, []string{"reason"})
		AppendFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "chatkeep_append_failures_total", Help: "Failed writes to channel stores"})
		ConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatkeep_connect_attempts_total", Help: "Channel connect attempts by outcome"}, []string{"platform", "result"})
		ArchiveUploads = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatkeep_archive_uploads_total", Help: "History archive uploads by outcome"}, []string{"result"})
		ConnectDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "chatkeep_connect_duration_seconds", Help: "Time from connect call to confirmation or failure", Buckets: prometheus.DefBuckets}, []string{"platform"})
		FollowedChannels = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "chatkeep_followed_channels", Help: "Followed channels by platform and connection state"}, []string{"platform", "state"})
	})
}

// CountReceived records an incoming message for platform.
func CountReceived(platform string) {
	if MessagesReceived != nil {
		MessagesReceived.WithLabelValues(platform).Inc()
	}
}

// CountPersisted records a stored message for platform.
func CountPersisted(platform string) {
	if MessagesPersisted != nil {
		MessagesPersisted.WithLabelValues(platform).Inc()
	}
}

// CountDropped records a dropped message or event.
func CountDropped(reason string) {
	if MessagesDropped != nil {
		MessagesDropped.WithLabelValues(reason).Inc()
	}
}

// CountAppendFailure records a failed store write.
func CountAppendFailure() {
	if AppendFailures != nil {
		AppendFailures.Inc()
	}
}

// ObserveConnect records one connect attempt and how long it took.
func ObserveConnect(platform, result string, d time.Duration) {
	if ConnectAttempts != nil {
		ConnectAttempts.WithLabelValues(platform, result).Inc()
	}
	if ConnectDuration != nil {
		ConnectDuration.WithLabelValues(platform).Observe(d.Seconds())
	}
}

// CountArchiveUpload records an archive upload outcome.
func CountArchiveUpload(ok bool) {
	if ArchiveUploads == nil {
		return
	}
	if ok {
		ArchiveUploads.WithLabelValues("ok").Inc()
	} else {
		ArchiveUploads.WithLabelValues("failed").Inc()
	}
}

// SetFollowed replaces the followed-channel gauge with the given counts keyed by platform then state.
func SetFollowed(counts map[string]map[string]int) {
	if FollowedChannels == nil {
		return
	}
	FollowedChannels.Reset()
	for platform, states := range counts {
		for state, n := range states {
			FollowedChannels.WithLabelValues(platform, state).Set(float64(n))
		}
	}
}
