package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/beatforge/relay"
)

// Metrics holds all the OpenTelemetry metric instruments. Without a
// configured meter provider every instrument is a no-op, so callers
// record unconditionally.
type Metrics struct {
	// Lifecycle metrics
	SessionsActive metric.Int64UpDownCounter
	PeersActive    metric.Int64UpDownCounter

	// Message metrics
	MessagesTotal         metric.Int64Counter
	MessagesRejectedTotal metric.Int64Counter
	ChatMessagesTotal     metric.Int64Counter
	StateUpdatesTotal     metric.Int64Counter

	// Fan-out metrics
	BroadcastEventsTotal metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.SessionsActive, _ = meter.Int64UpDownCounter(
		"relay.sessions.active",
		metric.WithDescription("Number of live collaboration sessions"),
		metric.WithUnit("{session}"),
	)

	m.PeersActive, _ = meter.Int64UpDownCounter(
		"relay.peers.active",
		metric.WithDescription("Number of connected peers"),
		metric.WithUnit("{peer}"),
	)

	m.MessagesTotal, _ = meter.Int64Counter(
		"relay.messages.total",
		metric.WithDescription("Total number of inbound messages"),
		metric.WithUnit("{message}"),
	)

	m.MessagesRejectedTotal, _ = meter.Int64Counter(
		"relay.messages.rejected.total",
		metric.WithDescription("Total number of messages rejected by validation or rate limiting"),
		metric.WithUnit("{message}"),
	)

	m.ChatMessagesTotal, _ = meter.Int64Counter(
		"relay.chat.messages.total",
		metric.WithDescription("Total number of chat messages accepted"),
		metric.WithUnit("{message}"),
	)

	m.StateUpdatesTotal, _ = meter.Int64Counter(
		"relay.state.updates.total",
		metric.WithDescription("Total number of accepted state updates"),
		metric.WithUnit("{update}"),
	)

	m.BroadcastEventsTotal, _ = meter.Int64Counter(
		"relay.broadcast.events.total",
		metric.WithDescription("Total number of events fanned out to peers"),
		metric.WithUnit("{event}"),
	)

	return m
}
