// Package metrics exposes Prometheus collectors for the worker and hub.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wsagent_commands_total",
		Help: "Total number of commands dispatched by kind",
	}, []string{"kind"})

	CommandRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wsagent_command_rejections_total",
		Help: "Total number of commands dropped locally by kind and reason",
	}, []string{"kind", "reason"})

	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wsagent_events_total",
		Help: "Total number of events published by kind",
	}, []string{"kind"})

	QueueDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wsagent_queue_dropped_total",
		Help: "Total number of entries evicted from a full queue",
	}, []string{"queue"})

	SendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wsagent_sends_total",
		Help: "Total number of outbound sends by result",
	}, []string{"result"})

	CommandsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wsagent_commands_pending",
		Help: "Commands submitted to the hub and not yet dispatched",
	})

	OutboxDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wsagent_outbox_depth",
		Help: "Messages queued for the engine and not yet handed to it",
	})

	SendInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wsagent_send_in_flight",
		Help: "1 while the engine is inside a send, 0 otherwise",
	})

	WorkerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wsagent_worker_state",
		Help: "Current worker state (0=idle 1=running 2=suspended 3=stopping 4=stopped)",
	})
)

// IncCommand records a dispatched command.
func IncCommand(kind string) {
	CommandsTotal.WithLabelValues(orUnknown(kind)).Inc()
}

// IncRejection records a command dropped with a StateError or ValidationError.
func IncRejection(kind, reason string) {
	CommandRejectionsTotal.WithLabelValues(orUnknown(kind), orUnknown(reason)).Inc()
}

// IncEvent records a published event.
func IncEvent(kind string) {
	EventsTotal.WithLabelValues(orUnknown(kind)).Inc()
}

// IncQueueDrop records an eviction from the named queue.
func IncQueueDrop(queue string) {
	QueueDroppedTotal.WithLabelValues(orUnknown(queue)).Inc()
}

// IncSend records the outcome of an engine send ("ok", "failed", "rejected").
func IncSend(result string) {
	SendsTotal.WithLabelValues(orUnknown(result)).Inc()
}

// SetWorkerState publishes the numeric worker state.
func SetWorkerState(state int) {
	WorkerState.Set(float64(state))
}

// SetCommandsPending publishes the hub's undispatched command count.
func SetCommandsPending(n int64) {
	CommandsPending.Set(float64(n))
}

// SetOutboxDepth publishes the number of queued outbound messages.
func SetOutboxDepth(n int) {
	OutboxDepth.Set(float64(n))
}

// SetSendInFlight marks whether an engine send is in progress.
func SetSendInFlight(busy bool) {
	if busy {
		SendInFlight.Set(1)
		return
	}
	SendInFlight.Set(0)
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
