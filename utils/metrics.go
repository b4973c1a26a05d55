package utils

import "github.com/prometheus/client_golang/prometheus"

var (
	SendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outreach_sends_total", Help: "Dispatch outcomes"},
		[]string{"result"},
	)
	SendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "outreach_send_latency_seconds", Help: "Transport send latency"},
	)
	Deferrals = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outreach_deferrals_total", Help: "Sends deferred by the window evaluator"},
		[]string{"reason"},
	)
	TrackingEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outreach_tracking_events_total", Help: "Open/click/unsubscribe hits"},
		[]string{"kind", "result"},
	)
	InboundMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outreach_inbound_messages_total", Help: "Inbound messages by source and classification"},
		[]string{"source", "classification"},
	)
	InboxSyncErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outreach_inbox_sync_errors_total", Help: "IMAP poll failures"},
		[]string{"stage"},
	)
	AutomationHooks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outreach_automation_hooks_total", Help: "Automation hook deliveries"},
		[]string{"kind", "result"},
	)
	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "outreach_tick_duration_seconds", Help: "Scheduler tick duration"},
	)
)

func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(SendsTotal, SendLatency, Deferrals, TrackingEvents, InboundMessages, InboxSyncErrors, AutomationHooks, TickDuration)
}
