// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RelayStreamsActive tracks open relay event channels.
	RelayStreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_streams_active",
			Help: "Number of open relay event channels",
		},
	)

	// RelayStreamsTotal counts finished relay invocations by outcome.
	RelayStreamsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_streams_total",
			Help: "Relay invocations by outcome",
		},
		[]string{"outcome"},
	)

	// RelayStreamDuration tracks how long each relay invocation kept its channel open.
	RelayStreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_stream_duration_seconds",
			Help:    "Relay stream duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120, 300},
		},
		[]string{"outcome"},
	)

	// RelayFramesTotal counts frames written by type.
	RelayFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_frames_total",
			Help: "Frames written to event channels",
		},
		[]string{"type"},
	)

	// LLMStreamDuration tracks chat-completion streaming duration.
	LLMStreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_stream_duration_seconds",
			Help:    "LLM streaming response duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"model", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)

	// CreditChargesTotal counts metering decisions by result.
	CreditChargesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_charges_total",
			Help: "Metering gate decisions",
		},
		[]string{"result"},
	)

	// HistoryWritesTotal counts history write attempts by result.
	HistoryWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "history_writes_total",
			Help: "Conversation history write attempts",
		},
		[]string{"result"},
	)

	// HistoryWriteFailures counts turns that could not be persisted after all retries.
	HistoryWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "history_write_failures_total",
			Help: "Turns dropped after exhausting persistence retries",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordRelayStream records a finished relay invocation.
func RecordRelayStream(outcome string, duration float64) {
	RelayStreamsTotal.WithLabelValues(outcome).Inc()
	RelayStreamDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordFrame counts one frame written.
func RecordFrame(eventType string) {
	RelayFramesTotal.WithLabelValues(eventType).Inc()
}

// RecordLLMStream records metrics for a chat-completion stream.
func RecordLLMStream(model, status string, duration float64, tokensIn, tokensOut int) {
	LLMStreamDuration.WithLabelValues(model, status).Observe(duration)
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}

// RecordCharge counts one metering decision.
func RecordCharge(result string) {
	CreditChargesTotal.WithLabelValues(result).Inc()
}

// IncrementStreams increments the open channel count.
func IncrementStreams() {
	RelayStreamsActive.Inc()
}

// DecrementStreams decrements the open channel count.
func DecrementStreams() {
	RelayStreamsActive.Dec()
}

// RecordHistoryWrite counts one history write attempt.
func RecordHistoryWrite(result string) {
	HistoryWritesTotal.WithLabelValues(result).Inc()
}

// RecordHistoryDropped counts a turn given up on after all retries.
func RecordHistoryDropped() {
	HistoryWriteFailures.Inc()
}
