package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
)

// Registry is the flat set of gateway counters.
//
// Counters are monotonically increasing and incremented with relaxed
// atomics; there is one Registry per process, shared by every component.
// Exposition is the Prometheus text format with, for each counter, an
// unlabelled aggregate sample plus one sample labelled with the gateway
// mode (and direction/result where the counter has a natural label).
type Registry struct {
	WSConnections        atomic.Uint64
	WSDisconnects        atomic.Uint64
	WSMessagesIn         atomic.Uint64
	WSMessagesOut        atomic.Uint64
	WSRateLimited        atomic.Uint64
	Publish              atomic.Uint64
	BrokerPublish        atomic.Uint64
	WebhookPublish       atomic.Uint64
	WebhookFailed        atomic.Uint64
	RabbitMQReplay       atomic.Uint64
	ReplayRequests       atomic.Uint64
	ReplayDenied         atomic.Uint64
	ReplayRateLimited    atomic.Uint64
	ReplayIdempotent     atomic.Uint64
	ReplaySuccess        atomic.Uint64
	ReplayErrors         atomic.Uint64
	BackpressureDropped  atomic.Uint64
	BackpressureClosed   atomic.Uint64
	BackpressureBuffered atomic.Uint64
}

// NewRegistry returns a zeroed counter registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Render produces the textual exposition for the given gateway mode.
// Unknown modes are reported as mode="unknown". Output ends with a newline.
func (r *Registry) Render(mode string) string {
	modeLabel := "unknown"
	switch mode {
	case "core", "terminator":
		modeLabel = mode
	}

	var b strings.Builder

	writeHelpType(&b, "ws_connections_total", "Total accepted websocket connections.")
	v := r.WSConnections.Load()
	writeSample(&b, "ws_connections_total", nil, v)
	writeSample(&b, "ws_connections_total", [][2]string{{"mode", modeLabel}}, v)

	writeHelpType(&b, "ws_disconnects_total", "Total websocket disconnects.")
	v = r.WSDisconnects.Load()
	writeSample(&b, "ws_disconnects_total", nil, v)
	writeSample(&b, "ws_disconnects_total", [][2]string{{"mode", modeLabel}}, v)

	writeHelpType(&b, "ws_messages_total", "Total websocket messages received/sent.")
	in := r.WSMessagesIn.Load()
	out := r.WSMessagesOut.Load()
	// The unlabelled sample carries the inbound count for parity with the
	// older unlabelled form of this counter.
	writeSample(&b, "ws_messages_total", nil, in)
	writeSample(&b, "ws_messages_total", [][2]string{{"mode", modeLabel}, {"direction", "in"}}, in)
	writeSample(&b, "ws_messages_total", [][2]string{{"mode", modeLabel}, {"direction", "out"}}, out)

	writeHelpType(&b, "ws_rate_limited_total", "Total websocket rate limited messages.")
	v = r.WSRateLimited.Load()
	writeSample(&b, "ws_rate_limited_total", nil, v)
	writeSample(&b, "ws_rate_limited_total", [][2]string{{"mode", modeLabel}, {"result", "rate_limited"}}, v)

	writeHelpType(&b, "publish_total", "Total publish requests.")
	v = r.Publish.Load()
	writeSample(&b, "publish_total", nil, v)
	writeSample(&b, "publish_total", [][2]string{{"mode", modeLabel}}, v)

	writeHelpType(&b, "broker_publish_total", "Total broker publish attempts.")
	v = r.BrokerPublish.Load()
	writeSample(&b, "broker_publish_total", nil, v)
	writeSample(&b, "broker_publish_total", [][2]string{{"mode", modeLabel}}, v)

	writeHelpType(&b, "webhook_publish_total", "Total webhook publish successes.")
	v = r.WebhookPublish.Load()
	writeSample(&b, "webhook_publish_total", nil, v)
	writeSample(&b, "webhook_publish_total", [][2]string{{"mode", modeLabel}, {"result", "ok"}}, v)

	writeHelpType(&b, "webhook_publish_failed_total", "Total webhook publish failures.")
	v = r.WebhookFailed.Load()
	writeSample(&b, "webhook_publish_failed_total", nil, v)
	writeSample(&b, "webhook_publish_failed_total", [][2]string{{"mode", modeLabel}, {"result", "error"}}, v)

	writeHelpType(&b, "rabbitmq_replay_total", "Total RabbitMQ replayed messages.")
	v = r.RabbitMQReplay.Load()
	writeSample(&b, "rabbitmq_replay_total", nil, v)
	writeSample(&b, "rabbitmq_replay_total", [][2]string{{"mode", modeLabel}}, v)

	writeHelpType(&b, "replay_api_requests_total", "Total replay API requests.")
	v = r.ReplayRequests.Load()
	writeSample(&b, "replay_api_requests_total", nil, v)
	writeSample(&b, "replay_api_requests_total", [][2]string{{"mode", modeLabel}}, v)

	writeHelpType(&b, "replay_api_denied_total", "Total replay API denied requests.")
	v = r.ReplayDenied.Load()
	writeSample(&b, "replay_api_denied_total", nil, v)
	writeSample(&b, "replay_api_denied_total", [][2]string{{"mode", modeLabel}, {"result", "error"}}, v)

	writeHelpType(&b, "replay_api_rate_limited_total", "Total replay API rate limited requests.")
	v = r.ReplayRateLimited.Load()
	writeSample(&b, "replay_api_rate_limited_total", nil, v)
	writeSample(&b, "replay_api_rate_limited_total", [][2]string{{"mode", modeLabel}, {"result", "rate_limited"}}, v)

	writeHelpType(&b, "replay_api_idempotent_total", "Total replay API idempotent reuses.")
	v = r.ReplayIdempotent.Load()
	writeSample(&b, "replay_api_idempotent_total", nil, v)
	writeSample(&b, "replay_api_idempotent_total", [][2]string{{"mode", modeLabel}}, v)

	writeHelpType(&b, "replay_api_success_total", "Total replay API successes.")
	v = r.ReplaySuccess.Load()
	writeSample(&b, "replay_api_success_total", nil, v)
	writeSample(&b, "replay_api_success_total", [][2]string{{"mode", modeLabel}, {"result", "ok"}}, v)

	writeHelpType(&b, "replay_api_errors_total", "Total replay API errors.")
	v = r.ReplayErrors.Load()
	writeSample(&b, "replay_api_errors_total", nil, v)
	writeSample(&b, "replay_api_errors_total", [][2]string{{"mode", modeLabel}, {"result", "error"}}, v)

	writeHelpType(&b, "backpressure_dropped_total", "Total messages dropped due to backpressure.")
	v = r.BackpressureDropped.Load()
	writeSample(&b, "backpressure_dropped_total", nil, v)
	writeSample(&b, "backpressure_dropped_total", [][2]string{{"mode", modeLabel}, {"result", "dropped"}}, v)

	writeHelpType(&b, "backpressure_closed_total", "Total connections closed due to backpressure.")
	v = r.BackpressureClosed.Load()
	writeSample(&b, "backpressure_closed_total", nil, v)
	writeSample(&b, "backpressure_closed_total", [][2]string{{"mode", modeLabel}}, v)

	writeHelpType(&b, "backpressure_buffered_total", "Total messages buffered due to backpressure.")
	v = r.BackpressureBuffered.Load()
	writeSample(&b, "backpressure_buffered_total", nil, v)
	writeSample(&b, "backpressure_buffered_total", [][2]string{{"mode", modeLabel}}, v)

	return b.String()
}

// Handler serves the exposition over HTTP.
func (r *Registry) Handler(mode string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(r.Render(mode)))
	}
}

func writeHelpType(b *strings.Builder, name, help string) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
}

func writeSample(b *strings.Builder, name string, labels [][2]string, value uint64) {
	if len(labels) == 0 {
		fmt.Fprintf(b, "%s %d\n", name, value)
		return
	}
	b.WriteString(name)
	b.WriteByte('{')
	for i, kv := range labels {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(b, "%s=%q", kv[0], kv[1])
	}
	fmt.Fprintf(b, "} %d\n", value)
}
