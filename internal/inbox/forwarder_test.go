package inbox

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snoke-ws/gateway/internal/metrics"
)

func testEvent() Event {
	return Event{
		ConnectionID: "c1",
		UserID:       "u1",
		Payload:      json.RawMessage(`{"type":"order"}`),
		ReceivedAt:   1_700_000_000,
		Traceparent:  "00-abc-def-01",
	}
}

func TestForwardWebhookSuccess(t *testing.T) {
	var got Event
	var traceparent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("traceparent")
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	m := metrics.NewRegistry()
	f := NewForwarder(Config{Mode: "terminator", WebhookURL: server.URL}, m, zerolog.Nop())

	f.Forward(context.Background(), testEvent())

	assert.Equal(t, uint64(1), m.WebhookPublish.Load())
	assert.Equal(t, uint64(0), m.WebhookFailed.Load())
	assert.Equal(t, "c1", got.ConnectionID)
	assert.Equal(t, "u1", got.UserID)
	assert.JSONEq(t, `{"type":"order"}`, string(got.Payload))
	assert.Equal(t, "00-abc-def-01", traceparent)
}

func TestForwardWebhookRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	m := metrics.NewRegistry()
	f := NewForwarder(Config{Mode: "terminator", WebhookURL: server.URL}, m, zerolog.Nop())

	f.Forward(context.Background(), testEvent())

	assert.Equal(t, uint64(0), m.WebhookPublish.Load())
	assert.Equal(t, uint64(1), m.WebhookFailed.Load())
}

func TestForwardWebhookUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close()

	m := metrics.NewRegistry()
	f := NewForwarder(Config{Mode: "terminator", WebhookURL: server.URL}, m, zerolog.Nop())

	f.Forward(context.Background(), testEvent())
	assert.Equal(t, uint64(1), m.WebhookFailed.Load())
}

func TestForwardTerminatorWithoutURLIsNoOp(t *testing.T) {
	m := metrics.NewRegistry()
	f := NewForwarder(Config{Mode: "terminator"}, m, zerolog.Nop())

	f.Forward(context.Background(), testEvent())
	assert.Equal(t, uint64(0), m.WebhookPublish.Load())
	assert.Equal(t, uint64(0), m.WebhookFailed.Load())
}

func TestForwardCoreWithoutRedisIsNoOp(t *testing.T) {
	m := metrics.NewRegistry()
	f := NewForwarder(Config{Mode: "core"}, m, zerolog.Nop())

	f.Forward(context.Background(), testEvent())
	f.Close()
}

func TestForwarderDefaults(t *testing.T) {
	f := NewForwarder(Config{Mode: "core"}, metrics.NewRegistry(), zerolog.Nop())
	assert.Equal(t, "ws.inbox", f.cfg.Stream)
	assert.Greater(t, int64(f.cfg.WebhookTimeout), int64(0))
}
