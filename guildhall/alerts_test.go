package guildhall

import (
	"context"
	"encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestAlertSink(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var received []string
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				var body map[string]string
				if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				mu.Lock()
				received = append(received, body["content"])
				mu.Unlock()
				w.WriteHeader(http.StatusNoContent)
			},
		),
	)
	t.Cleanup(srv.Close)

	sink := NewAlertSink(
		&AlertsConfig{WebhookURL: srv.URL, MinInterval: time.Hour},
		srv.Client(),
		slog.New(testLogHandler()),
	)
	ctx := context.Background()
	sink.Notify(ctx, "command `ping` failed", "boom")
	sink.Notify(ctx, "command `ping` failed", "boom again")
	sink.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "**command `ping` failed**\n```\nboom\n```", received[0])
	assert.Equal(t, int64(1), sink.Dropped())
}

func TestAlertSinkDisabled(t *testing.T) {
	t.Parallel()

	var sink *AlertSink
	sink.Notify(context.Background(), "title", "body")
	sink.Wait()
	assert.Zero(t, sink.Dropped())

	sink = NewAlertSink(&AlertsConfig{}, nil, nil)
	assert.False(t, sink.enabled())
	sink.Notify(context.Background(), "title", "body")
	sink.Wait()
}
