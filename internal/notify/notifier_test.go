package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu   sync.Mutex
	name string
	err  error
	sent []string
}

func (f *fakeSender) Send(ctx context.Context, title, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, title)
	return nil
}

func (f *fakeSender) Name() string { return f.name }

func testNotifier(senders []Sender, events []string) *Notifier {
	return NewNotifier(senders, events, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestNotifyFiltersByEvent(t *testing.T) {
	s := &fakeSender{name: "fake"}
	n := testNotifier([]Sender{s}, []string{"trade_succeeded"})

	require.NoError(t, n.Notify(context.Background(), "trade_succeeded", "confirmed", "details"))
	require.NoError(t, n.Notify(context.Background(), "liquidation_risk", "risk", "details"))

	assert.Equal(t, []string{"confirmed"}, s.sent)
}

func TestNotifyEmptyFilterAdmitsEverything(t *testing.T) {
	s := &fakeSender{name: "fake"}
	n := testNotifier([]Sender{s}, nil)

	require.NoError(t, n.Notify(context.Background(), "anything", "a", "b"))
	assert.Len(t, s.sent, 1)
}

func TestNotifyAllBypassesFilter(t *testing.T) {
	s := &fakeSender{name: "fake"}
	n := testNotifier([]Sender{s}, []string{"trade_succeeded"})

	require.NoError(t, n.NotifyAll(context.Background(), "urgent", "details"))
	assert.Len(t, s.sent, 1)
}

func TestDispatchContinuesPastFailedSender(t *testing.T) {
	broken := &fakeSender{name: "broken", err: errors.New("webhook down")}
	working := &fakeSender{name: "working"}
	n := testNotifier([]Sender{broken, working}, nil)

	err := n.Notify(context.Background(), "trade_reverted", "reverted", "details")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Len(t, working.sent, 1, "healthy channels still deliver")
}

func TestNotifierWithoutSendersIsNoop(t *testing.T) {
	n := testNotifier(nil, nil)
	assert.NoError(t, n.Notify(context.Background(), "trade_succeeded", "a", "b"))
}

func TestDiscordSender(t *testing.T) {
	var payload map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL)
	require.NoError(t, s.Send(context.Background(), "Title", "body"))
	assert.Contains(t, payload["content"], "**Title**")
	assert.Contains(t, payload["content"], "body")
}

func TestDiscordSenderSurfacesHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL)
	err := s.Send(context.Background(), "Title", "body")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}
