package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingSender struct {
	mu       sync.Mutex
	failures int
	calls    int
	got      []string
}

func (r *recordingSender) Send(_ context.Context, channelID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failures > 0 {
		r.failures--
		return errors.New("temporary")
	}
	r.got = append(r.got, channelID+":"+text)
	return nil
}

func (r *recordingSender) Name() string { return "recording" }

func (r *recordingSender) snapshot() (int, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls, append([]string(nil), r.got...)
}

func TestNotifierRetriesAndDelivers(t *testing.T) {
	s := &recordingSender{failures: 2}
	n := New([]Sender{s}, "ops", 8, zaptest.NewLogger(t), WithRetry(3, time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = n.Run(ctx) }()

	n.Notify("", "position opened")

	require.Eventually(t, func() bool {
		_, got := s.snapshot()
		return len(got) == 1
	}, 2*time.Second, 5*time.Millisecond)

	calls, got := s.snapshot()
	assert.Equal(t, 3, calls)
	assert.Equal(t, []string{"ops:position opened"}, got)
	delivered, failed, dropped := n.Stats()
	assert.Equal(t, uint64(1), delivered)
	assert.Zero(t, failed)
	assert.Zero(t, dropped)
}

func TestNotifierGivesUpAfterMaxTries(t *testing.T) {
	s := &recordingSender{failures: 10}
	n := New([]Sender{s}, "ops", 8, zaptest.NewLogger(t), WithRetry(3, time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = n.Run(ctx) }()

	n.Notify("alerts", "margin low")

	require.Eventually(t, func() bool {
		_, failed, _ := n.Stats()
		return failed == 1
	}, 2*time.Second, 5*time.Millisecond)
	calls, _ := s.snapshot()
	assert.Equal(t, 3, calls)
}

func TestNotifyDropsWhenQueueFull(t *testing.T) {
	n := New(nil, "ops", 1, zaptest.NewLogger(t))
	n.Notify("", "one")
	n.Notify("", "two")

	_, _, dropped := n.Stats()
	assert.Equal(t, uint64(1), dropped)

	var nilNotifier *Notifier
	nilNotifier.Notify("", "ignored")
}

func TestTelegramSender(t *testing.T) {
	var payload map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN")
	s.baseURL = srv.URL
	require.NoError(t, s.Send(context.Background(), "-100123", "hello"))
	assert.Equal(t, "-100123", payload["chat_id"])
	assert.Equal(t, "hello", payload["text"])
}

func TestTelegramClientErrorIsNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN")
	s.baseURL = srv.URL
	n := New([]Sender{s}, "x", 1, zaptest.NewLogger(t), WithRetry(3, time.Millisecond))
	n.dispatch(context.Background(), note{channelID: "x", text: "y"})

	assert.Equal(t, 1, calls)
	_, failed, _ := n.Stats()
	assert.Equal(t, uint64(1), failed)
}
