package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convos/agent-pool-manager/internal/events"
)

type fakeLogger struct{}

func (fakeLogger) Info(string, ...any)  {}
func (fakeLogger) Error(string, ...any) {}

type fakeNotifier struct {
	name string
	err  error
	sent []events.Event
}

func (f *fakeNotifier) Name() string { return f.name }
func (f *fakeNotifier) Send(_ context.Context, evt events.Event) error {
	f.sent = append(f.sent, evt)
	return f.err
}

func TestMulti_NotifyAllSucceed(t *testing.T) {
	a := &fakeNotifier{name: "a"}
	b := &fakeNotifier{name: "b"}
	m := NewMulti(fakeLogger{}, a, b)

	ok := m.Notify(t.Context(), events.Event{Kind: events.KindInstanceCrashed})
	assert.True(t, ok)
	assert.Len(t, a.sent, 1)
	assert.Len(t, b.sent, 1)
}

func TestMulti_NotifyPartialFailureStillOK(t *testing.T) {
	a := &fakeNotifier{name: "a", err: fmt.Errorf("boom")}
	b := &fakeNotifier{name: "b"}
	m := NewMulti(fakeLogger{}, a, b)

	ok := m.Notify(t.Context(), events.Event{Kind: events.KindCreateFailed})
	assert.True(t, ok, "at least one notifier succeeded")
}

func TestMulti_NoNotifiersConfigured(t *testing.T) {
	m := NewMulti(fakeLogger{})
	ok := m.Notify(t.Context(), events.Event{Kind: events.KindCreateFailed})
	assert.True(t, ok)
}

func TestWebhook_PostsEventJSON(t *testing.T) {
	var gotKind string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		gotKind = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL)
	err := wh.Send(t.Context(), events.Event{Kind: events.KindInstanceCrashed, InstanceID: "abc123"})
	require.NoError(t, err)
	assert.Equal(t, "application/json", gotKind)
}

func TestWebhook_NonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL)
	err := wh.Send(t.Context(), events.Event{Kind: events.KindInstanceCrashed})
	assert.Error(t, err)
}

func TestSlack_PostsWebhook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	s := NewSlack(srv.URL)
	err := s.Send(t.Context(), events.Event{Kind: events.KindCircuitBreakerTripped, Message: "cooling down"})
	require.NoError(t, err)
}

func TestRun_DispatchesUntilCanceled(t *testing.T) {
	bus := events.New()
	fn := &fakeNotifier{name: "fake"}
	m := NewMulti(fakeLogger{}, fn)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		Run(ctx, bus, m)
		close(done)
	}()

	bus.Publish(events.Event{Kind: events.KindCreateFailed})

	require.Eventually(t, func() bool { return len(fn.sent) == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}
