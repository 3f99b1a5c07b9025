package infra

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// silentStreamHandler subscribes and then expects nothing back; it stands in
// for a feed whose server has gone quiet.
type silentStreamHandler struct {
	url string
}

func (h *silentStreamHandler) ID() string  { return "silent" }
func (h *silentStreamHandler) URL() string { return h.url }

func (h *silentStreamHandler) Subscribe(_ context.Context, send func([]byte) error) error {
	return send([]byte(`{"method":"subscribe"}`))
}

func (h *silentStreamHandler) OnMessage(context.Context, []byte) bool { return true }

func (h *silentStreamHandler) Heartbeat() []byte { return []byte(`{"method":"ping"}`) }

func newSilentServer(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		// Drain client frames, never respond.
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestBaseWSWorker_SilentServerFlagsDegraded(t *testing.T) {
	subscribed := make(chan struct{}, 1)
	degraded := make(chan string, 1)

	w := NewBaseWSWorker(&silentStreamHandler{url: newSilentServer(t)},
		func(id string, up bool) {
			if up {
				select {
				case subscribed <- struct{}{}:
				default:
				}
			}
		})
	w.PingInterval = 10 * time.Millisecond
	w.ReadTimeout = time.Second
	w.OnDegraded = func(id string) {
		select {
		case degraded <- id:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	select {
	case <-subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never subscribed")
	}

	select {
	case id := <-degraded:
		if id != "silent" {
			t.Errorf("degraded stream id = %q, want silent", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("missed heartbeats did not flag the stream degraded")
	}
}

func TestBaseWSWorker_DegradedStreamReconnects(t *testing.T) {
	ups := make(chan struct{}, 8)

	w := NewBaseWSWorker(&silentStreamHandler{url: newSilentServer(t)},
		func(id string, up bool) {
			if up {
				select {
				case ups <- struct{}{}:
				default:
				}
			}
		})
	w.PingInterval = 10 * time.Millisecond
	w.ReadTimeout = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	// The silent server forces a heartbeat reconnect; the worker must come
	// back up and resubscribe on its own.
	for i := 0; i < 2; i++ {
		select {
		case <-ups:
		case <-time.After(5 * time.Second):
			t.Fatalf("subscription %d never happened", i+1)
		}
	}
}
