package infra

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamHandler defines feed-specific logic for the BaseWSWorker: what to
// subscribe to after connecting, how to interpret inbound frames, and how to
// heartbeat the server.
type StreamHandler interface {
	ID() string
	URL() string
	// Subscribe re-issues all subscriptions on a fresh connection. The worker
	// only reports the stream as up after Subscribe returns nil.
	Subscribe(ctx context.Context, send func([]byte) error) error
	// OnMessage handles one inbound frame. Returning true marks the frame as
	// server activity for heartbeat accounting (pongs and data both count).
	OnMessage(ctx context.Context, msg []byte) bool
	// Heartbeat produces the keepalive frame sent at each ping interval.
	Heartbeat() []byte
}

// StateListener observes stream connectivity transitions.
type StateListener func(id string, subscribed bool)

// BaseWSWorker manages the lifecycle of one WebSocket stream: dial,
// subscribe, read with a deadline, heartbeat, and reconnect with exponential
// backoff. Two heartbeats in a row without any server activity force a
// reconnect; the read deadline is the transport idle-timeout and the ping
// cadence stays strictly below it.
type BaseWSWorker struct {
	handler  StreamHandler
	onState  StateListener
	mu       sync.RWMutex
	conn     *websocket.Conn
	writeMu  sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	lastSeen time.Time

	ReadTimeout  time.Duration
	PingInterval time.Duration
	// OnDegraded fires when the connection is still open but the server has
	// missed two heartbeat windows, just before the forced reconnect. Set
	// before Start.
	OnDegraded func(id string)
}

// NewBaseWSWorker creates a worker for the given stream handler.
func NewBaseWSWorker(handler StreamHandler, onState StateListener) *BaseWSWorker {
	return &BaseWSWorker{
		handler:      handler,
		onState:      onState,
		ReadTimeout:  60 * time.Second,
		PingInterval: 20 * time.Second,
	}
}

// Start initiates the connection loop.
func (w *BaseWSWorker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.runLoop(ctx)
}

// Stop terminates the worker and waits for its goroutines.
func (w *BaseWSWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.close()
	w.wg.Wait()
}

func (w *BaseWSWorker) runLoop(ctx context.Context) {
	defer w.wg.Done()
	retry := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			slog.Warn("WS connect failed", "id", w.handler.ID(), "err", err, "retry", retry)
			delay := CalculateBackoff(retry)
			retry++

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		retry = 0
		w.process(ctx)

		if w.onState != nil {
			w.onState(w.handler.ID(), false)
		}
	}
}

func (w *BaseWSWorker) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.handler.URL(), nil)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.conn = conn
	w.lastSeen = time.Now()
	w.mu.Unlock()

	// Resubscribe before signaling up so dependents never see a connected
	// stream without its subscriptions.
	if err := w.handler.Subscribe(ctx, w.Write); err != nil {
		w.close()
		return fmt.Errorf("subscribe failed: %w", err)
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer hbCancel()
		w.heartbeatLoop(hbCtx)
	}()

	slog.Info("WS subscribed", "id", w.handler.ID())
	if w.onState != nil {
		w.onState(w.handler.ID(), true)
	}
	return nil
}

func (w *BaseWSWorker) process(ctx context.Context) {
	for {
		w.mu.RLock()
		c := w.conn
		w.mu.RUnlock()
		if c == nil {
			return
		}

		c.SetReadDeadline(time.Now().Add(w.ReadTimeout))
		_, msg, err := c.ReadMessage()
		if err != nil {
			slog.Warn("WS read error", "id", w.handler.ID(), "err", err)
			w.close()
			return
		}

		if w.handler.OnMessage(ctx, msg) {
			w.mu.Lock()
			w.lastSeen = time.Now()
			w.mu.Unlock()
		}
	}
}

func (w *BaseWSWorker) heartbeatLoop(ctx context.Context) {
	if w.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(w.PingInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.RLock()
			c := w.conn
			seen := w.lastSeen
			w.mu.RUnlock()
			if c == nil {
				return
			}

			if time.Since(seen) > w.PingInterval {
				missed++
			} else {
				missed = 0
			}
			if missed >= 2 {
				slog.Warn("WS heartbeat missed twice, forcing reconnect", "id", w.handler.ID())
				if w.OnDegraded != nil {
					w.OnDegraded(w.handler.ID())
				}
				w.close()
				return
			}

			if err := w.Write(w.handler.Heartbeat()); err != nil {
				slog.Warn("WS ping error", "id", w.handler.ID(), "err", err)
				w.close()
				return
			}
		}
	}
}

// Write sends one text frame. Safe for concurrent use.
func (w *BaseWSWorker) Write(data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.RLock()
	c := w.conn
	w.mu.RUnlock()

	if c == nil {
		return fmt.Errorf("ws not connected")
	}
	return c.WriteMessage(websocket.TextMessage, data)
}

func (w *BaseWSWorker) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}
