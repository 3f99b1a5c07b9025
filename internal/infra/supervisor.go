package infra

import (
	"log/slog"
	"sync"
	"time"
)

// StreamState is the per-stream connection state machine.
//
//	Disconnected -> Connecting -> Subscribed -> (Degraded on missed heartbeat) -> Disconnected
type StreamState int

const (
	StreamDisconnected StreamState = iota
	StreamConnecting
	StreamSubscribed
	StreamDegraded
)

func (s StreamState) String() string {
	switch s {
	case StreamDisconnected:
		return "DISCONNECTED"
	case StreamConnecting:
		return "CONNECTING"
	case StreamSubscribed:
		return "SUBSCRIBED"
	case StreamDegraded:
		return "DEGRADED"
	default:
		return "UNKNOWN"
	}
}

// QueuedCommand is an engine intent deferred while a stream was down.
type QueuedCommand struct {
	Kind     string // "create", "cancel", ...
	IssuedAt time.Time
	Run      func()
	// Discard runs instead of Run when the command is dropped as stale, so
	// the issuer can release whatever state the command latched.
	Discard func()
}

// ConnectionSupervisor tracks the health of the market and order streams and
// buffers engine commands issued during an outage. On recovery, buffered
// commands are replayed in order, except create/cancel intents older than
// the staleness bound, which are discarded so the engine re-derives them
// from current prices instead of acting on a stale view.
type ConnectionSupervisor struct {
	mu            sync.Mutex
	states        map[string]StreamState
	pending       []QueuedCommand
	maxCommandAge time.Duration
	onTransition  func(id string, subscribed bool)
	onDiscard     func(cmd QueuedCommand)
	now           func() time.Time
}

// NewConnectionSupervisor creates a supervisor for the given stream ids.
// onTransition is invoked for every up/down edge (used to post stream-state
// events into the engine inbox); onDiscard fires for every stale command
// dropped during replay.
func NewConnectionSupervisor(streams []string, maxCommandAge time.Duration,
	onTransition func(id string, subscribed bool), onDiscard func(cmd QueuedCommand)) *ConnectionSupervisor {

	states := make(map[string]StreamState, len(streams))
	for _, id := range streams {
		states[id] = StreamDisconnected
	}
	return &ConnectionSupervisor{
		states:        states,
		maxCommandAge: maxCommandAge,
		onTransition:  onTransition,
		onDiscard:     onDiscard,
		now:           time.Now,
	}
}

// HandleStreamState is the StateListener fed by each BaseWSWorker.
func (s *ConnectionSupervisor) HandleStreamState(id string, subscribed bool) {
	s.mu.Lock()
	prev := s.states[id]
	if subscribed {
		s.states[id] = StreamSubscribed
	} else {
		s.states[id] = StreamDisconnected
	}
	allUp := s.allUpLocked()
	var replay, dropped []QueuedCommand
	if allUp {
		replay, dropped = s.drainLocked()
	}
	s.mu.Unlock()

	if prev != s.State(id) {
		slog.Info("Stream state changed", "stream", id, "state", s.State(id).String())
	}
	if s.onTransition != nil {
		s.onTransition(id, subscribed)
	}

	// Discarded commands still complete: the issuer must hear the drop to
	// release whatever the command latched, then re-derive.
	for _, cmd := range dropped {
		slog.Warn("Discarding stale queued command", "kind", cmd.Kind, "age", s.now().Sub(cmd.IssuedAt))
		if cmd.Discard != nil {
			cmd.Discard()
		}
		if s.onDiscard != nil {
			s.onDiscard(cmd)
		}
	}
	for _, cmd := range replay {
		cmd.Run()
	}
}

// MarkDegraded flags a stream that is connected but missing heartbeats.
// The worker will force a reconnect; this keeps observers honest meanwhile.
func (s *ConnectionSupervisor) MarkDegraded(id string) {
	s.mu.Lock()
	if s.states[id] == StreamSubscribed {
		s.states[id] = StreamDegraded
	}
	s.mu.Unlock()
}

// State returns the current state of one stream.
func (s *ConnectionSupervisor) State(id string) StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[id]
}

// AllSubscribed reports whether every supervised stream is up.
func (s *ConnectionSupervisor) AllSubscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allUpLocked()
}

func (s *ConnectionSupervisor) allUpLocked() bool {
	for _, st := range s.states {
		if st != StreamSubscribed {
			return false
		}
	}
	return true
}

// Execute runs the command immediately when all streams are up, otherwise
// queues it for replay on recovery. discard (optional) is invoked instead of
// run when the command is later dropped as stale.
func (s *ConnectionSupervisor) Execute(kind string, run, discard func()) {
	s.mu.Lock()
	if s.allUpLocked() {
		s.mu.Unlock()
		run()
		return
	}
	s.pending = append(s.pending, QueuedCommand{Kind: kind, IssuedAt: s.now(), Run: run, Discard: discard})
	n := len(s.pending)
	s.mu.Unlock()
	slog.Warn("Stream down, command queued", "kind", kind, "queued", n)
}

// drainLocked splits the queue into commands to replay and stale ones to
// discard. Must be called with the mutex held; callbacks run outside it.
func (s *ConnectionSupervisor) drainLocked() (replay, dropped []QueuedCommand) {
	if len(s.pending) == 0 {
		return nil, nil
	}
	cutoff := s.now().Add(-s.maxCommandAge)
	for _, cmd := range s.pending {
		if cmd.IssuedAt.Before(cutoff) {
			dropped = append(dropped, cmd)
			continue
		}
		replay = append(replay, cmd)
	}
	s.pending = nil
	return replay, dropped
}
