package event

import (
	"sync/atomic"
	"time"
)

// Sequence stamps events with a monotonically increasing sequence number.
// All producers feeding one engine inbox share one Sequence, so arrival
// order at the inbox matches sequence order per producer and ties across
// producers are still totally ordered.
type Sequence struct {
	n atomic.Uint64
}

// Next returns a BaseEvent stamped with the next sequence number.
func (s *Sequence) Next(now time.Time) BaseEvent {
	return BaseEvent{Seq: s.n.Add(1), Ts: now}
}
