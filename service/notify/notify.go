package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swapslab/tradeloop/service/logger"
	"github.com/swapslab/tradeloop/service/persist"
)

// EventKind distinguishes the loop lifecycle notifications.
type EventKind string

const (
	LoopDiscovered  EventKind = "loop_discovered"
	LoopInvalidated EventKind = "loop_invalidated"
)

// Event is one entry on a tenant's ordered notification stream.
type Event struct {
	Seq         uint64              `json:"seq"`
	Kind        EventKind           `json:"kind"`
	Tenant      persist.TenantID    `json:"tenant"`
	CanonicalID string              `json:"canonical_id"`
	Reason      string              `json:"reason,omitempty"`
	Cycle       *persist.TradeCycle `json:"cycle,omitempty"`
	At          time.Time           `json:"at"`
}

// Stream fans loop notifications out to subscribers in publish order.
// Publishing never blocks the discovery path: a subscriber that cannot
// keep up has events dropped and the drop is logged.
type Stream struct {
	tenant persist.TenantID
	buffer int

	mu          sync.Mutex
	seq         uint64
	subscribers map[uuid.UUID]chan Event
	closed      bool
}

// NewStream returns a stream whose subscriber channels buffer up to buffer
// events.
func NewStream(tenant persist.TenantID, buffer int) *Stream {
	return &Stream{
		tenant:      tenant,
		buffer:      buffer,
		subscribers: map[uuid.UUID]chan Event{},
	}
}

// Publish stamps the event with the next sequence number and fans it out.
func (s *Stream) Publish(ctx context.Context, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.seq++
	ev.Seq = s.seq
	ev.Tenant = s.tenant
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	for id, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			logger.For(ctx).Warnf("notification subscriber %s lagging, dropping event seq=%d", id, ev.Seq)
		}
	}
}

// Subscribe registers a new subscriber and returns its channel.
func (s *Stream) Subscribe() (uuid.UUID, <-chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	ch := make(chan Event, s.buffer)
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Stream) Unsubscribe(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		delete(s.subscribers, id)
		close(ch)
	}
}

// Close terminates every subscription.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
}
