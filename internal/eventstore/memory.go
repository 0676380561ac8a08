package eventstore

import (
	"context"
	"encoding/json"
	"iter"
	"sync"

	"github.com/gaspardpetit/mcpcalc/internal/metrics"
)

type memStream struct {
	mu     sync.RWMutex
	events []Event // retained window, positions floor+1..head
	floor  uint64  // highest trimmed position
	head   uint64
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	maxEvents int

	mu      sync.Mutex
	streams map[string]*memStream
}

// NewMemoryStore returns a store that keeps at most maxEvents per stream;
// maxEvents <= 0 keeps everything.
func NewMemoryStore(maxEvents int) *MemoryStore {
	return &MemoryStore{maxEvents: maxEvents, streams: map[string]*memStream{}}
}

func (m *MemoryStore) stream(id string, create bool) *memStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.streams[id]
	if s == nil && create {
		s = &memStream{}
		m.streams[id] = s
	}
	return s
}

// Append implements Store.
func (m *MemoryStore) Append(ctx context.Context, streamID string, kind Kind, payload json.RawMessage) (Event, error) {
	if streamID == "" {
		return Event{}, ErrInvalidStream
	}
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	s := m.stream(streamID, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := Event{
		StreamID: streamID,
		Position: s.head + 1,
		Kind:     kind,
		Payload:  append(json.RawMessage(nil), payload...),
	}
	s.events = append(s.events, ev)
	s.head = ev.Position
	if m.maxEvents > 0 && len(s.events) > m.maxEvents {
		drop := len(s.events) - m.maxEvents
		s.floor = s.events[drop-1].Position
		s.events = append([]Event(nil), s.events[drop:]...)
	}
	metrics.EventAppended(string(kind))
	return ev, nil
}

// Replay implements Store. The retained window is snapshotted when iteration
// starts, so concurrent appends are either fully visible or not at all.
func (m *MemoryStore) Replay(ctx context.Context, streamID string, after uint64) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		s := m.stream(streamID, false)
		if s == nil {
			return
		}
		s.mu.RLock()
		if after < s.floor {
			s.mu.RUnlock()
			yield(Event{}, ErrReplayGap)
			return
		}
		start := int(after - s.floor)
		if start > len(s.events) {
			start = len(s.events)
		}
		snapshot := s.events[start:len(s.events):len(s.events)]
		s.mu.RUnlock()
		for _, ev := range snapshot {
			if err := ctx.Err(); err != nil {
				yield(Event{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// Head implements Store.
func (m *MemoryStore) Head(_ context.Context, streamID string) (uint64, error) {
	s := m.stream(streamID, false)
	if s == nil {
		return 0, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head, nil
}

// Touch implements Store. Memory streams do not expire.
func (m *MemoryStore) Touch(context.Context, string) error { return nil }

// Purge implements Store.
func (m *MemoryStore) Purge(_ context.Context, streamID string) error {
	m.mu.Lock()
	delete(m.streams, streamID)
	m.mu.Unlock()
	return nil
}

// Streams returns the number of streams currently held.
func (m *MemoryStore) Streams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}
