// Package eventstore keeps the per-session log of outbound events that makes
// stateful streams resumable.
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
)

// Kind classifies an event.
type Kind string

const (
	KindLog            Kind = "log"
	KindProgress       Kind = "progress"
	KindResourceUpdate Kind = "resource_update"
	KindResponse       Kind = "response"
)

var (
	// ErrReplayGap is returned when the requested position has already been
	// trimmed from the log.
	ErrReplayGap = errors.New("replay position is older than the retention floor")
	// ErrInvalidStream is returned for an empty stream id.
	ErrInvalidStream = errors.New("invalid stream id")
)

// Event is one entry of a stream. Positions start at 1 and have no gaps.
type Event struct {
	StreamID string          `json:"stream_id"`
	Position uint64          `json:"position"`
	Kind     Kind            `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
}

// Store is an append-only log of events keyed by stream.
type Store interface {
	// Append assigns the next position to payload. A failed append does not
	// consume a position.
	Append(ctx context.Context, streamID string, kind Kind, payload json.RawMessage) (Event, error)
	// Replay yields events with position > after in order. Each call reads
	// the log afresh. It yields ErrReplayGap first if after is below the
	// retention floor.
	Replay(ctx context.Context, streamID string, after uint64) iter.Seq2[Event, error]
	// Head returns the last assigned position, or 0 for an empty stream.
	Head(ctx context.Context, streamID string) (uint64, error)
	// Touch keeps a live stream from expiring. Stores without expiry
	// ignore it.
	Touch(ctx context.Context, streamID string) error
	// Purge drops the stream. Purging an unknown stream is a no-op.
	Purge(ctx context.Context, streamID string) error
}

// Collect drains a replay into a slice.
func Collect(seq iter.Seq2[Event, error]) ([]Event, error) {
	var out []Event
	for ev, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
	return out, nil
}
