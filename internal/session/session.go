// Package session implements the conversation state shared by transports:
// session lifecycle, append-then-forward delivery and resumption.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gaspardpetit/mcpcalc/internal/eventstore"
	"github.com/gaspardpetit/mcpcalc/internal/inflight"
	"github.com/gaspardpetit/mcpcalc/internal/jsonrpc"
	"github.com/gaspardpetit/mcpcalc/internal/metrics"
	"github.com/gaspardpetit/mcpcalc/internal/tools"
)

// Mode selects whether sessions are retained across requests.
type Mode string

const (
	ModeStateless Mode = "stateless"
	ModeStateful  Mode = "stateful"
)

// Status is a session's lifecycle state.
type Status int

const (
	StatusActive Status = iota
	StatusDraining
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusDraining:
		return "draining"
	case StatusClosed:
		return "closed"
	}
	return "unknown"
}

var (
	ErrUnknownSession   = errors.New("unknown session")
	ErrSessionConflict  = errors.New("session already active")
	ErrSessionClosed    = errors.New("session closed")
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrReplayGap        = eventstore.ErrReplayGap
)

// Session is one logical client conversation.
type Session struct {
	id      string
	mode    Mode
	store   eventstore.Store
	buffer  int
	now     func() time.Time
	created time.Time

	calls inflight.Counter

	// emitMu orders appends with their deliveries and with Attach, so live
	// delivery follows log order. It is taken before mu.
	emitMu sync.Mutex

	// mu guards the fields below.
	mu              sync.Mutex
	status          Status
	lastActivity    time.Time
	lastDelivered   uint64
	owner           *Sink
	requests        map[string]*Sink
	logLevel        tools.LogLevel
	protocolVersion string
	clientName      string
}

func newSession(id string, mode Mode, store eventstore.Store, buffer int, now func() time.Time) *Session {
	t := now()
	return &Session{
		id:           id,
		mode:         mode,
		store:        store,
		buffer:       buffer,
		now:          now,
		created:      t,
		lastActivity: t,
		requests:     map[string]*Sink{},
		logLevel:     tools.LevelDebug,
	}
}

// ID returns the session id; empty for stateless sessions.
func (s *Session) ID() string { return s.id }

// Mode returns the session mode.
func (s *Session) Mode() Mode { return s.mode }

// Stateful reports whether events are logged for replay.
func (s *Session) Stateful() bool { return s.mode == ModeStateful }

// Status returns the lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Info is a point-in-time view of a session.
type Info struct {
	ID              string    `json:"id"`
	Mode            Mode      `json:"mode"`
	Status          string    `json:"status"`
	Created         time.Time `json:"created"`
	LastActivity    time.Time `json:"last_activity"`
	LastDelivered   uint64    `json:"last_delivered"`
	Connected       bool      `json:"connected"`
	InFlight        int64     `json:"in_flight"`
	ProtocolVersion string    `json:"protocol_version,omitempty"`
	Client          string    `json:"client,omitempty"`
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:              s.id,
		Mode:            s.mode,
		Status:          s.status.String(),
		Created:         s.created,
		LastActivity:    s.lastActivity,
		LastDelivered:   s.lastDelivered,
		Connected:       s.owner != nil && !s.owner.stopped(),
		InFlight:        s.calls.Load(),
		ProtocolVersion: s.protocolVersion,
		Client:          s.clientName,
	}
}

// SetClient records what the client announced in initialize.
func (s *Session) SetClient(protocolVersion, name string) {
	s.mu.Lock()
	s.protocolVersion = protocolVersion
	s.clientName = name
	s.mu.Unlock()
}

// SetLogLevel sets the minimum level of log notifications sent to the client.
func (s *Session) SetLogLevel(l tools.LogLevel) {
	s.mu.Lock()
	s.logLevel = l
	s.mu.Unlock()
}

// LogLevel returns the minimum log notification level.
func (s *Session) LogLevel() tools.LogLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logLevel
}

// BeginCall registers an in-flight request. Only active sessions accept new
// requests.
func (s *Session) BeginCall() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return ErrSessionClosed
	}
	s.calls.Inc()
	s.lastActivity = s.now()
	return nil
}

// EndCall marks an in-flight request complete.
func (s *Session) EndCall() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
	s.calls.Dec()
}

// Touch records client activity.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// Emit appends msg to the session log (stateful) and then forwards it to the
// live connection serving request, falling back to the owner connection.
// Without any live connection the message is only logged.
func (s *Session) Emit(ctx context.Context, request string, kind eventstore.Kind, msg *jsonrpc.Message) (Delivery, error) {
	payload, err := jsonrpc.Encode(msg)
	if err != nil {
		return Delivery{}, err
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.Status() == StatusClosed {
		return Delivery{}, ErrSessionClosed
	}
	d := Delivery{Kind: kind, Request: request, Payload: payload}
	if s.mode == ModeStateful {
		ev, err := s.store.Append(context.WithoutCancel(ctx), s.id, kind, payload)
		if err != nil {
			return Delivery{}, err
		}
		d.Position = ev.Position
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = s.now()
	if k := s.requests[request]; k != nil && k.offer(d) {
		return d, nil
	}
	if s.owner != nil {
		s.owner.offer(d)
	}
	return d, nil
}

// Respond emits the response to request.
func (s *Session) Respond(ctx context.Context, request string, resp *jsonrpc.Message) (Delivery, error) {
	return s.Emit(ctx, request, eventstore.KindResponse, resp)
}

// OpenRequest returns the sink for a request's own response stream.
func (s *Session) OpenRequest(request string) (*Sink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusClosed {
		return nil, ErrSessionClosed
	}
	if prev := s.requests[request]; prev != nil {
		prev.stop()
	}
	k := newSink(s.buffer, s.mode == ModeStateless)
	s.requests[request] = k
	return k, nil
}

// CloseRequest detaches a request stream. Later messages for the request go
// to the owner connection, or only to the log.
func (s *Session) CloseRequest(request string, k *Sink) {
	k.stop()
	s.mu.Lock()
	if s.requests[request] == k {
		delete(s.requests, request)
	}
	s.mu.Unlock()
}

// Attachment is an owner connection: the replayed backlog followed by live
// deliveries on Sink.
type Attachment struct {
	Backlog []eventstore.Event
	Head    uint64
	Sink    *Sink
}

// Attach makes a new owner connection, preempting any previous one. With
// resume set, events after lastSeen are returned as the backlog; a lastSeen
// beyond the head belongs to another log and yields ErrReplayGap. A session
// that is no longer active yields only its backlog; the sink is already
// stopped.
func (s *Session) Attach(ctx context.Context, resume bool, lastSeen uint64) (*Attachment, error) {
	if s.mode != ModeStateful {
		return nil, ErrUnknownSession
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	head, err := s.store.Head(ctx, s.id)
	if err != nil {
		return nil, err
	}
	a := &Attachment{Head: head, Sink: newSink(s.buffer, false)}
	if resume {
		if lastSeen > head {
			metrics.RecordReplay("gap")
			return nil, ErrReplayGap
		}
		if a.Backlog, err = eventstore.Collect(s.store.Replay(ctx, s.id, lastSeen)); err != nil {
			if errors.Is(err, ErrReplayGap) {
				metrics.RecordReplay("gap")
			}
			return nil, err
		}
		metrics.RecordReplay("ok")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		a.Sink.stop()
		return a, nil
	}
	if s.owner != nil {
		s.owner.stop()
	}
	s.owner = a.Sink
	s.lastActivity = s.now()
	return a, nil
}

// Detach releases the owner connection if k still holds it.
func (s *Session) Detach(k *Sink) {
	k.stop()
	s.mu.Lock()
	if s.owner == k {
		s.owner = nil
		s.lastActivity = s.now()
	}
	s.mu.Unlock()
}

// Delivered records the highest position written to a live connection.
func (s *Session) Delivered(pos uint64) {
	s.mu.Lock()
	if pos > s.lastDelivered {
		s.lastDelivered = pos
	}
	s.mu.Unlock()
}

func (s *Session) beginDrain() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return false
	}
	s.status = StatusDraining
	return true
}

// waitCalls blocks until in-flight calls finish or ctx ends.
func (s *Session) waitCalls(ctx context.Context) bool { return s.calls.WaitForZero(ctx) }

func (s *Session) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusClosed {
		return
	}
	s.status = StatusClosed
	if s.owner != nil {
		s.owner.stop()
		s.owner = nil
	}
	for key, k := range s.requests {
		k.stop()
		delete(s.requests, key)
	}
}

func (s *Session) idle(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusActive &&
		(s.owner == nil || s.owner.stopped()) &&
		len(s.requests) == 0 &&
		s.calls.Load() == 0 &&
		now.Sub(s.lastActivity) >= timeout
}
