package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/mcpcalc/internal/eventstore"
	"github.com/gaspardpetit/mcpcalc/internal/logx"
	"github.com/gaspardpetit/mcpcalc/internal/metrics"
)

// Options configures a Manager.
type Options struct {
	Mode  Mode
	Store eventstore.Store
	// IdleTimeout closes stateful sessions with no connection, no in-flight
	// call and no activity for this long.
	IdleTimeout time.Duration
	// RetentionGrace keeps a closed session's log for a final reconnect.
	RetentionGrace time.Duration
	// DrainTimeout bounds how long Close waits for in-flight calls; zero
	// waits until they finish.
	DrainTimeout time.Duration
	// ReapInterval is how often idle sessions are checked.
	ReapInterval time.Duration
	// SinkBuffer is the per-connection delivery buffer.
	SinkBuffer int
	Now        func() time.Time
}

// Manager owns the stateful sessions of one server.
type Manager struct {
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	purges   map[string]*time.Timer
	closing  sync.WaitGroup

	stopOnce sync.Once
	stop     chan struct{}
	reaper   sync.WaitGroup
}

// NewManager returns a manager. Stateful managers without a store get an
// unbounded MemoryStore.
func NewManager(opts Options) *Manager {
	if opts.Mode == "" {
		opts.Mode = ModeStateful
	}
	if opts.Mode == ModeStateful && opts.Store == nil {
		opts.Store = eventstore.NewMemoryStore(0)
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Minute
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = min(opts.IdleTimeout/2, 30*time.Second)
	}
	if opts.SinkBuffer <= 0 {
		opts.SinkBuffer = 256
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		opts:     opts,
		log:      logx.Component("session"),
		sessions: map[string]*Session{},
		purges:   map[string]*time.Timer{},
		stop:     make(chan struct{}),
	}
}

// Mode returns the manager's session mode.
func (m *Manager) Mode() Mode { return m.opts.Mode }

// Start runs the idle reaper until Shutdown.
func (m *Manager) Start() {
	if m.opts.Mode != ModeStateful {
		return
	}
	m.reaper.Add(1)
	go func() {
		defer m.reaper.Done()
		t := time.NewTicker(m.opts.ReapInterval)
		defer t.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-t.C:
				m.reap(m.opts.Now())
			}
		}
	}()
}

// Open creates a stateful session. An empty requestedID mints a fresh id; a
// requested id that is still live fails with ErrSessionConflict.
func (m *Manager) Open(ctx context.Context, requestedID string) (*Session, error) {
	if m.opts.Mode != ModeStateful {
		return m.Ephemeral(), nil
	}
	id := requestedID
	if id == "" {
		id = uuid.NewString()
	} else if !validID(id) {
		return nil, ErrInvalidSessionID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev := m.sessions[id]; prev != nil {
		if prev.Status() != StatusClosed {
			return nil, fmt.Errorf("%w: %s", ErrSessionConflict, id)
		}
		m.cancelPurge(id)
		delete(m.sessions, id)
		if err := m.opts.Store.Purge(ctx, id); err != nil {
			return nil, fmt.Errorf("purge previous stream: %w", err)
		}
	}
	s := newSession(id, ModeStateful, m.opts.Store, m.opts.SinkBuffer, m.opts.Now)
	m.sessions[id] = s
	metrics.SessionOpened(string(ModeStateful))
	m.log.Info().Str("session_id", id).Msg("session opened")
	return s, nil
}

// Ephemeral returns a stateless session that is never registered or
// resolvable.
func (m *Manager) Ephemeral() *Session {
	metrics.SessionOpened(string(ModeStateless))
	return newSession("", ModeStateless, nil, m.opts.SinkBuffer, m.opts.Now)
}

// Resolve returns an active session.
func (m *Manager) Resolve(id string) (*Session, error) {
	s, err := m.Lookup(id)
	if err != nil {
		return nil, err
	}
	if s.Status() != StatusActive {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s, nil
}

// Lookup returns a session in any state whose log is still retained.
func (m *Manager) Lookup(id string) (*Session, error) {
	if m.opts.Mode != ModeStateful || id == "" {
		return nil, ErrUnknownSession
	}
	m.mu.Lock()
	s := m.sessions[id]
	m.mu.Unlock()
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s, nil
}

// Close starts draining the session. It reaches Closed once in-flight calls
// finish and its log is purged after the retention grace period.
func (m *Manager) Close(id string) error {
	s, err := m.Resolve(id)
	if err != nil {
		return err
	}
	m.close(s, "explicit")
	return nil
}

func (m *Manager) close(s *Session, reason string) {
	if !s.beginDrain() {
		return
	}
	m.log.Info().Str("session_id", s.id).Str("reason", reason).Msg("session draining")
	m.closing.Add(1)
	go func() {
		defer m.closing.Done()
		ctx := context.Background()
		if m.opts.DrainTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, m.opts.DrainTimeout)
			defer cancel()
		}
		if !s.waitCalls(ctx) {
			m.log.Warn().Str("session_id", s.id).Msg("closing with calls still in flight")
		}
		s.finish()
		metrics.SessionClosed(reason)
		m.schedulePurge(s)
		m.log.Info().Str("session_id", s.id).Str("reason", reason).Msg("session closed")
	}()
}

func (m *Manager) schedulePurge(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.id] != s {
		return
	}
	m.cancelPurge(s.id)
	m.purges[s.id] = time.AfterFunc(m.opts.RetentionGrace, func() { m.purge(s) })
}

func (m *Manager) cancelPurge(id string) {
	if t := m.purges[id]; t != nil {
		t.Stop()
		delete(m.purges, id)
	}
}

func (m *Manager) purge(s *Session) {
	m.mu.Lock()
	if m.sessions[s.id] != s {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.id)
	delete(m.purges, s.id)
	m.mu.Unlock()
	if err := m.opts.Store.Purge(context.Background(), s.id); err != nil {
		m.log.Error().Err(err).Str("session_id", s.id).Msg("purge stream")
		return
	}
	m.log.Debug().Str("session_id", s.id).Msg("stream purged")
}

// reap closes idle sessions and keeps the logs of the others from expiring.
func (m *Manager) reap(now time.Time) {
	m.mu.Lock()
	var idle, live []*Session
	for _, s := range m.sessions {
		switch {
		case s.idle(now, m.opts.IdleTimeout):
			idle = append(idle, s)
		case s.Status() != StatusClosed:
			live = append(live, s)
		}
	}
	m.mu.Unlock()
	for _, s := range idle {
		m.close(s, "idle")
	}
	for _, s := range live {
		if err := m.opts.Store.Touch(context.Background(), s.ID()); err != nil {
			m.log.Warn().Err(err).Str("session_id", s.ID()).Msg("refresh event log expiry")
		}
	}
}

// Count returns the number of sessions that are not yet closed.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.Status() != StatusClosed {
			n++
		}
	}
	return n
}

// Sessions returns a snapshot of retained sessions ordered by creation.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()
	out := make([]Info, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// Shutdown stops the reaper, closes every session and purges all logs. It
// returns ctx.Err() if sessions are still draining when ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stop) })
	m.reaper.Wait()
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	for _, s := range all {
		m.close(s, "shutdown")
	}
	done := make(chan struct{})
	go func() {
		m.closing.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.mu.Lock()
	for id := range m.purges {
		m.cancelPurge(id)
	}
	m.mu.Unlock()
	for _, s := range all {
		m.purge(s)
	}
	return nil
}

// validID accepts visible ASCII ids of bounded length.
func validID(id string) bool {
	if len(id) > 128 {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
