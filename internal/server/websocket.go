package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/tmaxmax/go-sse"

	"github.com/gaspardpetit/mcpcalc/internal/dispatch"
	"github.com/gaspardpetit/mcpcalc/internal/session"
)

// Frame is one websocket message from the server. Position is the event's
// place in the session log and is what a reconnecting client passes back as
// last_event_id.
type Frame struct {
	SessionID string          `json:"session_id"`
	Position  uint64          `json:"position"`
	Message   json.RawMessage `json:"message"`
}

// Close codes mirror the HTTP statuses of the streamable transport.
const (
	closeBadRequest websocket.StatusCode = 4400
	closeNotFound   websocket.StatusCode = 4404
	closeConflict   websocket.StatusCode = 4409
	closeGone       websocket.StatusCode = 4410
	closeDraining   websocket.StatusCode = 4503
)

var errNotInitialize = errors.New("first message must be initialize")

// WebSocket carries a stateful session over one websocket connection. The
// connection is the session's owner stream: every response and notification
// arrives on it, and client frames are JSON-RPC messages.
type WebSocket struct {
	t       *Streamable
	origins []string
}

// NewWebSocket returns a websocket transport sharing t's session manager,
// dispatcher and call accounting.
func NewWebSocket(t *Streamable, origins []string) *WebSocket {
	return &WebSocket{t: t, origins: origins}
}

func (h *WebSocket) acceptOptions() *websocket.AcceptOptions {
	if len(h.origins) == 0 || slices.Contains(h.origins, "*") {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	return &websocket.AcceptOptions{OriginPatterns: h.origins}
}

func (h *WebSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t := h.t
	if t.mgr.Mode() != session.ModeStateful {
		http.Error(w, "websocket transport requires stateful sessions", http.StatusMethodNotAllowed)
		return
	}
	lastSeen, resume, err := lastEventID(r, sse.EventID{})
	if err != nil {
		t.fail(w, err)
		return
	}
	var sess *session.Session
	if id := sessionID(r); id != "" {
		if sess, err = t.mgr.Lookup(id); err != nil {
			t.fail(w, err)
			return
		}
		if sess.Status() != session.StatusActive && !resume {
			t.fail(w, session.ErrSessionClosed)
			return
		}
	}

	conn, err := websocket.Accept(w, r, h.acceptOptions())
	if err != nil {
		t.log.Debug().Err(err).Msg("websocket accept")
		return
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(maxBodyBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var first []byte
	if sess == nil {
		if sess, first, err = h.open(ctx, conn); err != nil {
			_ = conn.Close(closeCode(err), err.Error())
			return
		}
	}
	att, err := sess.Attach(ctx, resume, lastSeen)
	if err != nil {
		_ = conn.Close(closeCode(err), err.Error())
		return
	}
	t.log.Debug().Str("session", sess.ID()).Bool("resume", resume).Uint64("after", lastSeen).
		Int("replayed", len(att.Backlog)).Msg("websocket attached")

	done := make(chan struct{})
	go func() {
		defer close(done)
		code, reason := h.pump(ctx, conn, sess, att)
		_ = conn.Close(code, reason)
		cancel()
	}()

	if first != nil {
		h.handleFrame(ctx, sess, first)
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		h.handleFrame(ctx, sess, data)
	}
	cancel()
	sess.Detach(att.Sink)
	<-done
}

// open reads the first frame of a new connection, which must be an
// initialize request, and opens a session for it.
func (h *WebSocket) open(ctx context.Context, conn *websocket.Conn) (*session.Session, []byte, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, nil, err
	}
	msg, errResp := h.t.disp.Decode(data)
	if errResp != nil || msg.Method != dispatch.MethodInitialize || !msg.IsRequest() {
		return nil, nil, errNotInitialize
	}
	if h.t.opts.Draining() {
		return nil, nil, errDraining
	}
	sess, err := h.t.mgr.Open(ctx, "")
	if err != nil {
		return nil, nil, err
	}
	return sess, data, nil
}

func (h *WebSocket) handleFrame(ctx context.Context, sess *session.Session, data []byte) {
	msg, errResp := h.t.disp.Decode(data)
	if errResp != nil {
		if _, err := sess.Respond(ctx, "", errResp); err != nil {
			h.t.log.Debug().Err(err).Msg("error response not recorded")
		}
		return
	}
	if !msg.IsRequest() {
		h.t.disp.Handle(ctx, sess, msg)
		return
	}
	if err := sess.BeginCall(); err != nil {
		h.t.log.Debug().Err(err).Str("session", sess.ID()).Msg("request refused")
		return
	}
	h.t.opts.Calls.Inc()
	go h.t.run(sess, msg.ID.String(), msg)
}

// pump writes the replayed backlog and then live deliveries until the owner
// stream ends. It returns the close code to send.
func (h *WebSocket) pump(ctx context.Context, conn *websocket.Conn, sess *session.Session, att *session.Attachment) (websocket.StatusCode, string) {
	for _, ev := range att.Backlog {
		if err := h.send(ctx, conn, sess, ev.Position, ev.Payload); err != nil {
			return websocket.StatusInternalError, "write failed"
		}
	}
	for {
		d, ok := att.Sink.Next(ctx)
		if !ok {
			switch {
			case ctx.Err() != nil:
				return websocket.StatusGoingAway, "connection closed"
			case sess.Status() != session.StatusActive:
				return websocket.StatusNormalClosure, "session closed"
			default:
				return closeConflict, "stream detached, resume with last_event_id"
			}
		}
		if err := h.send(ctx, conn, sess, d.Position, d.Payload); err != nil {
			return websocket.StatusInternalError, "write failed"
		}
	}
}

func (h *WebSocket) send(ctx context.Context, conn *websocket.Conn, sess *session.Session, pos uint64, payload []byte) error {
	if err := wsjson.Write(ctx, conn, Frame{SessionID: sess.ID(), Position: pos, Message: payload}); err != nil {
		return err
	}
	sess.Delivered(pos)
	return nil
}

func closeCode(err error) websocket.StatusCode {
	switch statusFor(err) {
	case http.StatusNotFound:
		return closeNotFound
	case http.StatusConflict:
		return closeConflict
	case http.StatusGone:
		return closeGone
	case http.StatusServiceUnavailable:
		return closeDraining
	case http.StatusInternalServerError:
		return websocket.StatusInternalError
	default:
		return closeBadRequest
	}
}
