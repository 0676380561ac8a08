package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/tmaxmax/go-sse"

	"github.com/gaspardpetit/mcpcalc/internal/dispatch"
	"github.com/gaspardpetit/mcpcalc/internal/eventstore"
	"github.com/gaspardpetit/mcpcalc/internal/inflight"
	"github.com/gaspardpetit/mcpcalc/internal/jsonrpc"
	"github.com/gaspardpetit/mcpcalc/internal/logx"
	"github.com/gaspardpetit/mcpcalc/internal/session"
)

// Transport headers.
const (
	HeaderSessionID       = "Mcp-Session-Id"
	HeaderProtocolVersion = "Mcp-Protocol-Version"
	HeaderLastEventID     = "Last-Event-ID"
)

const (
	maxBodyBytes      = 4 << 20
	keepAliveInterval = 25 * time.Second
	// codeSessionError is the JSON-RPC code used in transport-level failures.
	codeSessionError = -32000
)

var (
	errMissingSession = errors.New("missing session id")
	errBadEventID     = errors.New("invalid last event id")
	errDraining       = errors.New("server is draining")
)

// StreamableOptions configures a Streamable transport.
type StreamableOptions struct {
	// JSONResponse answers POST requests with a single JSON body instead of
	// an SSE stream.
	JSONResponse bool
	// Calls counts requests executing on behalf of any session.
	Calls *inflight.Counter
	// BaseContext is the parent of every tool call. Cancelling it aborts
	// in-flight calls.
	BaseContext context.Context
	// Draining reports whether new sessions must be refused.
	Draining func() bool
}

// Streamable serves the MCP streamable HTTP transport on a single path.
type Streamable struct {
	mgr  *session.Manager
	disp *dispatch.Dispatcher
	opts StreamableOptions
	log  zerolog.Logger
}

// NewStreamable returns a transport bound to mgr and disp.
func NewStreamable(mgr *session.Manager, disp *dispatch.Dispatcher, opts StreamableOptions) *Streamable {
	if opts.Calls == nil {
		opts.Calls = &inflight.Counter{}
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	if opts.Draining == nil {
		opts.Draining = func() bool { return false }
	}
	return &Streamable{mgr: mgr, disp: disp, opts: opts, log: logx.Component("transport")}
}

func (h *Streamable) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Streamable) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeMessage(w, status, jsonrpc.NewErrorResponse(nil, jsonrpc.NewError(jsonrpc.CodeParseError, "Parse error: %v", err)))
		return
	}
	msg, errResp := h.disp.Decode(body)
	if errResp != nil {
		writeMessage(w, http.StatusBadRequest, errResp)
		return
	}
	sess, err := h.sessionFor(r, msg)
	if err != nil {
		h.fail(w, err)
		return
	}
	if sess.Stateful() {
		w.Header().Set(HeaderSessionID, sess.ID())
	}
	if !msg.IsRequest() {
		h.disp.Handle(r.Context(), sess, msg)
		w.WriteHeader(http.StatusAccepted)
		return
	}
	h.serveRequest(w, r, sess, msg)
}

// sessionFor resolves the session a POST belongs to. Stateful initialize
// opens a session, honouring a client-proposed id.
func (h *Streamable) sessionFor(r *http.Request, msg *jsonrpc.Message) (*session.Session, error) {
	if h.mgr.Mode() != session.ModeStateful {
		return h.mgr.Ephemeral(), nil
	}
	id := sessionID(r)
	if msg.Method == dispatch.MethodInitialize {
		if h.opts.Draining() {
			return nil, errDraining
		}
		return h.mgr.Open(r.Context(), id)
	}
	if id == "" {
		return nil, errMissingSession
	}
	return h.mgr.Resolve(id)
}

func (h *Streamable) serveRequest(w http.ResponseWriter, r *http.Request, sess *session.Session, msg *jsonrpc.Message) {
	key := msg.ID.String()
	if err := sess.BeginCall(); err != nil {
		h.fail(w, err)
		return
	}
	sink, err := sess.OpenRequest(key)
	if err != nil {
		sess.EndCall()
		h.fail(w, err)
		return
	}
	defer sess.CloseRequest(key, sink)

	h.opts.Calls.Inc()
	go h.run(sess, key, msg)

	if h.opts.JSONResponse {
		h.replyJSON(w, r, sess, sink, msg)
		return
	}
	h.replySSE(w, r, sess, sink)
}

// run executes one request detached from the HTTP request so a dropped
// connection does not abort it.
func (h *Streamable) run(sess *session.Session, key string, msg *jsonrpc.Message) {
	defer h.opts.Calls.Dec()
	defer sess.EndCall()
	ctx := h.opts.BaseContext
	resp := h.disp.Handle(ctx, sess, msg)
	if resp == nil {
		return
	}
	if _, err := sess.Respond(ctx, key, resp); err != nil {
		h.log.Warn().Err(err).Str("session", sess.ID()).Str("request", key).Msg("response not recorded")
	}
}

func (h *Streamable) replySSE(w http.ResponseWriter, r *http.Request, sess *session.Session, sink *session.Sink) {
	w.Header().Set("Cache-Control", "no-cache")
	stream, err := sse.Upgrade(w, r)
	if err != nil {
		h.log.Error().Err(err).Msg("sse upgrade")
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	for {
		d, ok := sink.Next(r.Context())
		if !ok {
			return
		}
		if err := writeEvent(stream, d.Position, d.Payload); err != nil {
			h.log.Debug().Err(err).Str("session", sess.ID()).Msg("request stream closed")
			return
		}
		sess.Delivered(d.Position)
		if d.Kind == eventstore.KindResponse {
			return
		}
	}
}

// replyJSON waits for the response and writes it as the body. Other
// messages for the request stay in the log only.
func (h *Streamable) replyJSON(w http.ResponseWriter, r *http.Request, sess *session.Session, sink *session.Sink, msg *jsonrpc.Message) {
	for {
		d, ok := sink.Next(r.Context())
		if !ok {
			if r.Context().Err() == nil {
				writeMessage(w, http.StatusServiceUnavailable,
					jsonrpc.NewErrorResponse(msg.ID, jsonrpc.NewError(jsonrpc.CodeInternalError, "response stream interrupted")))
			}
			return
		}
		if d.Kind != eventstore.KindResponse {
			continue
		}
		sess.Delivered(d.Position)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(d.Payload); err != nil {
			h.log.Debug().Err(err).Msg("write response")
		}
		return
	}
}

func (h *Streamable) handleGet(w http.ResponseWriter, r *http.Request) {
	if h.mgr.Mode() != session.ModeStateful {
		w.Header().Set("Allow", "POST")
		http.Error(w, "stateless server has no event stream", http.StatusMethodNotAllowed)
		return
	}
	id := sessionID(r)
	if id == "" {
		h.fail(w, errMissingSession)
		return
	}
	stream, err := sse.Upgrade(w, r)
	if err != nil {
		h.log.Error().Err(err).Msg("sse upgrade")
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	lastSeen, resume, err := lastEventID(r, stream.LastEventID)
	if err != nil {
		h.fail(w, err)
		return
	}
	sess, err := h.mgr.Lookup(id)
	if err != nil {
		h.fail(w, err)
		return
	}
	if sess.Status() != session.StatusActive && !resume {
		h.fail(w, session.ErrSessionClosed)
		return
	}
	att, err := sess.Attach(r.Context(), resume, lastSeen)
	if err != nil {
		h.fail(w, err)
		return
	}
	defer sess.Detach(att.Sink)

	w.Header().Set(HeaderSessionID, id)
	w.Header().Set("Cache-Control", "no-cache")
	if err := stream.Flush(); err != nil {
		return
	}
	for _, ev := range att.Backlog {
		if err := writeEvent(stream, ev.Position, ev.Payload); err != nil {
			return
		}
		sess.Delivered(ev.Position)
	}
	h.log.Debug().Str("session", id).Bool("resume", resume).Uint64("after", lastSeen).
		Int("replayed", len(att.Backlog)).Uint64("head", att.Head).Msg("stream attached")

	tick := time.NewTicker(keepAliveInterval)
	defer tick.Stop()
	deliver := func(d session.Delivery) bool {
		if err := writeEvent(stream, d.Position, d.Payload); err != nil {
			return false
		}
		sess.Delivered(d.Position)
		return true
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
			ping := &sse.Message{}
			ping.AppendComment("keep-alive")
			if stream.Send(ping) != nil || stream.Flush() != nil {
				return
			}
		case d := <-att.Sink.C():
			if !deliver(d) {
				return
			}
		case <-att.Sink.Done():
			for {
				select {
				case d := <-att.Sink.C():
					if !deliver(d) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (h *Streamable) handleDelete(w http.ResponseWriter, r *http.Request) {
	if h.mgr.Mode() != session.ModeStateful {
		w.Header().Set("Allow", "POST")
		http.Error(w, "stateless server has no sessions", http.StatusMethodNotAllowed)
		return
	}
	id := sessionID(r)
	if id == "" {
		h.fail(w, errMissingSession)
		return
	}
	if err := h.mgr.Close(id); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Streamable) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.log.Error().Err(err).Msg("transport failure")
	} else {
		h.log.Debug().Err(err).Int("status", status).Msg("request rejected")
	}
	writeMessage(w, status, jsonrpc.NewErrorResponse(nil, jsonrpc.NewError(codeSessionError, "%v", err)))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrUnknownSession), errors.Is(err, session.ErrSessionClosed):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionConflict):
		return http.StatusConflict
	case errors.Is(err, session.ErrReplayGap):
		return http.StatusGone
	case errors.Is(err, session.ErrInvalidSessionID), errors.Is(err, errMissingSession), errors.Is(err, errBadEventID),
		errors.Is(err, errNotInitialize):
		return http.StatusBadRequest
	case errors.Is(err, errDraining):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func sessionID(r *http.Request) string {
	if id := r.Header.Get(HeaderSessionID); id != "" {
		return id
	}
	return r.URL.Query().Get("session_id")
}

// lastEventID returns the position a reconnecting client last saw.
func lastEventID(r *http.Request, fromHeader sse.EventID) (uint64, bool, error) {
	raw := fromHeader.String()
	if !fromHeader.IsSet() || raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}
	if raw == "" {
		return 0, false, nil
	}
	pos, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, errBadEventID
	}
	return pos, true, nil
}

// writeEvent sends one SSE event. Stateless deliveries have no position and
// carry no id.
func writeEvent(stream *sse.Session, pos uint64, payload []byte) error {
	m := &sse.Message{Type: sse.Type("message")}
	if pos > 0 {
		m.ID = sse.ID(strconv.FormatUint(pos, 10))
	}
	m.AppendData(string(payload))
	if err := stream.Send(m); err != nil {
		return err
	}
	return stream.Flush()
}

func writeMessage(w http.ResponseWriter, status int, msg *jsonrpc.Message) {
	b, err := jsonrpc.Encode(msg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
