package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/gaspardpetit/mcpcalc/internal/calc"
	"github.com/gaspardpetit/mcpcalc/internal/config"
	"github.com/gaspardpetit/mcpcalc/internal/dispatch"
	"github.com/gaspardpetit/mcpcalc/internal/eventstore"
	"github.com/gaspardpetit/mcpcalc/internal/jsonrpc"
	"github.com/gaspardpetit/mcpcalc/internal/serverstate"
	"github.com/gaspardpetit/mcpcalc/internal/session"
	"github.com/gaspardpetit/mcpcalc/internal/tools"
)

const initializeBody = `{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`

func testConfig(mode string) config.ServerConfig {
	cfg := config.ServerConfig{Mode: mode, Port: 8080}
	cfg.SetDefaults()
	return cfg
}

func newTestServer(t *testing.T, cfg config.ServerConfig, store eventstore.Store) (*httptest.Server, *session.Manager) {
	t.Helper()
	reg := tools.NewRegistry()
	if err := calc.Register(reg, calc.Info{Name: "calc", Version: "test", Mode: cfg.Mode}); err != nil {
		t.Fatalf("register: %v", err)
	}
	disp := dispatch.New(reg, dispatch.ServerInfo{Name: "calc", Version: "test"})
	mgr := session.NewManager(session.Options{
		Mode:           session.Mode(cfg.Mode),
		Store:          store,
		RetentionGrace: time.Minute,
	})
	ts := httptest.NewServer(New(Options{Config: cfg, Manager: mgr, Dispatcher: disp}))
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return ts, mgr
}

func post(t *testing.T, base, sessionID, body string) *http.Response {
	t.Helper()
	return postCtx(t, context.Background(), base, sessionID, body)
}

func postCtx(t *testing.T, ctx context.Context, base, sessionID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+MCPPath, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set(HeaderSessionID, sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	return resp
}

func getStream(t *testing.T, ctx context.Context, base, sessionID, lastEventID string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+MCPPath, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(HeaderSessionID, sessionID)
	if lastEventID != "" {
		req.Header.Set(HeaderLastEventID, lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	return resp
}

type event struct {
	id  string
	msg jsonrpc.Message
}

func (e event) position(t *testing.T) uint64 {
	t.Helper()
	p, err := strconv.ParseUint(e.id, 10, 64)
	if err != nil {
		t.Fatalf("event id %q: %v", e.id, err)
	}
	return p
}

// readEvents reads n events, or until the stream ends when n is zero.
func readEvents(t *testing.T, body io.Reader, n int) []event {
	t.Helper()
	var out []event
	for ev, err := range sse.Read(body, nil) {
		if err != nil {
			t.Fatalf("read sse: %v", err)
		}
		var m jsonrpc.Message
		if err := json.Unmarshal([]byte(ev.Data), &m); err != nil {
			t.Fatalf("decode %q: %v", ev.Data, err)
		}
		out = append(out, event{id: ev.LastEventID, msg: m})
		if n > 0 && len(out) == n {
			break
		}
	}
	return out
}

func decodeBody(t *testing.T, resp *http.Response) jsonrpc.Message {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var m jsonrpc.Message
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return m
}

func initialize(t *testing.T, base string) string {
	t.Helper()
	resp := post(t, base, "", initializeBody)
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize status %d", resp.StatusCode)
	}
	id := resp.Header.Get(HeaderSessionID)
	if id == "" {
		t.Fatalf("initialize returned no session id")
	}
	evs := readEvents(t, resp.Body, 0)
	if len(evs) != 1 || !evs[0].msg.IsResponse() {
		t.Fatalf("expected a single response event, got %+v", evs)
	}
	var res struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := json.Unmarshal(evs[0].msg.Result, &res); err != nil || res.ProtocolVersion != "2025-03-26" {
		t.Fatalf("unexpected initialize result %s", evs[0].msg.Result)
	}
	ack := post(t, base, id, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	_ = ack.Body.Close()
	if ack.StatusCode != http.StatusAccepted {
		t.Fatalf("initialized notification status %d", ack.StatusCode)
	}
	return id
}

func toolText(t *testing.T, m jsonrpc.Message) tools.Result {
	t.Helper()
	if m.Error != nil {
		t.Fatalf("unexpected error %+v", m.Error)
	}
	var res tools.Result
	if err := json.Unmarshal(m.Result, &res); err != nil || len(res.Content) == 0 {
		t.Fatalf("decode tool result %s: %v", m.Result, err)
	}
	return res
}

func TestStatefulCallOverSSE(t *testing.T) {
	ts, mgr := newTestServer(t, testConfig(config.ModeStateful), nil)
	id := initialize(t, ts.URL)
	if mgr.Count() != 1 {
		t.Fatalf("expected one session, got %d", mgr.Count())
	}

	resp := post(t, ts.URL, id, `{"jsonrpc":"2.0","id":"p","method":"tools/call","params":{"name":"power","arguments":{"base":2,"exponent":8}}}`)
	defer func() { _ = resp.Body.Close() }()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type %q", ct)
	}
	evs := readEvents(t, resp.Body, 0)
	last := evs[len(evs)-1]
	if !last.msg.IsResponse() || last.msg.ID.String() != `"p"` {
		t.Fatalf("last event is not the response: %+v", last)
	}
	if got := toolText(t, last.msg).Content[0].Text; got != "2 raised to the power of 8 is 256" {
		t.Fatalf("unexpected text %q", got)
	}
	prev := uint64(1)
	for _, ev := range evs {
		if p := ev.position(t); p != prev+1 {
			t.Fatalf("positions not contiguous: %d after %d", p, prev)
		}
		prev++
	}
}

func TestResumeAfterDisconnect(t *testing.T) {
	ts, _ := newTestServer(t, testConfig(config.ModeStateful), nil)
	id := initialize(t, ts.URL)

	ctx, cancel := context.WithCancel(context.Background())
	body := `{"jsonrpc":"2.0","id":"c1","method":"tools/call","params":{"name":"slow_calculation","arguments":{"count":4,"interval":0.1},"_meta":{"progressToken":"tok"}}}`
	resp := postCtx(t, ctx, ts.URL, id, body)
	seen := readEvents(t, resp.Body, 2)
	cancel()
	_ = resp.Body.Close()
	lastSeen := seen[len(seen)-1].position(t)

	gctx, gcancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer gcancel()
	stream := getStream(t, gctx, ts.URL, id, strconv.FormatUint(lastSeen, 10))
	defer func() { _ = stream.Body.Close() }()
	if stream.StatusCode != http.StatusOK {
		t.Fatalf("resume status %d", stream.StatusCode)
	}

	next := lastSeen + 1
	var progress int
	for ev, err := range sse.Read(stream.Body, nil) {
		if err != nil {
			t.Fatalf("read resumed stream: %v", err)
		}
		e := event{id: ev.LastEventID}
		if p := e.position(t); p != next {
			t.Fatalf("expected position %d, got %d", next, p)
		}
		next++
		var m jsonrpc.Message
		if err := json.Unmarshal([]byte(ev.Data), &m); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if m.Method == session.MethodProgress {
			progress++
		}
		if m.IsResponse() {
			if got := toolText(t, m).Content[0].Text; got != "Completed slow calculation with 4 steps" {
				t.Fatalf("unexpected completion %q", got)
			}
			break
		}
	}
	if progress == 0 {
		t.Fatalf("expected progress notifications after resume")
	}
}

func TestReplayGapIsGone(t *testing.T) {
	ts, _ := newTestServer(t, testConfig(config.ModeStateful), eventstore.NewMemoryStore(2))
	id := initialize(t, ts.URL)
	for i := 0; i < 3; i++ {
		resp := post(t, ts.URL, id, `{"jsonrpc":"2.0","id":`+strconv.Itoa(i+1)+`,"method":"ping"}`)
		readEvents(t, resp.Body, 0)
		_ = resp.Body.Close()
	}
	resp := getStream(t, context.Background(), ts.URL, id, "0")
	m := decodeBody(t, resp)
	if resp.StatusCode != http.StatusGone {
		t.Fatalf("expected 410, got %d", resp.StatusCode)
	}
	if m.Error == nil {
		t.Fatalf("expected error body")
	}
}

func TestResumeBeyondHeadIsGone(t *testing.T) {
	ts, _ := newTestServer(t, testConfig(config.ModeStateful), nil)
	id := initialize(t, ts.URL)
	resp := getStream(t, context.Background(), ts.URL, id, "99")
	m := decodeBody(t, resp)
	if resp.StatusCode != http.StatusGone {
		t.Fatalf("expected 410, got %d", resp.StatusCode)
	}
	if m.Error == nil {
		t.Fatalf("expected error body")
	}
}

func TestSessionErrors(t *testing.T) {
	ts, _ := newTestServer(t, testConfig(config.ModeStateful), nil)

	resp := post(t, ts.URL, "", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing session: expected 400, got %d", resp.StatusCode)
	}

	resp = post(t, ts.URL, "nope", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session: expected 404, got %d", resp.StatusCode)
	}

	resp = getStream(t, context.Background(), ts.URL, "nope", "")
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET unknown session: expected 404, got %d", resp.StatusCode)
	}

	resp = post(t, ts.URL, "fixed-id", initializeBody)
	readEvents(t, resp.Body, 0)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get(HeaderSessionID) != "fixed-id" {
		t.Fatalf("client-proposed id not honoured: %d %q", resp.StatusCode, resp.Header.Get(HeaderSessionID))
	}
	resp = post(t, ts.URL, "fixed-id", initializeBody)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("live id: expected 409, got %d", resp.StatusCode)
	}
}

func TestParseErrorReturnsNullID(t *testing.T) {
	ts, _ := newTestServer(t, testConfig(config.ModeStateful), nil)
	resp := post(t, ts.URL, "", `{"jsonrpc":"2.0","id":3,`)
	m := decodeBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if m.Error == nil || m.Error.Code != jsonrpc.CodeParseError {
		t.Fatalf("expected parse error, got %+v", m)
	}
	if m.ID == nil || !m.ID.IsNull() {
		t.Fatalf("parse error must carry a null id")
	}
}

func TestDeleteSession(t *testing.T) {
	ts, mgr := newTestServer(t, testConfig(config.ModeStateful), nil)
	id := initialize(t, ts.URL)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+MCPPath, nil)
	req.Header.Set(HeaderSessionID, id)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		s, err := mgr.Lookup(id)
		if err == nil && s.Status() == session.StatusClosed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session not closed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp = post(t, ts.URL, id, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("closed session: expected 404, got %d", resp.StatusCode)
	}

	resp = getStream(t, context.Background(), ts.URL, id, "1")
	evs := readEvents(t, resp.Body, 0)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replay of retained session: expected 200, got %d", resp.StatusCode)
	}
	if len(evs) != 0 {
		t.Fatalf("nothing was logged after position 1, got %d events", len(evs))
	}
}

func TestStatelessJSONResponse(t *testing.T) {
	cfg := testConfig(config.ModeStateless)
	cfg.JSONResponse = true
	ts, _ := newTestServer(t, cfg, nil)

	resp := post(t, ts.URL, "", `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"add_numbers","arguments":{"a":3,"b":5}}}`)
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type %q", ct)
	}
	if resp.Header.Get(HeaderSessionID) != "" {
		t.Fatalf("stateless responses carry no session id")
	}
	m := decodeBody(t, resp)
	if got := toolText(t, m).Content[0].Text; !strings.Contains(got, "8") {
		t.Fatalf("unexpected text %q", got)
	}

	get := getStream(t, context.Background(), ts.URL, "x", "")
	_ = get.Body.Close()
	if get.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("stateless GET: expected 405, got %d", get.StatusCode)
	}
}

func TestStatelessSSEHasNoEventIDs(t *testing.T) {
	ts, _ := newTestServer(t, testConfig(config.ModeStateless), nil)
	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"slow_calculation","arguments":{"count":2,"interval":0},"_meta":{"progressToken":1}}}`
	resp := post(t, ts.URL, "", body)
	defer func() { _ = resp.Body.Close() }()
	evs := readEvents(t, resp.Body, 0)
	if len(evs) != 7 {
		t.Fatalf("expected 7 events, got %d", len(evs))
	}
	for _, ev := range evs {
		if ev.id != "" {
			t.Fatalf("stateless event carries id %q", ev.id)
		}
	}
	if !evs[len(evs)-1].msg.IsResponse() {
		t.Fatalf("response must be last")
	}
}

func TestToolErrorsAreResults(t *testing.T) {
	cfg := testConfig(config.ModeStateless)
	cfg.JSONResponse = true
	ts, _ := newTestServer(t, cfg, nil)

	m := decodeBody(t, post(t, ts.URL, "", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"divide_numbers","arguments":{"a":1,"b":0}}}`))
	res := toolText(t, m)
	if !res.IsError || res.Content[0].Text != "Error: Cannot divide by zero" {
		t.Fatalf("unexpected result %+v", res)
	}

	m = decodeBody(t, post(t, ts.URL, "", `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"unknown_tool","arguments":{}}}`))
	res = toolText(t, m)
	if !res.IsError || res.Content[0].Text != "Unknown tool: unknown_tool" {
		t.Fatalf("unexpected result %+v", res)
	}

	m = decodeBody(t, post(t, ts.URL, "", `{"jsonrpc":"2.0","id":3,"method":"bogus"}`))
	if m.Error == nil || m.Error.Code != jsonrpc.CodeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", m)
	}
}

func TestHealthzAndDrain(t *testing.T) {
	serverstate.Reset()
	defer serverstate.Reset()
	serverstate.SetState(serverstate.StatusReady)
	ts, _ := newTestServer(t, testConfig(config.ModeStateful), nil)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || h.Status != serverstate.StatusReady {
		t.Fatalf("unexpected health %d %+v", resp.StatusCode, h)
	}
	if h.Mode != session.ModeStateful || len(h.Tools) != 7 {
		t.Fatalf("unexpected health body %+v", h)
	}

	serverstate.StartDrain()
	resp, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("draining: expected 503, got %d", resp.StatusCode)
	}
	refused := post(t, ts.URL, "", initializeBody)
	_ = refused.Body.Close()
	if refused.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("initialize while draining: expected 503, got %d", refused.StatusCode)
	}
}

func TestToolsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, testConfig(config.ModeStateless), nil)
	resp, err := http.Get(ts.URL + "/tools")
	if err != nil {
		t.Fatalf("GET /tools: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var body struct {
		Tools []struct {
			Name        string          `json:"name"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Tools) != 7 || body.Tools[0].Name == "" || len(body.Tools[0].InputSchema) == 0 {
		t.Fatalf("unexpected tools %+v", body.Tools)
	}
}

func TestMetricsEndpointDefaultPort(t *testing.T) {
	cfg := testConfig(config.ModeStateless)
	cfg.MetricsAddr = ":8080"
	ts, _ := newTestServer(t, cfg, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(data), "mcpcalc_") {
		t.Fatalf("expected mcpcalc metrics")
	}
}

func TestMetricsEndpointSeparatePort(t *testing.T) {
	cfg := testConfig(config.ModeStateless)
	cfg.MetricsAddr = ":9090"
	ts, _ := newTestServer(t, cfg, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestCORSAllowedOrigins(t *testing.T) {
	cfg := testConfig(config.ModeStateful)
	cfg.AllowedOrigins = []string{"https://example.com"}
	ts, _ := newTestServer(t, cfg, nil)

	req, _ := http.NewRequest("GET", ts.URL+"/healthz", nil)
	req.Header.Set("Origin", "https://example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	_ = resp.Body.Close()
	if ao := resp.Header.Get("Access-Control-Allow-Origin"); ao != "https://example.com" {
		t.Fatalf("expected allowed origin header, got %q", ao)
	}
	if eh := resp.Header.Get("Access-Control-Expose-Headers"); !strings.Contains(eh, HeaderSessionID) {
		t.Fatalf("session header not exposed: %q", eh)
	}

	req2, _ := http.NewRequest("GET", ts.URL+"/healthz", nil)
	req2.Header.Set("Origin", "https://evil.com")
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	_ = resp2.Body.Close()
	if ao := resp2.Header.Get("Access-Control-Allow-Origin"); ao != "" {
		t.Fatalf("expected no allowed origin header, got %q", ao)
	}
}
