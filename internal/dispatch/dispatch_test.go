package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/gaspardpetit/mcpcalc/internal/calc"
	"github.com/gaspardpetit/mcpcalc/internal/eventstore"
	"github.com/gaspardpetit/mcpcalc/internal/jsonrpc"
	"github.com/gaspardpetit/mcpcalc/internal/session"
	"github.com/gaspardpetit/mcpcalc/internal/tools"
)

func newDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	reg := tools.NewRegistry()
	if err := calc.Register(reg, calc.Info{Name: "calc", Version: "1.0.0", Mode: "stateless"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.MustRegister(tools.Descriptor{Name: "explode"}, func(context.Context, tools.Call) (tools.Result, error) {
		panic("kaboom")
	})
	return New(reg, ServerInfo{Name: "calc", Version: "1.0.0"})
}

func do(t *testing.T, d *Dispatcher, sess *session.Session, body string) *jsonrpc.Message {
	t.Helper()
	return d.HandleBytes(context.Background(), sess, []byte(body))
}

func toolResult(t *testing.T, resp *jsonrpc.Message) tools.Result {
	t.Helper()
	if resp == nil || resp.Error != nil {
		t.Fatalf("expected result envelope, got %+v", resp)
	}
	var res tools.Result
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatalf("decode result %s: %v", resp.Result, err)
	}
	return res
}

func callBody(name, args string) string {
	return `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"` + name + `","arguments":` + args + `}}`
}

func TestParseErrorHasNullID(t *testing.T) {
	d := newDispatcher(t)
	for _, body := range []string{`{"jsonrpc":"2.0","id":5,"method":"ping"`, `garbage`, ``, `{"id":9,]`} {
		resp := do(t, d, nil, body)
		if resp.Error == nil || resp.Error.Code != jsonrpc.CodeParseError {
			t.Fatalf("%q: expected parse error, got %+v", body, resp)
		}
		if resp.ID == nil || !resp.ID.IsNull() {
			t.Fatalf("%q: parse error must carry null id", body)
		}
	}
}

func TestInvalidRequest(t *testing.T) {
	d := newDispatcher(t)
	resp := do(t, d, nil, `{"jsonrpc":"1.0","id":3,"method":"ping"}`)
	if resp.Error == nil || resp.Error.Code != jsonrpc.CodeInvalidRequest || resp.ID.String() != "3" {
		t.Fatalf("unexpected %+v", resp)
	}
}

func TestUnknownMethod(t *testing.T) {
	d := newDispatcher(t)
	resp := do(t, d, nil, `{"jsonrpc":"2.0","id":"abc","method":"resources/list"}`)
	if resp.Error == nil || resp.Error.Code != jsonrpc.CodeMethodNotFound || resp.ID.String() != `"abc"` {
		t.Fatalf("unexpected %+v", resp)
	}
}

func TestInitialize(t *testing.T) {
	d := newDispatcher(t)
	m := session.NewManager(session.Options{})
	sess, _ := m.Open(context.Background(), "")
	for requested, want := range map[string]string{
		"2025-03-26": "2025-03-26",
		"1999-01-01": LatestProtocolVersion,
		"":           LatestProtocolVersion,
	} {
		body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"` + requested + `","clientInfo":{"name":"tester"}}}`
		resp := do(t, d, sess, body)
		var res initializeResult
		if resp.Error != nil || json.Unmarshal(resp.Result, &res) != nil {
			t.Fatalf("initialize failed: %+v", resp)
		}
		if res.ProtocolVersion != want || res.ServerInfo.Name != "calc" {
			t.Fatalf("requested %q: got %+v", requested, res)
		}
		if _, ok := res.Capabilities["tools"]; !ok {
			t.Fatalf("missing tools capability")
		}
	}
	if info := sess.Info(); info.Client != "tester" || info.ProtocolVersion != LatestProtocolVersion {
		t.Fatalf("client not recorded: %+v", info)
	}
	if resp := do(t, d, nil, `{"jsonrpc":"2.0","id":2,"method":"initialize"}`); resp.Error != nil {
		t.Fatalf("initialize without params failed: %+v", resp.Error)
	}
}

func TestToolsList(t *testing.T) {
	d := newDispatcher(t)
	resp := do(t, d, nil, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	var res struct {
		Tools []struct {
			Name        string          `json:"name"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Tools) != 8 || res.Tools[0].Name != "add_numbers" || len(res.Tools[0].InputSchema) == 0 {
		t.Fatalf("unexpected tools %+v", res.Tools)
	}
}

func TestPowerScenario(t *testing.T) {
	d := newDispatcher(t)
	res := toolResult(t, do(t, d, nil, callBody("power", `{"base":2,"exponent":10}`)))
	if res.IsError || len(res.Content) != 1 || res.Content[0].Type != "text" || res.Content[0].Text != "2 raised to the power of 10 is 1024" {
		t.Fatalf("unexpected %+v", res)
	}
}

func TestAddContainsSum(t *testing.T) {
	d := newDispatcher(t)
	res := toolResult(t, do(t, d, nil, callBody("add_numbers", `{"a":5,"b":3}`)))
	if !strings.Contains(res.Content[0].Text, "8") {
		t.Fatalf("unexpected %+v", res)
	}
}

func TestDomainErrors(t *testing.T) {
	d := newDispatcher(t)
	cases := []struct {
		name, args, want string
	}{
		{"divide_numbers", `{"a":1,"b":0}`, "Error: Cannot divide by zero"},
		{"divide_numbers", `{"a":1,"b":-0.0}`, "Error: Cannot divide by zero"},
		{"no_such_tool", `{}`, "Unknown tool: no_such_tool"},
		{"add_numbers", `{"a":1}`, "Invalid arguments:"},
		{"add_numbers", `{"a":"x","b":1}`, "Invalid arguments: a:"},
	}
	for _, tc := range cases {
		res := toolResult(t, do(t, d, nil, callBody(tc.name, tc.args)))
		if !res.IsError || !strings.HasPrefix(res.Content[0].Text, tc.want) {
			t.Fatalf("%s %s: unexpected %+v", tc.name, tc.args, res)
		}
	}
}

func TestInvalidCallParams(t *testing.T) {
	d := newDispatcher(t)
	for _, body := range []string{
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"arguments":{}}}`,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"power","arguments":5}}`,
		`{"jsonrpc":"2.0","id":1,"method":"logging/setLevel","params":{"level":"loud"}}`,
	} {
		resp := do(t, d, nil, body)
		if resp.Error == nil || resp.Error.Code != jsonrpc.CodeInvalidParams {
			t.Fatalf("%s: expected invalid params, got %+v", body, resp)
		}
	}
}

func TestPanicBecomesInternalError(t *testing.T) {
	d := newDispatcher(t)
	m := session.NewManager(session.Options{})
	sess, _ := m.Open(context.Background(), "")
	resp := do(t, d, sess, `{"jsonrpc":"2.0","id":42,"method":"tools/call","params":{"name":"explode"}}`)
	if resp.Error == nil || resp.Error.Code != jsonrpc.CodeInternalError || resp.ID.String() != "42" {
		t.Fatalf("unexpected %+v", resp)
	}
	if sess.Status() != session.StatusActive {
		t.Fatalf("session changed by internal fault")
	}
	// the dispatcher keeps serving afterwards
	if resp := do(t, d, sess, `{"jsonrpc":"2.0","id":43,"method":"ping"}`); resp.Error != nil {
		t.Fatalf("ping after panic failed: %+v", resp.Error)
	}
}

func TestNotificationsProduceNoResponse(t *testing.T) {
	d := newDispatcher(t)
	for _, body := range []string{
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","method":"notifications/whatever","params":{}}`,
		`{"jsonrpc":"2.0","id":1,"result":{}}`,
	} {
		if resp := do(t, d, nil, body); resp != nil {
			t.Fatalf("%s: expected no response, got %+v", body, resp)
		}
	}
}

func TestSetLogLevelFiltersNotifications(t *testing.T) {
	d := newDispatcher(t)
	store := eventstore.NewMemoryStore(0)
	m := session.NewManager(session.Options{Store: store})
	sess, _ := m.Open(context.Background(), "")
	if resp := do(t, d, sess, `{"jsonrpc":"2.0","id":1,"method":"logging/setLevel","params":{"level":"error"}}`); resp.Error != nil {
		t.Fatalf("setLevel: %+v", resp.Error)
	}
	toolResult(t, do(t, d, sess, callBody("add_numbers", `{"a":1,"b":2}`)))
	if h, _ := store.Head(context.Background(), sess.ID()); h != 0 {
		t.Fatalf("info logs should be filtered, head=%d", h)
	}
}

func TestStatefulCallLogsNotifications(t *testing.T) {
	d := newDispatcher(t)
	store := eventstore.NewMemoryStore(0)
	m := session.NewManager(session.Options{Store: store})
	sess, _ := m.Open(context.Background(), "")
	body := `{"jsonrpc":"2.0","id":"c1","method":"tools/call","params":{"name":"slow_calculation","arguments":{"count":2,"interval":0},"_meta":{"progressToken":"p1"}}}`
	res := toolResult(t, do(t, d, sess, body))
	if res.Content[0].Text != "Completed slow calculation with 2 steps" {
		t.Fatalf("unexpected %+v", res)
	}
	evs, err := eventstore.Collect(store.Replay(context.Background(), sess.ID(), 0))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	var kinds []string
	for _, ev := range evs {
		kinds = append(kinds, string(ev.Kind))
	}
	want := "log,log,progress,log,progress,resource_update"
	if strings.Join(kinds, ",") != want {
		t.Fatalf("got %v want %s", kinds, want)
	}
}
