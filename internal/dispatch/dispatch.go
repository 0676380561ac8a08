// Package dispatch routes decoded JSON-RPC envelopes to built-in methods and
// the tool registry.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/mcpcalc/internal/jsonrpc"
	"github.com/gaspardpetit/mcpcalc/internal/logx"
	"github.com/gaspardpetit/mcpcalc/internal/metrics"
	"github.com/gaspardpetit/mcpcalc/internal/session"
	"github.com/gaspardpetit/mcpcalc/internal/tools"
)

// LatestProtocolVersion is offered when the client asks for an unsupported one.
const LatestProtocolVersion = "2025-06-18"

// SupportedProtocolVersions lists negotiable versions, newest first.
var SupportedProtocolVersions = []string{LatestProtocolVersion, "2025-03-26", "2024-11-05"}

// Methods handled by the dispatcher.
const (
	MethodInitialize  = "initialize"
	MethodPing        = "ping"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
	MethodSetLogLevel = "logging/setLevel"
)

// ServerInfo identifies the server in initialize results.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Dispatcher turns requests into responses.
type Dispatcher struct {
	tools *tools.Registry
	info  ServerInfo
	log   zerolog.Logger
}

// New returns a dispatcher serving reg.
func New(reg *tools.Registry, info ServerInfo) *Dispatcher {
	return &Dispatcher{tools: reg, info: info, log: logx.Component("dispatch")}
}

// Info returns the server identity.
func (d *Dispatcher) Info() ServerInfo { return d.info }

// Tools returns the registry served by d.
func (d *Dispatcher) Tools() *tools.Registry { return d.tools }

// Decode parses body. When it fails the second result is the error response
// to send back: a parse error always carries a null id.
func (d *Dispatcher) Decode(body []byte) (*jsonrpc.Message, *jsonrpc.Message) {
	msg, err := jsonrpc.Decode(body)
	if err == nil {
		return msg, nil
	}
	if errors.Is(err, jsonrpc.ErrParse) {
		metrics.RecordRPCError(jsonrpc.CodeParseError)
		return nil, jsonrpc.NewErrorResponse(nil, jsonrpc.NewError(jsonrpc.CodeParseError, "Parse error"))
	}
	metrics.RecordRPCError(jsonrpc.CodeInvalidRequest)
	var id *jsonrpc.ID
	if msg != nil {
		id = msg.ID
	}
	return nil, jsonrpc.NewErrorResponse(id, jsonrpc.NewError(jsonrpc.CodeInvalidRequest, "Invalid Request: %v", err))
}

// Handle executes msg for sess. It returns nil for notifications and for
// client responses, and exactly one response for every request. Panics are
// converted to internal errors.
func (d *Dispatcher) Handle(ctx context.Context, sess *session.Session, msg *jsonrpc.Message) (resp *jsonrpc.Message) {
	if msg.IsResponse() {
		return nil
	}
	if msg.IsNotification() {
		d.notify(sess, msg)
		return nil
	}
	metrics.CallStart()
	defer metrics.CallEnd()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("method", msg.Method).Bytes("stack", debug.Stack()).Msg("dispatch panic")
			metrics.RecordRPCError(jsonrpc.CodeInternalError)
			resp = jsonrpc.NewErrorResponse(msg.ID, jsonrpc.NewError(jsonrpc.CodeInternalError, "Internal error"))
		}
	}()

	result, rpcErr := d.route(ctx, sess, msg)
	if rpcErr != nil {
		metrics.RecordRPCError(rpcErr.Code)
		d.log.Debug().Str("method", msg.Method).Int("code", rpcErr.Code).Str("error", rpcErr.Message).Msg("request failed")
		return jsonrpc.NewErrorResponse(msg.ID, rpcErr)
	}
	resp, err := jsonrpc.NewResult(msg.ID, result)
	if err != nil {
		metrics.RecordRPCError(jsonrpc.CodeInternalError)
		d.log.Error().Err(err).Str("method", msg.Method).Msg("encode result")
		return jsonrpc.NewErrorResponse(msg.ID, jsonrpc.NewError(jsonrpc.CodeInternalError, "Internal error"))
	}
	return resp
}

// HandleBytes decodes body and handles it.
func (d *Dispatcher) HandleBytes(ctx context.Context, sess *session.Session, body []byte) *jsonrpc.Message {
	msg, errResp := d.Decode(body)
	if errResp != nil {
		return errResp
	}
	return d.Handle(ctx, sess, msg)
}

func (d *Dispatcher) notify(sess *session.Session, msg *jsonrpc.Message) {
	switch msg.Method {
	case "notifications/initialized", "notifications/cancelled":
	default:
		d.log.Debug().Str("method", msg.Method).Msg("ignoring notification")
	}
	if sess != nil {
		sess.Touch()
	}
}

func (d *Dispatcher) route(ctx context.Context, sess *session.Session, msg *jsonrpc.Message) (any, *jsonrpc.Error) {
	switch msg.Method {
	case MethodInitialize:
		return d.initialize(sess, msg.Params)
	case MethodPing:
		return struct{}{}, nil
	case MethodToolsList:
		return map[string]any{"tools": d.tools.List()}, nil
	case MethodToolsCall:
		return d.callTool(ctx, sess, msg)
	case MethodSetLogLevel:
		return d.setLogLevel(sess, msg.Params)
	default:
		return nil, jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "Method not found: %s", msg.Method)
	}
}

type initializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities"`
	ClientInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
}

// NegotiateVersion echoes requested when supported, otherwise the latest.
func NegotiateVersion(requested string) string {
	if slices.Contains(SupportedProtocolVersions, requested) {
		return requested
	}
	return LatestProtocolVersion
}

func (d *Dispatcher) initialize(sess *session.Session, raw json.RawMessage) (any, *jsonrpc.Error) {
	var p initializeParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	version := NegotiateVersion(p.ProtocolVersion)
	if sess != nil {
		sess.SetClient(version, p.ClientInfo.Name)
	}
	return initializeResult{
		ProtocolVersion: version,
		Capabilities: map[string]any{
			"tools":   map[string]any{"listChanged": false},
			"logging": map[string]any{},
		},
		ServerInfo: d.info,
	}, nil
}

type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Meta      struct {
		ProgressToken json.RawMessage `json:"progressToken"`
	} `json:"_meta"`
}

func (d *Dispatcher) callTool(ctx context.Context, sess *session.Session, msg *jsonrpc.Message) (any, *jsonrpc.Error) {
	var p callParams
	if err := unmarshalParams(msg.Params, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "Invalid params: missing tool name")
	}
	var n tools.Notifier = tools.Discard
	if sess != nil {
		n = sess.Notifier(msg.ID.String(), p.Meta.ProgressToken)
	}
	start := time.Now()
	res, err := d.tools.Invoke(ctx, p.Name, p.Arguments, n)
	outcome := "ok"
	var (
		ipe *tools.InvalidParamsError
		ee  *tools.ExecutionError
	)
	switch {
	case err == nil:
		if res.IsError {
			outcome = "error"
		}
	case errors.Is(err, tools.ErrUnknownTool):
		outcome = "unknown"
		res = tools.Errorf("Unknown tool: %s", p.Name)
	case errors.As(err, &ipe):
		outcome = "invalid"
		res = tools.Errorf("Invalid arguments: %s", reason(ipe))
	case errors.As(err, &ee):
		outcome = "error"
		res = tools.Errorf("Error: %s", ee.Message())
	default:
		return nil, jsonrpc.NewError(jsonrpc.CodeInternalError, "Internal error: %v", err)
	}
	metrics.RecordToolCall(p.Name, outcome, time.Since(start))
	d.log.Debug().Str("tool", p.Name).Str("outcome", outcome).Dur("took", time.Since(start)).Msg("tool call")
	return res, nil
}

func reason(e *tools.InvalidParamsError) string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Reason)
	}
	return e.Reason
}

func (d *Dispatcher) setLogLevel(sess *session.Session, raw json.RawMessage) (any, *jsonrpc.Error) {
	var p struct {
		Level tools.LogLevel `json:"level"`
	}
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	if !p.Level.Valid() {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "Invalid params: unknown log level %q", p.Level)
	}
	if sess != nil {
		sess.SetLogLevel(p.Level)
	}
	return struct{}{}, nil
}

func unmarshalParams(raw json.RawMessage, v any) *jsonrpc.Error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return jsonrpc.NewError(jsonrpc.CodeInvalidParams, "Invalid params: %v", err)
	}
	return nil
}
