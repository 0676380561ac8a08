package session

import (
	"context"
	"encoding/json"

	"github.com/gaspardpetit/mcpcalc/internal/eventstore"
	"github.com/gaspardpetit/mcpcalc/internal/jsonrpc"
	"github.com/gaspardpetit/mcpcalc/internal/logx"
	"github.com/gaspardpetit/mcpcalc/internal/tools"
)

// Notification methods sent to clients.
const (
	MethodLogMessage      = "notifications/message"
	MethodProgress        = "notifications/progress"
	MethodResourceUpdated = "notifications/resources/updated"
)

type logParams struct {
	Level  tools.LogLevel `json:"level"`
	Logger string         `json:"logger,omitempty"`
	Data   any            `json:"data"`
}

type progressParams struct {
	ProgressToken json.RawMessage `json:"progressToken"`
	Progress      float64         `json:"progress"`
	Total         float64         `json:"total,omitempty"`
	Message       string          `json:"message,omitempty"`
}

type resourceParams struct {
	URI string `json:"uri"`
}

// Notifier returns the tools.Notifier for one request. Progress is only sent
// when the client supplied a progress token.
func (s *Session) Notifier(request string, progressToken json.RawMessage) tools.Notifier {
	return &notifier{s: s, request: request, token: progressToken}
}

type notifier struct {
	s       *Session
	request string
	token   json.RawMessage
}

func (n *notifier) emit(ctx context.Context, kind eventstore.Kind, method string, params any) {
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		logx.Log.Error().Err(err).Str("method", method).Msg("encode notification")
		return
	}
	if _, err := n.s.Emit(ctx, n.request, kind, msg); err != nil {
		logx.Log.Debug().Err(err).Str("session_id", n.s.id).Str("method", method).Msg("notification not delivered")
	}
}

func (n *notifier) Log(ctx context.Context, level tools.LogLevel, logger string, data any) {
	if !level.Enabled(n.s.LogLevel()) {
		return
	}
	n.emit(ctx, eventstore.KindLog, MethodLogMessage, logParams{Level: level, Logger: logger, Data: data})
}

func (n *notifier) Progress(ctx context.Context, progress, total float64, message string) {
	if len(n.token) == 0 {
		return
	}
	n.emit(ctx, eventstore.KindProgress, MethodProgress, progressParams{
		ProgressToken: n.token, Progress: progress, Total: total, Message: message,
	})
}

func (n *notifier) ResourceUpdated(ctx context.Context, uri string) {
	n.emit(ctx, eventstore.KindResourceUpdate, MethodResourceUpdated, resourceParams{URI: uri})
}
