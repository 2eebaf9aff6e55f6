// Package logctx carries structured, per-operation context (engine id,
// kernel id, session id, msg id, RPC method/type) through a context.Context
// so that every log line emitted along the way picks it up automatically,
// without every call site having to thread slog.Attr values by hand.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps a slog.Handler and enriches each record with whichever
// typed context values are present on ctx.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if ed, ok := ctx.Value(engineDataKey{}).(*EngineData); ok {
		r.AddAttrs(slog.Group("engine",
			slog.String("kernel_id", ed.KernelID),
			slog.String("session_id", ed.SessionID),
			slog.String("status", ed.Status),
		))
	}

	if msg, ok := ctx.Value(rpcMsgKey{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("msg_id", msg.MsgID),
			slog.String("msg_type", msg.MsgType),
			slog.String("channel", msg.Channel),
		))
	}

	if cd, ok := ctx.Value(commDataKey{}).(*CommData); ok {
		r.AddAttrs(slog.Group("comm",
			slog.String("comm_id", cd.CommID),
			slog.String("target_name", cd.TargetName),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type engineDataKey struct{}

// EngineData identifies which kernel/session an Engine's log lines belong
// to, so logs from many concurrently-managed kernels can be told apart.
type EngineData struct {
	KernelID  string
	SessionID string
	Status    string
}

func WithEngineData(ctx context.Context, data *EngineData) context.Context {
	return context.WithValue(ctx, engineDataKey{}, data)
}

type rpcMsgKey struct{}

// RPCMessage identifies the shell/control request (or iopub message) a log
// line is about.
type RPCMessage struct {
	MsgID   string
	MsgType string
	Channel string
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsgKey{}, msg)
}

type commDataKey struct{}

// CommData identifies the comm a log line is about.
type CommData struct {
	CommID     string
	TargetName string
}

func WithCommData(ctx context.Context, data *CommData) context.Context {
	return context.WithValue(ctx, commDataKey{}, data)
}
