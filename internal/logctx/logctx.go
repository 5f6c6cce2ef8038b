package logctx

import (
	"context"
	"fmt"
	"log/slog"
)

// Handler decorates records with the connection, session and request data
// carried by the context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if cd, ok := ctx.Value(connDataKey{}).(*ConnData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("id", cd.ConnID),
			slog.String("remote_addr", cd.RemoteAddr),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		attrs := []any{
			slog.String("id", FormatSessionID(sd.SessionID)),
			slog.Int("timeout_ms", int(sd.Timeout)),
		}
		if sd.Chroot != "" {
			attrs = append(attrs, slog.String("chroot", sd.Chroot))
		}
		r.AddAttrs(slog.Group("sess", attrs...))
	}

	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.Int("xid", int(rd.Xid)),
			slog.String("op", rd.Op),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

// FormatSessionID renders a session id the way ZooKeeper logs do.
func FormatSessionID(id int64) string {
	return fmt.Sprintf("0x%x", uint64(id))
}

type connDataKey struct{}

type ConnData struct {
	ConnID     string
	RemoteAddr string
}

func WithConnData(ctx context.Context, data *ConnData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}

type sessionDataKey struct{}

type SessionData struct {
	SessionID int64
	Timeout   int32
	Chroot    string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type requestDataKey struct{}

type RequestData struct {
	Xid int32
	Op  string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

// ConnDataFrom returns the connection data stored in ctx, if any.
func ConnDataFrom(ctx context.Context) (*ConnData, bool) {
	d, ok := ctx.Value(connDataKey{}).(*ConnData)
	return d, ok && d != nil
}
