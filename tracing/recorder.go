package tracing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ggoodman/zkproxy/broker"
	"github.com/ggoodman/zkproxy/internal/logctx"
	"github.com/ggoodman/zkproxy/internal/pipeline"
	"github.com/ggoodman/zkproxy/zk"
)

const defaultBuffer = 4096

// Recorder is a pipeline.Observer that publishes an Event for each request,
// reply, push and violation. Events are queued and published by Run.
type Recorder struct {
	b         broker.Broker
	namespace string
	proxyID   string
	log       *slog.Logger
	now       func() time.Time

	events  chan Event
	dropped atomic.Int64
}

var _ pipeline.Observer = (*Recorder)(nil)

type RecorderOption func(*Recorder)

func WithNamespace(ns string) RecorderOption {
	return func(r *Recorder) {
		if ns != "" {
			r.namespace = ns
		}
	}
}

func WithProxyID(id string) RecorderOption {
	return func(r *Recorder) { r.proxyID = id }
}

func WithLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		if l != nil {
			r.log = l
		}
	}
}

// WithBuffer sets how many events may wait for publication before new ones
// are dropped.
func WithBuffer(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.events = make(chan Event, n)
		}
	}
}

func NewRecorder(b broker.Broker, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		b:         b,
		namespace: DefaultNamespace,
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:       time.Now,
		events:    make(chan Event, defaultBuffer),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Dropped reports how many events were discarded because the queue was full.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

func (r *Recorder) Submitted(sessionID int64, xid int32, req zk.Request) {
	r.record(Event{
		Session:   logctx.FormatSessionID(sessionID),
		Direction: DirectionRequest,
		Xid:       xid,
		Op:        req.OpCode().String(),
		Path:      requestPath(req),
	})
}

func (r *Recorder) Delivered(sessionID int64, kind pipeline.DeliveryKind, reply *zk.Reply) {
	ev := Event{
		Session: logctx.FormatSessionID(sessionID),
		Xid:     reply.Xid,
		Zxid:    reply.Zxid,
	}
	switch kind {
	case pipeline.DeliveryPush:
		ev.Direction = DirectionPush
	case pipeline.DeliveryPing:
		ev.Direction = DirectionPing
	default:
		ev.Direction = DirectionReply
	}
	if reply.Err != zk.ErrOK {
		ev.Err = reply.Err.Error()
	}
	if reply.Response != nil {
		ev.Op = reply.Response.OpCode().String()
		ev.Path = responsePath(reply.Response)
	}
	r.record(ev)
}

func (r *Recorder) Violation(sessionID int64, err error) {
	r.record(Event{
		Session:   logctx.FormatSessionID(sessionID),
		Direction: DirectionViolation,
		Err:       err.Error(),
	})
}

func (r *Recorder) record(ev Event) {
	ev.Time = r.now()
	ev.Proxy = r.proxyID
	select {
	case r.events <- ev:
	default:
		r.dropped.Add(1)
	}
}

// Run publishes queued events until ctx is done.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-r.events:
			b, err := json.Marshal(ev)
			if err != nil {
				r.log.Error("tracing.marshal.fail", slog.String("err", err.Error()))
				continue
			}
			if _, err := r.b.Publish(ctx, r.namespace, b); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				r.log.Warn("tracing.publish.fail", slog.String("err", err.Error()))
			}
		}
	}
}
