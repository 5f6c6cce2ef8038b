// Package metrics exposes proxy traffic as OpenTelemetry instruments and
// serves them in the Prometheus exposition format.
package metrics

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ggoodman/zkproxy/internal/chroot"
	"github.com/ggoodman/zkproxy/internal/pipeline"
	"github.com/ggoodman/zkproxy/zk"
)

const meterName = "github.com/ggoodman/zkproxy"

// Metrics records pipeline, session and dial activity. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	requests     metric.Int64Counter
	replies      metric.Int64Counter
	pushes       metric.Int64Counter
	violations   metric.Int64Counter
	dialFailures metric.Int64Counter
	sessions     metric.Int64UpDownCounter
	pending      metric.Int64UpDownCounter
}

var _ pipeline.Observer = (*Metrics)(nil)

// New creates instruments on meter. A nil meter uses the global provider.
func New(meter metric.Meter, log *slog.Logger) *Metrics {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	if log == nil {
		log = slog.Default()
	}
	m := &Metrics{}
	var err error

	m.requests, err = meter.Int64Counter(
		"zkproxy.requests",
		metric.WithDescription("Client requests accepted by session pipelines"),
	)
	logInitError(log, "zkproxy.requests", err)

	m.replies, err = meter.Int64Counter(
		"zkproxy.replies",
		metric.WithDescription("Replies delivered to clients"),
	)
	logInitError(log, "zkproxy.replies", err)

	m.pushes, err = meter.Int64Counter(
		"zkproxy.pushes",
		metric.WithDescription("Watch notifications and heartbeat acks delivered to clients"),
	)
	logInitError(log, "zkproxy.pushes", err)

	m.violations, err = meter.Int64Counter(
		"zkproxy.chroot.violations",
		metric.WithDescription("Backend paths outside the configured chroot"),
	)
	logInitError(log, "zkproxy.chroot.violations", err)

	m.dialFailures, err = meter.Int64Counter(
		"zkproxy.backend.dial.failures",
		metric.WithDescription("Failed connection attempts to ensemble members"),
	)
	logInitError(log, "zkproxy.backend.dial.failures", err)

	m.sessions, err = meter.Int64UpDownCounter(
		"zkproxy.sessions.active",
		metric.WithDescription("Sessions with a live pipeline"),
	)
	logInitError(log, "zkproxy.sessions.active", err)

	m.pending, err = meter.Int64UpDownCounter(
		"zkproxy.pipeline.pending",
		metric.WithDescription("Requests submitted but not yet answered"),
	)
	logInitError(log, "zkproxy.pipeline.pending", err)

	return m
}

func logInitError(log *slog.Logger, name string, err error) {
	if err != nil {
		log.Warn("telemetry.metric.init_failed", slog.String("name", name), slog.String("err", err.Error()))
	}
}

func (m *Metrics) Submitted(sessionID int64, xid int32, req zk.Request) {
	if m == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("op", req.OpCode().String()))
	m.requests.Add(ctx, 1, attrs)
	if _, ok := req.(*zk.PingRequest); !ok {
		m.pending.Add(ctx, 1)
	}
}

func (m *Metrics) Delivered(sessionID int64, kind pipeline.DeliveryKind, reply *zk.Reply) {
	if m == nil {
		return
	}
	ctx := context.Background()
	switch kind {
	case pipeline.DeliveryPush:
		m.pushes.Add(ctx, 1)
		return
	case pipeline.DeliveryPing:
		m.replies.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", kind.String()),
			attribute.String("result", "ok"),
		))
		return
	}
	m.replies.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind.String()),
		attribute.String("result", resultLabel(reply.Err)),
	))
	m.pending.Add(ctx, -1)
}

func (m *Metrics) Violation(sessionID int64, err error) {
	if m == nil {
		return
	}
	if errors.Is(err, chroot.ErrViolation) {
		m.violations.Add(context.Background(), 1)
	}
}

// SessionOpened and SessionClosed track live pipelines.
func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessions.Add(context.Background(), 1)
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessions.Add(context.Background(), -1)
	}
}

// DialFailed counts one failed attempt against an ensemble member.
func (m *Metrics) DialFailed(addr string, err error) {
	if m == nil {
		return
	}
	m.dialFailures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("server", addr)))
}

func resultLabel(code zk.ErrCode) string {
	if code == zk.ErrOK {
		return "ok"
	}
	return code.Error()
}
