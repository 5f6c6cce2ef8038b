package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/zkproxy/internal/logctx"
	"github.com/ggoodman/zkproxy/internal/pipeline"
	"github.com/ggoodman/zkproxy/internal/wire"
	"github.com/ggoodman/zkproxy/zk"
	"github.com/google/uuid"
)

// conn is one client connection and the pipeline.Sink its session writes to.
type conn struct {
	id     string
	nc     net.Conn
	srv    *Server
	out    chan *zk.Reply
	closed chan struct{}
	once   sync.Once

	session  atomic.Int64
	received atomic.Int64
	sent     atomic.Int64
}

var _ pipeline.Sink = (*conn)(nil)

func (c *conn) Deliver(r *zk.Reply) {
	select {
	case <-c.closed:
		return
	default:
	}
	select {
	case c.out <- r:
	default:
		c.srv.log.Warn("server.conn.overflow",
			slog.String("conn_id", c.id),
			slog.String("session_id", logctx.FormatSessionID(c.session.Load())))
		c.kill()
	}
}

func (c *conn) kill() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.nc.Close()
	})
}

func (s *Server) handle(ctx context.Context, nc net.Conn) {
	c := &conn{
		id:     uuid.NewString(),
		nc:     nc,
		srv:    s,
		out:    make(chan *zk.Reply, s.sendQueue),
		closed: make(chan struct{}),
	}
	defer c.kill()
	ctx = logctx.WithConnData(ctx, &logctx.ConnData{ConnID: c.id, RemoteAddr: nc.RemoteAddr().String()})

	_ = nc.SetReadDeadline(time.Now().Add(s.handshakeTimeout))
	var hdr [4]byte
	if _, err := io.ReadFull(nc, hdr[:]); err != nil {
		return
	}
	if word, ok := wire.FourLetterWord(hdr); ok {
		s.fourLetter(ctx, word, nc)
		return
	}
	body, err := wire.ReadFrameBody(nc, hdr, s.maxFrame)
	if err != nil {
		s.log.DebugContext(ctx, "server.handshake.read.fail", slog.String("err", err.Error()))
		return
	}
	req, err := wire.DecodeConnectRequest(body)
	if err != nil {
		s.log.InfoContext(ctx, "server.handshake.decode.fail", slog.String("err", err.Error()))
		return
	}

	s.conns.Store(c.id, c)
	defer s.conns.Delete(c.id)

	p, resp, err := s.eng.Connect(ctx, req, c)
	if err != nil {
		s.log.WarnContext(ctx, "server.connect.fail", slog.String("err", err.Error()))
		return
	}
	_ = nc.SetWriteDeadline(time.Now().Add(s.handshakeTimeout))
	if werr := wire.WriteFrame(nc, wire.EncodeConnectResponse(resp)); werr != nil || p == nil {
		if p != nil {
			s.eng.Disconnect(p, c)
		}
		return
	}
	_ = nc.SetWriteDeadline(time.Time{})
	c.session.Store(p.ID())
	defer s.eng.Disconnect(p, c)

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: p.ID(), Timeout: p.Timeout()})
	s.log.DebugContext(ctx, "server.session.attached")

	go s.writeLoop(ctx, c, p)
	s.readLoop(ctx, c, p)
}

func (s *Server) readLoop(ctx context.Context, c *conn, p *pipeline.Pipeline) {
	timeout := time.Duration(p.Timeout()) * time.Millisecond
	for {
		if timeout > 0 {
			_ = c.nc.SetReadDeadline(time.Now().Add(timeout))
		}
		frame, err := wire.ReadFrame(c.nc, s.maxFrame)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.DebugContext(ctx, "server.read.fail", slog.String("err", err.Error()))
			}
			return
		}
		xid, req, err := wire.DecodeRequest(frame)
		if err != nil {
			s.log.InfoContext(ctx, "server.request.decode.fail", slog.String("err", err.Error()))
			return
		}
		c.received.Add(1)
		s.received.Add(1)
		if _, err := p.Submit(xid, req); err != nil {
			rctx := logctx.WithRequestData(ctx, &logctx.RequestData{Xid: xid, Op: req.OpCode().String()})
			s.log.DebugContext(rctx, "server.submit.fail", slog.String("err", err.Error()))
			return
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, c *conn, p *pipeline.Pipeline) {
	defer c.kill()
	write := func(r *zk.Reply) bool {
		b, err := wire.EncodeReply(r)
		if err != nil {
			s.log.ErrorContext(ctx, "server.reply.encode.fail", slog.Int("xid", int(r.Xid)), slog.String("err", err.Error()))
			return false
		}
		if err := wire.WriteFrame(c.nc, b); err != nil {
			return false
		}
		c.sent.Add(1)
		s.sent.Add(1)
		return !isCloseReply(r)
	}
	for {
		select {
		case r := <-c.out:
			if !write(r) {
				return
			}
		case <-p.Done():
			// Flush what the session produced before it stopped.
			for {
				select {
				case r := <-c.out:
					if !write(r) {
						return
					}
				default:
					return
				}
			}
		case <-c.closed:
			return
		}
	}
}

func isCloseReply(r *zk.Reply) bool {
	e, ok := r.Response.(*zk.EmptyResponse)
	return ok && e.Op == zk.OpCloseSession
}
