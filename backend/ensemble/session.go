package ensemble

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ggoodman/zkproxy/backend"
	"github.com/ggoodman/zkproxy/internal/wire"
	"github.com/ggoodman/zkproxy/zk"
)

const handshakeTimeout = 10 * time.Second

var errProtocol = errors.New("ensemble: protocol violation")

// call is one request awaiting its reply.
type call struct {
	xid   int32
	op    zk.OpCode
	frame []byte
	fut   *backend.Future[*zk.Reply]
}

// session is a backend.Session over a single TCP connection. Replies to
// ordinary requests arrive in request order, so correlation is a FIFO check
// against the xid at the head of the in-flight queue. Auth and setWatches
// replies carry reserved xids and have their own queues.
type session struct {
	conn     net.Conn
	addr     string
	log      *slog.Logger
	maxFrame int
	connect  *zk.ConnectRequest

	handshake *backend.Future[*zk.ConnectResponse]
	wake      chan struct{}
	done      chan struct{}

	mu        sync.Mutex
	state     backend.State
	timeout   time.Duration
	outq      []*call
	inflight  []*call
	authq     []*call
	watchq    []*call
	listeners map[*subscription]struct{}
}

var _ backend.Session = (*session)(nil)

func newSession(conn net.Conn, addr string, req *zk.ConnectRequest, maxFrame int, log *slog.Logger) *session {
	s := &session{
		conn:      conn,
		addr:      addr,
		log:       log.With(slog.String("backend", addr)),
		maxFrame:  maxFrame,
		connect:   req,
		handshake: backend.NewFuture[*zk.ConnectResponse](),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		state:     backend.StateConnecting,
		listeners: make(map[*subscription]struct{}),
	}
	go s.run()
	return s
}

func (s *session) Handshake() *backend.Future[*zk.ConnectResponse] { return s.handshake }

func (s *session) State() backend.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) Submit(xid int32, req zk.Request) *backend.Future[*zk.Reply] {
	frame, err := wire.EncodeRequest(xid, req)
	if err != nil {
		return backend.Failed[*zk.Reply](err)
	}
	c := &call{xid: xid, op: req.OpCode(), frame: frame, fut: backend.NewFuture[*zk.Reply]()}
	c.fut.SetCanceller(func() bool { return s.withdraw(c) })

	s.mu.Lock()
	if s.state == backend.StateClosed {
		s.mu.Unlock()
		return backend.Failed[*zk.Reply](backend.ErrClosed)
	}
	s.outq = append(s.outq, c)
	s.mu.Unlock()

	s.signal()
	return c.fut
}

// withdraw removes c from the send queue if it has not been written yet.
func (s *session) withdraw(c *call) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, q := range s.outq {
		if q == c {
			s.outq = append(s.outq[:i], s.outq[i+1:]...)
			return true
		}
	}
	return false
}

func (s *session) Subscribe(l backend.Listener) backend.Subscription {
	sub := &subscription{s: s, l: l}
	s.mu.Lock()
	closed := s.state == backend.StateClosed
	if !closed {
		s.listeners[sub] = struct{}{}
	}
	s.mu.Unlock()
	if closed {
		go l.HandleState(backend.StateClosed)
	}
	return sub
}

func (s *session) Close() error {
	s.fail(backend.ErrClosed)
	return nil
}

func (s *session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *session) run() {
	br := bufio.NewReader(s.conn)
	resp, err := s.doHandshake(br)
	if err != nil {
		s.fail(err)
		return
	}
	if !resp.Valid() {
		s.log.Info("ensemble.session.rejected", slog.String("session_id", fmt.Sprintf("0x%x", s.connect.SessionID)))
		s.handshake.Complete(resp)
		s.fail(backend.ErrClosed)
		return
	}

	s.mu.Lock()
	s.timeout = time.Duration(resp.TimeOut) * time.Millisecond
	s.state = backend.StateConnected
	s.mu.Unlock()

	s.handshake.Complete(resp)
	s.notifyState(backend.StateConnected)

	go s.writeLoop()
	go s.pingLoop()
	s.readLoop(br)
}

func (s *session) doHandshake(br *bufio.Reader) (*zk.ConnectResponse, error) {
	_ = s.conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer func() { _ = s.conn.SetDeadline(time.Time{}) }()

	if err := wire.WriteFrame(s.conn, wire.EncodeConnectRequest(s.connect)); err != nil {
		return nil, fmt.Errorf("write connect request: %w", err)
	}
	frame, err := wire.ReadFrame(br, s.maxFrame)
	if err != nil {
		return nil, fmt.Errorf("read connect response: %w", err)
	}
	return wire.DecodeConnectResponse(frame)
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.outq) == 0 {
				s.mu.Unlock()
				break
			}
			c := s.outq[0]
			s.outq = s.outq[1:]
			switch {
			case c.xid == zk.XidPing:
			case c.xid == zk.XidAuth || c.op == zk.OpAuth:
				s.authq = append(s.authq, c)
			case c.xid == zk.XidSetWatches || c.op == zk.OpSetWatches:
				s.watchq = append(s.watchq, c)
			default:
				s.inflight = append(s.inflight, c)
			}
			s.mu.Unlock()

			if err := wire.WriteFrame(s.conn, c.frame); err != nil {
				s.fail(fmt.Errorf("%w: write: %w", backend.ErrConnectionLost, err))
				return
			}
		}
	}
}

func (s *session) pingLoop() {
	s.mu.Lock()
	interval := s.timeout / 3
	s.mu.Unlock()
	if interval <= 0 {
		return
	}
	frame, _ := wire.EncodeRequest(zk.XidPing, &zk.PingRequest{})
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			s.mu.Lock()
			if s.state == backend.StateClosed {
				s.mu.Unlock()
				return
			}
			s.outq = append(s.outq, &call{xid: zk.XidPing, op: zk.OpPing, frame: frame})
			s.mu.Unlock()
			s.signal()
		}
	}
}

func (s *session) readLoop(br *bufio.Reader) {
	s.mu.Lock()
	readTimeout := s.timeout * 2 / 3
	s.mu.Unlock()

	for {
		if readTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		}
		frame, err := wire.ReadFrame(br, s.maxFrame)
		if err != nil {
			s.fail(fmt.Errorf("%w: read: %w", backend.ErrConnectionLost, err))
			return
		}
		if err := s.dispatch(frame); err != nil {
			s.fail(err)
			return
		}
	}
}

func (s *session) dispatch(frame []byte) error {
	hdr, body, err := wire.DecodeReplyHeader(frame)
	if err != nil {
		return fmt.Errorf("%w: %w", errProtocol, err)
	}

	switch hdr.Xid {
	case zk.XidNotification:
		ev, err := wire.DecodeWatcherEvent(body)
		if err != nil {
			s.log.Warn("ensemble.notification.decode_failed", slog.String("err", err.Error()))
			return nil
		}
		s.notifyPush(&zk.Reply{Xid: hdr.Xid, Zxid: hdr.Zxid, Err: hdr.Err, Response: ev})
		return nil
	case zk.XidPing:
		s.notifyPush(&zk.Reply{Xid: hdr.Xid, Zxid: hdr.Zxid, Err: hdr.Err, Response: &zk.EmptyResponse{Op: zk.OpPing}})
		return nil
	case zk.XidAuth:
		return s.complete(&s.authq, hdr, body, false)
	case zk.XidSetWatches:
		return s.complete(&s.watchq, hdr, body, false)
	}
	return s.complete(&s.inflight, hdr, body, true)
}

// complete pops the head of q and resolves it with the reply.
func (s *session) complete(q *[]*call, hdr wire.ReplyHeader, body []byte, checkXid bool) error {
	s.mu.Lock()
	if len(*q) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: unexpected reply xid %d", errProtocol, hdr.Xid)
	}
	c := (*q)[0]
	if checkXid && c.xid != hdr.Xid {
		s.mu.Unlock()
		return fmt.Errorf("%w: reply xid %d, expected %d", errProtocol, hdr.Xid, c.xid)
	}
	*q = (*q)[1:]
	s.mu.Unlock()

	resp, err := wire.DecodeResponse(c.op, hdr.Err, body)
	if err != nil {
		c.fut.Fail(err)
		return nil
	}
	c.fut.Complete(&zk.Reply{Xid: hdr.Xid, Zxid: hdr.Zxid, Err: hdr.Err, Response: resp})
	return nil
}

// fail tears the session down once. Every pending call fails with cause.
func (s *session) fail(cause error) {
	s.mu.Lock()
	if s.state == backend.StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = backend.StateClosed
	pending := make([]*call, 0, len(s.outq)+len(s.inflight)+len(s.authq)+len(s.watchq))
	pending = append(pending, s.inflight...)
	pending = append(pending, s.authq...)
	pending = append(pending, s.watchq...)
	pending = append(pending, s.outq...)
	s.outq, s.inflight, s.authq, s.watchq = nil, nil, nil, nil
	s.mu.Unlock()

	close(s.done)
	_ = s.conn.Close()

	s.handshake.Fail(cause)
	for _, c := range pending {
		if c.fut != nil {
			c.fut.Fail(cause)
		}
	}
	if !errors.Is(cause, backend.ErrClosed) {
		s.log.Info("ensemble.session.lost", slog.String("err", cause.Error()), slog.Int("pending", len(pending)))
	}
	s.notifyState(backend.StateClosed)
}

func (s *session) snapshot() []backend.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]backend.Listener, 0, len(s.listeners))
	for sub := range s.listeners {
		out = append(out, sub.l)
	}
	return out
}

func (s *session) notifyPush(r *zk.Reply) {
	for _, l := range s.snapshot() {
		l.HandlePush(r)
	}
}

func (s *session) notifyState(state backend.State) {
	for _, l := range s.snapshot() {
		l.HandleState(state)
	}
}

type subscription struct {
	s *session
	l backend.Listener
}

func (sub *subscription) Unsubscribe() bool {
	sub.s.mu.Lock()
	defer sub.s.mu.Unlock()
	if _, ok := sub.s.listeners[sub]; !ok {
		return false
	}
	delete(sub.s.listeners, sub)
	return true
}
