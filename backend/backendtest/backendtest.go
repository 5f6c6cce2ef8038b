// Package backendtest provides scripted in-memory backend sessions for tests
// of code that consumes the backend contract.
package backendtest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/zkproxy/backend"
	"github.com/ggoodman/zkproxy/zk"
)

// Call is one request submitted to a Session.
type Call struct {
	Xid     int32
	Request zk.Request
	Future  *backend.Future[*zk.Reply]
}

// Succeed completes the call with a successful reply carrying resp.
func (c *Call) Succeed(zxid int64, resp zk.Response) {
	c.Future.Complete(&zk.Reply{Xid: c.Xid, Zxid: zxid, Response: resp})
}

// Error completes the call with a reply carrying a backend error code.
func (c *Call) Error(zxid int64, code zk.ErrCode) {
	c.Future.Complete(&zk.Reply{Xid: c.Xid, Zxid: zxid, Err: code})
}

// Session is a backend.Session driven by the test.
type Session struct {
	handshake *backend.Future[*zk.ConnectResponse]
	calls     chan *Call

	// Cancellable makes Submit futures withdrawable, as if every request
	// were still queued locally.
	Cancellable atomic.Bool

	mu        sync.Mutex
	state     backend.State
	pending   []*Call
	all       []*Call
	listeners map[*subscription]struct{}
}

var _ backend.Session = (*Session)(nil)

// NewSession returns a session whose handshake has already completed with
// resp. A nil resp leaves the handshake pending.
func NewSession(resp *zk.ConnectResponse) *Session {
	s := &Session{
		handshake: backend.NewFuture[*zk.ConnectResponse](),
		calls:     make(chan *Call, 1024),
		state:     backend.StateConnecting,
		listeners: make(map[*subscription]struct{}),
	}
	if resp != nil {
		s.CompleteHandshake(resp)
	}
	return s
}

// CompleteHandshake resolves the handshake future.
func (s *Session) CompleteHandshake(resp *zk.ConnectResponse) {
	s.mu.Lock()
	if resp.Valid() && s.state == backend.StateConnecting {
		s.state = backend.StateConnected
	}
	s.mu.Unlock()
	s.handshake.Complete(resp)
}

func (s *Session) Handshake() *backend.Future[*zk.ConnectResponse] { return s.handshake }

func (s *Session) State() backend.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Submit(xid int32, req zk.Request) *backend.Future[*zk.Reply] {
	c := &Call{Xid: xid, Request: req, Future: backend.NewFuture[*zk.Reply]()}
	c.Future.SetCanceller(func() bool {
		if !s.Cancellable.Load() {
			return false
		}
		s.remove(c)
		return true
	})

	s.mu.Lock()
	if s.state == backend.StateClosed {
		s.mu.Unlock()
		return backend.Failed[*zk.Reply](backend.ErrClosed)
	}
	s.pending = append(s.pending, c)
	s.all = append(s.all, c)
	s.mu.Unlock()

	s.calls <- c
	return c.Future
}

func (s *Session) remove(c *Call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.pending {
		if p == c {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// NextCall waits for the next submitted call.
func (s *Session) NextCall(t testing.TB) *Call {
	t.Helper()
	select {
	case c := <-s.calls:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("backendtest: no call submitted")
		return nil
	}
}

// NoCall asserts nothing is submitted within wait.
func (s *Session) NoCall(t testing.TB, wait time.Duration) {
	t.Helper()
	select {
	case c := <-s.calls:
		t.Fatalf("backendtest: unexpected call %s xid=%d", c.Request.OpCode(), c.Xid)
	case <-time.After(wait):
	}
}

// Calls returns every call submitted so far.
func (s *Session) Calls() []*Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Call(nil), s.all...)
}

// Push delivers an unsolicited reply to every listener.
func (s *Session) Push(r *zk.Reply) {
	for _, l := range s.snapshot() {
		l.HandlePush(r)
	}
}

// Drop simulates connection loss: pending calls fail with cause and
// listeners observe StateClosed.
func (s *Session) Drop(cause error) {
	s.mu.Lock()
	if s.state == backend.StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = backend.StateClosed
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	s.handshake.Fail(cause)
	for _, c := range pending {
		c.Future.Fail(cause)
	}
	for _, l := range s.snapshot() {
		l.HandleState(backend.StateClosed)
	}
}

func (s *Session) Close() error {
	s.Drop(backend.ErrClosed)
	return nil
}

// Closed reports whether the session has been closed or dropped.
func (s *Session) Closed() bool { return s.State() == backend.StateClosed }

// Listeners returns the number of live subscriptions.
func (s *Session) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

func (s *Session) Subscribe(l backend.Listener) backend.Subscription {
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

func (s *Session) snapshot() []backend.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]backend.Listener, 0, len(s.listeners))
	for sub := range s.listeners {
		out = append(out, sub.l)
	}
	return out
}

type subscription struct {
	s *Session
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

var ErrDialRefused = errors.New("backendtest: dial refused")

// Dialer hands out Sessions. By default each dial yields a session whose
// handshake succeeds with a fresh session id.
type Dialer struct {
	// Respond builds the handshake response for a dial. A nil return leaves
	// the handshake pending.
	Respond func(req *zk.ConnectRequest) *zk.ConnectResponse
	// Err, when set, fails every dial.
	Err error

	nextID atomic.Int64

	mu       sync.Mutex
	sessions []*Session
	requests []*zk.ConnectRequest
	dialed   chan *Session
}

var _ backend.Dialer = (*Dialer)(nil)

func NewDialer() *Dialer {
	return &Dialer{dialed: make(chan *Session, 64)}
}

func (d *Dialer) Dial(ctx context.Context, req *zk.ConnectRequest) (backend.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Err != nil {
		return nil, d.Err
	}
	var resp *zk.ConnectResponse
	if d.Respond != nil {
		resp = d.Respond(req)
	} else {
		id := req.SessionID
		if id == 0 {
			id = 0x1000 + d.nextID.Add(1)
		}
		resp = &zk.ConnectResponse{TimeOut: req.TimeOut, SessionID: id, Passwd: []byte("0123456789abcdef")}
	}
	s := NewSession(resp)

	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.requests = append(d.requests, req)
	d.mu.Unlock()
	d.dialed <- s
	return s, nil
}

// Dials returns the number of Dial calls that produced a session.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// Requests returns the connect requests seen by the dialer.
func (d *Dialer) Requests() []*zk.ConnectRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*zk.ConnectRequest(nil), d.requests...)
}

// NextSession waits for the next dialed session.
func (d *Dialer) NextSession(t testing.TB) *Session {
	t.Helper()
	select {
	case s := <-d.dialed:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("backendtest: no session dialed")
		return nil
	}
}
