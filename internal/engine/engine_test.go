package engine

import (
	"bytes"
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/ggoodman/zkproxy/backend/backendtest"
	"github.com/ggoodman/zkproxy/internal/pipeline"
	"github.com/ggoodman/zkproxy/internal/registry"
	"github.com/ggoodman/zkproxy/sessions"
	"github.com/ggoodman/zkproxy/sessions/memorystore"
	"github.com/ggoodman/zkproxy/zk"
)

type sink struct{ ch chan *zk.Reply }

func newSink() *sink { return &sink{ch: make(chan *zk.Reply, 64)} }

func (s *sink) Deliver(r *zk.Reply) { s.ch <- r }

func (s *sink) next(t *testing.T) *zk.Reply {
	t.Helper()
	select {
	case r := <-s.ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no reply delivered")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newEngine(t *testing.T, opts ...EngineOption) (*Engine, *backendtest.Dialer, *memorystore.Store) {
	t.Helper()
	d := backendtest.NewDialer()
	store := memorystore.New()
	e := NewEngine(d, registry.New(), append([]EngineOption{WithStore(store), WithProxyID("proxy-test")}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e, d, store
}

func connectReq(timeout int32) *zk.ConnectRequest {
	return &zk.ConnectRequest{TimeOut: timeout, Passwd: make([]byte, 16)}
}

func TestConnectStartsSession(t *testing.T) {
	e, d, store := newEngine(t)
	ctx := context.Background()

	req := connectReq(30000)
	req.LastZxidSeen = 500
	p, resp, err := e.Connect(ctx, req, newSink())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if p == nil || !resp.Valid() {
		t.Fatalf("expected a live session, got %v %+v", p, resp)
	}
	if p.ID() != resp.SessionID {
		t.Fatalf("pipeline id 0x%x != response id 0x%x", p.ID(), resp.SessionID)
	}
	if got, ok := e.Registry().Lookup(resp.SessionID); !ok || got != p {
		t.Fatal("pipeline not registered")
	}
	if reqs := d.Requests(); len(reqs) != 1 || reqs[0].LastZxidSeen != 0 {
		t.Fatalf("backend must not see proxy zxids: %+v", reqs)
	}
	if e.LastZxid() < 500 {
		t.Fatalf("zxid floor not advanced: %d", e.LastZxid())
	}
	rec, err := store.Get(ctx, resp.SessionID)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.ProxyID != "proxy-test" || rec.Timeout != 30000 {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestRenewDoesNotContactBackend(t *testing.T) {
	e, d, _ := newEngine(t)
	ctx := context.Background()

	first := newSink()
	p, resp, err := e.Connect(ctx, connectReq(30000), first)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := d.NextSession(t)

	second := newSink()
	renew := &zk.ConnectRequest{TimeOut: 30000, SessionID: resp.SessionID, Passwd: resp.Passwd}
	p2, resp2, err := e.Connect(ctx, renew, second)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if p2 != p {
		t.Fatal("renew must reuse the live pipeline")
	}
	if !resp2.Valid() || resp2.SessionID != resp.SessionID || !bytes.Equal(resp2.Passwd, resp.Passwd) {
		t.Fatalf("unexpected renew response %+v", resp2)
	}
	if d.Dials() != 1 {
		t.Fatalf("renew dialed the backend: %d dials", d.Dials())
	}

	if _, err := p.Submit(3, &zk.ExistsRequest{Path: "/a"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	sess.NextCall(t).Succeed(9, &zk.ExistsResponse{})
	if r := second.next(t); r.Xid != 3 {
		t.Fatalf("expected reply on renewed sink, got xid %d", r.Xid)
	}
	select {
	case r := <-first.ch:
		t.Fatalf("stale sink got reply %+v", r)
	default:
	}
}

func TestRenewWithWrongPasswordIsRejected(t *testing.T) {
	e, d, _ := newEngine(t)
	ctx := context.Background()

	_, resp, err := e.Connect(ctx, connectReq(30000), newSink())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	bad := &zk.ConnectRequest{TimeOut: 30000, SessionID: resp.SessionID, Passwd: []byte("wrong")}
	p, resp2, err := e.Connect(ctx, bad, newSink())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if p != nil || resp2.Valid() {
		t.Fatalf("expected invalid response, got %+v", resp2)
	}
	if d.Dials() != 1 {
		t.Fatalf("expected no extra dial, got %d", d.Dials())
	}
}

func TestOutOfRangeLastZxidIsRejected(t *testing.T) {
	e, d, _ := newEngine(t)
	ctx := context.Background()
	s := newSink()

	p, _, err := e.Connect(ctx, connectReq(30000), s)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := d.NextSession(t)
	if _, err := p.Submit(1, &zk.ExistsRequest{Path: "/a"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	sess.NextCall(t).Succeed(7, &zk.ExistsResponse{})
	first := s.next(t)

	req := connectReq(30000)
	req.LastZxidSeen = math.MaxInt64
	other, resp, err := e.Connect(ctx, req, newSink())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if other != nil || resp.Valid() {
		t.Fatalf("expected invalid response, got %+v", resp)
	}
	if d.Dials() != 1 {
		t.Fatalf("rejected connect dialed the backend: %d dials", d.Dials())
	}

	if _, err := p.Submit(2, &zk.ExistsRequest{Path: "/b"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	sess.NextCall(t).Succeed(8, &zk.ExistsResponse{})
	if second := s.next(t); second.Zxid <= first.Zxid {
		t.Fatalf("zxid went backwards: %d then %d", first.Zxid, second.Zxid)
	}
}

func TestRenewOfClosingSessionIsRejected(t *testing.T) {
	e, d, _ := newEngine(t)
	ctx := context.Background()
	s := newSink()

	p, resp, err := e.Connect(ctx, connectReq(30000), s)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := d.NextSession(t)
	if _, err := p.Submit(1, &zk.CloseSessionRequest{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	sess.NextCall(t).Succeed(3, &zk.EmptyResponse{Op: zk.OpCloseSession})
	if r := s.next(t); r.Xid != 1 || r.Err != zk.ErrOK {
		t.Fatalf("unexpected close reply %+v", r)
	}

	renew := &zk.ConnectRequest{TimeOut: 30000, SessionID: resp.SessionID, Passwd: resp.Passwd}
	p2, resp2, err := e.Connect(ctx, renew, newSink())
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if p2 != nil || resp2.Valid() {
		t.Fatalf("closing session must not be renewed, got %+v", resp2)
	}
}

func TestResumeCheckedAgainstStoredRecord(t *testing.T) {
	e, d, store := newEngine(t)
	ctx := context.Background()

	_ = store.Put(ctx, &sessions.Record{ID: 0x77, Timeout: 30000, Password: []byte("secret"), ProxyID: "other"})
	p, resp, err := e.Connect(ctx, &zk.ConnectRequest{TimeOut: 30000, SessionID: 0x77, Passwd: []byte("guess")}, newSink())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if p != nil || resp.Valid() {
		t.Fatalf("expected rejection, got %+v", resp)
	}
	if d.Dials() != 0 {
		t.Fatal("rejected resume must not dial")
	}

	p, resp, err = e.Connect(ctx, &zk.ConnectRequest{TimeOut: 30000, SessionID: 0x77, Passwd: []byte("secret")}, newSink())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if p == nil || resp.SessionID != 0x77 {
		t.Fatalf("expected reattach through the backend, got %+v", resp)
	}
	if reqs := d.Requests(); reqs[0].SessionID != 0x77 {
		t.Fatalf("backend did not see the resumed id: %+v", reqs[0])
	}
}

func TestDialFailureIsReturned(t *testing.T) {
	e, d, _ := newEngine(t)
	d.Err = backendtest.ErrDialRefused

	_, _, err := e.Connect(context.Background(), connectReq(30000), newSink())
	if !errors.Is(err, backendtest.ErrDialRefused) {
		t.Fatalf("expected dial error, got %v", err)
	}
	if e.Registry().Len() != 0 {
		t.Fatal("failed connect left a registry entry")
	}
}

func TestInvalidHandshakeIsForwarded(t *testing.T) {
	e, d, _ := newEngine(t)
	d.Respond = func(*zk.ConnectRequest) *zk.ConnectResponse { return zk.InvalidConnectResponse() }

	p, resp, err := e.Connect(context.Background(), connectReq(30000), newSink())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if p != nil || resp.Valid() {
		t.Fatalf("expected invalid response, got %+v", resp)
	}
	if !d.NextSession(t).Closed() {
		t.Fatal("backend session not closed after rejected handshake")
	}
	if e.Registry().Len() != 0 {
		t.Fatal("rejected handshake left a registry entry")
	}
}

func TestDuplicateSessionIDIsFatal(t *testing.T) {
	e, d, store := newEngine(t)
	d.Respond = func(req *zk.ConnectRequest) *zk.ConnectResponse {
		return &zk.ConnectResponse{TimeOut: req.TimeOut, SessionID: 0x99, Passwd: []byte("pw")}
	}
	ctx := context.Background()

	p, _, err := e.Connect(ctx, connectReq(30000), newSink())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	d.NextSession(t)

	_, _, err = e.Connect(ctx, connectReq(30000), newSink())
	if !errors.Is(err, registry.ErrSessionConflict) {
		t.Fatalf("expected ErrSessionConflict, got %v", err)
	}
	dup := d.NextSession(t)
	waitFor(t, "duplicate backend closed", dup.Closed)
	if len(dup.Calls()) != 0 {
		t.Fatal("duplicate connection must not send closeSession")
	}
	if got, ok := e.Registry().Lookup(0x99); !ok || got != p {
		t.Fatal("conflict evicted the live session")
	}
	if _, err := store.Get(ctx, 0x99); err != nil {
		t.Fatalf("conflict removed the live record: %v", err)
	}
}

func TestBackendLossTearsDownSession(t *testing.T) {
	e, d, store := newEngine(t)
	ctx := context.Background()

	p, resp, err := e.Connect(ctx, connectReq(30000), newSink())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	d.NextSession(t).Drop(errors.New("connection reset"))

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop")
	}
	if _, ok := e.Registry().Lookup(resp.SessionID); ok {
		t.Fatal("registry entry survived teardown")
	}
	if _, err := store.Get(ctx, resp.SessionID); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("record survived teardown: %v", err)
	}
}

func TestDetachedSessionExpires(t *testing.T) {
	e, d, _ := newEngine(t)
	s := newSink()

	p, _, err := e.Connect(context.Background(), connectReq(50), s)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := d.NextSession(t)
	e.Disconnect(p, s)

	call := sess.NextCall(t)
	if _, ok := call.Request.(*zk.CloseSessionRequest); !ok {
		t.Fatalf("expected closeSession, got %s", call.Request.OpCode())
	}
	if call.Xid <= 0 {
		t.Fatalf("proxy close must use an assigned xid, got %d", call.Xid)
	}
	call.Succeed(1, &zk.EmptyResponse{Op: zk.OpCloseSession})

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expired pipeline did not stop")
	}
	if e.Registry().Len() != 0 {
		t.Fatal("expired session still registered")
	}
}

func TestRenewCancelsExpiry(t *testing.T) {
	e, d, _ := newEngine(t)
	ctx := context.Background()
	s := newSink()

	p, resp, err := e.Connect(ctx, connectReq(100), s)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := d.NextSession(t)
	e.Disconnect(p, s)

	if _, _, err := e.Connect(ctx, &zk.ConnectRequest{TimeOut: 100, SessionID: resp.SessionID, Passwd: resp.Passwd}, newSink()); err != nil {
		t.Fatalf("renew: %v", err)
	}
	sess.NoCall(t, 250*time.Millisecond)
}

func armedExpiry(t *testing.T, e *Engine, p *pipeline.Pipeline) (*tracked, uint64) {
	t.Helper()
	tr, ok := e.tracked.Load(p)
	if !ok {
		t.Fatal("pipeline not tracked")
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.timer == nil {
		t.Fatal("no expiry armed")
	}
	return tr, tr.gen
}

func TestStaleExpiryAfterRenewIsIgnored(t *testing.T) {
	e, d, _ := newEngine(t)
	ctx := context.Background()
	s := newSink()

	p, resp, err := e.Connect(ctx, connectReq(30000), s)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := d.NextSession(t)
	e.Disconnect(p, s)
	tr, gen := armedExpiry(t, e, p)

	if _, _, err := e.Connect(ctx, &zk.ConnectRequest{TimeOut: 30000, SessionID: resp.SessionID, Passwd: resp.Passwd}, newSink()); err != nil {
		t.Fatalf("renew: %v", err)
	}
	// The timer fired just before the renew took the lock.
	e.expire(p, tr, gen)
	sess.NoCall(t, 100*time.Millisecond)
	if p.Closing() {
		t.Fatal("stale expiry closed a renewed session")
	}
}

func TestRenewDuringExpiryIsRejected(t *testing.T) {
	e, d, _ := newEngine(t)
	ctx := context.Background()
	s := newSink()

	p, resp, err := e.Connect(ctx, connectReq(30000), s)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := d.NextSession(t)
	e.Disconnect(p, s)
	tr, gen := armedExpiry(t, e, p)

	go e.expire(p, tr, gen)
	call := sess.NextCall(t)
	if _, ok := call.Request.(*zk.CloseSessionRequest); !ok {
		t.Fatalf("expected closeSession, got %s", call.Request.OpCode())
	}

	p2, resp2, err := e.Connect(ctx, &zk.ConnectRequest{TimeOut: 30000, SessionID: resp.SessionID, Passwd: resp.Passwd}, newSink())
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if p2 != nil || resp2.Valid() {
		t.Fatalf("renew raced an expiry and won: %+v", resp2)
	}
	call.Succeed(1, &zk.EmptyResponse{Op: zk.OpCloseSession})
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expired pipeline did not stop")
	}
}

func TestStaleDisconnectKeepsNewSink(t *testing.T) {
	e, d, _ := newEngine(t)
	ctx := context.Background()
	old := newSink()

	p, resp, err := e.Connect(ctx, connectReq(50), old)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := d.NextSession(t)
	if _, _, err := e.Connect(ctx, &zk.ConnectRequest{TimeOut: 50, SessionID: resp.SessionID, Passwd: resp.Passwd}, newSink()); err != nil {
		t.Fatalf("renew: %v", err)
	}
	e.Disconnect(p, old)
	if !p.Attached() {
		t.Fatal("stale disconnect detached the renewed client")
	}
	sess.NoCall(t, 150*time.Millisecond)
}

func TestCancelledConnectClosesOrphan(t *testing.T) {
	e, d, _ := newEngine(t)
	d.Respond = func(*zk.ConnectRequest) *zk.ConnectResponse { return nil }

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, _, err := e.Connect(ctx, connectReq(30000), newSink())
		errc <- err
	}()

	sess := d.NextSession(t)
	cancel()
	if err := <-errc; !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}

	sess.CompleteHandshake(&zk.ConnectResponse{TimeOut: 30000, SessionID: 0x55, Passwd: []byte("pw")})
	call := sess.NextCall(t)
	if _, ok := call.Request.(*zk.CloseSessionRequest); !ok {
		t.Fatalf("expected closeSession, got %s", call.Request.OpCode())
	}
	call.Succeed(1, &zk.EmptyResponse{Op: zk.OpCloseSession})
	waitFor(t, "orphan closed", sess.Closed)
	if e.Registry().Len() != 0 {
		t.Fatal("orphan registered")
	}
}

func TestShutdownRefusesConnects(t *testing.T) {
	e, d, _ := newEngine(t)
	ctx := context.Background()

	p, _, err := e.Connect(ctx, connectReq(30000), newSink())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := d.NextSession(t)

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case <-p.Done():
	default:
		t.Fatal("pipeline still running after shutdown")
	}
	if len(sess.Calls()) != 0 {
		t.Fatal("shutdown must not close sessions on the backend")
	}
	if _, _, err := e.Connect(ctx, connectReq(30000), newSink()); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}
}

func TestStats(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	s := newSink()

	p, _, err := e.Connect(ctx, connectReq(30000), s)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, _, err := e.Connect(ctx, connectReq(30000), newSink()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	e.Disconnect(p, s)

	st := e.Stats()
	if st.Sessions != 2 || st.Detached != 1 || st.ProxyID != "proxy-test" {
		t.Fatalf("unexpected stats %+v", st)
	}
	list := e.Sessions()
	if len(list) != 2 || list[0].ID >= list[1].ID {
		t.Fatalf("unexpected session list %+v", list)
	}
}
