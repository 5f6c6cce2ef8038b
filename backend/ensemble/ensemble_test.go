package ensemble

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/zkproxy/backend"
	"github.com/ggoodman/zkproxy/internal/wire"
	"github.com/ggoodman/zkproxy/zk"
)

// fakeServer accepts one connection, completes the handshake and hands the
// connection to the test.
type fakeServer struct {
	ln    net.Listener
	conns chan *serverConn
}

type serverConn struct {
	net.Conn
	br *bufio.Reader
}

func startFakeServer(t *testing.T, resp *zk.ConnectResponse) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fs := &fakeServer{ln: ln, conns: make(chan *serverConn, 1)}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		sc := &serverConn{Conn: c, br: bufio.NewReader(c)}
		if _, err := wire.ReadFrame(sc.br, wire.DefaultMaxFrameSize); err != nil {
			return
		}
		if err := wire.WriteFrame(c, wire.EncodeConnectResponse(resp)); err != nil {
			return
		}
		fs.conns <- sc
	}()
	return fs
}

func (sc *serverConn) readRequest(t *testing.T) (int32, zk.Request) {
	t.Helper()
	for {
		frame, err := wire.ReadFrame(sc.br, wire.DefaultMaxFrameSize)
		if err != nil {
			t.Fatalf("server read: %v", err)
		}
		xid, req, err := wire.DecodeRequest(frame)
		if err != nil {
			t.Fatalf("server decode: %v", err)
		}
		if xid == zk.XidPing {
			continue
		}
		return xid, req
	}
}

func (sc *serverConn) reply(t *testing.T, r *zk.Reply) {
	t.Helper()
	b, err := wire.EncodeReply(r)
	if err != nil {
		t.Fatalf("encode reply: %v", err)
	}
	if err := wire.WriteFrame(sc, b); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

type recordingListener struct {
	mu     sync.Mutex
	pushes []*zk.Reply
	states []backend.State
	pushCh chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{pushCh: make(chan struct{}, 16)}
}

func (l *recordingListener) HandlePush(r *zk.Reply) {
	l.mu.Lock()
	l.pushes = append(l.pushes, r)
	l.mu.Unlock()
	l.pushCh <- struct{}{}
}

func (l *recordingListener) HandleState(s backend.State) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func validResponse() *zk.ConnectResponse {
	return &zk.ConnectResponse{TimeOut: 30000, SessionID: 0x77, Passwd: []byte("0123456789abcdef")}
}

func dialSession(t *testing.T, fs *fakeServer) (backend.Session, *serverConn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d := NewDialer([]string{fs.ln.Addr().String()})
	sess, err := d.Dial(ctx, &zk.ConnectRequest{TimeOut: 30000})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	resp, err := sess.Handshake().Wait(ctx)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if resp.SessionID != 0x77 {
		t.Fatalf("unexpected session id 0x%x", resp.SessionID)
	}
	select {
	case sc := <-fs.conns:
		return sess, sc
	case <-ctx.Done():
		t.Fatal("server never saw the handshake")
	}
	return nil, nil
}

func TestSessionCorrelatesRepliesAndPushes(t *testing.T) {
	fs := startFakeServer(t, validResponse())
	sess, sc := dialSession(t, fs)

	l := newRecordingListener()
	sess.Subscribe(l)

	f1 := sess.Submit(10, &zk.GetDataRequest{Path: "/a"})
	f2 := sess.Submit(11, &zk.ExistsRequest{Path: "/b"})

	xid, req := sc.readRequest(t)
	if xid != 10 || req.(*zk.GetDataRequest).Path != "/a" {
		t.Fatalf("unexpected first request %d %#v", xid, req)
	}
	xid, _ = sc.readRequest(t)
	if xid != 11 {
		t.Fatalf("unexpected second xid %d", xid)
	}

	sc.reply(t, &zk.Reply{Xid: 10, Zxid: 5, Response: &zk.GetDataResponse{Data: []byte("v")}})
	sc.reply(t, &zk.Reply{Xid: zk.XidNotification, Zxid: -1, Response: &zk.WatcherEvent{Type: zk.EventNodeCreated, State: zk.StateSyncConnected, Path: "/b"}})
	sc.reply(t, &zk.Reply{Xid: 11, Zxid: 6, Err: zk.ErrNoNode})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r1, err := f1.Wait(ctx)
	if err != nil {
		t.Fatalf("f1: %v", err)
	}
	if string(r1.Response.(*zk.GetDataResponse).Data) != "v" {
		t.Fatalf("unexpected f1 reply %#v", r1)
	}
	r2, err := f2.Wait(ctx)
	if err != nil {
		t.Fatalf("f2: %v", err)
	}
	if r2.Err != zk.ErrNoNode || r2.Response != nil {
		t.Fatalf("unexpected f2 reply %#v", r2)
	}

	select {
	case <-l.pushCh:
	case <-ctx.Done():
		t.Fatal("push never delivered")
	}
	l.mu.Lock()
	ev := l.pushes[0].Response.(*zk.WatcherEvent)
	l.mu.Unlock()
	if ev.Path != "/b" {
		t.Fatalf("unexpected push %#v", ev)
	}
}

func TestSessionLossFailsPending(t *testing.T) {
	fs := startFakeServer(t, validResponse())
	sess, sc := dialSession(t, fs)

	l := newRecordingListener()
	sess.Subscribe(l)

	f := sess.Submit(1, &zk.SyncRequest{Path: "/"})
	sc.readRequest(t)
	_ = sc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := f.Wait(ctx)
	if !errors.Is(err, backend.ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", err)
	}
	if sess.State() != backend.StateClosed {
		t.Fatalf("expected closed state, got %s", sess.State())
	}
	if got := sess.Submit(2, &zk.SyncRequest{Path: "/"}); !errors.Is(resultErr(got), backend.ErrClosed) {
		t.Fatalf("submit after close should fail with ErrClosed")
	}

	var states []backend.State
	waitFor(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		states = append(states[:0], l.states...)
		return len(states) > 0 && states[len(states)-1] == backend.StateClosed
	})
	closed := 0
	for _, st := range states {
		if st == backend.StateClosed {
			closed++
		}
	}
	if closed != 1 || states[len(states)-1] != backend.StateClosed {
		t.Fatalf("expected exactly one terminal close, got %v", states)
	}
}

func resultErr(f *backend.Future[*zk.Reply]) error {
	_, err := f.Result()
	return err
}

func TestSubscribeAfterCloseReportsClosed(t *testing.T) {
	fs := startFakeServer(t, validResponse())
	sess, _ := dialSession(t, fs)
	_ = sess.Close()

	done := make(chan backend.State, 1)
	sess.Subscribe(stateFunc(func(s backend.State) { done <- s }))
	select {
	case s := <-done:
		if s != backend.StateClosed {
			t.Fatalf("expected closed, got %s", s)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("late subscriber never told about close")
	}
}

type stateFunc func(backend.State)

func (f stateFunc) HandlePush(*zk.Reply)        {}
func (f stateFunc) HandleState(s backend.State) { f(s) }

func TestRejectedHandshakeCompletesWithInvalidResponse(t *testing.T) {
	fs := startFakeServer(t, zk.InvalidConnectResponse())
	d := NewDialer([]string{fs.ln.Addr().String()})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := d.Dial(ctx, &zk.ConnectRequest{SessionID: 0x99, TimeOut: 30000})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	resp, err := sess.Handshake().Wait(ctx)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if resp.Valid() {
		t.Fatalf("expected an invalid response, got %#v", resp)
	}
}

func TestDialRetriesOtherServers(t *testing.T) {
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadAddr := dead.Addr().String()
	_ = dead.Close()

	fs := startFakeServer(t, validResponse())

	var mu sync.Mutex
	var failures []string
	d := NewDialer([]string{deadAddr, fs.ln.Addr().String()},
		WithBackoff(time.Millisecond, 5*time.Millisecond),
		WithMaxAttempts(4),
		WithDialFailureHook(func(addr string, _ error) {
			mu.Lock()
			failures = append(failures, addr)
			mu.Unlock()
		}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := d.Dial(ctx, &zk.ConnectRequest{TimeOut: 30000})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()
	if _, err := sess.Handshake().Wait(ctx); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, f := range failures {
		if f != deadAddr {
			t.Fatalf("unexpected failure against %s", f)
		}
	}
}

func TestDialGivesUp(t *testing.T) {
	d := NewDialer([]string{"127.0.0.1:1"},
		WithBackoff(time.Millisecond, time.Millisecond),
		WithMaxAttempts(2),
		WithDialFunc(func(context.Context, string, string) (net.Conn, error) {
			return nil, errors.New("refused")
		}),
	)
	_, err := d.Dial(context.Background(), &zk.ConnectRequest{})
	if !errors.Is(err, ErrDialFailed) {
		t.Fatalf("expected ErrDialFailed, got %v", err)
	}
}

func TestDialWithoutServers(t *testing.T) {
	d := NewDialer(nil)
	if _, err := d.Dial(context.Background(), &zk.ConnectRequest{}); !errors.Is(err, ErrNoServers) {
		t.Fatalf("expected ErrNoServers, got %v", err)
	}
}

func TestParseServers(t *testing.T) {
	got := ParseServers("# ensemble\nzk1:2181, zk2:2181\n\n  zk3:2181\tzk4:2181\n")
	want := []string{"zk1:2181", "zk2:2181", "zk3:2181", "zk4:2181"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseServers = %v, want %v", got, want)
	}
}

func TestWatchServersFileReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers")
	if err := os.WriteFile(path, []byte("zk1:2181\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	d := NewDialer(nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- WatchServersFile(ctx, d, path, nil) }()
	defer func() {
		cancel()
		if err := <-errCh; err != nil {
			t.Errorf("WatchServersFile: %v", err)
		}
	}()

	waitFor(t, func() bool { return reflect.DeepEqual(d.Servers(), []string{"zk1:2181"}) })

	if err := os.WriteFile(path, []byte("zk2:2181,zk3:2181\n"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	waitFor(t, func() bool { return reflect.DeepEqual(d.Servers(), []string{"zk2:2181", "zk3:2181"}) })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
