package pipeline

import (
	"context"
	"sync"

	"github.com/ggoodman/zkproxy/backend"
	"github.com/ggoodman/zkproxy/zk"
)

// Task is one client request in flight. It resolves exactly once, in
// submission order relative to the other tasks of its session.
type Task struct {
	xid  int32
	req  zk.Request
	done chan struct{}

	// Written once by the drain loop before done is closed.
	reply *zk.Reply
	err   error

	mu        sync.Mutex
	backend   *backend.Future[*zk.Reply]
	cancelReq bool
}

func newTask(xid int32, req zk.Request) *Task {
	return &Task{xid: xid, req: req, done: make(chan struct{})}
}

// Xid is the client-assigned correlation id.
func (t *Task) Xid() int32 { return t.xid }

// Request is the request as the client sent it, before path translation.
func (t *Task) Request() zk.Request { return t.req }

// Done is closed once the task has been resolved and its reply delivered.
func (t *Task) Done() <-chan struct{} { return t.done }

// Result returns the reply delivered to the client and the error, if any,
// behind it. ErrCancelled marks a cancelled task; the client then saw a
// connection-loss reply. It must only be called after Done is closed.
func (t *Task) Result() (*zk.Reply, error) {
	return t.reply, t.err
}

// Wait blocks until the task resolves or ctx is done.
func (t *Task) Wait(ctx context.Context) (*zk.Reply, error) {
	select {
	case <-t.done:
		return t.reply, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel asks for the request to be withdrawn. A request not yet handed to
// the backend is never sent; one already queued on the backend is withdrawn
// if the backend still can. Either way the task keeps its place in the
// session's reply order.
func (t *Task) Cancel() {
	t.mu.Lock()
	f := t.backend
	if f == nil {
		t.cancelReq = true
	}
	t.mu.Unlock()
	if f != nil {
		f.Cancel()
	}
}

// bind attaches the backend handle produced by submit. A cancellation that
// arrived earlier short-circuits the submission.
func (t *Task) bind(submit func() *backend.Future[*zk.Reply]) {
	t.mu.Lock()
	if t.cancelReq {
		f := backend.NewFuture[*zk.Reply]()
		f.Cancel()
		t.backend = f
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	f := submit()

	t.mu.Lock()
	t.backend = f
	cancel := t.cancelReq
	t.mu.Unlock()
	if cancel {
		f.Cancel()
	}
}

func (t *Task) handle() *backend.Future[*zk.Reply] {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.backend
}

func (t *Task) resolve(reply *zk.Reply, err error) {
	t.reply, t.err = reply, err
	close(t.done)
}
