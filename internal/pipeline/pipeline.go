// Package pipeline forwards one client session's requests to its backend
// session and reassembles the replies in submission order.
//
// Each pipeline runs two goroutines. The submit loop takes client requests
// and backend pushes from a single mailbox, translates and submits requests
// to the backend, and forwards both kinds of entry, in order, to the drain
// loop. The drain loop owns the submission queue: it resolves the head task
// whenever its backend handle completes and never skips ahead. A push is
// delivered only after everything already resolvable ahead of it.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/zkproxy/backend"
	"github.com/ggoodman/zkproxy/internal/chroot"
	"github.com/ggoodman/zkproxy/internal/ids"
	"github.com/ggoodman/zkproxy/internal/logctx"
	"github.com/ggoodman/zkproxy/zk"
)

var (
	// ErrClosed is returned by Submit once the pipeline has shut down.
	ErrClosed = errors.New("pipeline closed")
	// ErrCancelled is the Result error of a cancelled task.
	ErrCancelled = errors.New("request cancelled")
)

// Sink receives the replies of one client connection. Deliver is called in
// reply order and must not block.
type Sink interface {
	Deliver(reply *zk.Reply)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. Pipelines log nothing by default.
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) {
		if log != nil {
			p.log = log
		}
	}
}

// WithTranslator sets the chroot applied to requests and replies.
func WithTranslator(t *chroot.Translator) Option {
	return func(p *Pipeline) { p.paths = t }
}

// WithZxids shares the process-wide zxid assigner.
func WithZxids(z *ids.Zxids) Option {
	return func(p *Pipeline) { p.zxids = z }
}

// WithObserver receives a callback for every submission, delivery and
// chroot violation.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.obs = o }
}

// WithCloseHook registers fn to run once the pipeline has fully stopped.
func WithCloseHook(fn func(*Pipeline)) Option {
	return func(p *Pipeline) { p.onClose = append(p.onClose, fn) }
}

// WithSession records the negotiated session parameters.
func WithSession(timeout int32, passwd []byte) Option {
	return func(p *Pipeline) {
		p.timeout = timeout
		p.passwd = append([]byte(nil), passwd...)
	}
}

// Pipeline is the per-session request pipeline.
type Pipeline struct {
	id      int64
	timeout int32
	passwd  []byte
	backend backend.Session
	paths   *chroot.Translator
	zxids   *ids.Zxids
	log     *slog.Logger
	ctx     context.Context
	obs     Observer
	onClose []func(*Pipeline)

	sub     backend.Subscription
	inbox   inbox
	queue   chan entry
	done    chan struct{}
	closing atomic.Bool
	pending atomic.Int64

	emitMu sync.Mutex
	sink   atomic.Pointer[sinkRef]
}

type sinkRef struct{ s Sink }

// entry is what the submit loop hands the drain loop: a submitted task or a
// backend push, never both.
type entry struct {
	task *Task
	push *zk.Reply
}

// New starts a pipeline for session id bound to sess, whose handshake must
// already have succeeded.
func New(id int64, sess backend.Session, opts ...Option) *Pipeline {
	p := &Pipeline{
		id:      id,
		backend: sess,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		queue:   make(chan entry, 64),
		done:    make(chan struct{}),
	}
	p.inbox.wake = make(chan struct{}, 1)
	for _, opt := range opts {
		opt(p)
	}
	if p.zxids == nil {
		p.zxids = ids.NewZxids(0)
	}
	if p.obs == nil {
		p.obs = multiObserver(nil)
	}
	p.ctx = logctx.WithSessionData(context.Background(), &logctx.SessionData{
		SessionID: id,
		Timeout:   p.timeout,
		Chroot:    p.paths.Prefix(),
	})

	p.sub = sess.Subscribe(listener{p})
	go p.submitLoop()
	go p.drainLoop()
	return p
}

// ID is the session id.
func (p *Pipeline) ID() int64 { return p.id }

// Timeout is the negotiated session timeout in milliseconds.
func (p *Pipeline) Timeout() int32 { return p.timeout }

// Password returns a copy of the session password.
func (p *Pipeline) Password() []byte { return append([]byte(nil), p.passwd...) }

// State is the state of the bound backend session.
func (p *Pipeline) State() backend.State { return p.backend.State() }

// Done is closed once the pipeline has stopped and every task has resolved.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Closing reports whether the client has closed the session.
func (p *Pipeline) Closing() bool { return p.closing.Load() }

// Outstanding is the number of submitted tasks not yet resolved.
func (p *Pipeline) Outstanding() int64 { return p.pending.Load() }

// Attach makes s the destination for replies, replacing any previous sink.
func (p *Pipeline) Attach(s Sink) {
	p.sink.Store(&sinkRef{s: s})
}

// Detach clears the destination if it is still s and reports whether it
// did. Replies produced while detached are dropped.
func (p *Pipeline) Detach(s Sink) bool {
	ref := p.sink.Load()
	if ref == nil || ref.s != s {
		return false
	}
	return p.sink.CompareAndSwap(ref, nil)
}

// Attached reports whether a sink is currently attached.
func (p *Pipeline) Attached() bool { return p.sink.Load() != nil }

// Submit hands a client request to the pipeline. Pings are answered at once;
// everything else is queued behind earlier requests.
func (p *Pipeline) Submit(xid int32, req zk.Request) (*Task, error) {
	t := newTask(xid, req)
	if _, ok := req.(*zk.PingRequest); ok {
		if p.inbox.isClosed() {
			return nil, ErrClosed
		}
		p.obs.Submitted(p.id, xid, req)
		reply := &zk.Reply{Xid: xid, Response: &zk.EmptyResponse{Op: zk.OpPing}}
		p.emit(DeliveryPing, reply)
		t.resolve(reply, nil)
		return t, nil
	}

	if p.inbox.isClosed() {
		return nil, ErrClosed
	}
	// Observers hear of the request before the drain loop can resolve it.
	p.obs.Submitted(p.id, xid, req)
	p.pending.Add(1)
	if !p.inbox.put(entry{task: t}) {
		p.pending.Add(-1)
		p.obs.Delivered(p.id, DeliveryReply, &zk.Reply{Xid: xid, Err: zk.ErrConnectionLoss})
		return nil, ErrClosed
	}
	return t, nil
}

// Close drops the backend connection without closing the backend session.
// Outstanding tasks resolve with connection loss.
func (p *Pipeline) Close() error {
	p.inbox.close()
	return p.backend.Close()
}

// Expire closes the backend session on the proxy's own behalf using xid,
// then tears the pipeline down. It is used when no client has been attached
// for longer than the session timeout.
func (p *Pipeline) Expire(ctx context.Context, xid int32) error {
	p.closing.Store(true)
	_, err := p.backend.Submit(xid, &zk.CloseSessionRequest{}).Wait(ctx)
	if cerr := p.Close(); err == nil {
		err = cerr
	}
	return err
}

// emit stamps reply with a fresh zxid and hands it to the attached sink. The
// lock keeps a session's zxids in delivery order when pings race the drain
// loop.
func (p *Pipeline) emit(kind DeliveryKind, reply *zk.Reply) {
	p.emitMu.Lock()
	reply.Zxid = p.zxids.Next()
	if ref := p.sink.Load(); ref != nil {
		ref.s.Deliver(reply)
	}
	p.emitMu.Unlock()
	p.obs.Delivered(p.id, kind, reply)
}

type listener struct{ p *Pipeline }

func (l listener) HandlePush(r *zk.Reply) {
	l.p.inbox.put(entry{push: r})
}

func (l listener) HandleState(s backend.State) {
	if s == backend.StateClosed {
		l.p.inbox.close()
	}
}

// inbox is the submit loop's unbounded mailbox.
type inbox struct {
	mu     sync.Mutex
	items  []entry
	closed bool
	wake   chan struct{}
}

func (b *inbox) put(it entry) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.items = append(b.items, it)
	b.mu.Unlock()
	b.signal()
	return true
}

func (b *inbox) take() ([]entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items, b.closed
}

func (b *inbox) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.signal()
}

func (b *inbox) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *inbox) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}
