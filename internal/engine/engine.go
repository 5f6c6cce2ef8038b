// Package engine coordinates client sessions: it turns connect requests into
// running pipelines, resumes live sessions without touching the backend and
// tears sessions down once their backend connection is gone.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/zkproxy/backend"
	"github.com/ggoodman/zkproxy/internal/chroot"
	"github.com/ggoodman/zkproxy/internal/ids"
	"github.com/ggoodman/zkproxy/internal/logctx"
	"github.com/ggoodman/zkproxy/internal/metrics"
	"github.com/ggoodman/zkproxy/internal/pipeline"
	"github.com/ggoodman/zkproxy/internal/registry"
	"github.com/ggoodman/zkproxy/sessions"
	"github.com/ggoodman/zkproxy/zk"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
)

const orphanTimeout = 10 * time.Second

var (
	ErrCancelled = errors.New("connect cancelled")
	ErrShutdown  = errors.New("engine shut down")
)

// Engine owns the registry of live sessions for one proxy process.
type Engine struct {
	dialer  backend.Dialer
	reg     *registry.Registry
	store   sessions.Store
	paths   *chroot.Translator
	zxids   *ids.Zxids
	xids    *ids.Xids
	obs     []pipeline.Observer
	metrics *metrics.Metrics
	log     *slog.Logger
	id      string // process-unique proxy ID

	expireDetached bool

	tracked *xsync.Map[*pipeline.Pipeline, *tracked]

	shutdownMu sync.RWMutex
	shutdown   bool
}

// tracked is the engine's bookkeeping for one pipeline.
type tracked struct {
	mu         sync.Mutex
	registered bool
	closed     bool
	// expiring is set once the expiry timer has committed to closing the
	// session; no sink may attach after that.
	expiring bool
	timer    *time.Timer
	gen      uint64
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets a custom logger for the Engine.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithStore persists a record for every registered session.
func WithStore(s sessions.Store) EngineOption {
	return func(e *Engine) { e.store = s }
}

// WithTranslator applies a chroot to every session.
func WithTranslator(t *chroot.Translator) EngineOption {
	return func(e *Engine) { e.paths = t }
}

// WithObserver adds an observer of every pipeline's traffic.
func WithObserver(o pipeline.Observer) EngineOption {
	return func(e *Engine) {
		if o != nil {
			e.obs = append(e.obs, o)
		}
	}
}

func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithProxyID overrides the generated proxy ID.
func WithProxyID(id string) EngineOption {
	return func(e *Engine) {
		if id != "" {
			e.id = id
		}
	}
}

// WithExpireDetached controls whether a session with no attached client is
// closed on the backend once its timeout elapses. Enabled by default.
func WithExpireDetached(on bool) EngineOption {
	return func(e *Engine) { e.expireDetached = on }
}

func NewEngine(dialer backend.Dialer, reg *registry.Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		dialer:         dialer,
		reg:            reg,
		zxids:          ids.NewZxids(0),
		xids:           &ids.Xids{},
		log:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		id:             uuid.NewString(),
		expireDetached: true,
		tracked:        xsync.NewMap[*pipeline.Pipeline, *tracked](),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.reg == nil {
		e.reg = registry.New()
	}
	return e
}

// ProxyID identifies this process in session records and traces.
func (e *Engine) ProxyID() string { return e.id }

// LastZxid is the most recently assigned proxy zxid.
func (e *Engine) LastZxid() int64 { return e.zxids.Last() }

// Registry exposes the live sessions.
func (e *Engine) Registry() *registry.Registry { return e.reg }

// Connect establishes or resumes the session described by req and attaches
// sink to it. A non-nil response with a nil pipeline is an invalid
// (rejected) handshake the caller must forward to the client.
func (e *Engine) Connect(ctx context.Context, req *zk.ConnectRequest, sink pipeline.Sink) (*pipeline.Pipeline, *zk.ConnectResponse, error) {
	e.shutdownMu.RLock()
	defer e.shutdownMu.RUnlock()
	if e.shutdown {
		return nil, nil, ErrShutdown
	}

	if !e.zxids.AdvanceTo(req.LastZxidSeen) {
		e.log.InfoContext(ctx, "engine.connect.rejected",
			slog.String("session_id", logctx.FormatSessionID(req.SessionID)),
			slog.Int64("last_zxid_seen", req.LastZxidSeen),
			slog.String("reason", "last zxid out of range"))
		return nil, zk.InvalidConnectResponse(), nil
	}

	if req.SessionID != 0 {
		if p, ok := e.reg.Lookup(req.SessionID); ok {
			return e.renew(ctx, p, req, sink)
		}
		if e.store != nil && !e.passwordMatchesRecord(ctx, req) {
			e.log.InfoContext(ctx, "engine.renew.rejected",
				slog.String("session_id", logctx.FormatSessionID(req.SessionID)),
				slog.String("reason", "password mismatch"))
			return nil, zk.InvalidConnectResponse(), nil
		}
	}

	breq := *req
	// Proxy zxids mean nothing to the ensemble.
	breq.LastZxidSeen = 0
	sess, err := e.dialer.Dial(ctx, &breq)
	if err != nil {
		return nil, nil, fmt.Errorf("dial backend: %w", err)
	}

	resp, err := sess.Handshake().Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			go e.closeOrphan(sess)
			return nil, nil, ErrCancelled
		}
		_ = sess.Close()
		return nil, nil, fmt.Errorf("backend handshake: %w", err)
	}
	if !resp.Valid() {
		_ = sess.Close()
		e.log.InfoContext(ctx, "engine.connect.rejected",
			slog.String("session_id", logctx.FormatSessionID(req.SessionID)))
		return nil, resp, nil
	}

	p, err := e.start(ctx, sess, resp)
	if err != nil {
		return nil, nil, err
	}
	e.attach(p, sink)
	return p, resp, nil
}

func (e *Engine) renew(ctx context.Context, p *pipeline.Pipeline, req *zk.ConnectRequest, sink pipeline.Sink) (*pipeline.Pipeline, *zk.ConnectResponse, error) {
	reason := ""
	switch {
	case !bytes.Equal(p.Password(), req.Passwd):
		reason = "password mismatch"
	case p.Closing():
		reason = "session closing"
	case !e.attach(p, sink):
		reason = "session expiring"
	}
	if reason != "" {
		e.log.InfoContext(ctx, "engine.renew.rejected",
			slog.String("session_id", logctx.FormatSessionID(p.ID())),
			slog.String("reason", reason))
		return nil, zk.InvalidConnectResponse(), nil
	}
	e.log.InfoContext(ctx, "engine.renew.ok", slog.String("session_id", logctx.FormatSessionID(p.ID())))
	return p, &zk.ConnectResponse{
		ProtocolVersion: req.ProtocolVersion,
		TimeOut:         p.Timeout(),
		SessionID:       p.ID(),
		Passwd:          p.Password(),
		ReadOnly:        req.ReadOnly,
	}, nil
}

func (e *Engine) passwordMatchesRecord(ctx context.Context, req *zk.ConnectRequest) bool {
	rec, err := e.store.Get(ctx, req.SessionID)
	if err != nil {
		if !errors.Is(err, sessions.ErrNotFound) {
			e.log.WarnContext(ctx, "engine.store.get.fail", slog.String("err", err.Error()))
		}
		return true
	}
	return bytes.Equal(rec.Password, req.Passwd)
}

// start builds and registers the pipeline for a freshly handshaken backend
// session.
func (e *Engine) start(ctx context.Context, sess backend.Session, resp *zk.ConnectResponse) (*pipeline.Pipeline, error) {
	tr := &tracked{}
	obs := append([]pipeline.Observer{}, e.obs...)
	if e.metrics != nil {
		obs = append(obs, e.metrics)
	}
	p := pipeline.New(resp.SessionID, sess,
		pipeline.WithLogger(e.log),
		pipeline.WithTranslator(e.paths),
		pipeline.WithZxids(e.zxids),
		pipeline.WithObserver(pipeline.Observers(obs...)),
		pipeline.WithSession(resp.TimeOut, resp.Passwd),
		pipeline.WithCloseHook(func(p *pipeline.Pipeline) { e.teardown(p, tr) }),
	)
	e.tracked.Store(p, tr)

	if err := e.reg.Register(resp.SessionID, p); err != nil {
		// The id belongs to a live session; closing it on the backend
		// would kill that session too.
		e.log.ErrorContext(ctx, "engine.register.conflict",
			slog.String("session_id", logctx.FormatSessionID(resp.SessionID)))
		_ = p.Close()
		return nil, err
	}

	tr.mu.Lock()
	if tr.closed {
		tr.mu.Unlock()
		e.reg.Deregister(resp.SessionID, p)
		return nil, fmt.Errorf("backend session closed during connect: %w", backend.ErrConnectionLost)
	}
	tr.registered = true
	tr.mu.Unlock()

	e.metrics.SessionOpened()
	e.putRecord(ctx, p)
	e.log.InfoContext(ctx, "engine.session.started",
		slog.String("session_id", logctx.FormatSessionID(p.ID())),
		slog.Int("timeout_ms", int(p.Timeout())))
	return p, nil
}

func (e *Engine) putRecord(ctx context.Context, p *pipeline.Pipeline) {
	if e.store == nil {
		return
	}
	rec := &sessions.Record{
		ID:        p.ID(),
		Timeout:   p.Timeout(),
		Password:  p.Password(),
		ProxyID:   e.id,
		CreatedAt: time.Now().UTC(),
	}
	if cd, ok := logctx.ConnDataFrom(ctx); ok {
		rec.Remote = cd.RemoteAddr
	}
	if err := e.store.Put(ctx, rec); err != nil {
		e.log.WarnContext(ctx, "engine.store.put.fail",
			slog.String("session_id", logctx.FormatSessionID(p.ID())),
			slog.String("err", err.Error()))
	}
}

// teardown runs once the pipeline has stopped.
func (e *Engine) teardown(p *pipeline.Pipeline, tr *tracked) {
	tr.mu.Lock()
	tr.closed = true
	registered := tr.registered
	if tr.timer != nil {
		tr.timer.Stop()
		tr.timer = nil
	}
	tr.mu.Unlock()
	e.tracked.Delete(p)

	if !registered || !e.reg.Deregister(p.ID(), p) {
		return
	}
	e.metrics.SessionClosed()
	if e.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.store.Delete(ctx, p.ID()); err != nil {
			e.log.Warn("engine.store.delete.fail",
				slog.String("session_id", logctx.FormatSessionID(p.ID())),
				slog.String("err", err.Error()))
		}
		cancel()
	}
	e.log.Info("engine.session.ended", slog.String("session_id", logctx.FormatSessionID(p.ID())))
}

// closeOrphan finishes a backend session whose client gave up during the
// handshake, so the ensemble does not keep it alive.
func (e *Engine) closeOrphan(sess backend.Session) {
	defer sess.Close()
	ctx, cancel := context.WithTimeout(context.Background(), orphanTimeout)
	defer cancel()
	resp, err := sess.Handshake().Wait(ctx)
	if err != nil || !resp.Valid() {
		return
	}
	if _, err := sess.Submit(e.xids.Next(), &zk.CloseSessionRequest{}).Wait(ctx); err != nil {
		e.log.Warn("engine.orphan.close.fail",
			slog.String("session_id", logctx.FormatSessionID(resp.SessionID)),
			slog.String("err", err.Error()))
	}
}

// attach stops any pending expiry and routes replies to sink. It fails once
// the expiry timer has committed to closing the session.
func (e *Engine) attach(p *pipeline.Pipeline, sink pipeline.Sink) bool {
	tr, ok := e.tracked.Load(p)
	if !ok {
		p.Attach(sink)
		return true
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.expiring {
		return false
	}
	if tr.timer != nil {
		tr.timer.Stop()
		tr.timer = nil
	}
	tr.gen++
	p.Attach(sink)
	return true
}

// Disconnect detaches sink from p after its client connection ended. The
// session survives for a renew until its timeout elapses.
func (e *Engine) Disconnect(p *pipeline.Pipeline, sink pipeline.Sink) {
	if !p.Detach(sink) || !e.expireDetached || p.Closing() {
		return
	}
	tr, ok := e.tracked.Load(p)
	if !ok {
		return
	}
	timeout := time.Duration(p.Timeout()) * time.Millisecond

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.closed {
		return
	}
	if tr.timer != nil {
		tr.timer.Stop()
	}
	tr.gen++
	gen := tr.gen
	tr.timer = time.AfterFunc(timeout, func() { e.expire(p, tr, gen) })
}

// expire closes a detached session unless a client re-attached since the
// timer for gen was armed.
func (e *Engine) expire(p *pipeline.Pipeline, tr *tracked, gen uint64) {
	tr.mu.Lock()
	if tr.closed || tr.gen != gen || p.Attached() {
		tr.mu.Unlock()
		return
	}
	tr.expiring = true
	if tr.timer != nil {
		tr.timer.Stop()
		tr.timer = nil
	}
	tr.mu.Unlock()

	e.log.Info("engine.session.expire", slog.String("session_id", logctx.FormatSessionID(p.ID())))
	ctx, cancel := context.WithTimeout(context.Background(), orphanTimeout)
	defer cancel()
	if err := p.Expire(ctx, e.xids.Next()); err != nil {
		e.log.Warn("engine.session.expire.fail",
			slog.String("session_id", logctx.FormatSessionID(p.ID())),
			slog.String("err", err.Error()))
	}
}

// Shutdown refuses new connects and drops every backend connection without
// closing the sessions, so clients can resume them through another proxy.
// It waits for the pipelines to stop or ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.shutdownMu.Lock()
	e.shutdown = true
	e.shutdownMu.Unlock()

	var live []*pipeline.Pipeline
	e.reg.Range(func(_ int64, p *pipeline.Pipeline) bool {
		live = append(live, p)
		return true
	})
	for _, p := range live {
		_ = p.Close()
	}
	for _, p := range live {
		select {
		case <-p.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
