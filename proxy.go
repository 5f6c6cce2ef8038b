// Package zkproxy assembles a transparent ZooKeeper proxy from its parts:
// the client front end, the session engine, the ensemble dialer and the
// optional session store, tracing and metrics.
package zkproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/ggoodman/zkproxy/backend/ensemble"
	"github.com/ggoodman/zkproxy/broker"
	memorybroker "github.com/ggoodman/zkproxy/broker/memory"
	redisbroker "github.com/ggoodman/zkproxy/broker/redis"
	"github.com/ggoodman/zkproxy/internal/chroot"
	"github.com/ggoodman/zkproxy/internal/engine"
	"github.com/ggoodman/zkproxy/internal/metrics"
	"github.com/ggoodman/zkproxy/internal/registry"
	"github.com/ggoodman/zkproxy/server"
	"github.com/ggoodman/zkproxy/sessions"
	"github.com/ggoodman/zkproxy/sessions/memorystore"
	"github.com/ggoodman/zkproxy/sessions/redisstore"
	"github.com/ggoodman/zkproxy/tracing"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// Proxy is one running proxy process.
type Proxy struct {
	cfg      Config
	log      *slog.Logger
	dialer   *ensemble.Dialer
	engine   *engine.Engine
	server   *server.Server
	store    sessions.Store
	exporter *metrics.Exporter
	recorder *tracing.Recorder
	broker   broker.Broker
	closers  []func() error
}

// New wires a Proxy from cfg. cfg is validated first.
func New(cfg Config, log *slog.Logger) (*Proxy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p := &Proxy{cfg: cfg, log: log}

	var m *metrics.Metrics
	if cfg.MetricsListen != "" {
		exp, err := metrics.NewPrometheus()
		if err != nil {
			return nil, err
		}
		p.exporter = exp
		m = metrics.New(exp.Provider().Meter("github.com/ggoodman/zkproxy"), log)
	} else {
		m = metrics.New(nil, log)
	}

	store, err := NewStore(cfg)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.store = store
	if c, ok := store.(io.Closer); ok {
		p.closers = append(p.closers, c.Close)
	}

	paths, err := chroot.New(cfg.Chroot)
	if err != nil {
		p.Close()
		return nil, err
	}

	p.dialer = ensemble.NewDialer(ensemble.ParseServers(cfg.Servers),
		ensemble.WithLogger(log),
		ensemble.WithDialTimeout(cfg.DialTimeout),
		ensemble.WithMaxAttempts(cfg.DialAttempts),
		ensemble.WithMaxFrameSize(cfg.MaxFrameSize),
		ensemble.WithDialFailureHook(m.DialFailed),
	)
	if cfg.ServersFile != "" {
		if _, err := ensemble.LoadServersFile(p.dialer, cfg.ServersFile); err != nil {
			p.Close()
			return nil, err
		}
	}

	proxyID := uuid.NewString()
	engOpts := []engine.EngineOption{
		engine.WithProxyID(proxyID),
		engine.WithLogger(log),
		engine.WithStore(store),
		engine.WithTranslator(paths),
		engine.WithMetrics(m),
		engine.WithExpireDetached(cfg.ExpireDetached),
	}
	if cfg.TraceFile != "" {
		p.broker = p.newBroker()
		p.recorder = tracing.NewRecorder(p.broker, tracing.WithLogger(log), tracing.WithProxyID(proxyID))
		engOpts = append(engOpts, engine.WithObserver(p.recorder))
	}
	p.engine = engine.NewEngine(p.dialer, registry.New(), engOpts...)

	p.server = server.New(p.engine,
		server.WithLogger(log),
		server.WithHandshakeTimeout(cfg.HandshakeTimeout),
		server.WithMaxFrameSize(cfg.MaxFrameSize),
		server.WithVersion(Version),
		server.WithSettings(map[string]string{
			"clientPort":     cfg.Listen,
			"servers":        cfg.Servers,
			"chroot":         cfg.Chroot,
			"expireDetached": fmt.Sprint(cfg.ExpireDetached),
		}),
	)
	return p, nil
}

// NewStore returns the session store selected by cfg.
func NewStore(cfg Config) (sessions.Store, error) {
	if cfg.RedisAddr == "" {
		return memorystore.New(), nil
	}
	return redisstore.New(redisStoreConfig(cfg))
}

func redisStoreConfig(cfg Config) redisstore.Config {
	return redisstore.Config{
		RedisAddr: cfg.RedisAddr,
		KeyPrefix: cfg.RedisPrefix + "sessions:",
		TTL:       cfg.SessionsTTL,
	}
}

func (p *Proxy) newBroker() broker.Broker {
	if p.cfg.RedisAddr == "" {
		return memorybroker.New()
	}
	b := redisbroker.New(redisbroker.Config{
		Client:    redis.NewClient(&redis.Options{Addr: p.cfg.RedisAddr}),
		KeyPrefix: p.cfg.RedisPrefix + "broker:",
	})
	p.closers = append(p.closers, b.Close)
	return b
}

// Engine exposes the session engine.
func (p *Proxy) Engine() *engine.Engine { return p.engine }

// Run listens on the configured address and serves until ctx is done.
func (p *Proxy) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", p.cfg.Listen, err)
	}
	return p.Serve(ctx, ln)
}

// Serve runs every component on ln until ctx is done or one of them fails,
// then shuts the engine down.
func (p *Proxy) Serve(ctx context.Context, ln net.Listener) error {
	defer p.Close()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.server.Serve(gctx, ln) })

	if p.exporter != nil {
		mln, err := net.Listen("tcp", p.cfg.MetricsListen)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("listen %s: %w", p.cfg.MetricsListen, err)
		}
		g.Go(func() error { return p.exporter.Serve(gctx, mln, p.log) })
	}
	if p.cfg.ServersFile != "" {
		g.Go(func() error { return ensemble.WatchServersFile(gctx, p.dialer, p.cfg.ServersFile, p.log) })
	}
	if p.recorder != nil {
		f, err := os.OpenFile(p.cfg.TraceFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("open trace file: %w", err)
		}
		defer f.Close()
		w := tracing.NewWriter(p.broker, f, "", p.log)
		g.Go(func() error { return ignoreCancel(p.recorder.Run(gctx)) })
		g.Go(func() error { return ignoreCancel(w.Run(gctx)) })
	}

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := p.engine.Shutdown(shutdownCtx); serr != nil {
		p.log.Warn("proxy.shutdown.incomplete", slog.String("err", serr.Error()))
	}
	return err
}

// Close releases the store and broker clients.
func (p *Proxy) Close() error {
	var errs []error
	for _, c := range p.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
