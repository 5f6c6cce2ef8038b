// Package server is the client-facing TCP front end of the proxy. It speaks
// the ZooKeeper client protocol, hands every connection to the engine and
// answers the administrative four-letter words.
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

	"github.com/ggoodman/zkproxy/internal/engine"
	"github.com/ggoodman/zkproxy/internal/wire"
	"github.com/jpillora/backoff"
	"github.com/puzpuzpuz/xsync/v4"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultSendQueue        = 1024
)

type Server struct {
	eng              *engine.Engine
	log              *slog.Logger
	handshakeTimeout time.Duration
	maxFrame         int
	sendQueue        int
	version          string
	settings         map[string]string
	started          time.Time

	received atomic.Int64
	sent     atomic.Int64
	conns    *xsync.Map[string, *conn]
	wg       sync.WaitGroup
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithHandshakeTimeout bounds how long a new connection may take to send its
// connect request.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

func WithMaxFrameSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxFrame = n
		}
	}
}

// WithSendQueue sets how many replies may wait for a slow client before the
// connection is dropped.
func WithSendQueue(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.sendQueue = n
		}
	}
}

// WithVersion sets the version reported by srvr, stat, mntr and envi.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithSettings sets the key/value pairs reported by conf.
func WithSettings(kv map[string]string) Option {
	return func(s *Server) { s.settings = kv }
}

func New(eng *engine.Engine, opts ...Option) *Server {
	s := &Server{
		eng:              eng,
		log:              slog.New(slog.NewTextHandler(io.Discard, nil)),
		handshakeTimeout: defaultHandshakeTimeout,
		maxFrame:         wire.DefaultMaxFrameSize,
		sendQueue:        defaultSendQueue,
		version:          "dev",
		started:          time.Now(),
		conns:            xsync.NewMap[string, *conn](),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Serve accepts connections on ln until ctx is done, then closes ln and
// every open connection and waits for their goroutines.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	defer func() {
		s.conns.Range(func(_ string, c *conn) bool {
			c.kill()
			return true
		})
		s.wg.Wait()
	}()

	s.log.Info("server.listen", slog.String("addr", ln.Addr().String()))
	b := &backoff.Backoff{Min: 5 * time.Millisecond, Max: time.Second, Factor: 2}
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				d := b.Duration()
				s.log.Warn("server.accept.retry", slog.String("err", err.Error()), slog.Duration("delay", d))
				time.Sleep(d)
				continue
			}
			return err
		}
		b.Reset()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, nc)
		}()
	}
}
