// Package ensemble connects backend sessions to the members of a ZooKeeper
// ensemble over TCP.
package ensemble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/zkproxy/backend"
	"github.com/ggoodman/zkproxy/internal/wire"
	"github.com/ggoodman/zkproxy/zk"
	"github.com/jpillora/backoff"
)

var (
	ErrNoServers  = errors.New("ensemble: no servers configured")
	ErrDialFailed = errors.New("ensemble: all dial attempts failed")
)

// DialFunc opens a network connection. It matches (*net.Dialer).DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Option configures a Dialer.
type Option func(*Dialer)

func WithLogger(log *slog.Logger) Option {
	return func(d *Dialer) { d.log = log }
}

// WithDialTimeout bounds each individual TCP connect.
func WithDialTimeout(timeout time.Duration) Option {
	return func(d *Dialer) { d.dialTimeout = timeout }
}

// WithMaxAttempts bounds the number of connects per Dial. Servers are tried
// round-robin in a shuffled order.
func WithMaxAttempts(n int) Option {
	return func(d *Dialer) { d.maxAttempts = n }
}

// WithBackoff sets the delay range between failed attempts.
func WithBackoff(min, max time.Duration) Option {
	return func(d *Dialer) { d.minBackoff, d.maxBackoff = min, max }
}

func WithDialFunc(fn DialFunc) Option {
	return func(d *Dialer) { d.dial = fn }
}

func WithMaxFrameSize(n int) Option {
	return func(d *Dialer) { d.maxFrame = n }
}

// WithDialFailureHook is called for every failed connect attempt.
func WithDialFailureHook(fn func(addr string, err error)) Option {
	return func(d *Dialer) { d.onFailure = fn }
}

// Dialer opens sessions against a replaceable list of ensemble members.
type Dialer struct {
	mu      sync.RWMutex
	servers []string

	log         *slog.Logger
	dial        DialFunc
	dialTimeout time.Duration
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	maxFrame    int
	onFailure   func(addr string, err error)
}

var _ backend.Dialer = (*Dialer)(nil)

// NewDialer returns a dialer for servers, each a host:port address.
func NewDialer(servers []string, opts ...Option) *Dialer {
	d := &Dialer{
		log:         slog.Default(),
		dialTimeout: 5 * time.Second,
		minBackoff:  100 * time.Millisecond,
		maxBackoff:  5 * time.Second,
		maxFrame:    wire.DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.dial == nil {
		nd := &net.Dialer{KeepAlive: 30 * time.Second}
		d.dial = nd.DialContext
	}
	d.SetServers(servers)
	return d
}

// ParseServers splits a comma, space or newline separated server list.
// Blank entries and lines starting with '#' are ignored.
func ParseServers(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, f := range strings.FieldsFunc(line, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' }) {
			out = append(out, f)
		}
	}
	return out
}

// SetServers replaces the member list used by subsequent dials.
func (d *Dialer) SetServers(servers []string) {
	cp := append([]string(nil), servers...)
	d.mu.Lock()
	d.servers = cp
	d.mu.Unlock()
}

// Servers returns a copy of the current member list.
func (d *Dialer) Servers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.servers...)
}

// Dial connects to a randomly chosen member, retrying other members with
// backoff, and starts the session handshake with req. The returned session's
// Handshake future reports the outcome of the handshake.
func (d *Dialer) Dial(ctx context.Context, req *zk.ConnectRequest) (backend.Session, error) {
	servers := d.Servers()
	if len(servers) == 0 {
		return nil, ErrNoServers
	}
	rand.Shuffle(len(servers), func(i, j int) { servers[i], servers[j] = servers[j], servers[i] })

	attempts := d.maxAttempts
	if attempts <= 0 {
		attempts = 2 * len(servers)
	}

	b := &backoff.Backoff{Min: d.minBackoff, Max: d.maxBackoff, Factor: 2, Jitter: true}
	var lastErr error
	for {
		addr := servers[int(b.Attempt())%len(servers)]
		conn, err := d.connect(ctx, addr)
		if err == nil {
			d.log.DebugContext(ctx, "ensemble.dial.ok", slog.String("addr", addr), slog.Int("attempt", int(b.Attempt())+1))
			return newSession(conn, addr, req, d.maxFrame, d.log), nil
		}
		lastErr = err
		if d.onFailure != nil {
			d.onFailure(addr, err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		attempt := int(b.Attempt()) + 1
		if attempt >= attempts {
			break
		}
		delay := b.Duration()
		d.log.WarnContext(ctx, "ensemble.dial.fail",
			slog.String("addr", addr),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", delay),
			slog.String("err", err.Error()))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrDialFailed, attempts, lastErr)
}

func (d *Dialer) connect(ctx context.Context, addr string) (net.Conn, error) {
	if d.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.dialTimeout)
		defer cancel()
	}
	return d.dial(ctx, "tcp", addr)
}
