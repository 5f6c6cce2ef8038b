// Package memory provides an in-memory implementation of broker.Broker.
// State is local to the process so it only suits single-node deployments and
// tests.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/zkproxy/broker"
)

// DefaultRetention is the number of events kept per namespace for resuming
// subscribers.
const DefaultRetention = 1024

type Broker struct {
	mu         sync.Mutex
	namespaces map[string]*namespace
	seq        atomic.Int64
	retention  int
}

type namespace struct {
	mu       sync.Mutex
	messages []entry
	waiters  map[chan struct{}]struct{}
	closed   bool
}

type entry struct {
	seq int64
	env broker.MessageEnvelope
}

var _ broker.Broker = (*Broker)(nil)

// New creates a broker keeping DefaultRetention events per namespace.
func New() *Broker {
	return NewWithRetention(DefaultRetention)
}

func NewWithRetention(n int) *Broker {
	if n <= 0 {
		n = DefaultRetention
	}
	return &Broker{namespaces: make(map[string]*namespace), retention: n}
}

func (b *Broker) namespace(name string) *namespace {
	b.mu.Lock()
	defer b.mu.Unlock()
	ns, ok := b.namespaces[name]
	if !ok {
		ns = &namespace{waiters: make(map[chan struct{}]struct{})}
		b.namespaces[name] = ns
	}
	return ns
}

func (b *Broker) Publish(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ns := b.namespace(name)

	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.closed {
		return "", broker.ErrNamespaceClosed
	}

	seq := b.seq.Add(1)
	id := strconv.FormatInt(seq, 10)
	ns.messages = append(ns.messages, entry{seq: seq, env: broker.MessageEnvelope{
		ID:   id,
		Data: append([]byte(nil), data...),
	}})
	if over := len(ns.messages) - b.retention; over > 0 {
		ns.messages = append(ns.messages[:0:0], ns.messages[over:]...)
	}
	for w := range ns.waiters {
		select {
		case w <- struct{}{}:
		default:
		}
	}
	return id, nil
}

func (b *Broker) Subscribe(ctx context.Context, name string, lastEventID string, handler broker.MessageHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ns := b.namespace(name)
	wake := make(chan struct{}, 1)

	ns.mu.Lock()
	if ns.closed {
		ns.mu.Unlock()
		return broker.ErrNamespaceClosed
	}
	var after int64
	if lastEventID != "" {
		// Ids older than the retention window replay whatever is retained.
		n, err := strconv.ParseInt(lastEventID, 10, 64)
		if err != nil || n < 0 {
			ns.mu.Unlock()
			return fmt.Errorf("%w: %q", broker.ErrInvalidEventID, lastEventID)
		}
		after = n
	} else if n := len(ns.messages); n > 0 {
		after = ns.messages[n-1].seq
	}
	ns.waiters[wake] = struct{}{}
	ns.mu.Unlock()

	defer func() {
		ns.mu.Lock()
		delete(ns.waiters, wake)
		ns.mu.Unlock()
	}()

	for {
		ns.mu.Lock()
		closed := ns.closed
		var batch []broker.MessageEnvelope
		for _, e := range ns.messages {
			if e.seq > after {
				batch = append(batch, e.env)
				after = e.seq
			}
		}
		ns.mu.Unlock()

		for _, env := range batch {
			if err := handler(ctx, env); err != nil {
				return err
			}
		}
		if closed {
			return broker.ErrNamespaceClosed
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

func (b *Broker) Cleanup(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	ns, ok := b.namespaces[name]
	delete(b.namespaces, name)
	b.mu.Unlock()
	if !ok {
		return nil
	}

	ns.mu.Lock()
	ns.closed = true
	ns.messages = nil
	for w := range ns.waiters {
		select {
		case w <- struct{}{}:
		default:
		}
	}
	ns.mu.Unlock()
	return nil
}
