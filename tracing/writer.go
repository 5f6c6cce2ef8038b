package tracing

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/ggoodman/zkproxy/broker"
)

// Writer follows a broker namespace and writes each event as one line.
type Writer struct {
	b         broker.Broker
	namespace string
	log       *slog.Logger

	mu sync.Mutex
	w  *bufio.Writer
}

func NewWriter(b broker.Broker, w io.Writer, namespace string, log *slog.Logger) *Writer {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Writer{b: b, namespace: namespace, log: log, w: bufio.NewWriter(w)}
}

// Run blocks until ctx is done or the subscription fails. Output is flushed
// after each event.
func (w *Writer) Run(ctx context.Context) error {
	defer w.flush()
	return w.b.Subscribe(ctx, w.namespace, "", func(ctx context.Context, env broker.MessageEnvelope) error {
		w.mu.Lock()
		defer w.mu.Unlock()
		if _, err := w.w.Write(env.Data); err != nil {
			return err
		}
		if err := w.w.WriteByte('\n'); err != nil {
			return err
		}
		if err := w.w.Flush(); err != nil {
			w.log.Warn("tracing.flush.fail", slog.String("err", err.Error()))
			return err
		}
		return nil
	})
}

func (w *Writer) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.w.Flush()
}
