package pipeline

import (
	"errors"
	"log/slog"

	"github.com/ggoodman/zkproxy/backend"
	"github.com/ggoodman/zkproxy/internal/chroot"
	"github.com/ggoodman/zkproxy/internal/logctx"
	"github.com/ggoodman/zkproxy/internal/wire"
	"github.com/ggoodman/zkproxy/zk"
)

// submitLoop preserves one order across client requests and backend pushes:
// a push enters the queue after every request whose submission preceded it.
func (p *Pipeline) submitLoop() {
	defer close(p.queue)
	for range p.inbox.wake {
		items, closed := p.inbox.take()
		for _, it := range items {
			if it.task != nil {
				p.submit(it.task)
			}
			p.queue <- it
		}
		if closed {
			return
		}
	}
}

func (p *Pipeline) submit(t *Task) {
	req, err := p.paths.Request(t.req)
	if err != nil {
		t.bind(func() *backend.Future[*zk.Reply] { return backend.Failed[*zk.Reply](err) })
		return
	}
	t.bind(func() *backend.Future[*zk.Reply] { return p.backend.Submit(t.xid, req) })
}

func (p *Pipeline) drainLoop() {
	defer p.finish()

	var queue []*Task
	for {
		var head <-chan struct{}
		if len(queue) > 0 {
			head = queue[0].handle().Done()
		}

		select {
		case e, ok := <-p.queue:
			if !ok {
				// The backend fails whatever it still holds once closed.
				for _, t := range queue {
					<-t.handle().Done()
					p.resolve(t)
				}
				return
			}
			if e.push != nil {
				queue = p.drain(queue)
				p.deliverPush(e.push)
				continue
			}
			queue = append(queue, e.task)
			queue = p.drain(queue)
		case <-head:
			queue = p.drain(queue)
		}
	}
}

// drain resolves tasks from the head of the queue until it reaches one whose
// backend handle is still pending.
func (p *Pipeline) drain(queue []*Task) []*Task {
	for len(queue) > 0 && queue[0].handle().IsDone() {
		p.resolve(queue[0])
		queue[0] = nil
		queue = queue[1:]
	}
	return queue
}

func (p *Pipeline) resolve(t *Task) {
	f := t.handle()
	res, err := f.Result()

	var reply *zk.Reply
	switch {
	case f.Cancelled():
		reply = &zk.Reply{Xid: t.xid, Err: zk.ErrConnectionLoss}
		err = ErrCancelled
	case err != nil:
		reply = &zk.Reply{Xid: t.xid, Err: errorCode(err)}
	default:
		reply, err = p.translate(t, res)
		if err != nil {
			ctx := logctx.WithRequestData(p.ctx, &logctx.RequestData{Xid: t.xid, Op: t.req.OpCode().String()})
			p.log.ErrorContext(ctx, "pipeline.reply.translate_failed", slog.String("err", err.Error()))
			if errors.Is(err, chroot.ErrViolation) {
				p.obs.Violation(p.id, err)
			}
			reply = &zk.Reply{Xid: t.xid, Err: zk.ErrSystemError}
		}
	}

	p.emit(DeliveryReply, reply)
	p.pending.Add(-1)
	t.resolve(reply, err)
}

// translate turns a backend reply into the client's reply, re-attaching the
// client's xid.
func (p *Pipeline) translate(t *Task, res *zk.Reply) (*zk.Reply, error) {
	if _, ok := t.req.(*zk.CloseSessionRequest); ok && res.Err == zk.ErrOK {
		p.closing.Store(true)
		return &zk.Reply{Xid: t.xid, Response: &zk.EmptyResponse{Op: zk.OpCloseSession}}, nil
	}

	reply := &zk.Reply{Xid: t.xid, Err: res.Err}
	if res.Err == zk.ErrOK && res.Response != nil {
		resp, err := p.paths.Response(res.Response)
		if err != nil {
			return nil, err
		}
		reply.Response = resp
	}
	return reply, nil
}

func (p *Pipeline) deliverPush(r *zk.Reply) {
	out := &zk.Reply{Xid: r.Xid, Err: r.Err}
	if r.Response != nil {
		resp, err := p.paths.Response(r.Response)
		if err != nil {
			p.log.WarnContext(p.ctx, "pipeline.push.dropped",
				slog.Int("xid", int(r.Xid)),
				slog.String("err", err.Error()))
			if errors.Is(err, chroot.ErrViolation) {
				p.obs.Violation(p.id, err)
			}
			return
		}
		out.Response = resp
	}
	p.emit(DeliveryPush, out)
}

func (p *Pipeline) finish() {
	p.sub.Unsubscribe()
	p.log.DebugContext(p.ctx, "pipeline.closed", slog.Bool("client_closed", p.closing.Load()))
	for _, fn := range p.onClose {
		fn(p)
	}
	close(p.done)
}

// errorCode maps a failed backend handle to the code the client sees.
func errorCode(err error) zk.ErrCode {
	var code zk.ErrCode
	switch {
	case errors.As(err, &code) && code != zk.ErrOK:
		return code
	case errors.Is(err, backend.ErrConnectionLost), errors.Is(err, backend.ErrClosed):
		return zk.ErrConnectionLoss
	case errors.Is(err, wire.ErrMalformed), errors.Is(err, wire.ErrUnsupported):
		return zk.ErrMarshallingError
	}
	return zk.ErrSystemError
}
