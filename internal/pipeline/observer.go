package pipeline

import "github.com/ggoodman/zkproxy/zk"

// DeliveryKind classifies a reply handed to a sink.
type DeliveryKind int

const (
	// DeliveryReply answers a queued client request.
	DeliveryReply DeliveryKind = iota
	// DeliveryPush is an unsolicited backend event.
	DeliveryPush
	// DeliveryPing answers a client heartbeat without touching the backend.
	DeliveryPing
)

func (k DeliveryKind) String() string {
	switch k {
	case DeliveryReply:
		return "reply"
	case DeliveryPush:
		return "push"
	case DeliveryPing:
		return "ping"
	}
	return "unknown"
}

// Observer is notified of pipeline traffic. Calls are made from pipeline
// goroutines and must not block.
type Observer interface {
	Submitted(sessionID int64, xid int32, req zk.Request)
	Delivered(sessionID int64, kind DeliveryKind, reply *zk.Reply)
	Violation(sessionID int64, err error)
}

// Observers fans out to every non-nil observer.
func Observers(obs ...Observer) Observer {
	var out multiObserver
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

type multiObserver []Observer

func (m multiObserver) Submitted(id int64, xid int32, req zk.Request) {
	for _, o := range m {
		o.Submitted(id, xid, req)
	}
}

func (m multiObserver) Delivered(id int64, kind DeliveryKind, reply *zk.Reply) {
	for _, o := range m {
		o.Delivered(id, kind, reply)
	}
}

func (m multiObserver) Violation(id int64, err error) {
	for _, o := range m {
		o.Violation(id, err)
	}
}
