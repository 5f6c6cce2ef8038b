// Package backend defines the contract between the proxy core and a session
// on the backend ensemble. The ensemble subpackage provides the TCP
// implementation; backendtest provides scripted fakes.
package backend

import (
	"context"
	"errors"

	"github.com/ggoodman/zkproxy/zk"
)

var (
	ErrPending        = errors.New("backend: result not ready")
	ErrCancelled      = errors.New("backend: request cancelled")
	ErrClosed         = errors.New("backend: session closed")
	ErrConnectionLost = errors.New("backend: connection lost")
)

// State is the connection state of a backend session.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Listener receives unsolicited traffic from a backend session. Callbacks
// run on the session's reader goroutine and must not block for long.
type Listener interface {
	// HandlePush receives watch notifications (xid -1) and ping
	// acknowledgements (xid -2).
	HandlePush(reply *zk.Reply)
	// HandleState receives connection state transitions. StateClosed is
	// delivered at most once and is terminal.
	HandleState(state State)
}

// Subscription detaches a Listener. Unsubscribe is idempotent and reports
// whether this call removed the listener.
type Subscription interface {
	Unsubscribe() bool
}

// Session is one backend session.
type Session interface {
	// Handshake completes with the backend's connect response.
	Handshake() *Future[*zk.ConnectResponse]
	// Submit sends req with the given xid. The returned future completes with
	// the backend's reply, whatever its error code, or fails if the
	// connection is lost first. Submit never blocks on the network.
	Submit(xid int32, req zk.Request) *Future[*zk.Reply]
	// Subscribe registers l for pushes and state transitions. Subscribing to
	// a closed session delivers StateClosed immediately.
	Subscribe(l Listener) Subscription
	State() State
	// Close drops the connection without sending closeSession. Pending
	// futures fail with ErrClosed.
	Close() error
}

// Dialer opens backend sessions.
type Dialer interface {
	Dial(ctx context.Context, req *zk.ConnectRequest) (Session, error)
}
