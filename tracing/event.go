// Package tracing records the client side of every proxied session as a
// stream of JSON events. A Recorder observes pipelines and publishes events
// to a broker namespace; a Writer follows that namespace and appends the
// events to a file, one JSON object per line.
//
// Tracing never affects the pipelines it observes: when the recorder falls
// behind, events are dropped and counted.
package tracing

import (
	"time"

	"github.com/ggoodman/zkproxy/zk"
)

// DefaultNamespace is the broker namespace events are published to.
const DefaultNamespace = "trace"

// Direction tells whether an event travelled from the client to the proxy
// or back.
type Direction string

const (
	DirectionRequest   Direction = "request"
	DirectionReply     Direction = "reply"
	DirectionPush      Direction = "push"
	DirectionPing      Direction = "ping"
	DirectionViolation Direction = "violation"
)

// Event is one traced message.
type Event struct {
	Time      time.Time `json:"time"`
	Proxy     string    `json:"proxy,omitempty"`
	Session   string    `json:"session"`
	Direction Direction `json:"dir"`
	Xid       int32     `json:"xid"`
	Zxid      int64     `json:"zxid,omitempty"`
	Op        string    `json:"op,omitempty"`
	Path      string    `json:"path,omitempty"`
	Err       string    `json:"err,omitempty"`
}

// requestPath returns the primary path of req, if it has one.
func requestPath(req zk.Request) string {
	switch r := req.(type) {
	case *zk.CreateRequest:
		return r.Path
	case *zk.DeleteRequest:
		return r.Path
	case *zk.ExistsRequest:
		return r.Path
	case *zk.GetDataRequest:
		return r.Path
	case *zk.SetDataRequest:
		return r.Path
	case *zk.GetACLRequest:
		return r.Path
	case *zk.SetACLRequest:
		return r.Path
	case *zk.GetChildrenRequest:
		return r.Path
	case *zk.GetChildren2Request:
		return r.Path
	case *zk.SyncRequest:
		return r.Path
	case *zk.CheckVersionRequest:
		return r.Path
	case *zk.RemoveWatchesRequest:
		return r.Path
	case *zk.AddWatchRequest:
		return r.Path
	case *zk.GetEphemeralsRequest:
		return r.PrefixPath
	case *zk.GetAllChildrenNumberRequest:
		return r.Path
	}
	return ""
}

func responsePath(resp zk.Response) string {
	switch r := resp.(type) {
	case *zk.CreateResponse:
		return r.Path
	case *zk.Create2Response:
		return r.Path
	case *zk.SyncResponse:
		return r.Path
	case *zk.WatcherEvent:
		return r.Path
	}
	return ""
}
