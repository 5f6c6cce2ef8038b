package zk

import "fmt"

// Stat is the metadata ZooKeeper keeps for every znode.
type Stat struct {
	Czxid          int64
	Mzxid          int64
	Ctime          int64
	Mtime          int64
	Version        int32
	Cversion       int32
	Aversion       int32
	EphemeralOwner int64
	DataLength     int32
	NumChildren    int32
	Pzxid          int64
}

// ACL is a single access control entry.
type ACL struct {
	Perms  int32
	Scheme string
	ID     string
}

// EventType is the type field of a watch notification.
type EventType int32

const (
	EventNone                   EventType = -1
	EventNodeCreated            EventType = 1
	EventNodeDeleted            EventType = 2
	EventNodeDataChanged        EventType = 3
	EventNodeChildrenChanged    EventType = 4
	EventDataWatchRemoved       EventType = 5
	EventChildWatchRemoved      EventType = 6
	EventPersistentWatchRemoved EventType = 7
)

func (t EventType) String() string {
	switch t {
	case EventNone:
		return "None"
	case EventNodeCreated:
		return "NodeCreated"
	case EventNodeDeleted:
		return "NodeDeleted"
	case EventNodeDataChanged:
		return "NodeDataChanged"
	case EventNodeChildrenChanged:
		return "NodeChildrenChanged"
	case EventDataWatchRemoved:
		return "DataWatchRemoved"
	case EventChildWatchRemoved:
		return "ChildWatchRemoved"
	case EventPersistentWatchRemoved:
		return "PersistentWatchRemoved"
	}
	return fmt.Sprintf("EventType(%d)", int32(t))
}

// KeeperState is the state field of a watch notification.
type KeeperState int32

const (
	StateDisconnected      KeeperState = 0
	StateSyncConnected     KeeperState = 3
	StateAuthFailed        KeeperState = 4
	StateConnectedReadOnly KeeperState = 5
	StateSaslAuthenticated KeeperState = 6
	StateExpired           KeeperState = -112
	StateClosed            KeeperState = 7
)

// ConnectRequest opens or resumes a session. It is the first frame a client
// sends on a new connection.
type ConnectRequest struct {
	ProtocolVersion int32
	LastZxidSeen    int64
	TimeOut         int32
	SessionID       int64
	Passwd          []byte
	ReadOnly        bool
}

// ConnectResponse answers a ConnectRequest.
type ConnectResponse struct {
	ProtocolVersion int32
	TimeOut         int32
	SessionID       int64
	Passwd          []byte
	ReadOnly        bool
}

// Valid reports whether the response establishes a session. The server
// signals a rejected or expired session with a zero timeout.
func (r *ConnectResponse) Valid() bool {
	return r != nil && r.TimeOut > 0 && r.SessionID != 0
}

// InvalidConnectResponse is the response sent when a session cannot be
// established or resumed.
func InvalidConnectResponse() *ConnectResponse {
	return &ConnectResponse{Passwd: make([]byte, 16)}
}

// Reply is a complete reply frame: header fields plus an optional payload.
// Response is nil whenever Err is not ErrOK.
type Reply struct {
	Xid      int32
	Zxid     int64
	Err      ErrCode
	Response Response
}

// IsPush reports whether the reply is unsolicited, i.e. a watch
// notification or a ping acknowledgement originated by the backend.
func (r *Reply) IsPush() bool {
	return r.Xid == XidNotification || r.Xid == XidPing
}
