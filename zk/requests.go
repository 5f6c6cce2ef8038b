package zk

// Request is the closed set of client request payloads.
type Request interface {
	OpCode() OpCode
	isRequest()
}

// CreateRequest covers create, create2, createContainer and createTTL. Op
// selects the variant; the zero value means a plain create.
type CreateRequest struct {
	Op    OpCode
	Path  string
	Data  []byte
	ACL   []ACL
	Flags int32
	TTL   int64
}

type DeleteRequest struct {
	Path    string
	Version int32
}

type ExistsRequest struct {
	Path  string
	Watch bool
}

type GetDataRequest struct {
	Path  string
	Watch bool
}

type SetDataRequest struct {
	Path    string
	Data    []byte
	Version int32
}

type GetACLRequest struct {
	Path string
}

type SetACLRequest struct {
	Path    string
	ACL     []ACL
	Version int32
}

type GetChildrenRequest struct {
	Path  string
	Watch bool
}

type GetChildren2Request struct {
	Path  string
	Watch bool
}

type SyncRequest struct {
	Path string
}

type CheckVersionRequest struct {
	Path    string
	Version int32
}

// MultiRequest is an atomic transaction of create, delete, setData and check
// operations.
type MultiRequest struct {
	Ops []Request
}

type PingRequest struct{}

type CloseSessionRequest struct{}

type AuthRequest struct {
	Type   int32
	Scheme string
	Auth   []byte
}

// SetWatchesRequest re-registers watches after a client reconnects.
type SetWatchesRequest struct {
	RelativeZxid int64
	DataWatches  []string
	ExistWatches []string
	ChildWatches []string
}

// RemoveWatchesRequest covers checkWatches and removeWatches. Op selects the
// variant; the zero value means removeWatches.
type RemoveWatchesRequest struct {
	Op   OpCode
	Path string
	Type int32
}

type AddWatchRequest struct {
	Path string
	Mode int32
}

type GetEphemeralsRequest struct {
	PrefixPath string
}

type GetAllChildrenNumberRequest struct {
	Path string
}

// UnknownRequest carries an opcode the proxy does not understand. It is
// never forwarded to the backend.
type UnknownRequest struct {
	Op   OpCode
	Body []byte
}

func (r *CreateRequest) OpCode() OpCode {
	if r.Op == 0 {
		return OpCreate
	}
	return r.Op
}
func (*DeleteRequest) OpCode() OpCode       { return OpDelete }
func (*ExistsRequest) OpCode() OpCode       { return OpExists }
func (*GetDataRequest) OpCode() OpCode      { return OpGetData }
func (*SetDataRequest) OpCode() OpCode      { return OpSetData }
func (*GetACLRequest) OpCode() OpCode       { return OpGetACL }
func (*SetACLRequest) OpCode() OpCode       { return OpSetACL }
func (*GetChildrenRequest) OpCode() OpCode  { return OpGetChildren }
func (*GetChildren2Request) OpCode() OpCode { return OpGetChildren2 }
func (*SyncRequest) OpCode() OpCode         { return OpSync }
func (*CheckVersionRequest) OpCode() OpCode { return OpCheck }
func (*MultiRequest) OpCode() OpCode        { return OpMulti }
func (*PingRequest) OpCode() OpCode         { return OpPing }
func (*CloseSessionRequest) OpCode() OpCode { return OpCloseSession }
func (*AuthRequest) OpCode() OpCode         { return OpAuth }
func (*SetWatchesRequest) OpCode() OpCode   { return OpSetWatches }
func (r *RemoveWatchesRequest) OpCode() OpCode {
	if r.Op == 0 {
		return OpRemoveWatches
	}
	return r.Op
}
func (*AddWatchRequest) OpCode() OpCode             { return OpAddWatch }
func (*GetEphemeralsRequest) OpCode() OpCode        { return OpGetEphemerals }
func (*GetAllChildrenNumberRequest) OpCode() OpCode { return OpGetAllChildrenNumber }
func (r *UnknownRequest) OpCode() OpCode            { return r.Op }

func (*CreateRequest) isRequest()               {}
func (*DeleteRequest) isRequest()               {}
func (*ExistsRequest) isRequest()               {}
func (*GetDataRequest) isRequest()              {}
func (*SetDataRequest) isRequest()              {}
func (*GetACLRequest) isRequest()               {}
func (*SetACLRequest) isRequest()               {}
func (*GetChildrenRequest) isRequest()          {}
func (*GetChildren2Request) isRequest()         {}
func (*SyncRequest) isRequest()                 {}
func (*CheckVersionRequest) isRequest()         {}
func (*MultiRequest) isRequest()                {}
func (*PingRequest) isRequest()                 {}
func (*CloseSessionRequest) isRequest()         {}
func (*AuthRequest) isRequest()                 {}
func (*SetWatchesRequest) isRequest()           {}
func (*RemoveWatchesRequest) isRequest()        {}
func (*AddWatchRequest) isRequest()             {}
func (*GetEphemeralsRequest) isRequest()        {}
func (*GetAllChildrenNumberRequest) isRequest() {}
func (*UnknownRequest) isRequest()              {}
