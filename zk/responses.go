package zk

// Response is the closed set of reply payloads, including watch
// notifications and the per-operation results inside a multi reply.
type Response interface {
	OpCode() OpCode
	isResponse()
}

// CreateResponse answers a plain create.
type CreateResponse struct {
	Path string
}

// Create2Response answers create2, createContainer and createTTL.
type Create2Response struct {
	Op   OpCode
	Path string
	Stat Stat
}

// EmptyResponse is the successful result of any operation without a body
// (delete, check, closeSession, ping, auth, setWatches and friends).
type EmptyResponse struct {
	Op OpCode
}

type ExistsResponse struct {
	Stat Stat
}

type GetDataResponse struct {
	Data []byte
	Stat Stat
}

type SetDataResponse struct {
	Stat Stat
}

type GetACLResponse struct {
	ACL  []ACL
	Stat Stat
}

type SetACLResponse struct {
	Stat Stat
}

// GetChildrenResponse lists child names. Names are relative to the parent.
type GetChildrenResponse struct {
	Children []string
}

type GetChildren2Response struct {
	Children []string
	Stat     Stat
}

type SyncResponse struct {
	Path string
}

// MultiResponse holds one result per operation of the transaction, in order.
type MultiResponse struct {
	Results []Response
}

// ErrorResult is the per-operation failure inside a multi reply.
type ErrorResult struct {
	Err ErrCode
}

// WatcherEvent is the payload of a watch notification (xid -1).
type WatcherEvent struct {
	Type  EventType
	State KeeperState
	Path  string
}

// GetEphemeralsResponse lists absolute paths of the session's ephemerals.
type GetEphemeralsResponse struct {
	Ephemerals []string
}

type GetAllChildrenNumberResponse struct {
	TotalNumber int32
}

func (*CreateResponse) OpCode() OpCode { return OpCreate }
func (r *Create2Response) OpCode() OpCode {
	if r.Op == 0 {
		return OpCreate2
	}
	return r.Op
}
func (r *EmptyResponse) OpCode() OpCode              { return r.Op }
func (*ExistsResponse) OpCode() OpCode               { return OpExists }
func (*GetDataResponse) OpCode() OpCode              { return OpGetData }
func (*SetDataResponse) OpCode() OpCode              { return OpSetData }
func (*GetACLResponse) OpCode() OpCode               { return OpGetACL }
func (*SetACLResponse) OpCode() OpCode               { return OpSetACL }
func (*GetChildrenResponse) OpCode() OpCode          { return OpGetChildren }
func (*GetChildren2Response) OpCode() OpCode         { return OpGetChildren2 }
func (*SyncResponse) OpCode() OpCode                 { return OpSync }
func (*MultiResponse) OpCode() OpCode                { return OpMulti }
func (*ErrorResult) OpCode() OpCode                  { return OpError }
func (*WatcherEvent) OpCode() OpCode                 { return OpNotification }
func (*GetEphemeralsResponse) OpCode() OpCode        { return OpGetEphemerals }
func (*GetAllChildrenNumberResponse) OpCode() OpCode { return OpGetAllChildrenNumber }

func (*CreateResponse) isResponse()               {}
func (*Create2Response) isResponse()              {}
func (*EmptyResponse) isResponse()                {}
func (*ExistsResponse) isResponse()               {}
func (*GetDataResponse) isResponse()              {}
func (*SetDataResponse) isResponse()              {}
func (*GetACLResponse) isResponse()               {}
func (*SetACLResponse) isResponse()               {}
func (*GetChildrenResponse) isResponse()          {}
func (*GetChildren2Response) isResponse()         {}
func (*SyncResponse) isResponse()                 {}
func (*MultiResponse) isResponse()                {}
func (*ErrorResult) isResponse()                  {}
func (*WatcherEvent) isResponse()                 {}
func (*GetEphemeralsResponse) isResponse()        {}
func (*GetAllChildrenNumberResponse) isResponse() {}
