package wire

import (
	"fmt"

	"github.com/ggoodman/zkproxy/zk"
)

// EncodeConnectRequest encodes the handshake a client sends first.
func EncodeConnectRequest(r *zk.ConnectRequest) []byte {
	e := &encoder{}
	e.int32(r.ProtocolVersion)
	e.int64(r.LastZxidSeen)
	e.int32(r.TimeOut)
	e.int64(r.SessionID)
	e.buffer(r.Passwd)
	e.bool(r.ReadOnly)
	return e.buf
}

// DecodeConnectRequest decodes a handshake. The trailing read-only flag is
// optional since older clients do not send it.
func DecodeConnectRequest(b []byte) (*zk.ConnectRequest, error) {
	d := &decoder{buf: b}
	r := &zk.ConnectRequest{
		ProtocolVersion: d.int32(),
		LastZxidSeen:    d.int64(),
		TimeOut:         d.int32(),
		SessionID:       d.int64(),
		Passwd:          d.buffer(),
	}
	if d.err == nil && d.remaining() > 0 {
		r.ReadOnly = d.bool()
	}
	if d.err != nil {
		return nil, fmt.Errorf("decode connect request: %w", d.err)
	}
	return r, nil
}

func EncodeConnectResponse(r *zk.ConnectResponse) []byte {
	e := &encoder{}
	e.int32(r.ProtocolVersion)
	e.int32(r.TimeOut)
	e.int64(r.SessionID)
	e.buffer(r.Passwd)
	e.bool(r.ReadOnly)
	return e.buf
}

func DecodeConnectResponse(b []byte) (*zk.ConnectResponse, error) {
	d := &decoder{buf: b}
	r := &zk.ConnectResponse{
		ProtocolVersion: d.int32(),
		TimeOut:         d.int32(),
		SessionID:       d.int64(),
		Passwd:          d.buffer(),
	}
	if d.err == nil && d.remaining() > 0 {
		r.ReadOnly = d.bool()
	}
	if d.err != nil {
		return nil, fmt.Errorf("decode connect response: %w", d.err)
	}
	return r, nil
}

// EncodeRequest encodes a request header and payload.
func EncodeRequest(xid int32, req zk.Request) ([]byte, error) {
	e := &encoder{}
	e.int32(xid)
	e.int32(int32(req.OpCode()))
	if err := e.request(req); err != nil {
		return nil, err
	}
	return e.buf, nil
}

func (e *encoder) request(req zk.Request) error {
	switch r := req.(type) {
	case *zk.CreateRequest:
		e.string(r.Path)
		e.buffer(r.Data)
		e.acls(r.ACL)
		e.int32(r.Flags)
		if r.OpCode() == zk.OpCreateTTL {
			e.int64(r.TTL)
		}
	case *zk.DeleteRequest:
		e.string(r.Path)
		e.int32(r.Version)
	case *zk.ExistsRequest:
		e.string(r.Path)
		e.bool(r.Watch)
	case *zk.GetDataRequest:
		e.string(r.Path)
		e.bool(r.Watch)
	case *zk.SetDataRequest:
		e.string(r.Path)
		e.buffer(r.Data)
		e.int32(r.Version)
	case *zk.GetACLRequest:
		e.string(r.Path)
	case *zk.SetACLRequest:
		e.string(r.Path)
		e.acls(r.ACL)
		e.int32(r.Version)
	case *zk.GetChildrenRequest:
		e.string(r.Path)
		e.bool(r.Watch)
	case *zk.GetChildren2Request:
		e.string(r.Path)
		e.bool(r.Watch)
	case *zk.SyncRequest:
		e.string(r.Path)
	case *zk.CheckVersionRequest:
		e.string(r.Path)
		e.int32(r.Version)
	case *zk.MultiRequest:
		for _, op := range r.Ops {
			e.multiHeader(op.OpCode(), false, -1)
			if err := e.request(op); err != nil {
				return err
			}
		}
		e.multiHeader(zk.OpError, true, -1)
	case *zk.PingRequest, *zk.CloseSessionRequest:
	case *zk.AuthRequest:
		e.int32(r.Type)
		e.string(r.Scheme)
		e.buffer(r.Auth)
	case *zk.SetWatchesRequest:
		e.int64(r.RelativeZxid)
		e.strings(r.DataWatches)
		e.strings(r.ExistWatches)
		e.strings(r.ChildWatches)
	case *zk.RemoveWatchesRequest:
		e.string(r.Path)
		e.int32(r.Type)
	case *zk.AddWatchRequest:
		e.string(r.Path)
		e.int32(r.Mode)
	case *zk.GetEphemeralsRequest:
		e.string(r.PrefixPath)
	case *zk.GetAllChildrenNumberRequest:
		e.string(r.Path)
	case *zk.UnknownRequest:
		e.buf = append(e.buf, r.Body...)
	default:
		return fmt.Errorf("%w: request %T", ErrUnsupported, req)
	}
	return nil
}

// DecodeRequest decodes a request frame. Opcodes outside the known set come
// back as *zk.UnknownRequest with the raw body; they are not an error.
func DecodeRequest(b []byte) (int32, zk.Request, error) {
	d := &decoder{buf: b}
	xid := d.int32()
	op := zk.OpCode(d.int32())
	req := d.request(op, false)
	if d.err != nil {
		return xid, nil, fmt.Errorf("decode %s request: %w", op, d.err)
	}
	return xid, req, nil
}

func (d *decoder) request(op zk.OpCode, inMulti bool) zk.Request {
	switch op {
	case zk.OpCreate, zk.OpCreate2, zk.OpCreateContainer, zk.OpCreateTTL:
		r := &zk.CreateRequest{Op: op, Path: d.string(), Data: d.buffer(), ACL: d.acls(), Flags: d.int32()}
		if op == zk.OpCreateTTL {
			r.TTL = d.int64()
		}
		return r
	case zk.OpDelete:
		return &zk.DeleteRequest{Path: d.string(), Version: d.int32()}
	case zk.OpExists:
		return &zk.ExistsRequest{Path: d.string(), Watch: d.bool()}
	case zk.OpGetData:
		return &zk.GetDataRequest{Path: d.string(), Watch: d.bool()}
	case zk.OpSetData:
		return &zk.SetDataRequest{Path: d.string(), Data: d.buffer(), Version: d.int32()}
	case zk.OpGetACL:
		return &zk.GetACLRequest{Path: d.string()}
	case zk.OpSetACL:
		return &zk.SetACLRequest{Path: d.string(), ACL: d.acls(), Version: d.int32()}
	case zk.OpGetChildren:
		return &zk.GetChildrenRequest{Path: d.string(), Watch: d.bool()}
	case zk.OpGetChildren2:
		return &zk.GetChildren2Request{Path: d.string(), Watch: d.bool()}
	case zk.OpSync:
		return &zk.SyncRequest{Path: d.string()}
	case zk.OpCheck:
		return &zk.CheckVersionRequest{Path: d.string(), Version: d.int32()}
	}
	if inMulti {
		d.fail(fmt.Errorf("%w: %s inside multi", ErrMalformed, op))
		return nil
	}
	switch op {
	case zk.OpMulti:
		r := &zk.MultiRequest{}
		for d.err == nil {
			h := d.multiHeader()
			if h.done {
				break
			}
			r.Ops = append(r.Ops, d.request(h.op, true))
		}
		return r
	case zk.OpPing:
		return &zk.PingRequest{}
	case zk.OpCloseSession:
		return &zk.CloseSessionRequest{}
	case zk.OpAuth:
		return &zk.AuthRequest{Type: d.int32(), Scheme: d.string(), Auth: d.buffer()}
	case zk.OpSetWatches:
		return &zk.SetWatchesRequest{
			RelativeZxid: d.int64(),
			DataWatches:  d.strings(),
			ExistWatches: d.strings(),
			ChildWatches: d.strings(),
		}
	case zk.OpCheckWatches, zk.OpRemoveWatches:
		return &zk.RemoveWatchesRequest{Op: op, Path: d.string(), Type: d.int32()}
	case zk.OpAddWatch:
		return &zk.AddWatchRequest{Path: d.string(), Mode: d.int32()}
	case zk.OpGetEphemerals:
		return &zk.GetEphemeralsRequest{PrefixPath: d.string()}
	case zk.OpGetAllChildrenNumber:
		return &zk.GetAllChildrenNumberRequest{Path: d.string()}
	}
	return &zk.UnknownRequest{Op: op, Body: d.rest()}
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

// EncodeReply encodes a reply header and, when the reply succeeded, its
// payload.
func EncodeReply(r *zk.Reply) ([]byte, error) {
	e := &encoder{}
	e.int32(r.Xid)
	e.int64(r.Zxid)
	e.int32(int32(r.Err))
	if r.Err == zk.ErrOK && r.Response != nil {
		if err := e.response(r.Response); err != nil {
			return nil, err
		}
	}
	return e.buf, nil
}

func (e *encoder) response(resp zk.Response) error {
	switch r := resp.(type) {
	case *zk.CreateResponse:
		e.string(r.Path)
	case *zk.Create2Response:
		e.string(r.Path)
		e.stat(&r.Stat)
	case *zk.EmptyResponse:
	case *zk.ExistsResponse:
		e.stat(&r.Stat)
	case *zk.GetDataResponse:
		e.buffer(r.Data)
		e.stat(&r.Stat)
	case *zk.SetDataResponse:
		e.stat(&r.Stat)
	case *zk.GetACLResponse:
		e.acls(r.ACL)
		e.stat(&r.Stat)
	case *zk.SetACLResponse:
		e.stat(&r.Stat)
	case *zk.GetChildrenResponse:
		e.strings(r.Children)
	case *zk.GetChildren2Response:
		e.strings(r.Children)
		e.stat(&r.Stat)
	case *zk.SyncResponse:
		e.string(r.Path)
	case *zk.MultiResponse:
		for _, sub := range r.Results {
			if er, ok := sub.(*zk.ErrorResult); ok {
				e.multiHeader(zk.OpError, false, er.Err)
			} else {
				e.multiHeader(sub.OpCode(), false, zk.ErrOK)
			}
			if err := e.response(sub); err != nil {
				return err
			}
		}
		e.multiHeader(zk.OpError, true, -1)
	case *zk.ErrorResult:
		e.int32(int32(r.Err))
	case *zk.WatcherEvent:
		e.int32(int32(r.Type))
		e.int32(int32(r.State))
		e.string(r.Path)
	case *zk.GetEphemeralsResponse:
		e.strings(r.Ephemerals)
	case *zk.GetAllChildrenNumberResponse:
		e.int32(r.TotalNumber)
	default:
		return fmt.Errorf("%w: response %T", ErrUnsupported, resp)
	}
	return nil
}

// ReplyHeader is the fixed prefix of every reply frame.
type ReplyHeader struct {
	Xid  int32
	Zxid int64
	Err  zk.ErrCode
}

// DecodeReplyHeader splits a reply frame into its header and body.
func DecodeReplyHeader(b []byte) (ReplyHeader, []byte, error) {
	d := &decoder{buf: b}
	h := ReplyHeader{Xid: d.int32(), Zxid: d.int64(), Err: zk.ErrCode(d.int32())}
	if d.err != nil {
		return h, nil, fmt.Errorf("decode reply header: %w", d.err)
	}
	return h, b[d.off:], nil
}

// DecodeResponse decodes the body of a reply to a request of type op. A
// failed reply carries no body, so a non-OK code yields a nil response.
func DecodeResponse(op zk.OpCode, code zk.ErrCode, body []byte) (zk.Response, error) {
	if code != zk.ErrOK {
		return nil, nil
	}
	d := &decoder{buf: body}
	resp := d.response(op)
	if d.err != nil {
		return nil, fmt.Errorf("decode %s response: %w", op, d.err)
	}
	return resp, nil
}

// DecodeWatcherEvent decodes the body of a notification (xid -1).
func DecodeWatcherEvent(body []byte) (*zk.WatcherEvent, error) {
	d := &decoder{buf: body}
	ev := &zk.WatcherEvent{Type: zk.EventType(d.int32()), State: zk.KeeperState(d.int32()), Path: d.string()}
	if d.err != nil {
		return nil, fmt.Errorf("decode watcher event: %w", d.err)
	}
	return ev, nil
}

func (d *decoder) response(op zk.OpCode) zk.Response {
	switch op {
	case zk.OpCreate:
		return &zk.CreateResponse{Path: d.string()}
	case zk.OpCreate2, zk.OpCreateContainer, zk.OpCreateTTL:
		return &zk.Create2Response{Op: op, Path: d.string(), Stat: d.stat()}
	case zk.OpDelete, zk.OpCheck, zk.OpCloseSession, zk.OpPing, zk.OpAuth,
		zk.OpSetWatches, zk.OpCheckWatches, zk.OpRemoveWatches, zk.OpAddWatch:
		return &zk.EmptyResponse{Op: op}
	case zk.OpExists:
		return &zk.ExistsResponse{Stat: d.stat()}
	case zk.OpGetData:
		return &zk.GetDataResponse{Data: d.buffer(), Stat: d.stat()}
	case zk.OpSetData:
		return &zk.SetDataResponse{Stat: d.stat()}
	case zk.OpGetACL:
		return &zk.GetACLResponse{ACL: d.acls(), Stat: d.stat()}
	case zk.OpSetACL:
		return &zk.SetACLResponse{Stat: d.stat()}
	case zk.OpGetChildren:
		return &zk.GetChildrenResponse{Children: d.strings()}
	case zk.OpGetChildren2:
		return &zk.GetChildren2Response{Children: d.strings(), Stat: d.stat()}
	case zk.OpSync:
		return &zk.SyncResponse{Path: d.string()}
	case zk.OpMulti:
		r := &zk.MultiResponse{}
		for d.err == nil {
			h := d.multiHeader()
			if h.done {
				break
			}
			if h.op == zk.OpError {
				r.Results = append(r.Results, &zk.ErrorResult{Err: zk.ErrCode(d.int32())})
				continue
			}
			r.Results = append(r.Results, d.response(h.op))
		}
		return r
	case zk.OpGetEphemerals:
		return &zk.GetEphemeralsResponse{Ephemerals: d.strings()}
	case zk.OpGetAllChildrenNumber:
		return &zk.GetAllChildrenNumberResponse{TotalNumber: d.int32()}
	}
	d.fail(fmt.Errorf("%w: no response layout for %s", ErrUnsupported, op))
	return nil
}
