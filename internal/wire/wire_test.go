package wire

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/ggoodman/zkproxy/zk"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("hello")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if got := buf.Bytes()[:4]; !bytes.Equal(got, []byte{0, 0, 0, 5}) {
		t.Fatalf("unexpected length prefix % x", got)
	}
	payload, err := ReadFrame(&buf, DefaultMaxFrameSize)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(payload) != "hello" {
		t.Fatalf("expected hello, got %q", payload)
	}
}

func TestReadFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, make([]byte, 64)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	_, err := ReadFrame(&buf, 16)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestFourLetterWord(t *testing.T) {
	if cmd, ok := FourLetterWord([4]byte{'r', 'u', 'o', 'k'}); !ok || cmd != "ruok" {
		t.Fatalf("expected ruok to be recognised, got %q %v", cmd, ok)
	}
	if _, ok := FourLetterWord([4]byte{0, 0, 0, 44}); ok {
		t.Fatal("a length prefix must not be treated as a command")
	}
}

func TestConnectRequestWithoutReadOnlyFlag(t *testing.T) {
	full := EncodeConnectRequest(&zk.ConnectRequest{
		LastZxidSeen: 42,
		TimeOut:      30000,
		SessionID:    0x1234,
		Passwd:       []byte("0123456789abcdef"),
		ReadOnly:     true,
	})
	// Drop the trailing flag the way a 3.4-era client would.
	legacy := full[:len(full)-1]

	req, err := DecodeConnectRequest(legacy)
	if err != nil {
		t.Fatalf("DecodeConnectRequest: %v", err)
	}
	if req.ReadOnly {
		t.Fatal("expected read-only to default to false")
	}
	if req.SessionID != 0x1234 || req.LastZxidSeen != 42 || req.TimeOut != 30000 {
		t.Fatalf("unexpected request %+v", req)
	}

	req, err = DecodeConnectRequest(full)
	if err != nil {
		t.Fatalf("DecodeConnectRequest: %v", err)
	}
	if !req.ReadOnly {
		t.Fatal("expected read-only flag to be decoded")
	}
}

func TestConnectResponseTruncated(t *testing.T) {
	b := EncodeConnectResponse(&zk.ConnectResponse{TimeOut: 1, SessionID: 2, Passwd: []byte("pw")})
	if _, err := DecodeConnectResponse(b[:10]); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestMultiRequestRoundTrip(t *testing.T) {
	in := &zk.MultiRequest{Ops: []zk.Request{
		&zk.CreateRequest{Path: "/a", Data: []byte("x"), ACL: []zk.ACL{{Perms: 31, Scheme: "world", ID: "anyone"}}},
		&zk.SetDataRequest{Path: "/b", Data: []byte("y"), Version: 3},
		&zk.CheckVersionRequest{Path: "/c", Version: 1},
		&zk.DeleteRequest{Path: "/d", Version: -1},
	}}
	b, err := EncodeRequest(7, in)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	xid, out, err := DecodeRequest(b)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if xid != 7 {
		t.Fatalf("expected xid 7, got %d", xid)
	}
	multi, ok := out.(*zk.MultiRequest)
	if !ok {
		t.Fatalf("expected *zk.MultiRequest, got %T", out)
	}
	// Decoding makes the create variant explicit.
	in.Ops[0].(*zk.CreateRequest).Op = zk.OpCreate
	if !reflect.DeepEqual(in, multi) {
		t.Fatalf("multi mismatch:\n got %#v\nwant %#v", multi, in)
	}
}

func TestMultiRequestRejectsNestedSessionOps(t *testing.T) {
	e := &encoder{}
	e.int32(1)
	e.int32(int32(zk.OpMulti))
	e.multiHeader(zk.OpPing, false, -1)
	e.multiHeader(zk.OpError, true, -1)
	if _, _, err := DecodeRequest(e.buf); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestUnknownOpcodeIsPreserved(t *testing.T) {
	e := &encoder{}
	e.int32(9)
	e.int32(999)
	e.buf = append(e.buf, 1, 2, 3)

	xid, req, err := DecodeRequest(e.buf)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	u, ok := req.(*zk.UnknownRequest)
	if !ok {
		t.Fatalf("expected *zk.UnknownRequest, got %T", req)
	}
	if xid != 9 || u.Op != 999 || !bytes.Equal(u.Body, []byte{1, 2, 3}) {
		t.Fatalf("unexpected unknown request %+v (xid %d)", u, xid)
	}
}

func TestMultiReplyWithErrors(t *testing.T) {
	reply := &zk.Reply{Xid: 3, Zxid: 100, Response: &zk.MultiResponse{Results: []zk.Response{
		&zk.CreateResponse{Path: "/a"},
		&zk.ErrorResult{Err: zk.ErrNodeExists},
		&zk.EmptyResponse{Op: zk.OpDelete},
	}}}
	b, err := EncodeReply(reply)
	if err != nil {
		t.Fatalf("EncodeReply: %v", err)
	}
	hdr, body, err := DecodeReplyHeader(b)
	if err != nil {
		t.Fatalf("DecodeReplyHeader: %v", err)
	}
	if hdr.Xid != 3 || hdr.Zxid != 100 || hdr.Err != zk.ErrOK {
		t.Fatalf("unexpected header %+v", hdr)
	}
	resp, err := DecodeResponse(zk.OpMulti, hdr.Err, body)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if !reflect.DeepEqual(resp, reply.Response) {
		t.Fatalf("multi reply mismatch:\n got %#v\nwant %#v", resp, reply.Response)
	}
}

func TestErrorReplyHasNoBody(t *testing.T) {
	b, err := EncodeReply(&zk.Reply{Xid: 1, Zxid: 2, Err: zk.ErrNoNode, Response: &zk.GetDataResponse{Data: []byte("ignored")}})
	if err != nil {
		t.Fatalf("EncodeReply: %v", err)
	}
	if len(b) != 16 {
		t.Fatalf("expected header-only frame of 16 bytes, got %d", len(b))
	}
	resp, err := DecodeResponse(zk.OpGetData, zk.ErrNoNode, nil)
	if err != nil || resp != nil {
		t.Fatalf("expected nil response for failed reply, got %v, %v", resp, err)
	}
}

func TestWatcherEventRoundTrip(t *testing.T) {
	b, err := EncodeReply(&zk.Reply{Xid: zk.XidNotification, Zxid: -1, Response: &zk.WatcherEvent{
		Type:  zk.EventNodeDataChanged,
		State: zk.StateSyncConnected,
		Path:  "/app/config",
	}})
	if err != nil {
		t.Fatalf("EncodeReply: %v", err)
	}
	hdr, body, err := DecodeReplyHeader(b)
	if err != nil {
		t.Fatalf("DecodeReplyHeader: %v", err)
	}
	if hdr.Xid != zk.XidNotification {
		t.Fatalf("expected notification xid, got %d", hdr.Xid)
	}
	ev, err := DecodeWatcherEvent(body)
	if err != nil {
		t.Fatalf("DecodeWatcherEvent: %v", err)
	}
	if ev.Path != "/app/config" || ev.Type != zk.EventNodeDataChanged {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestNullVectorsSurviveRoundTrip(t *testing.T) {
	b, err := EncodeRequest(1, &zk.SetWatchesRequest{RelativeZxid: 5, DataWatches: []string{"/a"}})
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	_, req, err := DecodeRequest(b)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	sw := req.(*zk.SetWatchesRequest)
	if sw.ExistWatches != nil || sw.ChildWatches != nil {
		t.Fatalf("expected null vectors to stay nil, got %+v", sw)
	}
	if len(sw.DataWatches) != 1 || sw.DataWatches[0] != "/a" {
		t.Fatalf("unexpected data watches %v", sw.DataWatches)
	}
}
