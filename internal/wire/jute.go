package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/ggoodman/zkproxy/zk"
)

type encoder struct {
	buf []byte
}

func (e *encoder) int32(v int32) { e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(v)) }
func (e *encoder) int64(v int64) { e.buf = binary.BigEndian.AppendUint64(e.buf, uint64(v)) }

func (e *encoder) bool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
		return
	}
	e.buf = append(e.buf, 0)
}

func (e *encoder) buffer(b []byte) {
	if b == nil {
		e.int32(-1)
		return
	}
	e.int32(int32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) string(s string) {
	e.int32(int32(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) strings(v []string) {
	if v == nil {
		e.int32(-1)
		return
	}
	e.int32(int32(len(v)))
	for _, s := range v {
		e.string(s)
	}
}

func (e *encoder) acls(v []zk.ACL) {
	if v == nil {
		e.int32(-1)
		return
	}
	e.int32(int32(len(v)))
	for _, a := range v {
		e.int32(a.Perms)
		e.string(a.Scheme)
		e.string(a.ID)
	}
}

func (e *encoder) stat(s *zk.Stat) {
	e.int64(s.Czxid)
	e.int64(s.Mzxid)
	e.int64(s.Ctime)
	e.int64(s.Mtime)
	e.int32(s.Version)
	e.int32(s.Cversion)
	e.int32(s.Aversion)
	e.int64(s.EphemeralOwner)
	e.int32(s.DataLength)
	e.int32(s.NumChildren)
	e.int64(s.Pzxid)
}

func (e *encoder) multiHeader(op zk.OpCode, done bool, code zk.ErrCode) {
	e.int32(int32(op))
	e.bool(done)
	e.int32(int32(code))
}

// decoder reads jute primitives. The first error sticks; later reads return
// zero values so callers can check err once at the end.
type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if n < 0 || len(d.buf)-d.off < n {
		d.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrMalformed, n, d.off, len(d.buf)-d.off)
		return false
	}
	return true
}

func (d *decoder) remaining() int { return len(d.buf) - d.off }

func (d *decoder) int32() int32 {
	if !d.need(4) {
		return 0
	}
	v := int32(binary.BigEndian.Uint32(d.buf[d.off:]))
	d.off += 4
	return v
}

func (d *decoder) int64() int64 {
	if !d.need(8) {
		return 0
	}
	v := int64(binary.BigEndian.Uint64(d.buf[d.off:]))
	d.off += 8
	return v
}

func (d *decoder) bool() bool {
	if !d.need(1) {
		return false
	}
	v := d.buf[d.off] != 0
	d.off++
	return v
}

func (d *decoder) buffer() []byte {
	n := d.int32()
	if n == -1 || d.err != nil {
		return nil
	}
	if !d.need(int(n)) {
		return nil
	}
	b := make([]byte, n)
	copy(b, d.buf[d.off:])
	d.off += int(n)
	return b
}

func (d *decoder) string() string {
	n := d.int32()
	if n == -1 || d.err != nil {
		return ""
	}
	if !d.need(int(n)) {
		return ""
	}
	s := string(d.buf[d.off : d.off+int(n)])
	d.off += int(n)
	return s
}

func (d *decoder) strings() []string {
	n := d.int32()
	if n == -1 || d.err != nil {
		return nil
	}
	// Each element needs at least its length prefix.
	if !d.need(int(n) * 4) {
		return nil
	}
	v := make([]string, 0, n)
	for i := int32(0); i < n && d.err == nil; i++ {
		v = append(v, d.string())
	}
	return v
}

func (d *decoder) acls() []zk.ACL {
	n := d.int32()
	if n == -1 || d.err != nil {
		return nil
	}
	if !d.need(int(n) * 12) {
		return nil
	}
	v := make([]zk.ACL, 0, n)
	for i := int32(0); i < n && d.err == nil; i++ {
		v = append(v, zk.ACL{Perms: d.int32(), Scheme: d.string(), ID: d.string()})
	}
	return v
}

func (d *decoder) stat() zk.Stat {
	return zk.Stat{
		Czxid:          d.int64(),
		Mzxid:          d.int64(),
		Ctime:          d.int64(),
		Mtime:          d.int64(),
		Version:        d.int32(),
		Cversion:       d.int32(),
		Aversion:       d.int32(),
		EphemeralOwner: d.int64(),
		DataLength:     d.int32(),
		NumChildren:    d.int32(),
		Pzxid:          d.int64(),
	}
}

type multiHeader struct {
	op   zk.OpCode
	done bool
	err  zk.ErrCode
}

func (d *decoder) multiHeader() multiHeader {
	return multiHeader{op: zk.OpCode(d.int32()), done: d.bool(), err: zk.ErrCode(d.int32())}
}

func (d *decoder) rest() []byte {
	if d.err != nil {
		return nil
	}
	b := make([]byte, d.remaining())
	copy(b, d.buf[d.off:])
	d.off = len(d.buf)
	return b
}
