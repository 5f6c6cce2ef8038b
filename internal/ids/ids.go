// Package ids provides the proxy's identifier assigners.
package ids

import (
	"math"
	"sync/atomic"
)

// MaxFloor is the highest zxid a client may report through AdvanceTo. The
// headroom above it keeps Next from ever reaching the end of the int64 range.
const MaxFloor = math.MaxInt64 / 2

// Zxids assigns the proxy-global order id stamped on every reply. Values are
// strictly increasing across all sessions of the process.
type Zxids struct {
	last atomic.Int64
}

// NewZxids returns an assigner whose first id is start+1.
func NewZxids(start int64) *Zxids {
	z := &Zxids{}
	z.last.Store(start)
	return z
}

// Next returns a fresh id greater than every id returned before. It panics
// once the id space is exhausted rather than wrap to a smaller id.
func (z *Zxids) Next() int64 {
	for {
		cur := z.last.Load()
		if cur == math.MaxInt64 {
			panic("ids: zxid space exhausted")
		}
		if z.last.CompareAndSwap(cur, cur+1) {
			return cur + 1
		}
	}
}

// Last returns the most recently assigned id.
func (z *Zxids) Last() int64 {
	return z.last.Load()
}

// AdvanceTo raises the floor so the next id is greater than seen. Clients
// reconnecting through a fresh proxy report the last zxid they observed; the
// proxy must never hand them a smaller one. Values above MaxFloor are
// refused and leave the assigner untouched.
func (z *Zxids) AdvanceTo(seen int64) bool {
	if seen > MaxFloor {
		return false
	}
	for {
		cur := z.last.Load()
		if seen <= cur || z.last.CompareAndSwap(cur, seen) {
			return true
		}
	}
}

// Xids assigns correlation ids for requests the proxy originates itself.
// Ids are always positive so they never collide with reserved xids.
type Xids struct {
	last atomic.Int32
}

// Next returns the next positive xid, wrapping back to 1 after MaxInt32.
func (x *Xids) Next() int32 {
	for {
		cur := x.last.Load()
		next := cur + 1
		if cur == math.MaxInt32 {
			next = 1
		}
		if x.last.CompareAndSwap(cur, next) {
			return next
		}
	}
}
