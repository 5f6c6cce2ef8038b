// Package registry maps live session ids to their pipelines.
package registry

import (
	"errors"
	"fmt"

	"github.com/ggoodman/zkproxy/internal/pipeline"
	"github.com/puzpuzpuz/xsync/v4"
)

// ErrSessionConflict is returned when a session id is already registered.
// Backend session ids are never reused while a session is live, so a
// conflict means the proxy's bookkeeping is wrong.
var ErrSessionConflict = errors.New("session already registered")

// Registry is safe for concurrent use.
type Registry struct {
	m *xsync.Map[int64, *pipeline.Pipeline]
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{m: xsync.NewMap[int64, *pipeline.Pipeline]()}
}

// Register inserts p under id if the id is free.
func (r *Registry) Register(id int64, p *pipeline.Pipeline) error {
	if _, loaded := r.m.LoadOrStore(id, p); loaded {
		return fmt.Errorf("%w: 0x%x", ErrSessionConflict, uint64(id))
	}
	return nil
}

// Deregister removes id only while it still maps to p, so a stale pipeline
// cannot evict its successor. It reports whether an entry was removed;
// repeated calls are harmless.
func (r *Registry) Deregister(id int64, p *pipeline.Pipeline) bool {
	removed := false
	r.m.Compute(id, func(old *pipeline.Pipeline, loaded bool) (*pipeline.Pipeline, xsync.ComputeOp) {
		if loaded && old == p {
			removed = true
			return nil, xsync.DeleteOp
		}
		return old, xsync.CancelOp
	})
	return removed
}

// Lookup returns the pipeline registered under id.
func (r *Registry) Lookup(id int64) (*pipeline.Pipeline, bool) {
	return r.m.Load(id)
}

func (r *Registry) Len() int {
	return r.m.Size()
}

// Range calls fn for each entry until fn returns false.
func (r *Registry) Range(fn func(id int64, p *pipeline.Pipeline) bool) {
	r.m.Range(fn)
}
