package engine

import (
	"slices"

	"github.com/ggoodman/zkproxy/internal/pipeline"
)

// SessionInfo is a point-in-time view of one live session.
type SessionInfo struct {
	ID          int64
	Timeout     int32
	Attached    bool
	Outstanding int64
}

type Stats struct {
	ProxyID     string
	Sessions    int
	Detached    int
	Outstanding int64
	LastZxid    int64
}

func (e *Engine) Stats() Stats {
	st := Stats{ProxyID: e.id, LastZxid: e.zxids.Last()}
	e.reg.Range(func(_ int64, p *pipeline.Pipeline) bool {
		st.Sessions++
		if !p.Attached() {
			st.Detached++
		}
		st.Outstanding += p.Outstanding()
		return true
	})
	return st
}

// Sessions lists live sessions ordered by id.
func (e *Engine) Sessions() []SessionInfo {
	var out []SessionInfo
	e.reg.Range(func(id int64, p *pipeline.Pipeline) bool {
		out = append(out, SessionInfo{
			ID:          id,
			Timeout:     p.Timeout(),
			Attached:    p.Attached(),
			Outstanding: p.Outstanding(),
		})
		return true
	})
	slices.SortFunc(out, func(a, b SessionInfo) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}
