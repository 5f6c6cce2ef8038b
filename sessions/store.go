package sessions

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for unknown session ids.
var ErrNotFound = errors.New("session record not found")

// Record describes one session served by a proxy instance.
type Record struct {
	ID        int64     `json:"id"`
	Timeout   int32     `json:"timeout_ms"`
	Password  []byte    `json:"password"`
	ProxyID   string    `json:"proxy_id"`
	Remote    string    `json:"remote,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists session records. Implementations must be safe for
// concurrent use. Delete of a missing record is not an error.
type Store interface {
	Put(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id int64) (*Record, error)
	Delete(ctx context.Context, id int64) error
	// List returns every record ordered by session id.
	List(ctx context.Context) ([]*Record, error)
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	c := *r
	c.Password = append([]byte(nil), r.Password...)
	return &c
}
