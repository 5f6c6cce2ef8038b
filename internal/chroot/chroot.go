// Package chroot confines a client to a subtree of the backend namespace by
// rewriting every path-bearing field of requests (prefix added) and replies
// (prefix removed).
package chroot

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ggoodman/zkproxy/zk"
)

var (
	// ErrViolation is returned when a backend path lies outside the prefix.
	ErrViolation = errors.New("chroot violation")
	// ErrInvalidPrefix is returned by New for malformed prefixes.
	ErrInvalidPrefix = errors.New("invalid chroot prefix")
)

// ViolationError describes a path that could not be stripped.
type ViolationError struct {
	Prefix string
	Path   string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("chroot violation: %q is outside %q", e.Path, e.Prefix)
}

func (e *ViolationError) Is(target error) bool { return target == ErrViolation }

// PathFunc maps one path to another.
type PathFunc func(string) (string, error)

// Translator binds a prefix to the generic request and response rewrites.
// The zero value and a nil *Translator are the identity.
type Translator struct {
	prefix string
}

// New returns a translator for prefix. An empty prefix or "/" yields the
// identity translator; a trailing slash is dropped.
func New(prefix string) (*Translator, error) {
	if prefix == "" || prefix == "/" {
		return &Translator{}, nil
	}
	if !strings.HasPrefix(prefix, "/") {
		return nil, fmt.Errorf("%w: %q must be absolute", ErrInvalidPrefix, prefix)
	}
	prefix = strings.TrimRight(prefix, "/")
	if strings.Contains(prefix, "//") {
		return nil, fmt.Errorf("%w: %q contains an empty segment", ErrInvalidPrefix, prefix)
	}
	return &Translator{prefix: prefix}, nil
}

// Prefix returns the configured prefix, or "" for the identity.
func (t *Translator) Prefix() string {
	if t == nil {
		return ""
	}
	return t.prefix
}

// Append maps a client path into the backend namespace. The root maps to the
// prefix itself; relative paths are returned unchanged.
func (t *Translator) Append(p string) (string, error) {
	if t.Prefix() == "" || !strings.HasPrefix(p, "/") {
		return p, nil
	}
	if p == "/" {
		return t.prefix, nil
	}
	return t.prefix + p, nil
}

// Strip maps a backend path back into the client namespace. Relative paths
// are returned unchanged. Absolute paths that are not the prefix itself or
// below it are a violation; "/app10" is not below "/app1".
func (t *Translator) Strip(p string) (string, error) {
	prefix := t.Prefix()
	if prefix == "" || !strings.HasPrefix(p, "/") {
		return p, nil
	}
	if p == prefix {
		return "/", nil
	}
	if !strings.HasPrefix(p, prefix+"/") {
		return "", &ViolationError{Prefix: prefix, Path: p}
	}
	return p[len(prefix):], nil
}

// Request rewrites req into the backend namespace.
func (t *Translator) Request(req zk.Request) (zk.Request, error) {
	return RewriteRequest(req, t.Append)
}

// Response rewrites resp into the client namespace.
func (t *Translator) Response(resp zk.Response) (zk.Response, error) {
	return RewriteResponse(resp, t.Strip)
}

// RewriteRequest returns a copy of req with every path mapped through fn.
// Requests without paths are returned as is. Unknown requests cannot be
// rewritten and fail with zk.ErrUnimplemented.
func RewriteRequest(req zk.Request, fn PathFunc) (zk.Request, error) {
	switch r := req.(type) {
	case *zk.CreateRequest:
		c := *r
		return &c, mapPath(&c.Path, fn)
	case *zk.DeleteRequest:
		c := *r
		return &c, mapPath(&c.Path, fn)
	case *zk.ExistsRequest:
		c := *r
		return &c, mapPath(&c.Path, fn)
	case *zk.GetDataRequest:
		c := *r
		return &c, mapPath(&c.Path, fn)
	case *zk.SetDataRequest:
		c := *r
		return &c, mapPath(&c.Path, fn)
	case *zk.GetACLRequest:
		c := *r
		return &c, mapPath(&c.Path, fn)
	case *zk.SetACLRequest:
		c := *r
		return &c, mapPath(&c.Path, fn)
	case *zk.GetChildrenRequest:
		c := *r
		return &c, mapPath(&c.Path, fn)
	case *zk.GetChildren2Request:
		c := *r
		return &c, mapPath(&c.Path, fn)
	case *zk.SyncRequest:
		c := *r
		return &c, mapPath(&c.Path, fn)
	case *zk.CheckVersionRequest:
		c := *r
		return &c, mapPath(&c.Path, fn)
	case *zk.RemoveWatchesRequest:
		c := *r
		return &c, mapPath(&c.Path, fn)
	case *zk.AddWatchRequest:
		c := *r
		return &c, mapPath(&c.Path, fn)
	case *zk.GetEphemeralsRequest:
		c := *r
		return &c, mapPath(&c.PrefixPath, fn)
	case *zk.GetAllChildrenNumberRequest:
		c := *r
		return &c, mapPath(&c.Path, fn)
	case *zk.SetWatchesRequest:
		c := *r
		var err error
		if c.DataWatches, err = mapPaths(r.DataWatches, fn); err != nil {
			return nil, err
		}
		if c.ExistWatches, err = mapPaths(r.ExistWatches, fn); err != nil {
			return nil, err
		}
		if c.ChildWatches, err = mapPaths(r.ChildWatches, fn); err != nil {
			return nil, err
		}
		return &c, nil
	case *zk.MultiRequest:
		c := &zk.MultiRequest{Ops: make([]zk.Request, len(r.Ops))}
		for i, op := range r.Ops {
			mapped, err := RewriteRequest(op, fn)
			if err != nil {
				return nil, err
			}
			c.Ops[i] = mapped
		}
		return c, nil
	case *zk.PingRequest, *zk.CloseSessionRequest, *zk.AuthRequest:
		return req, nil
	case *zk.UnknownRequest:
		return nil, fmt.Errorf("rewrite %s: %w", r.Op, zk.ErrUnimplemented)
	}
	return nil, fmt.Errorf("rewrite %T: %w", req, zk.ErrUnimplemented)
}

// RewriteResponse returns a copy of resp with every path mapped through fn,
// including each element of a children listing.
func RewriteResponse(resp zk.Response, fn PathFunc) (zk.Response, error) {
	switch r := resp.(type) {
	case *zk.CreateResponse:
		c := *r
		return &c, mapPath(&c.Path, fn)
	case *zk.Create2Response:
		c := *r
		return &c, mapPath(&c.Path, fn)
	case *zk.SyncResponse:
		c := *r
		return &c, mapPath(&c.Path, fn)
	case *zk.WatcherEvent:
		// Session events have no path.
		if r.Path == "" {
			return r, nil
		}
		c := *r
		return &c, mapPath(&c.Path, fn)
	case *zk.GetChildrenResponse:
		names, err := mapPaths(r.Children, fn)
		if err != nil {
			return nil, err
		}
		return &zk.GetChildrenResponse{Children: names}, nil
	case *zk.GetChildren2Response:
		names, err := mapPaths(r.Children, fn)
		if err != nil {
			return nil, err
		}
		return &zk.GetChildren2Response{Children: names, Stat: r.Stat}, nil
	case *zk.GetEphemeralsResponse:
		paths, err := mapPaths(r.Ephemerals, fn)
		if err != nil {
			return nil, err
		}
		return &zk.GetEphemeralsResponse{Ephemerals: paths}, nil
	case *zk.MultiResponse:
		c := &zk.MultiResponse{Results: make([]zk.Response, len(r.Results))}
		for i, sub := range r.Results {
			mapped, err := RewriteResponse(sub, fn)
			if err != nil {
				return nil, err
			}
			c.Results[i] = mapped
		}
		return c, nil
	case *zk.EmptyResponse,
		*zk.ExistsResponse, *zk.GetDataResponse, *zk.SetDataResponse,
		*zk.GetACLResponse, *zk.SetACLResponse, *zk.ErrorResult,
		*zk.GetAllChildrenNumberResponse:
		return resp, nil
	}
	return nil, fmt.Errorf("rewrite %T: %w", resp, zk.ErrUnimplemented)
}

func mapPath(p *string, fn PathFunc) error {
	mapped, err := fn(*p)
	if err != nil {
		return err
	}
	*p = mapped
	return nil
}

func mapPaths(paths []string, fn PathFunc) ([]string, error) {
	if paths == nil {
		return nil, nil
	}
	out := make([]string, len(paths))
	for i, p := range paths {
		mapped, err := fn(p)
		if err != nil {
			return nil, err
		}
		out[i] = mapped
	}
	return out, nil
}
