// Package sessionstoretest holds the behavioural suite every sessions.Store
// implementation must pass.
package sessionstoretest

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/zkproxy/sessions"
)

// StoreFactory creates a new, empty Store instance for testing.
type StoreFactory func(t *testing.T) sessions.Store

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("PutThenGet", func(t *testing.T) { testPutThenGet(t, factory) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("PutReplaces", func(t *testing.T) { testPutReplaces(t, factory) })
	t.Run("DeleteIsIdempotent", func(t *testing.T) { testDeleteIsIdempotent(t, factory) })
	t.Run("ListIsOrdered", func(t *testing.T) { testListIsOrdered(t, factory) })
	t.Run("RecordsAreCopies", func(t *testing.T) { testRecordsAreCopies(t, factory) })
}

func record(id int64) *sessions.Record {
	return &sessions.Record{
		ID:        id,
		Timeout:   30000,
		Password:  []byte("0123456789abcdef"),
		ProxyID:   "proxy-a",
		Remote:    "10.0.0.1:40000",
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
}

func testPutThenGet(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	if err := s.Put(ctx, record(0x10)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, 0x10)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := record(0x10)
	if got.ID != want.ID || got.Timeout != want.Timeout || got.ProxyID != want.ProxyID || got.Remote != want.Remote {
		t.Fatalf("unexpected record %+v", got)
	}
	if !bytes.Equal(got.Password, want.Password) {
		t.Fatalf("password mismatch %q", got.Password)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Fatalf("created_at mismatch %v", got.CreatedAt)
	}
}

func testGetMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	if _, err := s.Get(context.Background(), 0x999); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testPutReplaces(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	if err := s.Put(ctx, record(1)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	next := record(1)
	next.ProxyID = "proxy-b"
	if err := s.Put(ctx, next); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ProxyID != "proxy-b" {
		t.Fatalf("expected replacement, got %q", got.ProxyID)
	}
}

func testDeleteIsIdempotent(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	if err := s.Put(ctx, record(2)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.Delete(ctx, 2); err != nil {
			t.Fatalf("Delete #%d: %v", i+1, err)
		}
	}
	if _, err := s.Get(ctx, 2); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func testListIsOrdered(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	for _, id := range []int64{30, 10, 20} {
		if err := s.Put(ctx, record(id)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	recs, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	for i, want := range []int64{10, 20, 30} {
		if recs[i].ID != want {
			t.Fatalf("position %d: expected id %d, got %d", i, want, recs[i].ID)
		}
	}
}

func testRecordsAreCopies(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	rec := record(3)
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rec.Password[0] = 'X'
	got, err := s.Get(ctx, 3)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Password[0] == 'X' {
		t.Fatal("store must not alias the caller's record")
	}
}
