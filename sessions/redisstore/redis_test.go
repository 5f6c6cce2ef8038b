package redisstore

import (
	"context"
	"testing"

	"github.com/ggoodman/zkproxy/sessions"
	"github.com/ggoodman/zkproxy/sessions/sessionstoretest"
	"github.com/google/uuid"
)

func TestRedisStore(t *testing.T) {
	// Quick availability check to allow graceful skip in environments without Redis
	s, err := NewFromEnv()
	if err != nil {
		t.Skipf("skipping redis session store tests: %v", err)
		return
	}
	_ = s.Close()

	sessionstoretest.RunStoreTests(t, func(t *testing.T) sessions.Store {
		// Isolate each subtest under its own prefix.
		st, err := New(Config{KeyPrefix: "zkproxy:test:" + uuid.NewString() + ":"})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		t.Cleanup(func() {
			recs, _ := st.List(context.Background())
			for _, r := range recs {
				_ = st.Delete(context.Background(), r.ID)
			}
			_ = st.Close()
		})
		return st
	})
}
