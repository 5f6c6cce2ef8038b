package memorystore

import (
	"testing"

	"github.com/ggoodman/zkproxy/sessions"
	"github.com/ggoodman/zkproxy/sessions/sessionstoretest"
)

func TestMemoryStore(t *testing.T) {
	sessionstoretest.RunStoreTests(t, func(t *testing.T) sessions.Store {
		return New()
	})
}
