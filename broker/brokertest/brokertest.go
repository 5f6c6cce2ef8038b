// Package brokertest holds the behavioural suite every broker.Broker
// implementation must pass.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/zkproxy/broker"
)

// BrokerFactory is a function that creates a new broker instance for testing.
type BrokerFactory func(t *testing.T) broker.Broker

// RunBrokerTests runs the complete broker test suite against the provided factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("PublishAndSubscribeFromLatest", func(t *testing.T) {
		testPublishAndSubscribeFromLatest(t, factory)
	})
	t.Run("PublishAndSubscribeFromLastEventID", func(t *testing.T) {
		testPublishAndSubscribeFromLastEventID(t, factory)
	})
	t.Run("OrderWithinNamespace", func(t *testing.T) {
		testOrderWithinNamespace(t, factory)
	})
	t.Run("MultipleSubscribersToSameNamespace", func(t *testing.T) {
		testMultipleSubscribersToSameNamespace(t, factory)
	})
	t.Run("NamespaceIsolation", func(t *testing.T) {
		testNamespaceIsolation(t, factory)
	})
	t.Run("SubscriptionContextCancellation", func(t *testing.T) {
		testSubscriptionContextCancellation(t, factory)
	})
	t.Run("HandlerErrorStopsSubscription", func(t *testing.T) {
		testHandlerErrorStopsSubscription(t, factory)
	})
	t.Run("Cleanup", func(t *testing.T) {
		testCleanup(t, factory)
	})
	t.Run("ResumeFromInvalidEventID", func(t *testing.T) {
		testResumeFromInvalidEventID(t, factory)
	})
}

type collector struct {
	mu   sync.Mutex
	envs []broker.MessageEnvelope
}

func (c *collector) add(env broker.MessageEnvelope) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return len(c.envs)
}

func (c *collector) snapshot() []broker.MessageEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]broker.MessageEnvelope(nil), c.envs...)
}

// subscribe runs Subscribe in a goroutine and cancels once want events
// arrived. The returned channel yields Subscribe's error.
func subscribe(ctx context.Context, b broker.Broker, ns, last string, want int, c *collector) (<-chan error, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, ns, last, func(ctx context.Context, env broker.MessageEnvelope) error {
			if c.add(env) >= want && want > 0 {
				cancel()
			}
			return nil
		})
	}()
	return done, cancel
}

func await(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Subscription error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Subscription did not complete within timeout")
	}
}

func testPublishAndSubscribeFromLatest(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	namespace := "test-namespace"

	// Published before the subscription; must not be delivered.
	if _, err := b.Publish(ctx, namespace, []byte(`{"kind":"old"}`)); err != nil {
		t.Fatalf("Failed to publish message: %v", err)
	}

	var c collector
	done, _ := subscribe(ctx, b, namespace, "", 1, &c)

	// Give subscription time to start
	time.Sleep(100 * time.Millisecond)

	eventID, err := b.Publish(ctx, namespace, []byte(`{"kind":"new"}`))
	if err != nil {
		t.Fatalf("Failed to publish message: %v", err)
	}
	if eventID == "" {
		t.Fatal("Expected non-empty event ID")
	}
	await(t, done)

	got := c.snapshot()
	if len(got) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(got))
	}
	if got[0].ID != eventID {
		t.Fatalf("Expected event ID %s, got %s", eventID, got[0].ID)
	}
	if string(got[0].Data) != `{"kind":"new"}` {
		t.Fatalf("Unexpected payload %q", got[0].Data)
	}
}

func testPublishAndSubscribeFromLastEventID(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	namespace := "test-namespace-2"

	eventID1, err := b.Publish(ctx, namespace, []byte("one"))
	if err != nil {
		t.Fatalf("Failed to publish first message: %v", err)
	}
	eventID2, err := b.Publish(ctx, namespace, []byte("two"))
	if err != nil {
		t.Fatalf("Failed to publish second message: %v", err)
	}

	var c collector
	done, _ := subscribe(ctx, b, namespace, eventID1, 1, &c)
	await(t, done)

	got := c.snapshot()
	if len(got) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(got))
	}
	if got[0].ID != eventID2 || string(got[0].Data) != "two" {
		t.Fatalf("Expected event %s/two, got %s/%s", eventID2, got[0].ID, got[0].Data)
	}
}

func testOrderWithinNamespace(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	namespace := "test-namespace-order"
	const n = 20

	var c collector
	done, _ := subscribe(ctx, b, namespace, "", n, &c)
	time.Sleep(100 * time.Millisecond)

	for i := 0; i < n; i++ {
		if _, err := b.Publish(ctx, namespace, []byte(fmt.Sprintf("%02d", i))); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}
	await(t, done)

	got := c.snapshot()
	if len(got) != n {
		t.Fatalf("Expected %d messages, got %d", n, len(got))
	}
	for i, env := range got {
		if want := fmt.Sprintf("%02d", i); string(env.Data) != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, env.Data)
		}
	}
}

func testMultipleSubscribersToSameNamespace(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	namespace := "test-namespace-3"

	var c1, c2 collector
	done1, _ := subscribe(ctx, b, namespace, "", 1, &c1)
	done2, _ := subscribe(ctx, b, namespace, "", 1, &c2)
	time.Sleep(100 * time.Millisecond)

	eventID, err := b.Publish(ctx, namespace, []byte("shared"))
	if err != nil {
		t.Fatalf("Failed to publish message: %v", err)
	}
	await(t, done1)
	await(t, done2)

	for i, c := range []*collector{&c1, &c2} {
		got := c.snapshot()
		if len(got) != 1 || got[0].ID != eventID {
			t.Fatalf("subscriber %d: expected event %s, got %+v", i+1, eventID, got)
		}
	}
}

func testNamespaceIsolation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	namespace1 := "test-namespace-4a"
	namespace2 := "test-namespace-4b"

	var c1, c2 collector
	done1, stop1 := subscribe(ctx, b, namespace1, "", 0, &c1)
	done2, stop2 := subscribe(ctx, b, namespace2, "", 0, &c2)
	time.Sleep(100 * time.Millisecond)

	if _, err := b.Publish(ctx, namespace1, []byte("first")); err != nil {
		t.Fatalf("Failed to publish to namespace1: %v", err)
	}
	if _, err := b.Publish(ctx, namespace2, []byte("second")); err != nil {
		t.Fatalf("Failed to publish to namespace2: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	stop1()
	stop2()
	await(t, done1)
	await(t, done2)

	got1, got2 := c1.snapshot(), c2.snapshot()
	if len(got1) != 1 || string(got1[0].Data) != "first" {
		t.Fatalf("Namespace1: unexpected messages %+v", got1)
	}
	if len(got2) != 1 || string(got2[0].Data) != "second" {
		t.Fatalf("Namespace2: unexpected messages %+v", got2)
	}
}

func testSubscriptionContextCancellation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	namespace := "test-namespace-5"

	subscriptionDone := make(chan error, 1)
	go func() {
		subscriptionDone <- b.Subscribe(ctx, namespace, "", func(ctx context.Context, envelope broker.MessageEnvelope) error {
			return nil
		})
	}()

	select {
	case err := <-subscriptionDone:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("Expected context.DeadlineExceeded, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Subscription did not complete within timeout")
	}
}

func testHandlerErrorStopsSubscription(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	namespace := "test-namespace-6"
	expectedErr := fmt.Errorf("handler error")

	subscriptionDone := make(chan error, 1)
	go func() {
		subscriptionDone <- b.Subscribe(ctx, namespace, "", func(ctx context.Context, envelope broker.MessageEnvelope) error {
			return expectedErr
		})
	}()

	time.Sleep(100 * time.Millisecond)

	if _, err := b.Publish(ctx, namespace, []byte("boom")); err != nil {
		t.Fatalf("Failed to publish message: %v", err)
	}

	select {
	case err := <-subscriptionDone:
		if err != expectedErr {
			t.Fatalf("Expected handler error, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Subscription did not complete within timeout")
	}
}

func testCleanup(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	namespace := "test-namespace-7"

	if _, err := b.Publish(ctx, namespace, []byte("gone")); err != nil {
		t.Fatalf("Failed to publish message: %v", err)
	}
	if err := b.Cleanup(ctx, namespace); err != nil {
		t.Fatalf("Failed to cleanup namespace: %v", err)
	}

	subscriptionCtx, subscriptionCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer subscriptionCancel()

	var delivered int
	err := b.Subscribe(subscriptionCtx, namespace, "", func(ctx context.Context, envelope broker.MessageEnvelope) error {
		delivered++
		return nil
	})
	if delivered != 0 {
		t.Fatalf("Should not receive any messages after cleanup, got %d", delivered)
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		t.Logf("Subscription returned error after cleanup (acceptable): %v", err)
	}
}

func testResumeFromInvalidEventID(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := b.Subscribe(ctx, "test-namespace-8", "non-existent-id", func(ctx context.Context, envelope broker.MessageEnvelope) error {
		return nil
	})
	if err == nil {
		t.Fatal("Expected error for invalid event ID, got nil")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("Subscription should fail immediately for invalid event ID, not timeout")
	}
}

// cleanupBroker is best-effort; errors are logged but not fatal.
func cleanupBroker(t *testing.T, b broker.Broker) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	namespaces := []string{
		"test-namespace", "test-namespace-2", "test-namespace-3",
		"test-namespace-4a", "test-namespace-4b", "test-namespace-5",
		"test-namespace-6", "test-namespace-7", "test-namespace-8",
		"test-namespace-order",
	}
	for _, ns := range namespaces {
		if err := b.Cleanup(ctx, ns); err != nil {
			t.Logf("Warning: failed to cleanup namespace %s: %v", ns, err)
		}
	}
}
