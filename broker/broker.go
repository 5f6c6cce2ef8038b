// Package broker fans out proxy trace events to any number of readers. A
// namespace is an ordered log of events. Readers may resume from the last
// event id they saw.
package broker

import (
	"context"
	"errors"
)

// ErrNamespaceClosed is returned after Cleanup removed a namespace that a
// caller still publishes to or reads from.
var ErrNamespaceClosed = errors.New("broker namespace closed")

// ErrInvalidEventID is returned by Subscribe for resume ids the broker could
// never have produced.
var ErrInvalidEventID = errors.New("invalid event id")

// Broker provides namespace isolation and ordered delivery within each
// namespace.
type Broker interface {
	// Publish appends data to namespace and returns the generated event id.
	Publish(ctx context.Context, namespace string, data []byte) (eventID string, err error)

	// Subscribe calls handler for each event in namespace until ctx is done
	// or handler returns an error. An empty lastEventID starts after the
	// newest event; otherwise delivery resumes after lastEventID.
	Subscribe(ctx context.Context, namespace string, lastEventID string, handler MessageHandler) error

	// Cleanup removes all resources associated with a namespace.
	Cleanup(ctx context.Context, namespace string) error
}

// MessageHandler processes one event. Returning an error stops the
// subscription with that error.
type MessageHandler func(ctx context.Context, envelope MessageEnvelope) error

// MessageEnvelope wraps an event with its id.
type MessageEnvelope struct {
	// ID is unique and increasing within the namespace.
	ID   string `json:"id"`
	Data []byte `json:"data"`
}
