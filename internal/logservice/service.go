// Package logservice defines the contract the relay needs from an external
// consensus log: create a topic, submit a payload, and subscribe to the
// committed entries of a topic in commit order.
package logservice

import (
	"context"
	"errors"
	"time"
)

// ErrTopicNotFound is returned when the log service does not (yet) know a
// topic. Freshly created topics report it until creation has propagated to
// the replica stream, so subscribers treat it as retryable.
var ErrTopicNotFound = errors.New("topic not found")

// Entry is one committed log entry as delivered by the replica stream.
type Entry struct {
	SequenceNumber uint64
	// ConsensusTimestamp is zero when the stream did not supply one.
	ConsensusTimestamp time.Time
	Payload            []byte
	RunningHash        []byte
}

// Subscription is a live replica-stream subscription.
type Subscription interface {
	// Unsubscribe stops delivery. Safe to call more than once.
	Unsubscribe()
}

// Subscriber opens replica-stream subscriptions starting at the beginning of
// a topic. Subscribe returns an error when the subscription cannot be
// established; errors after that go to onError and do not end the
// subscription. onEntry is called from a single goroutine in commit order.
type Subscriber interface {
	Subscribe(ctx context.Context, topicID string, onEntry func(Entry), onError func(error)) (Subscription, error)
}

// Service is the full log service used by the relay and the producer path.
type Service interface {
	Subscriber

	// CreateTopic creates a new topic and returns its identifier.
	CreateTopic(ctx context.Context) (string, error)

	// Submit appends payload to a topic and returns the commit timestamp,
	// or the zero time when the service could not report one.
	Submit(ctx context.Context, topicID string, payload []byte) (time.Time, error)
}
