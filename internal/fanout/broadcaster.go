// Package fanout delivers relay messages to every live viewer.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dgnsrekt/consensus-relay/internal/model"
)

var (
	ErrViewerClosed = errors.New("viewer closed")
	ErrViewerSlow   = errors.New("viewer send buffer full")
	ErrShutdown     = errors.New("broadcaster shut down")
)

// Viewer is one live connection. Send must not block: it either queues the
// frame or fails with ErrViewerClosed or ErrViewerSlow. Close must be
// idempotent.
type Viewer interface {
	ID() string
	Encoding() Encoding
	Send(frame []byte) error
	Close()
}

// Broadcaster holds the registered viewer set. Delivery is at-most-once;
// there is no replay for viewers that register late.
type Broadcaster struct {
	topicID string
	encoder *Encoder
	logger  *zap.Logger

	mu       sync.RWMutex
	viewers  map[string]Viewer
	shutdown bool
}

func NewBroadcaster(topicID string, encoder *Encoder, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		topicID: topicID,
		encoder: encoder,
		logger:  logger,
		viewers: make(map[string]Viewer),
	}
}

// Register adds v and sends it the info handshake before any message.
func (b *Broadcaster) Register(v Viewer) error {
	info, err := b.encoder.Info(v.Encoding(), b.topicID)
	if err != nil {
		v.Close()
		return fmt.Errorf("encode handshake: %w", err)
	}

	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		v.Close()
		return ErrShutdown
	}
	// Queued under the lock so no Publish can slip a message in ahead of it.
	if err := v.Send(info); err != nil {
		b.mu.Unlock()
		v.Close()
		return fmt.Errorf("send handshake: %w", err)
	}
	b.viewers[v.ID()] = v
	count := len(b.viewers)
	b.mu.Unlock()

	b.logger.Debug("viewer registered",
		zap.String("viewerId", v.ID()),
		zap.String("encoding", string(v.Encoding())),
		zap.Int("viewers", count),
	)
	return nil
}

// Unregister removes and closes v. Unknown or already removed viewers are
// ignored.
func (b *Broadcaster) Unregister(v Viewer) {
	b.mu.Lock()
	current, ok := b.viewers[v.ID()]
	if ok && current == v {
		delete(b.viewers, v.ID())
	}
	count := len(b.viewers)
	b.mu.Unlock()

	if !ok || current != v {
		return
	}
	v.Close()
	b.logger.Debug("viewer unregistered",
		zap.String("viewerId", v.ID()),
		zap.Int("viewers", count),
	)
}

// Publish delivers msg to every registered viewer and returns how many
// accepted it. Each encoding in use is serialized once. A viewer that fails
// to accept the frame is unregistered without affecting the others.
func (b *Broadcaster) Publish(msg model.RelayMessage) int {
	b.mu.RLock()
	snapshot := make([]Viewer, 0, len(b.viewers))
	for _, v := range b.viewers {
		snapshot = append(snapshot, v)
	}
	b.mu.RUnlock()

	frames := make(map[Encoding][]byte, 1)
	delivered := 0
	for _, v := range snapshot {
		enc := v.Encoding()
		frame, ok := frames[enc]
		if !ok {
			var err error
			frame, err = b.encoder.Message(enc, msg)
			if err != nil {
				b.logger.Error("failed to encode message",
					zap.Uint64("seq", msg.SequenceNumber),
					zap.String("encoding", string(enc)),
					zap.Error(err),
				)
				continue
			}
			frames[enc] = frame
		}

		if err := v.Send(frame); err != nil {
			b.logger.Debug("dropping viewer",
				zap.String("viewerId", v.ID()),
				zap.Error(err),
			)
			b.Unregister(v)
			continue
		}
		delivered++
	}
	return delivered
}

// Run blocks until ctx is cancelled, then closes every viewer and rejects
// further registrations.
func (b *Broadcaster) Run(ctx context.Context) {
	<-ctx.Done()
	b.logger.Info("broadcaster shutting down")
	b.Shutdown()
}

func (b *Broadcaster) Shutdown() {
	b.mu.Lock()
	b.shutdown = true
	viewers := b.viewers
	b.viewers = make(map[string]Viewer)
	b.mu.Unlock()

	for _, v := range viewers {
		v.Close()
	}
}

// Count reports the number of registered viewers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.viewers)
}

func (b *Broadcaster) TopicID() string {
	return b.topicID
}
