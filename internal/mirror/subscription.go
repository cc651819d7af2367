package mirror

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/dgnsrekt/consensus-relay/internal/logservice"
)

// Compile-time interface verification
var _ logservice.Subscriber = (*Client)(nil)

type pollSubscription struct {
	cancel context.CancelFunc
	once   sync.Once
}

func (s *pollSubscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

// Subscribe implements logservice.Subscriber by polling the mirror node.
// The first page is fetched synchronously: a topic the mirror node does not
// know yet fails here with ErrTopicNotFound. Later poll failures are passed
// to onError and polling continues.
func (c *Client) Subscribe(ctx context.Context, topicID string, onEntry func(logservice.Entry), onError func(error)) (logservice.Subscription, error) {
	entries, more, err := c.GetMessages(ctx, topicID, 0)
	if err != nil {
		return nil, err
	}

	interval := c.pollInterval
	if interval <= 0 {
		interval = time.Second
	}
	// Created before the poller starts so a mock clock sees it immediately.
	ticker := c.clock.Ticker(interval)

	subCtx, cancel := context.WithCancel(ctx)
	go c.poll(subCtx, ticker, topicID, entries, more, onEntry, onError)

	return &pollSubscription{cancel: cancel}, nil
}

func (c *Client) poll(ctx context.Context, ticker *clock.Ticker, topicID string, entries []logservice.Entry, more bool, onEntry func(logservice.Entry), onError func(error)) {
	defer ticker.Stop()

	var last uint64
	for {
		for _, e := range entries {
			if ctx.Err() != nil {
				return
			}
			// The mirror node can repeat the boundary message across pages.
			if e.SequenceNumber <= last {
				continue
			}
			onEntry(e)
			last = e.SequenceNumber
		}

		if !more {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}

		var err error
		entries, more, err = c.GetMessages(ctx, topicID, last)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("mirror poll failed",
				zap.String("topicId", topicID),
				zap.Uint64("afterSeq", last),
				zap.Error(err),
			)
			if onError != nil {
				onError(err)
			}
			entries, more = nil, false
		}
	}
}
