// Package relay ties one topic subscription to the viewer broadcaster.
package relay

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/dgnsrekt/consensus-relay/internal/fanout"
	"github.com/dgnsrekt/consensus-relay/internal/logservice"
	"github.com/dgnsrekt/consensus-relay/internal/metrics"
	"github.com/dgnsrekt/consensus-relay/internal/subscription"
	"github.com/dgnsrekt/consensus-relay/internal/tracker"
)

// Config tunes a Relay.
type Config struct {
	Subscription subscription.Config
	DedupWindow  int
}

// Relay is the running state of one topic: its key, dedup tracker,
// viewer broadcaster and subscription.
type Relay struct {
	topicID     string
	key         []byte
	tracker     *tracker.Tracker
	broadcaster *fanout.Broadcaster
	manager     *subscription.Manager
	metrics     *metrics.Metrics
	logger      *zap.Logger
	fatal       chan error
}

func New(topicID string, key []byte, subscriber logservice.Subscriber, encoder *fanout.Encoder, cfg Config, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) (*Relay, error) {
	tr, err := tracker.New(key, cfg.DedupWindow, clk, logger.Named("tracker"))
	if err != nil {
		return nil, fmt.Errorf("creating tracker: %w", err)
	}

	r := &Relay{
		topicID:     topicID,
		key:         append([]byte(nil), key...),
		tracker:     tr,
		broadcaster: fanout.NewBroadcaster(topicID, encoder, logger.Named("fanout")),
		manager:     subscription.New(subscriber, cfg.Subscription, clk, logger.Named("subscription")),
		metrics:     m,
		logger:      logger,
		fatal:       make(chan error, 1),
	}

	r.manager.SetHooks(subscription.Hooks{
		OnAttempt:     func(int) { m.SubscriptionAttempts.Inc() },
		OnStateChange: func(s subscription.State) { m.SubscriptionState.Set(float64(s)) },
		OnStreamError: func(error) { m.StreamErrors.Inc() },
	})
	if err := m.RegisterViewerGauge(func() float64 { return float64(r.broadcaster.Count()) }); err != nil {
		return nil, fmt.Errorf("registering viewer gauge: %w", err)
	}

	return r, nil
}

// Start subscribes to the topic. Exhausted retries are reported on Fatal.
func (r *Relay) Start(ctx context.Context) error {
	_, err := r.manager.Start(ctx, r.topicID, r.HandleEntry, r.onFatal)
	return err
}

// HandleEntry runs one committed entry through dedup and decryption and
// publishes the result.
func (r *Relay) HandleEntry(entry logservice.Entry) {
	r.metrics.EntriesReceived.Inc()

	msg, res := r.tracker.Accept(entry)
	switch res {
	case tracker.ResultDuplicate:
		r.metrics.DuplicatesDropped.Inc()
		return
	case tracker.ResultEmpty:
		r.metrics.EmptyEntries.Inc()
	}
	if msg.DecryptFailed {
		r.metrics.DecryptFailures.Inc()
	}
	if msg.TimestampSubstituted {
		r.metrics.TimestampsSubstituted.Inc()
	}

	delivered := r.broadcaster.Publish(msg)
	r.metrics.MessagesRelayed.Inc()
	r.metrics.Deliveries.Add(float64(delivered))

	r.logger.Debug("message relayed",
		zap.Uint64("seq", msg.SequenceNumber),
		zap.Bool("decryptFailed", msg.DecryptFailed),
		zap.Int("viewers", delivered),
	)
}

func (r *Relay) onFatal(err error) {
	select {
	case r.fatal <- err:
	default:
	}
}

// Fatal receives the error that ended the subscription for good.
func (r *Relay) Fatal() <-chan error {
	return r.fatal
}

// Stop ends the subscription and disconnects every viewer.
func (r *Relay) Stop() {
	r.manager.Stop()
	r.broadcaster.Shutdown()
}

func (r *Relay) TopicID() string { return r.topicID }

// Key returns a copy of the symmetric key.
func (r *Relay) Key() []byte { return append([]byte(nil), r.key...) }

func (r *Relay) Broadcaster() *fanout.Broadcaster { return r.broadcaster }

func (r *Relay) State() subscription.State { return r.manager.State() }

func (r *Relay) Attempts() int { return r.manager.Attempts() }

func (r *Relay) Stats() tracker.Stats { return r.tracker.Stats() }
