// Package bootstrap resolves the relay's topic and key and starts the relay.
// Each value comes from an explicit override, then persisted state, and is
// otherwise created and persisted.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/dgnsrekt/consensus-relay/internal/codec"
	"github.com/dgnsrekt/consensus-relay/internal/fanout"
	"github.com/dgnsrekt/consensus-relay/internal/logservice"
	"github.com/dgnsrekt/consensus-relay/internal/metrics"
	"github.com/dgnsrekt/consensus-relay/internal/relay"
)

var ErrAlreadyStarted = errors.New("relay already started")

// Overrides are operator-supplied values that win over persisted state.
type Overrides struct {
	TopicID string
	// KeyB64 is the standard base64 encoding of a 32-byte key.
	KeyB64 string
}

type Coordinator struct {
	service   logservice.Service
	store     *Store
	encoder   *fanout.Encoder
	overrides Overrides
	cfg       relay.Config
	clock     clock.Clock
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu      sync.Mutex
	started bool
}

func NewCoordinator(
	service logservice.Service,
	store *Store,
	encoder *fanout.Encoder,
	overrides Overrides,
	cfg relay.Config,
	clk clock.Clock,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		service:   service,
		store:     store,
		encoder:   encoder,
		overrides: overrides,
		cfg:       cfg,
		clock:     clk,
		metrics:   m,
		logger:    logger,
	}
}

// ResolveTopic returns override if set, else the persisted topic, else a
// newly created topic which is then persisted.
func (c *Coordinator) ResolveTopic(ctx context.Context, override string) (string, error) {
	if id := strings.TrimSpace(override); id != "" {
		c.logger.Info("using topic from override", zap.String("topicId", id))
		return id, nil
	}

	id, ok, err := c.store.LoadTopic()
	if err != nil {
		return "", err
	}
	if ok {
		c.logger.Info("using existing topic", zap.String("topicId", id))
		return id, nil
	}

	c.logger.Info("creating new topic")
	id, err = c.service.CreateTopic(ctx)
	if err != nil {
		return "", fmt.Errorf("creating topic: %w", err)
	}
	if err := c.store.SaveTopic(id); err != nil {
		return "", fmt.Errorf("persisting topic %s: %w", id, err)
	}
	c.logger.Info("created topic", zap.String("topicId", id), zap.String("path", c.store.TopicPath()))
	return id, nil
}

// ResolveKey returns the override key if set, else the persisted key, else a
// freshly generated key which is then persisted.
func (c *Coordinator) ResolveKey(override string) ([]byte, error) {
	if strings.TrimSpace(override) != "" {
		key, err := codec.DecodeKey(override)
		if err != nil {
			return nil, fmt.Errorf("key override: %w", err)
		}
		c.logger.Info("loaded symmetric key from override")
		return key, nil
	}

	key, ok, err := c.store.LoadKey()
	if err != nil {
		return nil, err
	}
	if ok {
		c.logger.Info("loaded symmetric key from file", zap.String("path", c.store.KeyPath()))
		return key, nil
	}

	key, err = codec.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := c.store.SaveKey(key); err != nil {
		return nil, fmt.Errorf("persisting key: %w", err)
	}
	c.logger.Info("generated and saved symmetric key", zap.String("path", c.store.KeyPath()))
	return key, nil
}

// Start resolves the key and topic, then builds and starts the relay. It
// succeeds at most once per Coordinator.
func (c *Coordinator) Start(ctx context.Context) (*relay.Relay, error) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	key, err := c.ResolveKey(c.overrides.KeyB64)
	if err != nil {
		return nil, fmt.Errorf("resolving key: %w", err)
	}
	topicID, err := c.ResolveTopic(ctx, c.overrides.TopicID)
	if err != nil {
		return nil, fmt.Errorf("resolving topic: %w", err)
	}

	r, err := relay.New(topicID, key, c.service, c.encoder, c.cfg, c.clock, c.metrics, c.logger.Named("relay"))
	if err != nil {
		return nil, err
	}
	if err := r.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting subscription: %w", err)
	}
	return r, nil
}
