package main

import (
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/dgnsrekt/consensus-relay/internal/bootstrap"
	"github.com/dgnsrekt/consensus-relay/internal/codec"
	"github.com/dgnsrekt/consensus-relay/internal/config"
	"github.com/dgnsrekt/consensus-relay/internal/hedera"
	"github.com/dgnsrekt/consensus-relay/internal/logservice"
	"github.com/dgnsrekt/consensus-relay/internal/mirror"
)

// newLogService builds the configured backend. The returned func releases it.
func newLogService(cfg *config.Config, logger *zap.Logger) (logservice.Service, func(), error) {
	switch cfg.Network.Backend {
	case config.BackendMemory:
		logger.Warn("using in-memory log service, messages are lost on exit")
		svc := logservice.NewMemory(clock.New(), cfg.Network.PropagationDelay, logger.Named("memory"))
		return svc, func() {}, nil

	case config.BackendHedera:
		mc := mirror.NewClient(mirror.Options{
			BaseURL:       cfg.Network.Mirror.BaseURL,
			RatePerSecond: cfg.Network.Mirror.RatePerSecond,
			Timeout:       cfg.Network.Mirror.Timeout,
			RetryCount:    cfg.Network.Mirror.RetryCount,
			RetryDelay:    cfg.Network.Mirror.RetryDelay,
			PollInterval:  cfg.Network.Mirror.PollInterval,
			PageSize:      cfg.Network.Mirror.PageSize,
		}, logger.Named("mirror"))

		svc, err := hedera.New(
			cfg.Network.Name,
			hedera.Operator{AccountID: cfg.Network.OperatorID, PrivateKey: cfg.Network.OperatorKey},
			mc,
			cfg.Network.Mirror.Stream,
			cfg.Network.TopicMemo,
			logger.Named("hedera"),
		)
		if err != nil {
			return nil, nil, err
		}
		return svc, func() {
			if err := svc.Close(); err != nil {
				logger.Debug("closing hedera client", zap.Error(err))
			}
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Network.Backend)
	}
}

// networkLabel names the network in logs and notifications.
func networkLabel(cfg *config.Config) string {
	if cfg.Network.Backend == config.BackendMemory {
		return config.BackendMemory
	}
	return cfg.Network.Name
}

// existingTopicAndKey returns the topic and key a running relay would use,
// without creating either.
func existingTopicAndKey(cfg *config.Config) (string, []byte, error) {
	store := bootstrap.NewStore(cfg.Bootstrap.StateDir)

	topicID := cfg.Bootstrap.TopicID
	if topicID == "" {
		id, ok, err := store.LoadTopic()
		if err != nil {
			return "", nil, err
		}
		if !ok {
			return "", nil, fmt.Errorf("no topic configured and none in %s (run `relay serve` or `relay topic create --save`)", store.TopicPath())
		}
		topicID = id
	}

	if cfg.Bootstrap.SymmetricKeyB64 != "" {
		key, err := codec.DecodeKey(cfg.Bootstrap.SymmetricKeyB64)
		if err != nil {
			return "", nil, fmt.Errorf("key override: %w", err)
		}
		return topicID, key, nil
	}
	key, ok, err := store.LoadKey()
	if err != nil {
		return "", nil, err
	}
	if !ok {
		return "", nil, fmt.Errorf("no key configured and none in %s (run `relay keygen --save`)", store.KeyPath())
	}
	return topicID, key, nil
}
