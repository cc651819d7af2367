package hedera

import (
	"context"
	"fmt"
	"sync"
	"time"

	hedera "github.com/hashgraph/hedera-sdk-go/v2"
	"go.uber.org/zap"
	"google.golang.org/grpc/status"

	"github.com/dgnsrekt/consensus-relay/internal/logservice"
)

type streamSubscription struct {
	handle hedera.SubscriptionHandle
	once   sync.Once
	done   chan struct{}
}

func (s *streamSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.handle.Unsubscribe()
		close(s.done)
	})
}

// Subscribe implements logservice.Subscriber. In gRPC mode the topic is first
// checked over REST, because the SDK reports an unknown topic only
// asynchronously; the stream then starts at the beginning of the topic.
func (s *Service) Subscribe(ctx context.Context, topicID string, onEntry func(logservice.Entry), onError func(error)) (logservice.Subscription, error) {
	if s.stream == StreamREST {
		return s.mirror.Subscribe(ctx, topicID, onEntry, onError)
	}

	id, err := hedera.TopicIDFromString(topicID)
	if err != nil {
		return nil, fmt.Errorf("parsing topic id: %w", err)
	}
	if err := s.mirror.CheckTopic(ctx, topicID); err != nil {
		return nil, err
	}

	handle, err := hedera.NewTopicMessageQuery().
		SetTopicID(id).
		SetStartTime(time.Unix(0, 0)).
		SetErrorHandler(s.streamErrorHandler(topicID, onError)).
		Subscribe(s.client, func(m hedera.TopicMessage) {
			if ctx.Err() != nil {
				return
			}
			onEntry(entryFromMessage(m))
		})
	if err != nil {
		return nil, fmt.Errorf("opening topic stream: %w", err)
	}

	sub := &streamSubscription{handle: handle, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
		case <-sub.done:
		}
	}()

	s.logger.Debug("topic stream opened", zap.String("topicId", topicID))
	return sub, nil
}

func (s *Service) streamErrorHandler(topicID string, onError func(error)) func(status.Status) {
	return func(stat status.Status) {
		err := stat.Err()
		if err == nil {
			return
		}
		s.logger.Warn("topic stream error", zap.String("topicId", topicID), zap.Error(err))
		if onError != nil {
			onError(fmt.Errorf("topic stream: %w", err))
		}
	}
}

func entryFromMessage(m hedera.TopicMessage) logservice.Entry {
	return logservice.Entry{
		SequenceNumber:     m.SequenceNumber,
		ConsensusTimestamp: m.ConsensusTimestamp,
		Payload:            m.Contents,
		RunningHash:        m.RunningHash,
	}
}
