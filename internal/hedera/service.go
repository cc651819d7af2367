// Package hedera implements the log service on the Hedera Consensus Service.
// Writes go through the Hedera SDK; reads come from a mirror node.
package hedera

import (
	"context"
	"errors"
	"fmt"
	"time"

	hedera "github.com/hashgraph/hedera-sdk-go/v2"
	"go.uber.org/zap"

	"github.com/dgnsrekt/consensus-relay/internal/logservice"
)

var ErrNoTopicID = errors.New("receipt carried no topic id")

// Operator identifies the account that pays for transactions.
type Operator struct {
	AccountID  string
	PrivateKey string
}

// Mirror is the REST view of a mirror node. It confirms a topic exists before
// a stream is opened and serves as the polling fallback.
type Mirror interface {
	logservice.Subscriber
	CheckTopic(ctx context.Context, topicID string) error
}

// Stream modes for Subscribe.
const (
	StreamGRPC = "grpc" // mirror node gRPC stream through the SDK
	StreamREST = "rest" // REST polling
)

type Service struct {
	client    *hedera.Client
	mirror    Mirror
	stream    string
	topicMemo string
	logger    *zap.Logger
}

// Compile-time interface verification
var _ logservice.Service = (*Service)(nil)

// New connects to the named network ("testnet", "previewnet", "mainnet")
// with the given operator. stream selects how Subscribe reads the topic.
func New(network string, op Operator, mirror Mirror, stream, topicMemo string, logger *zap.Logger) (*Service, error) {
	switch stream {
	case StreamGRPC, StreamREST:
	default:
		return nil, fmt.Errorf("unknown stream mode %q", stream)
	}

	client, err := hedera.ClientForName(network)
	if err != nil {
		return nil, fmt.Errorf("creating %s client: %w", network, err)
	}

	accountID, err := hedera.AccountIDFromString(op.AccountID)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("parsing operator id: %w", err)
	}
	key, err := hedera.PrivateKeyFromString(op.PrivateKey)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("parsing operator key: %w", err)
	}
	client.SetOperator(accountID, key)

	logger.Info("hedera client ready",
		zap.String("network", network),
		zap.String("operator", accountID.String()),
		zap.String("stream", stream),
	)

	return &Service{
		client:    client,
		mirror:    mirror,
		stream:    stream,
		topicMemo: topicMemo,
		logger:    logger,
	}, nil
}

// CreateTopic submits a TopicCreateTransaction and waits for its receipt.
func (s *Service) CreateTopic(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	tx := hedera.NewTopicCreateTransaction()
	if s.topicMemo != "" {
		tx = tx.SetTopicMemo(s.topicMemo)
	}

	resp, err := tx.Execute(s.client)
	if err != nil {
		return "", fmt.Errorf("executing topic create: %w", err)
	}
	receipt, err := resp.GetReceipt(s.client)
	if err != nil {
		return "", fmt.Errorf("topic create receipt: %w", err)
	}
	if receipt.TopicID == nil {
		return "", ErrNoTopicID
	}

	topicID := receipt.TopicID.String()
	s.logger.Info("topic created", zap.String("topicId", topicID))
	return topicID, nil
}

// Submit sends payload as one topic message. The returned time is the
// consensus timestamp from the transaction record, or zero when the record
// could not be fetched after the transaction itself succeeded.
func (s *Service) Submit(ctx context.Context, topicID string, payload []byte) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	id, err := hedera.TopicIDFromString(topicID)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing topic id: %w", err)
	}

	resp, err := hedera.NewTopicMessageSubmitTransaction().
		SetTopicID(id).
		SetMessage(payload).
		Execute(s.client)
	if err != nil {
		return time.Time{}, fmt.Errorf("executing message submit: %w", err)
	}

	record, err := resp.GetRecord(s.client)
	if err != nil {
		s.logger.Warn("message submitted but record unavailable",
			zap.String("topicId", topicID),
			zap.Error(err),
		)
		return time.Time{}, nil
	}
	return record.ConsensusTimestamp, nil
}

func (s *Service) Close() error {
	return s.client.Close()
}
