package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/dgnsrekt/consensus-relay/internal/api/generated"
	"github.com/dgnsrekt/consensus-relay/internal/codec"
	"github.com/dgnsrekt/consensus-relay/internal/fanout"
	"github.com/dgnsrekt/consensus-relay/internal/metrics"
	"github.com/dgnsrekt/consensus-relay/internal/relay"
	"github.com/dgnsrekt/consensus-relay/internal/subscription"
)

// Submitter appends payloads to the relay's topic.
type Submitter interface {
	Submit(ctx context.Context, topicID string, payload []byte) (time.Time, error)
}

type Server struct {
	relay     *relay.Relay
	submitter Submitter
	clock     clock.Clock
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func NewServer(r *relay.Relay, submitter Submitter, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *Server {
	return &Server{
		relay:     r,
		submitter: submitter,
		clock:     clk,
		metrics:   m,
		logger:    logger,
	}
}

// Compile-time interface verification
var _ generated.StrictServerInterface = (*Server)(nil)

// GetInfo implements generated.StrictServerInterface
func (s *Server) GetInfo(ctx context.Context, request generated.GetInfoRequestObject) (generated.GetInfoResponseObject, error) {
	return generated.GetInfo200JSONResponse{
		TopicId: s.relay.TopicID(),
		SymKey:  codec.EncodeKey(s.relay.Key()),
	}, nil
}

// SendMessage implements generated.StrictServerInterface
func (s *Server) SendMessage(ctx context.Context, request generated.SendMessageRequestObject) (generated.SendMessageResponseObject, error) {
	if request.Body == nil || request.Body.Message == nil {
		return generated.SendMessage400JSONResponse{Error: "message required"}, nil
	}
	encrypt := request.Body.Encrypt != nil && *request.Body.Encrypt

	payload := []byte(*request.Body.Message)
	if encrypt {
		frame, err := codec.Encrypt(s.relay.Key(), payload)
		if err != nil {
			s.logger.Error("encrypt failed", zap.Error(err))
			return generated.SendMessage500JSONResponse{Error: "encrypt failed", Details: ptr(err.Error())}, nil
		}
		payload = frame
	}

	ts, err := s.submitter.Submit(ctx, s.relay.TopicID(), payload)
	if err != nil {
		s.metrics.Submissions.WithLabelValues("error").Inc()
		s.logger.Error("submit failed",
			zap.String("topicId", s.relay.TopicID()),
			zap.Error(err),
		)
		return generated.SendMessage500JSONResponse{Error: "submit failed", Details: ptr(err.Error())}, nil
	}
	s.metrics.Submissions.WithLabelValues("ok").Inc()

	if ts.IsZero() {
		s.logger.Warn("commit time unavailable, using local time", zap.String("topicId", s.relay.TopicID()))
		ts = s.clock.Now()
	}

	s.logger.Debug("message submitted",
		zap.Bool("encrypted", encrypt),
		zap.Int("bytes", len(payload)),
		zap.Time("timestamp", ts),
	)

	return generated.SendMessage200JSONResponse{Success: true, Timestamp: fanout.FormatTimestamp(ts)}, nil
}

// GetHealth implements generated.StrictServerInterface
func (s *Server) GetHealth(ctx context.Context, request generated.GetHealthRequestObject) (generated.GetHealthResponseObject, error) {
	state := s.relay.State()
	body := generated.HealthResponse{
		Status:       generated.Ok,
		TopicId:      s.relay.TopicID(),
		Subscription: state.String(),
		Viewers:      s.relay.Broadcaster().Count(),
	}

	switch state {
	case subscription.StateIdle, subscription.StateConnecting:
		body.Status = generated.Starting
	case subscription.StateFailed:
		body.Status = generated.Failed
		return generated.GetHealth503JSONResponse(body), nil
	case subscription.StateStopped:
		body.Status = generated.Stopped
		return generated.GetHealth503JSONResponse(body), nil
	}
	return generated.GetHealth200JSONResponse(body), nil
}

func ptr[T any](v T) *T {
	return &v
}

// writeError renders an ErrorResponse for failures outside the handlers:
// schema validation and body decoding.
func writeError(w http.ResponseWriter, code int, message, details string) {
	body := generated.ErrorResponse{Error: message}
	if details != "" {
		body.Details = &details
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
