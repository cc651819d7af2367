// Package sse serves relay viewers over Server-Sent Events. Frames are the
// JSON encoding; the event name is the frame type.
package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dgnsrekt/consensus-relay/internal/fanout"
)

const (
	defaultBuffer     = 64
	keepaliveInterval = 30 * time.Second
)

// viewer is one connected SSE subscriber.
type viewer struct {
	id     string
	dataCh chan []byte
	doneCh chan struct{}
	once   sync.Once
}

func (v *viewer) ID() string                { return v.id }
func (v *viewer) Encoding() fanout.Encoding { return fanout.EncodingJSON }

func (v *viewer) Send(frame []byte) error {
	select {
	case <-v.doneCh:
		return fanout.ErrViewerClosed
	default:
	}
	select {
	case v.dataCh <- frame:
		return nil
	default:
		return fanout.ErrViewerSlow
	}
}

func (v *viewer) Close() {
	v.once.Do(func() { close(v.doneCh) })
}

// Handler streams relay frames to SSE subscribers.
type Handler struct {
	broadcaster *fanout.Broadcaster
	buffer      int
	logger      *zap.Logger
}

func NewHandler(broadcaster *fanout.Broadcaster, buffer int, logger *zap.Logger) *Handler {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Handler{broadcaster: broadcaster, buffer: buffer, logger: logger}
}

// ServeHTTP handles GET /events.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	v := &viewer{
		id:     uuid.New().String(),
		dataCh: make(chan []byte, h.buffer),
		doneCh: make(chan struct{}),
	}

	if err := h.broadcaster.Register(v); err != nil {
		h.logger.Warn("sse registration failed", zap.Error(err))
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.broadcaster.Unregister(v)

	h.logger.Debug("sse viewer connected",
		zap.String("viewerId", v.id),
		zap.String("remote_addr", r.RemoteAddr),
	)

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug("sse viewer disconnected", zap.String("viewerId", v.id))
			return
		case <-v.doneCh:
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case frame := <-v.dataCh:
			if _, err := w.Write(formatEvent(frame)); err != nil {
				h.logger.Debug("failed to write to viewer", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

// formatEvent renders one SSE event named after the frame's "type" field.
func formatEvent(frame []byte) []byte {
	var head struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(frame, &head)

	var buf bytes.Buffer
	if head.Type != "" {
		fmt.Fprintf(&buf, "event: %s\n", head.Type)
	}
	fmt.Fprintf(&buf, "data: %s\n\n", frame)
	return buf.Bytes()
}
