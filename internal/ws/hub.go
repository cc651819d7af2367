// Package ws serves relay viewers over websocket.
package ws

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/consensus-relay/internal/fanout"
)

// Subprotocols offered to viewers, in server preference order. A viewer that
// requests none gets JSON text frames.
const (
	SubprotocolJSON     = "json.relay.v1"
	SubprotocolCBOR     = "cbor.relay.v1"
	SubprotocolProtobuf = "protobuf.relay.v1"
)

var subprotocolEncodings = map[string]fanout.Encoding{
	SubprotocolJSON:     fanout.EncodingJSON,
	SubprotocolCBOR:     fanout.EncodingCBOR,
	SubprotocolProtobuf: fanout.EncodingProtobuf,
}

// Hub upgrades viewer connections and registers them with the broadcaster.
type Hub struct {
	broadcaster *fanout.Broadcaster
	upgrader    websocket.Upgrader
	sendBuffer  int
	logger      *zap.Logger
}

func NewHub(broadcaster *fanout.Broadcaster, sendBuffer int, logger *zap.Logger) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &Hub{
		broadcaster: broadcaster,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sendBuffer: sendBuffer,
		logger:     logger,
	}
}

// negotiate picks the first requested subprotocol the relay supports.
func negotiate(requested []string) (fanout.Encoding, http.Header) {
	for _, proto := range requested {
		if enc, ok := subprotocolEncodings[proto]; ok {
			return enc, http.Header{"Sec-WebSocket-Protocol": {proto}}
		}
	}
	return fanout.EncodingJSON, nil
}

// ServeHTTP handles GET /ws.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	encoding, responseHeader := negotiate(websocket.Subprotocols(r))

	conn, err := h.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	connID := uuid.New().String()
	client := newClient(conn, connID, encoding, h.sendBuffer, h.logger)

	h.logger.Debug("websocket viewer connected",
		zap.String("connID", connID),
		zap.String("encoding", string(encoding)),
		zap.String("remote_addr", r.RemoteAddr),
	)

	go client.writePump()

	if err := h.broadcaster.Register(client); err != nil {
		h.logger.Warn("viewer registration failed",
			zap.String("connID", connID),
			zap.Error(err),
		)
		return
	}

	go client.readPump(h.broadcaster.Unregister)
}
