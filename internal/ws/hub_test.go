package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/consensus-relay/internal/fanout"
	"github.com/dgnsrekt/consensus-relay/internal/model"
)

func newTestHub(t *testing.T) (*fanout.Broadcaster, *httptest.Server) {
	t.Helper()
	enc, err := fanout.NewEncoder()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(enc.Close)

	b := fanout.NewBroadcaster("0.0.77", enc, zap.NewNop())
	server := httptest.NewServer(NewHub(b, 8, zap.NewNop()))
	t.Cleanup(server.Close)
	return b, server
}

func dial(t *testing.T, server *httptest.Server, subprotocols ...string) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{Subprotocols: subprotocols, HandshakeTimeout: 2 * time.Second}
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForViewers(t *testing.T, b *fanout.Broadcaster, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.Count() == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d viewers, have %d", n, b.Count())
}

func TestHubJSONViewer(t *testing.T) {
	b, server := newTestHub(t)
	conn := dial(t, server)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read handshake: %v", err)
	}
	if msgType != websocket.TextMessage {
		t.Errorf("expected text frame, got %d", msgType)
	}
	var info fanout.InfoFrame
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatal(err)
	}
	if info.Type != "info" || info.TopicID != "0.0.77" {
		t.Errorf("unexpected handshake: %+v", info)
	}

	waitForViewers(t, b, 1)
	b.Publish(model.RelayMessage{SequenceNumber: 7, Text: "hello", ConsensusTimestamp: time.Unix(1700000000, 0)})

	_, data, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	var msg fanout.MessageFrame
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "message" || msg.Text != "hello" || msg.Seq != 7 {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestHubNegotiatesCBOR(t *testing.T) {
	_, server := newTestHub(t)
	conn := dial(t, server, "unknown.v1", SubprotocolCBOR)

	if conn.Subprotocol() != SubprotocolCBOR {
		t.Errorf("expected subprotocol %s, got %q", SubprotocolCBOR, conn.Subprotocol())
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read handshake: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Errorf("expected binary frame, got %d", msgType)
	}
	var info fanout.InfoFrame
	if err := cbor.Unmarshal(data, &info); err != nil {
		t.Fatalf("cbor decode: %v", err)
	}
	if info.TopicID != "0.0.77" {
		t.Errorf("unexpected handshake: %+v", info)
	}
}

func TestHubUnregistersOnDisconnect(t *testing.T) {
	b, server := newTestHub(t)
	conn := dial(t, server)
	waitForViewers(t, b, 1)

	conn.Close()
	waitForViewers(t, b, 0)
}

func TestNegotiate(t *testing.T) {
	tests := []struct {
		requested []string
		want      fanout.Encoding
		header    bool
	}{
		{nil, fanout.EncodingJSON, false},
		{[]string{"other"}, fanout.EncodingJSON, false},
		{[]string{SubprotocolProtobuf, SubprotocolJSON}, fanout.EncodingProtobuf, true},
		{[]string{SubprotocolJSON}, fanout.EncodingJSON, true},
	}
	for _, tt := range tests {
		enc, header := negotiate(tt.requested)
		if enc != tt.want {
			t.Errorf("negotiate(%v) = %s, want %s", tt.requested, enc, tt.want)
		}
		if (header != nil) != tt.header {
			t.Errorf("negotiate(%v) header = %v", tt.requested, header)
		}
	}
}
