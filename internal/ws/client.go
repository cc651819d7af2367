package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/consensus-relay/internal/fanout"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Viewers only send control frames and the occasional ping.
	maxMessageSize = 4 * 1024

	// Default send buffer size per client.
	defaultSendBuffer = 256
)

// Client is a websocket viewer.
type Client struct {
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	connID   string
	encoding fanout.Encoding
	logger   *zap.Logger
}

// Compile-time interface verification
var _ fanout.Viewer = (*Client)(nil)

func newClient(conn *websocket.Conn, connID string, encoding fanout.Encoding, sendBuffer int, logger *zap.Logger) *Client {
	return &Client{
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		connID:   connID,
		encoding: encoding,
		logger:   logger,
	}
}

func (c *Client) ID() string { return c.connID }

func (c *Client) Encoding() fanout.Encoding { return c.encoding }

// Send queues frame for the write pump without blocking.
func (c *Client) Send(frame []byte) error {
	select {
	case <-c.done:
		return fanout.ErrViewerClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return fanout.ErrViewerClosed
	default:
		return fanout.ErrViewerSlow
	}
}

// Close stops the write pump, which sends a close frame and drops the
// connection.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

// readPump drains the connection so pongs and close frames are processed.
// Viewers have nothing to say to the relay; their messages are discarded.
func (c *Client) readPump(unregister func(fanout.Viewer)) {
	defer func() {
		unregister(c)
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error",
					zap.String("connID", c.connID),
					zap.Error(err),
				)
			}
			return
		}
	}
}

// writePump writes queued frames and keepalive pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	msgType := websocket.BinaryMessage
	if c.encoding == fanout.EncodingJSON {
		msgType = websocket.TextMessage
	}

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(msgType, message); err != nil {
				c.logger.Debug("websocket write error",
					zap.String("connID", c.connID),
					zap.Error(err),
				)
				c.Close()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
