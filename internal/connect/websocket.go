package connect

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/kernelroute/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WSConn carries envelopes as websocket text messages, one JSON envelope
// per message.
type WSConn struct {
	fanout

	conn         *websocket.Conn
	writeTimeout time.Duration

	wmu       sync.Mutex
	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Upgrade turns an HTTP request into a websocket connection. The returned
// connection is not started.
func Upgrade(w http.ResponseWriter, r *http.Request, writeTimeout time.Duration) (*WSConn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(conn, writeTimeout), nil
}

// DialWebSocket connects to a websocket endpoint such as a host's /connect
// route. The returned connection is not started.
func DialWebSocket(ctx context.Context, url string, writeTimeout time.Duration) (*WSConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(conn, writeTimeout), nil
}

func newWSConn(conn *websocket.Conn, writeTimeout time.Duration) *WSConn {
	if writeTimeout <= 0 {
		writeTimeout = 15 * time.Second
	}
	return &WSConn{conn: conn, writeTimeout: writeTimeout, done: make(chan struct{})}
}

// Start begins delivering inbound messages to subscribers.
func (c *WSConn) Start() {
	c.startOnce.Do(func() { go c.readLoop() })
}

func (c *WSConn) Done() <-chan struct{} { return c.done }

func (c *WSConn) Send(ctx context.Context, env protocol.Envelope) error {
	payload, err := protocol.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.stop()
		return err
	}
	return nil
}

func (c *WSConn) Close() error {
	c.wmu.Lock()
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.wmu.Unlock()
	c.stop()
	return nil
}

func (c *WSConn) readLoop() {
	defer c.stop()
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("connect.WSConn.readLoop stopped")
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			log.Warn().Err(err).Msg("connect.WSConn.readLoop decode envelope")
			continue
		}
		c.deliver(env)
	}
}

func (c *WSConn) stop() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
