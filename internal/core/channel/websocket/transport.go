// Package websocket implements the channel Transport over gorilla/websocket.
package websocket

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/oddsync/oddsync/internal/core/channel"
	"github.com/oddsync/oddsync/internal/core/observability/log"
)

var _ channel.Transport = (*Transport)(nil)

// Config holds WebSocket-specific settings.
type Config struct {
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	ReadLimit         int64
	EnableCompression bool

	// RequestHeader is sent with the upgrade request (auth tokens etc).
	RequestHeader http.Header
}

// DefaultConfig returns default WebSocket transport configuration.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadLimit:        1024 * 1024, // 1MB
	}
}

// Transport dials WebSocket connections.
type Transport struct {
	config Config
	logger log.Log
}

// NewTransport creates a WebSocket transport.
func NewTransport(config Config, logger log.Log) *Transport {
	return &Transport{
		config: config,
		logger: logger.With(log.String("transport", "websocket")),
	}
}

// Dial connects to a ws:// or wss:// endpoint.
func (t *Transport) Dial(ctx context.Context, endpoint string) (channel.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout:  t.config.HandshakeTimeout,
		EnableCompression: t.config.EnableCompression,
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, t.config.RequestHeader)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "websocket dial failed (status %d)", resp.StatusCode)
		}
		return nil, errors.Wrap(err, "websocket dial failed")
	}

	t.logger.Debug("websocket connected",
		log.String("endpoint", endpoint),
		log.String("local_addr", conn.LocalAddr().String()))

	return newConn(conn, t.config, t.logger), nil
}

var _ channel.Conn = (*Conn)(nil)

// Conn wraps one gorilla connection with thread-safe writes and a Done
// signal driven by the read pump.
type Conn struct {
	conn   *websocket.Conn
	config Config
	logger log.Log

	writeMu  sync.Mutex
	closed   int32
	done     chan struct{}
	doneOnce sync.Once

	// Metrics
	messagesSent uint64
	bytesSent    uint64
}

func newConn(ws *websocket.Conn, config Config, logger log.Log) *Conn {
	if config.ReadLimit > 0 {
		ws.SetReadLimit(config.ReadLimit)
	}
	c := &Conn{
		conn:   ws,
		config: config,
		logger: logger,
		done:   make(chan struct{}),
	}
	go c.readPump()
	return c
}

// readPump drains the connection so close and ping control frames are
// processed. Inbound data frames are discarded: the channel is outbound
// only.
func (c *Conn) readPump() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if atomic.LoadInt32(&c.closed) == 0 {
				c.logger.Debug("read pump stopped", log.Error(err))
			}
			atomic.StoreInt32(&c.closed, 1)
			_ = c.conn.Close()
			c.doneOnce.Do(func() { close(c.done) })
			return
		}
	}
}

// Send writes one text frame. It never retries.
func (c *Conn) Send(data []byte) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return channel.ErrConnClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, "failed to write message")
	}

	atomic.AddUint64(&c.messagesSent, 1)
	atomic.AddUint64(&c.bytesSent, uint64(len(data)))
	return nil
}

// Close sends a close frame and releases the connection.
func (c *Conn) Close() error {
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
	}

	err := c.conn.Close()
	c.doneOnce.Do(func() { close(c.done) })
	return err
}

// Done is closed when the connection dies.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}
