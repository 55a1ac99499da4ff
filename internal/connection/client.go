package connection

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// maxFrameSize bounds a single inbound frame. Trade frames are a few hundred
// bytes; batched frames stay well under this.
const maxFrameSize = 1 << 20

// Client is one WebSocket connection to the feed. A Client is single-use:
// after Close it cannot be reconnected.
type Client interface {
	// Connect dials the feed and starts the reader and pinger.
	Connect(ctx context.Context) error

	// Close sends a close frame and tears the socket down. Idempotent.
	Close() error

	// Send writes a text frame.
	Send(data []byte) error

	// Messages carries every inbound text frame, data and control alike,
	// stamped with its local receive time.
	Messages() <-chan TimestampedMessage

	// Errors carries at most one error: the reason the reader stopped.
	Errors() <-chan error

	// Done is closed once Close has been called.
	Done() <-chan struct{}

	IsConnected() bool
}

type client struct {
	cfg    ClientConfig
	logger *slog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	messages chan TimestampedMessage
	errors   chan error
	done     chan struct{}

	connected atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	dropped   atomic.Int64
}

// NewClient creates an unconnected client.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &client{
		cfg:      cfg,
		logger:   logger,
		messages: make(chan TimestampedMessage, cfg.BufferSize),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
	}
}

// Connect dials the feed. The feed authenticates in the subscribe frames, so
// the handshake carries no credentials.
func (c *client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrAlreadyClosed
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		if resp != nil {
			c.logger.Debug("websocket handshake rejected", "status", resp.StatusCode)
		}
		return err
	}
	conn.SetReadLimit(maxFrameSize)

	// Any inbound traffic, including control frames, pushes the read
	// deadline out. A peer silent for PingTimeout fails the next read.
	conn.SetPingHandler(func(data string) error {
		c.extendDeadline(conn)
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		c.extendDeadline(conn)
		return nil
	})

	c.conn = conn
	c.connected.Store(true)

	go c.readLoop(conn)
	go c.pingLoop(conn)

	c.logger.Debug("websocket connected", "url", c.cfg.URL)
	return nil
}

func (c *client) extendDeadline(conn *websocket.Conn) {
	if c.cfg.PingTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PingTimeout))
	}
}

// Close sends a normal-closure frame and closes the socket.
func (c *client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.connected.Store(false)
		close(c.done)

		if c.conn == nil {
			return
		}

		c.writeMu.Lock()
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()

		err = c.conn.Close()
		if n := c.dropped.Load(); n > 0 {
			c.logger.Warn("client closed with dropped frames", "dropped", n)
		}
	})
	return err
}

// Send writes data as one text frame under the write deadline.
func (c *client) Send(data []byte) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.cfg.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) Messages() <-chan TimestampedMessage { return c.messages }

func (c *client) Errors() <-chan error { return c.errors }

func (c *client) Done() <-chan struct{} { return c.done }

func (c *client) IsConnected() bool { return c.connected.Load() }

// readLoop forwards frames until the socket fails or Close is called.
func (c *client) readLoop(conn *websocket.Conn) {
	defer c.connected.Store(false)

	c.extendDeadline(conn)

	for {
		_, data, err := conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			if c.closed.Load() {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				c.logger.Warn("no traffic received, connection stale", "timeout", c.cfg.PingTimeout)
				err = ErrStaleConnection
			}
			c.report(err)
			return
		}

		c.extendDeadline(conn)

		select {
		case c.messages <- TimestampedMessage{Data: data, ReceivedAt: receivedAt}:
		case <-c.done:
			return
		default:
			if c.dropped.Add(1) == 1 {
				c.logger.Warn("message buffer full, dropping frames", "buffer", cap(c.messages))
			}
		}
	}
}

// pingLoop sends transport-level pings so idle periods still produce pongs.
func (c *client) pingLoop(conn *websocket.Conn) {
	interval := c.cfg.PingInterval
	if interval <= 0 {
		interval = DefaultClientConfig().PingInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if !c.connected.Load() {
				return
			}
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}
		}
	}
}

func (c *client) report(err error) {
	select {
	case c.errors <- err:
	default:
	}
}
