// Package stream manages WebSocket connections for live candle subscriptions.
//
// A Connector wraps one gorilla/websocket connection: it dials with bounded
// retries, fans incoming messages out to subscribed handlers and redials
// transparently when the connection drops. Exchange connectors use it as the
// transport behind the optional follow mode; the historical backfill never
// touches it.
package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veiloq/candle-downloader/pkg/logging"
)

// MessageHandler is a callback for raw incoming WebSocket messages.
type MessageHandler func(message []byte)

// Config holds WebSocket connection configuration.
type Config struct {
	URL               string
	HandshakeTimeout  time.Duration
	ReconnectInterval time.Duration
	MaxRetries        int
	Logger            logging.Logger
}

// Connector is a reconnecting WebSocket client. Binance-style raw streams
// carry a single topic per connection, so every subscribed handler receives
// every message; handlers filter by content.
type Connector struct {
	config Config
	logger logging.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	handlers  map[string]MessageHandler
	connected bool
	done      chan struct{}

	writeMu sync.Mutex
}

// NewConnector creates a connector for the given configuration.
func NewConnector(config Config) *Connector {
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if config.ReconnectInterval == 0 {
		config.ReconnectInterval = 5 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Connector{
		config:   config,
		logger:   logger,
		handlers: make(map[string]MessageHandler),
	}
}

// Connect establishes the WebSocket connection and starts the read loop.
// Dial failures are retried up to MaxRetries with ReconnectInterval between
// attempts.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.conn = conn
	c.connected = true
	c.done = make(chan struct{})

	go c.readPump(ctx)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()

	c.logger.Info("websocket connected", logging.String("url", c.config.URL))
	return nil
}

// dial attempts the WebSocket handshake with bounded retries.
func (c *Connector) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.config.HandshakeTimeout}

	var lastErr error
	for attempt := 1; attempt <= c.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn, _, err := dialer.DialContext(ctx, c.config.URL, nil)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		c.logger.Warn("websocket dial failed",
			logging.Int("attempt", attempt),
			logging.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.config.ReconnectInterval):
		}
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// readPump reads messages and dispatches them to the subscribed handlers,
// redialing when the connection drops.
func (c *Connector) readPump(ctx context.Context) {
	for {
		c.mu.Lock()
		conn := c.conn
		closed := !c.connected
		c.mu.Unlock()
		if closed || conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if !c.IsConnected() || ctx.Err() != nil {
				return
			}
			c.logger.Warn("websocket read failed, reconnecting", logging.Error(err))
			newConn, dialErr := c.dial(ctx)
			if dialErr != nil {
				c.logger.Error("websocket reconnect failed", logging.Error(dialErr))
				c.Close()
				return
			}
			c.mu.Lock()
			c.conn = newConn
			c.mu.Unlock()
			continue
		}

		c.mu.Lock()
		handlers := make([]MessageHandler, 0, len(c.handlers))
		for _, h := range c.handlers {
			handlers = append(handlers, h)
		}
		c.mu.Unlock()
		for _, handler := range handlers {
			handler(message)
		}
	}
}

// Subscribe registers a handler for the given topic. The topic only
// identifies the handler; every message on the connection is delivered to
// every handler.
func (c *Connector) Subscribe(topic string, handler MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.handlers[topic]; exists {
		return fmt.Errorf("already subscribed to topic %q", topic)
	}
	c.handlers[topic] = handler
	return nil
}

// Unsubscribe removes the handler for the given topic.
func (c *Connector) Unsubscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.handlers[topic]; !exists {
		return fmt.Errorf("no subscription for topic %q", topic)
	}
	delete(c.handlers, topic)
	return nil
}

// Send writes a JSON message to the connection.
func (c *Connector) Send(message interface{}) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return fmt.Errorf("websocket not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(message)
}

// Close cleanly terminates the connection.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	close(c.done)

	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	err := c.conn.Close()
	c.conn = nil
	return err
}

// IsConnected returns the current connection status.
func (c *Connector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
