// Package signaling provides the client side of the relay protocol: a
// websocket channel registered under a participant identifier, and a
// supervisor that transparently redials the channel after unexpected closes.
package signaling

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"callnet/internal/core/domain"
)

// Channel is one open signaling connection. Envelopes are delivered to the
// bound handler in arrival order by a single read loop.
type Channel struct {
	logger *zap.SugaredLogger
	conn   *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	handler func(domain.Envelope)
	onClose func(error)
	closed  bool
}

// Dial opens a channel to the relay at baseURL, registering under id via the
// userId query parameter. The read loop does not start until Listen is
// called, so the caller can bind a handler first.
func Dial(ctx context.Context, baseURL string, id domain.ParticipantID, logger *zap.SugaredLogger) (*Channel, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid signaling url %q: %w", baseURL, err)
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("userId", string(id))
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling relay: %w", err)
	}
	return &Channel{logger: logger, conn: conn}, nil
}

// Bind installs the inbound envelope handler.
func (c *Channel) Bind(h func(domain.Envelope)) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// OnClose installs a callback fired when the connection closes without Close
// having been called. Close detaches it, so intentional teardown never
// triggers reconnect logic.
func (c *Channel) OnClose(fn func(error)) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// Listen starts the read loop.
func (c *Channel) Listen() {
	go c.readLoop()
}

func (c *Channel) readLoop() {
	for {
		var env domain.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.mu.Lock()
			closed := c.closed
			onClose := c.onClose
			c.mu.Unlock()
			if !closed && onClose != nil {
				onClose(err)
			}
			return
		}

		// The relay greeting and any future server-side kinds are not part
		// of the session protocol.
		if !env.Kind.Routable() {
			c.logger.Debugw("ignoring non-session envelope", "type", env.Kind)
			continue
		}

		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler != nil {
			handler(env)
		}
	}
}

// Send writes one envelope. Safe for concurrent use.
func (c *Channel) Send(env domain.Envelope) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrChannelClosed
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("send %s envelope: %w", env.Kind, err)
	}
	return nil
}

// Close detaches the close callback and closes the connection. Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.onClose = nil
	c.mu.Unlock()
	return c.conn.Close()
}
