// Package relay implements the signaling relay hub: a process that accepts
// long-lived websocket connections keyed by participant identifier and
// forwards envelopes to the connection registered for the target identifier.
// The hub never inspects or rewrites an envelope's payload.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"callnet/internal/core/domain"
)

// Config controls hub connection handling.
type Config struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration

	// MessagesPerSecond > 0 enables per-connection envelope rate limiting.
	// Envelopes over the limit are dropped silently, like any other
	// undeliverable envelope.
	MessagesPerSecond float64
	Burst             int
}

// Hub owns the routing table. It is created at process start and cleared by
// Close; there is no package-level connection state.
type Hub struct {
	cfg      Config
	logger   *zap.SugaredLogger
	metrics  *Metrics
	upgrader websocket.Upgrader
	tracer   trace.Tracer

	mu     sync.RWMutex
	table  map[domain.ParticipantID]*client
	closed bool
}

// client is one registered connection. Writes are serialized because gorilla
// allows a single concurrent writer.
type client struct {
	id   domain.ParticipantID
	conn *websocket.Conn

	writeMu sync.Mutex
}

func (c *client) send(deadline time.Duration, messageType int, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(deadline))
	}
	return c.conn.WriteMessage(messageType, payload)
}

// NewHub creates a hub with an empty routing table.
func NewHub(cfg Config, logger *zap.SugaredLogger, metrics *Metrics) *Hub {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // origin policy belongs to the fronting proxy
			},
		},
		tracer: otel.Tracer("callnet/relay"),
		table:  make(map[domain.ParticipantID]*client),
	}
}

// Register mounts the hub's routes on the given router.
func (h *Hub) Register(r *gin.Engine) {
	r.GET("/ws", h.HandleWebSocket)
	r.GET("/health", h.HealthCheck)
	r.GET("/stats", h.Stats)
}

// HandleWebSocket upgrades the request and serves the connection until it
// closes. A connection without a userId is accepted but never registered, so
// it can send envelopes yet never be a target.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	id := domain.ParticipantID(c.Query("userId"))
	cl := &client{id: id, conn: conn}

	if id != "" {
		if !h.register(cl) {
			return // hub shut down
		}
		defer h.unregister(cl)
		h.logger.Infow("user connected", "user_id", id)
		h.greet(cl)
	} else {
		h.logger.Warnw("connection without userId accepted but unroutable",
			"remote_addr", c.Request.RemoteAddr)
	}

	h.serve(cl)

	if id != "" {
		h.logger.Infow("user disconnected", "user_id", id)
	}
}

// register installs the client in the routing table. A later registration
// under the same identifier supersedes an earlier one; the displaced
// connection is not notified and is simply left unroutable.
func (h *Hub) register(cl *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if _, superseded := h.table[cl.id]; superseded {
		h.logger.Infow("registration superseded", "user_id", cl.id)
	}
	h.table[cl.id] = cl
	h.metrics.connected.Set(float64(len(h.table)))
	return true
}

// unregister removes the entry only if this connection is still the one
// registered, so a close racing a supersession cannot evict the newer
// registration.
func (h *Hub) unregister(cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.table[cl.id]; ok && cur == cl {
		delete(h.table, cl.id)
	}
	h.metrics.connected.Set(float64(len(h.table)))
}

func (h *Hub) greet(cl *client) {
	greeting, _ := json.Marshal(domain.Envelope{
		Kind:    domain.KindConnected,
		Message: "registered with signaling relay",
	})
	if err := cl.send(h.cfg.WriteTimeout, websocket.TextMessage, greeting); err != nil {
		h.logger.Debugw("greeting send failed", "user_id", cl.id, "error", err)
	}
}

// serve runs the read loop, interleaved with keepalive pings, until the
// connection errors or closes.
func (h *Hub) serve(cl *client) {
	conn := cl.conn
	conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
		return nil
	})

	var limiter *rate.Limiter
	if h.cfg.MessagesPerSecond > 0 {
		burst := h.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(h.cfg.MessagesPerSecond), burst)
	}

	type inbound struct {
		payload []byte
		err     error
	}
	messages := make(chan inbound, 10)
	go func() {
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				messages <- inbound{err: err}
				return
			}
			conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
			messages <- inbound{payload: payload}
		}
	}()

	ping := time.NewTicker(h.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case msg := <-messages:
			if msg.err != nil {
				if websocket.IsUnexpectedCloseError(msg.err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debugw("read error", "user_id", cl.id, "error", msg.err)
				}
				return
			}
			if limiter != nil && !limiter.Allow() {
				h.drop("rate-limited")
				continue
			}
			h.route(cl.id, msg.payload)

		case <-ping.C:
			if err := cl.send(h.cfg.WriteTimeout, websocket.PingMessage, nil); err != nil {
				h.logger.Debugw("ping failed", "user_id", cl.id, "error", err)
				return
			}
		}
	}
}

// route parses just enough of the raw message to find the target, then
// forwards the original bytes verbatim. Undeliverable envelopes are dropped
// without any notice to the sender; the hub has fire-and-forget semantics.
func (h *Hub) route(from domain.ParticipantID, raw []byte) {
	_, span := h.tracer.Start(context.Background(), "relay.route",
		trace.WithAttributes(attribute.String("from", string(from))))
	defer span.End()
	start := time.Now()

	var env domain.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.logger.Warnw("malformed envelope dropped", "from", from, "error", err)
		h.drop("malformed")
		return
	}
	if !env.Kind.Routable() {
		h.logger.Infow("unknown envelope type dropped", "from", from, "type", env.Kind)
		h.drop("unknown-type")
		return
	}
	span.SetAttributes(
		attribute.String("type", string(env.Kind)),
		attribute.String("target", string(env.Target)),
	)

	h.mu.RLock()
	target, ok := h.table[env.Target]
	h.mu.RUnlock()
	if !ok {
		h.logger.Debugw("no route for envelope", "from", from, "target", env.Target, "type", env.Kind)
		h.drop("no-target")
		return
	}

	if err := target.send(h.cfg.WriteTimeout, websocket.TextMessage, raw); err != nil {
		h.logger.Infow("forward failed", "from", from, "target", env.Target, "error", err)
		h.drop("write-failed")
		return
	}
	h.metrics.forwarded.Inc()
	h.metrics.forwardSeconds.Observe(time.Since(start).Seconds())
}

func (h *Hub) drop(reason string) {
	h.metrics.dropped.WithLabelValues(reason).Inc()
}

// ConnectedParticipants returns the identifiers currently registered.
func (h *Hub) ConnectedParticipants() []domain.ParticipantID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]domain.ParticipantID, 0, len(h.table))
	for id := range h.table {
		ids = append(ids, id)
	}
	return ids
}

// IsConnected reports whether an identifier is currently routable.
func (h *Hub) IsConnected(id domain.ParticipantID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.table[id]
	return ok
}

// HealthCheck reports process liveness and the routing table size.
func (h *Hub) HealthCheck(c *gin.Context) {
	h.mu.RLock()
	connections := len(h.table)
	h.mu.RUnlock()
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": connections,
	})
}

// Stats lists registered participants. Diagnostic surface only.
func (h *Hub) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"participants": h.ConnectedParticipants(),
	})
}

// Close clears the routing table and closes every registered connection.
// New registrations are refused afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, cl := range h.table {
		cl.conn.Close()
	}
	h.table = make(map[domain.ParticipantID]*client)
	h.metrics.connected.Set(0)
}
