// Package ws serves the WebSocket channel used by dashboards (human mode)
// and the browser extension (extension mode).
package ws

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-relay/internal/auth"
	"github.com/JakeFAU/scrape-relay/internal/metrics"
	"github.com/JakeFAU/scrape-relay/internal/notify"
	"github.com/JakeFAU/scrape-relay/internal/policy/ratelimit"
	"github.com/JakeFAU/scrape-relay/internal/scrape"
)

// Connection modes.
const (
	ModeHuman     = "human"
	ModeExtension = "extension"
)

// Message types exchanged over the socket.
const (
	TypeConnected    = "connected"
	TypeSubscribe    = "subscribe"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribe  = "unsubscribe"
	TypeUnsubscribed = "unsubscribed"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeStats        = "stats"
	TypeError        = "error"
)

// Registry is the part of the notification fabric the socket layer drives.
type Registry interface {
	RegisterHuman(ownerID string, conn notify.Conn)
	UnregisterHuman(ownerID string, conn notify.Conn)
	RegisterExtension(ownerID string, conn notify.Conn)
	UnregisterExtension(ownerID string, conn notify.Conn)
	Subscribe(ownerID, taskID string)
	Unsubscribe(ownerID, taskID string)
	Stats() notify.Stats
}

// Config tunes connection keepalive and inbound throttling.
type Config struct {
	WriteTimeout    time.Duration
	PongWait        time.Duration
	MaxMessageBytes int64
	// MessageRate is the sustained inbound messages per second per connection.
	MessageRate  float64
	MessageBurst int
	// AllowedOrigins restricts browser origins; empty allows any.
	AllowedOrigins []string
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 << 10
	}
	return c
}

type inboundMessage struct {
	Type   string `json:"type"`
	TaskID string `json:"taskId,omitempty"`
}

type connectedMessage struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	Mode   string `json:"mode,omitempty"`
}

type subscriptionMessage struct {
	Type   string `json:"type"`
	TaskID string `json:"taskId"`
}

type typeOnlyMessage struct {
	Type string `json:"type"`
}

type statsMessage struct {
	Type  string       `json:"type"`
	Stats notify.Stats `json:"stats"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Handler upgrades requests and runs one read loop per connection.
type Handler struct {
	registry Registry
	cfg      Config
	limiter  *ratelimit.Limiter
	upgrader websocket.Upgrader
	logger   *zap.Logger
	nextID   atomic.Uint64
}

// NewHandler builds a Handler. The owner is read from the request context
// (see auth.RequireOwner).
func NewHandler(registry Registry, cfg Config, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	h := &Handler{
		registry: registry,
		cfg:      cfg,
		limiter:  ratelimit.New(ratelimit.Config{DefaultRPS: cfg.MessageRate, DefaultBurst: cfg.MessageBurst}),
		logger:   logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the connection and blocks until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.OwnerFromContext(r.Context())
	if ownerID == "" {
		http.Error(w, "missing user id", http.StatusUnauthorized)
		return
	}
	mode := ModeHuman
	if r.URL.Query().Get("mode") == ModeExtension {
		mode = ModeExtension
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		conn:         conn,
		ownerID:      ownerID,
		mode:         mode,
		key:          strconv.FormatUint(h.nextID.Add(1), 10),
		writeTimeout: h.cfg.WriteTimeout,
		subs:         make(map[string]struct{}),
	}
	logger := h.logger.With(zap.String("owner_id", ownerID), zap.String("mode", mode), zap.String("conn", c.key))

	h.register(c)
	metrics.IncConnections(mode)
	logger.Info("websocket connected")
	defer func() {
		h.unregister(c)
		metrics.DecConnections(mode)
		_ = conn.Close()
		logger.Info("websocket disconnected")
	}()

	hello := connectedMessage{Type: TypeConnected, UserID: ownerID}
	if mode == ModeExtension {
		hello.Mode = ModeExtension
	}
	if err := c.Send(hello); err != nil {
		logger.Warn("failed to send connected message", zap.Error(err))
		return
	}

	stop := make(chan struct{})
	defer close(stop)
	go h.keepalive(c, stop, logger)

	conn.SetReadLimit(h.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
		if err := h.handleMessage(c, data); err != nil {
			logger.Debug("websocket write failed", zap.Error(err))
			return
		}
	}
}

func (h *Handler) register(c *client) {
	if c.mode == ModeExtension {
		h.registry.RegisterExtension(c.ownerID, c)
		return
	}
	h.registry.RegisterHuman(c.ownerID, c)
}

func (h *Handler) unregister(c *client) {
	if c.mode == ModeExtension {
		h.registry.UnregisterExtension(c.ownerID, c)
	} else {
		h.registry.UnregisterHuman(c.ownerID, c)
	}
	for _, taskID := range c.drain() {
		h.registry.Unsubscribe(c.ownerID, taskID)
	}
	h.limiter.Forget(c.key)
}

// handleMessage answers one client message. Only write failures are returned.
func (h *Handler) handleMessage(c *client, data []byte) error {
	if !h.limiter.Allow(c.key) {
		return c.Send(errorMessage{Type: TypeError, Message: "rate limit exceeded"})
	}
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return c.Send(errorMessage{Type: TypeError, Message: "invalid message"})
	}

	switch msg.Type {
	case TypeSubscribe:
		if msg.TaskID == "" {
			return c.Send(errorMessage{Type: TypeError, Message: "taskId is required"})
		}
		if c.track(msg.TaskID) {
			h.registry.Subscribe(c.ownerID, msg.TaskID)
		}
		return c.Send(subscriptionMessage{Type: TypeSubscribed, TaskID: msg.TaskID})
	case TypeUnsubscribe:
		if msg.TaskID == "" {
			return c.Send(errorMessage{Type: TypeError, Message: "taskId is required"})
		}
		if c.untrack(msg.TaskID) {
			h.registry.Unsubscribe(c.ownerID, msg.TaskID)
		}
		return c.Send(subscriptionMessage{Type: TypeUnsubscribed, TaskID: msg.TaskID})
	case TypePing:
		return c.Send(typeOnlyMessage{Type: TypePong})
	case TypeStats:
		return c.Send(statsMessage{Type: TypeStats, Stats: h.registry.Stats()})
	default:
		return c.Send(errorMessage{Type: TypeError, Message: "unknown message type"})
	}
}

// keepalive pings the client until stop closes or a ping fails.
func (h *Handler) keepalive(c *client, stop <-chan struct{}, logger *zap.Logger) {
	ticker := time.NewTicker(h.cfg.PongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				logger.Debug("websocket ping failed", zap.Error(err))
				return
			}
		}
	}
}

// client is one live socket. Writes are serialized; gorilla connections
// support one concurrent writer.
type client struct {
	conn         *websocket.Conn
	ownerID      string
	mode         string
	key          string
	writeTimeout time.Duration

	writeMu sync.Mutex

	subMu sync.Mutex
	subs  map[string]struct{}
}

// Send writes msg as JSON. Terminal task updates end this connection's
// subscription to the task, mirroring the fabric.
func (c *client) Send(msg any) error {
	if event, ok := msg.(scrape.TaskEvent); ok && event.Status.IsTerminal() {
		c.untrack(event.TaskID)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *client) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *client) track(taskID string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if _, ok := c.subs[taskID]; ok {
		return false
	}
	c.subs[taskID] = struct{}{}
	return true
}

func (c *client) untrack(taskID string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if _, ok := c.subs[taskID]; !ok {
		return false
	}
	delete(c.subs, taskID)
	return true
}

func (c *client) drain() []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	out := make([]string, 0, len(c.subs))
	for taskID := range c.subs {
		out = append(out, taskID)
	}
	c.subs = make(map[string]struct{})
	return out
}
