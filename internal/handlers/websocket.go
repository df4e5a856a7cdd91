package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mossy-p/webrtc-roulette/config"
	"github.com/mossy-p/webrtc-roulette/internal/metrics"
	"github.com/mossy-p/webrtc-roulette/internal/middleware"
	"github.com/mossy-p/webrtc-roulette/internal/models"
	"github.com/mossy-p/webrtc-roulette/internal/moderation"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
	storeTimeout   = 3 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// LobbyStore answers moderation lookups and tracks lobby membership.
// *moderation.RedisStore implements it.
type LobbyStore interface {
	Status(ctx context.Context, userID string) (models.ModerationStatus, error)
	JoinLobby(ctx context.Context, clientID string) error
	LeaveLobby(ctx context.Context, clientID string) error
}

// Lobby is the single signaling room every client joins. It forwards
// frames verbatim: broadcasts go to everyone but the sender, frames with
// a "to" go to that member only.
type Lobby struct {
	secret  string
	store   LobbyStore
	metrics *metrics.Relay
	limit   config.RateLimitConfig
	log     *zap.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// Client is one connected lobby member.
type Client struct {
	ID      string
	Conn    *websocket.Conn
	Send    chan []byte
	limiter *rate.Limiter
}

func NewLobby(secret string, store LobbyStore, m *metrics.Relay, limit config.RateLimitConfig, log *zap.Logger) *Lobby {
	return &Lobby{
		secret:  secret,
		store:   store,
		metrics: m,
		limit:   limit,
		log:     log,
		clients: make(map[string]*Client),
	}
}

// Size is the number of connected members.
func (l *Lobby) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.clients)
}

// HandleSignaling authenticates ?token=, refuses banned or quarantined
// clients, and upgrades to the lobby WebSocket.
func (l *Lobby) HandleSignaling(c *gin.Context) {
	claims, err := middleware.ParseToken(l.secret, c.Query("token"))
	if err != nil {
		l.metrics.Rejected.WithLabelValues("unauthorized").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return
	}
	clientID := claims.ClientID

	ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
	st, err := l.store.Status(ctx, clientID)
	cancel()
	if err != nil {
		l.log.Error("moderation lookup failed", zap.String("client", clientID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Moderation status unavailable"})
		return
	}
	if err := moderation.Evaluate(st, time.Now()); err != nil {
		l.metrics.Rejected.WithLabelValues("moderation").Inc()
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}

	l.mu.RLock()
	_, taken := l.clients[clientID]
	l.mu.RUnlock()
	if taken {
		l.metrics.Rejected.WithLabelValues("duplicate").Inc()
		c.JSON(http.StatusConflict, gin.H{"error": "Client already connected"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		l.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		ID:      clientID,
		Conn:    conn,
		Send:    make(chan []byte, sendBuffer),
		limiter: l.newLimiter(),
	}
	if !l.add(client) {
		l.metrics.Rejected.WithLabelValues("duplicate").Inc()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "client already connected"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	l.presence("join lobby", func(ctx context.Context) error { return l.store.JoinLobby(ctx, clientID) })
	l.log.Info("client joined lobby", zap.String("client", clientID), zap.Int("members", l.Size()))

	go client.writePump(l.log)
	go l.readPump(client)
}

// newLimiter returns an unlimited limiter when no rate is configured.
func (l *Lobby) newLimiter() *rate.Limiter {
	if l.limit.PerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(l.limit.PerSecond), max(l.limit.Burst, 1))
}

func (l *Lobby) add(client *Client) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.clients[client.ID]; ok {
		return false
	}
	l.clients[client.ID] = client
	l.metrics.Clients.Inc()
	return true
}

func (l *Lobby) remove(client *Client) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.clients[client.ID] == client {
		delete(l.clients, client.ID)
		close(client.Send)
		l.metrics.Clients.Dec()
	}
}

func (l *Lobby) presence(what string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		l.log.Warn(what+" failed", zap.Error(err))
	}
}

func (l *Lobby) broadcast(data []byte, exclude string, typ models.SignalType) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for id, client := range l.clients {
		if id == exclude {
			continue
		}
		l.deliver(client, data, typ, "broadcast")
	}
}

func (l *Lobby) sendTo(target string, data []byte, typ models.SignalType) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	client, ok := l.clients[target]
	if !ok {
		l.metrics.Dropped.WithLabelValues("unknown-peer").Inc()
		l.log.Debug("target not in lobby", zap.String("to", target), zap.String("type", string(typ)))
		return
	}
	l.deliver(client, data, typ, "direct")
}

// deliver must be called with l.mu held.
func (l *Lobby) deliver(client *Client, data []byte, typ models.SignalType, mode string) {
	select {
	case client.Send <- data:
		l.metrics.Routed.WithLabelValues(string(typ), mode).Inc()
	default:
		l.metrics.Dropped.WithLabelValues("buffer-full").Inc()
		l.log.Warn("client send buffer full", zap.String("client", client.ID))
	}
}

// route validates one inbound frame from client and forwards it.
func (l *Lobby) route(client *Client, raw []byte) {
	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		l.metrics.Rejected.WithLabelValues("malformed").Inc()
		l.log.Debug("unparseable frame", zap.String("client", client.ID), zap.Error(err))
		return
	}
	if _, err := env.Message(); err != nil {
		reason := "malformed"
		if errors.Is(err, models.ErrUnknownType) {
			reason = "unknown-type"
		}
		l.metrics.Rejected.WithLabelValues(reason).Inc()
		l.log.Debug("invalid frame", zap.String("client", client.ID), zap.Error(err))
		return
	}
	if sender, err := models.SenderOf(env.Data); err != nil || sender != client.ID {
		l.metrics.Rejected.WithLabelValues("spoofed-sender").Inc()
		l.log.Warn("sender id mismatch", zap.String("client", client.ID), zap.String("claimed", sender))
		return
	}
	if !client.limiter.Allow() {
		l.metrics.Rejected.WithLabelValues("rate-limited").Inc()
		return
	}

	if env.To == "" {
		l.broadcast(raw, client.ID, env.Type)
		return
	}
	l.sendTo(env.To, raw, env.Type)
}

func (l *Lobby) readPump(client *Client) {
	defer func() {
		l.remove(client)
		client.Conn.Close()
		l.presence("leave lobby", func(ctx context.Context) error { return l.store.LeaveLobby(ctx, client.ID) })

		// Searchers still waiting on this client can stop waiting.
		leave := &models.CancelSearch{}
		leave.SetFrom(client.ID)
		if data, err := models.Encode(leave, ""); err == nil {
			l.broadcast(data, client.ID, leave.Type())
		}
		l.log.Info("client left lobby", zap.String("client", client.ID))
	}()

	client.Conn.SetReadLimit(maxMessageSize)
	client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.log.Warn("websocket error", zap.String("client", client.ID), zap.Error(err))
			}
			return
		}
		l.route(client, message)
	}
}

func (c *Client) writePump(log *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug("write failed", zap.String("client", c.ID), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
