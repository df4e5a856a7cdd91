package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-roulette/internal/models"
)

// Compile-time interface check.
var _ Relay = (*WSRelay)(nil)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// WSRelay talks to the lobby served by cmd/signaling.
type WSRelay struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	log  *zap.Logger

	handlers handlerSet[Handler]
	closers  handlerSet[func(error)]

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Dial connects to the lobby at baseURL (http or ws scheme) with the token
// issued by Login. clientID must be the id that token was issued for.
func Dial(ctx context.Context, baseURL, token, clientID string, log *zap.Logger) (*WSRelay, error) {
	wsURL, err := SignalURL(baseURL, token)
	if err != nil {
		return nil, err
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	r := &WSRelay{
		id:   clientID,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		log:  log,
		done: make(chan struct{}),
	}
	go r.writePump()
	go r.readPump()
	return r, nil
}

// SignalURL turns the relay base URL into the lobby WebSocket URL.
func SignalURL(baseURL, token string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/signal"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (r *WSRelay) ClientID() string { return r.id }

func (r *WSRelay) SendBroadcast(msg models.Message) error {
	return r.enqueue("", msg)
}

func (r *WSRelay) SendDirect(peerID string, msg models.Message) error {
	if peerID == "" {
		return ErrMissingTarget
	}
	return r.enqueue(peerID, msg)
}

func (r *WSRelay) OnMessage(h Handler) func() { return r.handlers.add(h) }

func (r *WSRelay) OnClose(h func(error)) func() { return r.closers.add(h) }

func (r *WSRelay) enqueue(to string, msg models.Message) error {
	msg.SetFrom(r.id)
	data, err := models.Encode(msg, to)
	if err != nil {
		return err
	}
	select {
	case <-r.done:
		return ErrClosed
	default:
	}
	select {
	case r.send <- data:
		return nil
	default:
		r.log.Warn("relay send buffer full", zap.String("type", string(msg.Type())))
		return ErrBufferFull
	}
}

// Close shuts the connection down; OnClose handlers see a nil error.
func (r *WSRelay) Close() error {
	r.shutdown(nil)
	return nil
}

func (r *WSRelay) shutdown(err error) {
	r.closeOnce.Do(func() {
		r.errMu.Lock()
		r.err = err
		r.errMu.Unlock()
		close(r.done)
		for _, h := range r.closers.snapshot() {
			h(err)
		}
	})
}

func (r *WSRelay) readPump() {
	defer r.conn.Close()

	r.conn.SetReadLimit(maxMessageSize)
	r.conn.SetReadDeadline(time.Now().Add(pongWait))
	r.conn.SetPongHandler(func(string) error {
		r.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := r.conn.ReadMessage()
		if err != nil {
			select {
			case <-r.done:
				return
			default:
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.log.Warn("relay read failed", zap.Error(err))
			}
			r.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}

		_, msg, err := models.Decode(message)
		if err != nil {
			r.log.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		for _, h := range r.handlers.snapshot() {
			h(msg)
		}
	}
}

func (r *WSRelay) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		r.conn.Close()
	}()

	for {
		select {
		case message := <-r.send:
			r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := r.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				r.log.Warn("relay write failed", zap.Error(err))
				r.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
				return
			}

		case <-ticker.C:
			r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := r.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				r.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
				return
			}

		case <-r.done:
			r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = r.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Login asks the relay for an anonymous identity.
func Login(ctx context.Context, client *http.Client, baseURL string) (models.LoginResponse, error) {
	var out models.LoginResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(baseURL, "/")+"/api/auth/login", nil)
	if err != nil {
		return out, err
	}
	if err := DoJSON(client, req, &out); err != nil {
		return out, fmt.Errorf("login: %w", err)
	}
	return out, nil
}
