// Package transport adapts the signaling relay into typed broadcast and
// direct-addressed delivery of models.Message values.
package transport

import (
	"errors"
	"sync"

	"github.com/mossy-p/webrtc-roulette/internal/models"
)

var (
	ErrClosed        = errors.New("relay connection closed")
	ErrBufferFull    = errors.New("relay send buffer full")
	ErrUnknownPeer   = errors.New("unknown peer")
	ErrMissingTarget = errors.New("direct send requires a peer id")
)

// Handler receives every message addressed to this client. Handlers run
// on the transport's goroutine and must not block.
type Handler func(msg models.Message)

// Relay is the signaling transport the session components talk to.
// Sends never block: they enqueue and return.
type Relay interface {
	ClientID() string
	SendBroadcast(msg models.Message) error
	SendDirect(peerID string, msg models.Message) error
	OnMessage(h Handler) (unsubscribe func())
	// OnClose is called once when the relay connection is gone.
	OnClose(h func(err error)) (unsubscribe func())
	Close() error
}

// handlerSet is a copy-on-dispatch registry shared by the implementations.
type handlerSet[T any] struct {
	mu     sync.Mutex
	nextID int
	items  map[int]T
}

func (s *handlerSet[T]) add(h T) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.items == nil {
		s.items = make(map[int]T)
	}
	id := s.nextID
	s.nextID++
	s.items[id] = h
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.items, id)
	}
}

func (s *handlerSet[T]) snapshot() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]T, 0, len(s.items))
	for _, h := range s.items {
		out = append(out, h)
	}
	return out
}
