package transport

import (
	"sync"

	"github.com/mossy-p/webrtc-roulette/internal/models"
)

// Compile-time interface check.
var _ Relay = (*MemoryRelay)(nil)

// MemoryHub is an in-process relay. Every delivery goes through the wire
// encoding, so receivers never share payloads with senders.
//
// By default frames are delivered synchronously in send order. In manual
// mode they are queued until Deliver is called, which lets tests choose
// any arrival interleaving.
type MemoryHub struct {
	mu      sync.Mutex
	members map[string]*MemoryRelay
	manual  bool
	pending []delivery
	filter  func(from, to string, msg models.Message) bool
}

type delivery struct {
	to  string
	raw []byte
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{members: make(map[string]*MemoryRelay)}
}

// SetManual switches between synchronous and queued delivery
func (h *MemoryHub) SetManual(manual bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.manual = manual
}

// SetFilter installs a predicate; frames it rejects are silently lost.
func (h *MemoryHub) SetFilter(f func(from, to string, msg models.Message) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.filter = f
}

// Join registers a member with the given client id.
func (h *MemoryHub) Join(id string) *MemoryRelay {
	r := &MemoryRelay{hub: h, id: id}
	h.mu.Lock()
	h.members[id] = r
	h.mu.Unlock()
	return r
}

// Pending returns the number of queued frames in manual mode.
func (h *MemoryHub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Deliver hands over the queued frame chosen by pick (an index into the
// pending list). It returns false when nothing is pending.
func (h *MemoryHub) Deliver(pick func(n int) int) bool {
	h.mu.Lock()
	if len(h.pending) == 0 {
		h.mu.Unlock()
		return false
	}
	i := pick(len(h.pending))
	d := h.pending[i]
	h.pending = append(h.pending[:i], h.pending[i+1:]...)
	target := h.members[d.to]
	h.mu.Unlock()

	if target != nil {
		target.receive(d.raw)
	}
	return true
}

func (h *MemoryHub) route(from *MemoryRelay, to string, msg models.Message) error {
	msg.SetFrom(from.id)
	raw, err := models.Encode(msg, to)
	if err != nil {
		return err
	}

	h.mu.Lock()
	var targets []string
	if to == "" {
		for id := range h.members {
			if id != from.id {
				targets = append(targets, id)
			}
		}
	} else {
		if _, ok := h.members[to]; !ok {
			h.mu.Unlock()
			return ErrUnknownPeer
		}
		targets = []string{to}
	}

	var now []*MemoryRelay
	for _, id := range targets {
		if h.filter != nil && !h.filter(from.id, id, msg) {
			continue
		}
		if h.manual {
			h.pending = append(h.pending, delivery{to: id, raw: raw})
		} else {
			now = append(now, h.members[id])
		}
	}
	h.mu.Unlock()

	for _, r := range now {
		r.receive(raw)
	}
	return nil
}

func (h *MemoryHub) leave(r *MemoryRelay) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.members[r.id] == r {
		delete(h.members, r.id)
	}
}

// MemoryRelay is one member of a MemoryHub.
type MemoryRelay struct {
	hub      *MemoryHub
	id       string
	handlers handlerSet[Handler]
	closers  handlerSet[func(error)]

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

func (r *MemoryRelay) ClientID() string { return r.id }

func (r *MemoryRelay) SendBroadcast(msg models.Message) error {
	if r.isClosed() {
		return ErrClosed
	}
	return r.hub.route(r, "", msg)
}

func (r *MemoryRelay) SendDirect(peerID string, msg models.Message) error {
	if r.isClosed() {
		return ErrClosed
	}
	if peerID == "" {
		return ErrMissingTarget
	}
	return r.hub.route(r, peerID, msg)
}

func (r *MemoryRelay) OnMessage(h Handler) func() { return r.handlers.add(h) }

func (r *MemoryRelay) OnClose(h func(error)) func() { return r.closers.add(h) }

// Close leaves the hub and notifies OnClose handlers with a nil error.
func (r *MemoryRelay) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		r.hub.leave(r)
		for _, h := range r.closers.snapshot() {
			h(nil)
		}
	})
	return nil
}

func (r *MemoryRelay) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *MemoryRelay) receive(raw []byte) {
	if r.isClosed() {
		return
	}
	_, msg, err := models.Decode(raw)
	if err != nil {
		return
	}
	for _, h := range r.handlers.snapshot() {
		h(msg)
	}
}
