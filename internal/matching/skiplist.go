package matching

import (
	"time"

	"github.com/mossy-p/webrtc-roulette/internal/reactor"
)

// SkipList blocks re-pairing with recently skipped peers for a fixed
// cooldown. Entries are reaped by a timer and on lookup, so an entry can
// never outlive its cooldown. Reactor-only.
type SkipList struct {
	r        *reactor.Reactor
	cooldown time.Duration
	entries  map[string]skipRecord
}

type skipRecord struct {
	expiresAt time.Time
	reaper    *reactor.Timer
}

func NewSkipList(r *reactor.Reactor, cooldown time.Duration) *SkipList {
	return &SkipList{r: r, cooldown: cooldown, entries: make(map[string]skipRecord)}
}

// Add starts (or restarts) the cooldown for peerID.
func (s *SkipList) Add(peerID string) {
	if old, ok := s.entries[peerID]; ok {
		old.reaper.Stop()
	}
	expiresAt := s.r.Now().Add(s.cooldown)
	s.entries[peerID] = skipRecord{
		expiresAt: expiresAt,
		reaper: s.r.AfterFunc(s.cooldown, func() {
			if rec, ok := s.entries[peerID]; ok && !rec.expiresAt.After(s.r.Now()) {
				delete(s.entries, peerID)
			}
		}),
	}
}

// Contains reports whether peerID is still cooling down.
func (s *SkipList) Contains(peerID string) bool {
	rec, ok := s.entries[peerID]
	if !ok {
		return false
	}
	if !s.r.Now().Before(rec.expiresAt) {
		rec.reaper.Stop()
		delete(s.entries, peerID)
		return false
	}
	return true
}

// ExpiresAt returns when peerID becomes eligible again.
func (s *SkipList) ExpiresAt(peerID string) (time.Time, bool) {
	rec, ok := s.entries[peerID]
	return rec.expiresAt, ok
}

func (s *SkipList) Len() int { return len(s.entries) }

// Clear drops every entry, widening the pool for the next search.
func (s *SkipList) Clear() {
	for id, rec := range s.entries {
		rec.reaper.Stop()
		delete(s.entries, id)
	}
}
