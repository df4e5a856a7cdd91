package matching

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-roulette/internal/clock"
	"github.com/mossy-p/webrtc-roulette/internal/models"
	"github.com/mossy-p/webrtc-roulette/internal/reactor"
	"github.com/mossy-p/webrtc-roulette/internal/transport"
)

var testConfig = Config{SearchTimeout: 30 * time.Second, AcceptThreshold: 50}

type testClient struct {
	t           *testing.T
	id          string
	r           *reactor.Reactor
	relay       *transport.MemoryRelay
	engine      *Engine
	skips       *SkipList
	matches     []Match
	timeouts    int
	disconnects []*models.Disconnect
	sent        []models.Message
}

func newTestClient(t *testing.T, hub *transport.MemoryHub, clk clock.Clock, id string) *testClient {
	r := reactor.New(clk, zap.NewNop())
	go r.Run(context.Background())
	t.Cleanup(func() { _ = r.Close() })

	c := &testClient{t: t, id: id, r: r, relay: hub.Join(id)}
	c.skips = NewSkipList(r, 10*time.Second)
	c.engine = NewEngine(r, c.relay, c.skips, testConfig, zap.NewNop())
	c.engine.OnMatch = func(m Match) { c.matches = append(c.matches, m) }
	c.engine.OnTimeout = func() { c.timeouts++ }
	c.relay.OnMessage(func(msg models.Message) {
		_ = r.Post(func() {
			if d, ok := msg.(*models.Disconnect); ok {
				c.disconnects = append(c.disconnects, d)
			}
			c.engine.Handle(msg)
		})
	})
	return c
}

func (c *testClient) do(fn func()) {
	require.NoError(c.t, c.r.Do(context.Background(), fn))
}

// settle lets messages bounce between the reactors until they go quiet.
func settle(clients ...*testClient) {
	for i := 0; i < 12; i++ {
		for _, c := range clients {
			c.do(func() {})
		}
	}
}

var (
	prefsA = models.Preferences{Country: "US", Interests: []string{"x", "y"}}
	prefsB = models.Preferences{Country: "US", Interests: []string{"x", "z"}}
)

func TestEngineConcurrentSearchMatchesComplementaryRoles(t *testing.T) {
	hub := transport.NewMemoryHub()
	clk := clock.Fake(time.Unix(0, 0))
	a := newTestClient(t, hub, clk, "a")
	b := newTestClient(t, hub, clk, "b")

	a.do(func() { require.NoError(t, a.engine.StartSearch(prefsA)) })
	b.do(func() { require.NoError(t, b.engine.StartSearch(prefsB)) })
	settle(a, b)

	var ma, mb Match
	a.do(func() {
		require.Len(t, a.matches, 1)
		ma = a.matches[0]
		assert.Equal(t, StateMatched, a.engine.State())
	})
	b.do(func() {
		require.Len(t, b.matches, 1)
		mb = b.matches[0]
		assert.Equal(t, StateMatched, b.engine.State())
	})
	assert.Equal(t, "b", ma.Peer.ID)
	assert.Equal(t, "a", mb.Peer.ID)
	assert.NotEqual(t, ma.Role, mb.Role)
	assert.InDelta(t, 5.0/7.0*100, ma.Score, 1e-9)
	assert.Equal(t, prefsB.Interests, ma.Peer.Preferences.Interests)

	// Search timers are gone once matched.
	assert.Zero(t, clk.Pending())
}

func TestEngineRandomInterleavings(t *testing.T) {
	for seed := uint64(0); seed < 200; seed++ {
		t.Run(fmt.Sprint(seed), func(t *testing.T) {
			rnd := rand.New(rand.NewPCG(seed, seed*7+1))
			hub := transport.NewMemoryHub()
			hub.SetManual(true)
			clk := clock.Fake(time.Unix(0, 0))
			a := newTestClient(t, hub, clk, "a")
			b := newTestClient(t, hub, clk, "b")

			first, second := a, b
			if rnd.IntN(2) == 0 {
				first, second = b, a
			}
			first.do(func() { require.NoError(t, first.engine.StartSearch(prefsA)) })
			second.do(func() { require.NoError(t, second.engine.StartSearch(prefsB)) })

			for hub.Deliver(func(n int) int { return rnd.IntN(n) }) {
				settle(a, b)
			}

			var roles []models.Role
			for _, c := range []*testClient{a, b} {
				c.do(func() {
					require.Len(t, c.matches, 1, "client %s", c.id)
					roles = append(roles, c.matches[0].Role)
					assert.Empty(t, c.disconnects)
				})
			}
			assert.ElementsMatch(t, []models.Role{models.RoleInitiator, models.RoleResponder}, roles)
		})
	}
}

func TestEngineThreeClientsNeverShareARole(t *testing.T) {
	for seed := uint64(0); seed < 100; seed++ {
		rnd := rand.New(rand.NewPCG(seed, 99))
		hub := transport.NewMemoryHub()
		hub.SetManual(true)
		clk := clock.Fake(time.Unix(0, 0))
		clients := []*testClient{
			newTestClient(t, hub, clk, "a"),
			newTestClient(t, hub, clk, "b"),
			newTestClient(t, hub, clk, "c"),
		}
		for _, c := range clients {
			c.do(func() { require.NoError(t, c.engine.StartSearch(prefsA)) })
		}
		for hub.Deliver(func(n int) int { return rnd.IntN(n) }) {
			settle(clients...)
		}

		byID := map[string]*testClient{}
		for _, c := range clients {
			byID[c.id] = c
		}
		for _, c := range clients {
			var m *Match
			var refused bool
			c.do(func() {
				if len(c.matches) == 1 {
					m = &c.matches[0]
				}
				refused = len(c.disconnects) > 0
			})
			if m == nil {
				continue
			}
			peer := byID[m.Peer.ID]
			var back *Match
			peer.do(func() {
				if len(peer.matches) == 1 {
					back = &peer.matches[0]
				}
			})
			if back != nil && back.Peer.ID == c.id {
				assert.NotEqual(t, m.Role, back.Role, "seed %d", seed)
			} else {
				// A one-sided match is always refused by the other side.
				assert.True(t, refused, "seed %d: %s matched %s without refusal", seed, c.id, peer.id)
			}
		}
	}
}

func TestEngineSkippedPeerCooldown(t *testing.T) {
	hub := transport.NewMemoryHub()
	clk := clock.Fake(time.Unix(0, 0))
	a := newTestClient(t, hub, clk, "a")
	b := newTestClient(t, hub, clk, "b")

	a.do(func() { a.skips.Add("b") })
	a.do(func() { require.NoError(t, a.engine.StartSearch(prefsA)) })
	b.do(func() { require.NoError(t, b.engine.StartSearch(prefsB)) })
	settle(a, b)
	a.do(func() { assert.Empty(t, a.matches) })
	b.do(func() { assert.Empty(t, b.matches) })

	// One second short of the cooldown the peer is still blocked.
	clk.Advance(9 * time.Second)
	settle(a, b)
	a.do(func() {
		assert.True(t, a.skips.Contains("b"))
		require.NoError(t, a.engine.CancelSearch())
		require.NoError(t, a.engine.StartSearch(prefsA))
	})
	settle(a, b)
	a.do(func() { assert.Empty(t, a.matches) })

	// Exactly at expiry the peer is eligible again.
	clk.Advance(time.Second)
	settle(a, b)
	a.do(func() {
		assert.False(t, a.skips.Contains("b"))
		require.NoError(t, a.engine.CancelSearch())
		require.NoError(t, a.engine.StartSearch(prefsA))
	})
	settle(a, b)
	a.do(func() { require.Len(t, a.matches, 1) })
	b.do(func() { require.Len(t, b.matches, 1) })
}

func TestEngineSearchTimeout(t *testing.T) {
	hub := transport.NewMemoryHub()
	clk := clock.Fake(time.Unix(0, 0))
	a := newTestClient(t, hub, clk, "a")

	a.do(func() { require.NoError(t, a.engine.StartSearch(prefsA)) })
	clk.Advance(29 * time.Second)
	a.do(func() { assert.Equal(t, StateSearching, a.engine.State()) })

	clk.Advance(time.Second)
	a.do(func() {
		assert.Equal(t, 1, a.timeouts)
		assert.Equal(t, StateIdle, a.engine.State())
		require.NoError(t, a.engine.StartSearch(prefsA))
	})
}

func TestEngineCancelSearch(t *testing.T) {
	hub := transport.NewMemoryHub()
	clk := clock.Fake(time.Unix(0, 0))
	a := newTestClient(t, hub, clk, "a")
	b := newTestClient(t, hub, clk, "b")
	var seen []models.SignalType
	b.relay.OnMessage(func(msg models.Message) {
		_ = b.r.Post(func() { seen = append(seen, msg.Type()) })
	})

	a.do(func() {
		assert.ErrorIs(t, a.engine.CancelSearch(), ErrNotSearching)
		require.NoError(t, a.engine.StartSearch(prefsA))
		assert.ErrorIs(t, a.engine.StartSearch(prefsA), ErrNotIdle)
		require.NoError(t, a.engine.CancelSearch())
		assert.Equal(t, StateIdle, a.engine.State())
	})
	settle(a, b)
	b.do(func() {
		assert.Equal(t, []models.SignalType{models.SignalTypeFindMatch, models.SignalTypeCancelSearch}, seen)
	})
	clk.Advance(time.Minute)
	a.do(func() { assert.Zero(t, a.timeouts) })
}

func TestEngineLowScoreAcceptance(t *testing.T) {
	low := models.Preferences{Country: "US", Gender: "m", DesiredGender: "f"}
	other := models.Preferences{Country: "FR", Gender: "m", DesiredGender: "f"}
	require.Less(t, Score(low, other), 50.0)

	for _, tc := range []struct {
		name   string
		roll   float64
		expect int
	}{
		{"unlucky roll declines", 0.99, 0},
		{"lucky roll accepts", 0.0, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			hub := transport.NewMemoryHub()
			clk := clock.Fake(time.Unix(0, 0))
			a := newTestClient(t, hub, clk, "a")
			b := newTestClient(t, hub, clk, "b")
			a.engine.SetRand(func() float64 { return tc.roll })
			b.engine.SetRand(func() float64 { return tc.roll })

			a.do(func() { require.NoError(t, a.engine.StartSearch(low)) })
			b.do(func() { require.NoError(t, b.engine.StartSearch(other)) })
			settle(a, b)
			a.do(func() { assert.Len(t, a.matches, tc.expect) })
			b.do(func() { assert.Len(t, b.matches, tc.expect) })
		})
	}
}

func TestEngineRefusesStaleAcceptance(t *testing.T) {
	hub := transport.NewMemoryHub()
	clk := clock.Fake(time.Unix(0, 0))
	a := newTestClient(t, hub, clk, "a")
	stranger := newTestClient(t, hub, clk, "s")

	// "s" accepts a request "a" never sent.
	stranger.do(func() {
		require.NoError(t, stranger.relay.SendDirect("a", &models.MatchResponse{Accepted: true}))
	})
	settle(a, stranger)
	stranger.do(func() {
		require.Len(t, stranger.disconnects, 1)
		assert.Equal(t, models.ReasonPeerUnavailable, stranger.disconnects[0].Reason)
	})
}
