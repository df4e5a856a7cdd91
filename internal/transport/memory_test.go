package transport

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/webrtc-roulette/internal/models"
)

type inbox struct {
	mu   sync.Mutex
	msgs []models.Message
}

func (i *inbox) handle(msg models.Message) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs = append(i.msgs, msg)
}

func (i *inbox) all() []models.Message {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]models.Message(nil), i.msgs...)
}

func TestMemoryHubBroadcastExcludesSender(t *testing.T) {
	hub := NewMemoryHub()
	a, b, c := hub.Join("a"), hub.Join("b"), hub.Join("c")
	var ia, ib, ic inbox
	a.OnMessage(ia.handle)
	b.OnMessage(ib.handle)
	c.OnMessage(ic.handle)

	require.NoError(t, a.SendBroadcast(&models.FindMatch{Preferences: models.Preferences{Country: "US"}}))
	assert.Empty(t, ia.all())
	require.Len(t, ib.all(), 1)
	require.Len(t, ic.all(), 1)
	fm := ib.all()[0].(*models.FindMatch)
	assert.Equal(t, "a", fm.From())
	assert.Equal(t, "US", fm.Preferences.Country)
}

func TestMemoryHubDirect(t *testing.T) {
	hub := NewMemoryHub()
	a, b, c := hub.Join("a"), hub.Join("b"), hub.Join("c")
	var ib, ic inbox
	b.OnMessage(ib.handle)
	c.OnMessage(ic.handle)

	require.NoError(t, a.SendDirect("b", &models.Heartbeat{Timestamp: 7}))
	assert.Len(t, ib.all(), 1)
	assert.Empty(t, ic.all())

	assert.ErrorIs(t, a.SendDirect("zed", &models.Heartbeat{}), ErrUnknownPeer)
	assert.ErrorIs(t, a.SendDirect("", &models.Heartbeat{}), ErrMissingTarget)
}

func TestMemoryHubManualDelivery(t *testing.T) {
	hub := NewMemoryHub()
	hub.SetManual(true)
	a, b := hub.Join("a"), hub.Join("b")
	var ib inbox
	b.OnMessage(ib.handle)

	require.NoError(t, a.SendDirect("b", &models.Heartbeat{Timestamp: 1}))
	require.NoError(t, a.SendDirect("b", &models.Heartbeat{Timestamp: 2}))
	assert.Equal(t, 2, hub.Pending())
	assert.Empty(t, ib.all())

	// Deliver the second frame first.
	require.True(t, hub.Deliver(func(n int) int { return n - 1 }))
	require.True(t, hub.Deliver(func(int) int { return 0 }))
	assert.False(t, hub.Deliver(func(int) int { return 0 }))

	got := ib.all()
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].(*models.Heartbeat).Timestamp)
	assert.Equal(t, int64(1), got[1].(*models.Heartbeat).Timestamp)
}

func TestMemoryHubFilterAndClose(t *testing.T) {
	hub := NewMemoryHub()
	a, b := hub.Join("a"), hub.Join("b")
	var ib inbox
	b.OnMessage(ib.handle)
	hub.SetFilter(func(from, to string, msg models.Message) bool {
		return msg.Type() != models.SignalTypeOffer
	})

	require.NoError(t, a.SendDirect("b", &models.Offer{}))
	require.NoError(t, a.SendDirect("b", &models.Answer{}))
	require.Len(t, ib.all(), 1)
	assert.Equal(t, models.SignalTypeAnswer, ib.all()[0].Type())

	closed := make(chan error, 1)
	a.OnClose(func(err error) { closed <- err })
	require.NoError(t, a.Close())
	assert.NoError(t, <-closed)
	assert.ErrorIs(t, a.SendBroadcast(&models.CancelSearch{}), ErrClosed)
	assert.ErrorIs(t, b.SendDirect("a", &models.Heartbeat{}), ErrUnknownPeer)
}

func TestSignalURL(t *testing.T) {
	u, err := SignalURL("https://relay.example/", "tok en")
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example/ws/signal?token=tok+en", u)

	u, err = SignalURL("http://localhost:8080", "t")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws/signal?token=t", u)

	_, err = SignalURL("ftp://x", "t")
	assert.Error(t, err)
}
