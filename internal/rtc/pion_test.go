package rtc

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-roulette/internal/models"
)

func TestPionOfferAnswerStates(t *testing.T) {
	f, err := NewPionFactory(nil, zap.NewNop())
	require.NoError(t, err)

	initiator, err := f.New(models.RoleInitiator, Handlers{})
	require.NoError(t, err)
	defer initiator.Close()
	responder, err := f.New(models.RoleResponder, Handlers{})
	require.NoError(t, err)
	defer responder.Close()

	assert.Equal(t, webrtc.SignalingStateStable, initiator.SignalingState())

	offer, err := initiator.CreateOffer()
	require.NoError(t, err)
	assert.Contains(t, offer.SDP, "m=video")
	assert.Contains(t, offer.SDP, "m=application")
	require.NoError(t, initiator.SetLocalDescription(offer))
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, initiator.SignalingState())

	require.NoError(t, responder.SetRemoteDescription(offer))
	assert.Equal(t, webrtc.SignalingStateHaveRemoteOffer, responder.SignalingState())
	answer, err := responder.CreateAnswer()
	require.NoError(t, err)
	require.NoError(t, responder.SetLocalDescription(answer))
	assert.Equal(t, webrtc.SignalingStateStable, responder.SignalingState())

	require.NoError(t, initiator.SetRemoteDescription(answer))
	assert.Equal(t, webrtc.SignalingStateStable, initiator.SignalingState())

	// An answer in stable state is a signaling error.
	assert.Error(t, initiator.SetRemoteDescription(answer))
}

func TestPionDataPath(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real ICE connections")
	}
	f, err := NewPionFactory(nil, zap.NewNop())
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		received [][]byte
	)
	var initiator, responder PeerConnection
	initiator, err = f.New(models.RoleInitiator, Handlers{
		OnICECandidate: func(c webrtc.ICECandidateInit) { _ = responder.AddICECandidate(c) },
	})
	require.NoError(t, err)
	defer initiator.Close()
	responder, err = f.New(models.RoleResponder, Handlers{
		OnICECandidate: func(c webrtc.ICECandidateInit) { _ = initiator.AddICECandidate(c) },
		OnData: func(data []byte) {
			mu.Lock()
			received = append(received, data)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	defer responder.Close()

	offer, err := initiator.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, initiator.SetLocalDescription(offer))
	require.NoError(t, responder.SetRemoteDescription(offer))
	answer, err := responder.CreateAnswer()
	require.NoError(t, err)
	require.NoError(t, responder.SetLocalDescription(answer))
	require.NoError(t, initiator.SetRemoteDescription(answer))

	require.Eventually(t, func() bool {
		return initiator.SendData([]byte("ping")) == nil
	}, 15*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) > 0
	}, 5*time.Second, 20*time.Millisecond)

	stats, err := initiator.Stats()
	require.NoError(t, err)
	assert.False(t, stats.Timestamp.IsZero())
}
