package transport

import (
	"context"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Harshitk-cp/camrelay/internal/config"
	"github.com/Harshitk-cp/camrelay/internal/model"
)

func testAPI(t *testing.T, audio bool) *API {
	t.Helper()

	cfg, err := config.Parse([]byte("service:\n  name: test\n"))
	require.NoError(t, err)
	cfg.WebRTC.ICEServers = nil

	api, err := NewAPI(cfg, logging.NewDefaultLoggerFactory(), nil, audio)
	require.NoError(t, err)
	return api
}

// viewerOffer builds a receive-only offer the way a browser would
func viewerOffer(t *testing.T) (*webrtc.PeerConnection, string) {
	t.Helper()

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly})
	require.NoError(t, err)
	_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly})
	require.NoError(t, err)

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)

	gathered := webrtc.GatheringCompletePromise(pc)
	require.NoError(t, pc.SetLocalDescription(offer))
	<-gathered

	return pc, pc.LocalDescription().SDP
}

func TestPeerAnswer(t *testing.T) {
	api := testAPI(t, true)

	peer, err := api.NewPeer("viewer-1", PeerHandlers{})
	require.NoError(t, err)
	defer peer.Close()

	viewer, offer := viewerOffer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	answer, err := peer.Answer(ctx, offer, false)
	require.NoError(t, err)
	assert.Contains(t, answer, "H264")
	assert.Contains(t, answer, "opus")
	assert.Contains(t, answer, "a=candidate")

	require.NoError(t, viewer.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}))
}

func TestPeerAnswerTrickle(t *testing.T) {
	api := testAPI(t, false)

	candidates := make(chan webrtc.ICECandidateInit, 16)
	peer, err := api.NewPeer("viewer-2", PeerHandlers{
		OnICECandidate: func(c webrtc.ICECandidateInit) {
			select {
			case candidates <- c:
			default:
			}
		},
	})
	require.NoError(t, err)
	defer peer.Close()

	_, offer := viewerOffer(t)

	answer, err := peer.Answer(context.Background(), offer, true)
	require.NoError(t, err)
	assert.Contains(t, answer, "H264")

	select {
	case c := <-candidates:
		assert.NotEmpty(t, c.Candidate)
	case <-time.After(10 * time.Second):
		t.Fatal("no local candidate gathered")
	}
}

func TestPeerAnswerRejectsGarbage(t *testing.T) {
	api := testAPI(t, false)

	peer, err := api.NewPeer("viewer-3", PeerHandlers{})
	require.NoError(t, err)
	defer peer.Close()

	_, err = peer.Answer(context.Background(), "not sdp", false)
	require.Error(t, err)
}

func TestPeerCloseStopsWrites(t *testing.T) {
	api := testAPI(t, false)

	peer, err := api.NewPeer("viewer-4", PeerHandlers{})
	require.NoError(t, err)

	require.NoError(t, peer.Close())
	require.NoError(t, peer.Close())

	err = peer.WriteFrame(&model.Frame{Track: model.TrackVideo, Data: []byte{0, 0, 0, 1, 0x65}})
	require.ErrorIs(t, err, ErrPeerClosed)
	assert.Equal(t, webrtc.PeerConnectionStateClosed, peer.ConnectionState())
}

func TestTerminal(t *testing.T) {
	tests := []struct {
		state webrtc.PeerConnectionState
		want  bool
	}{
		{webrtc.PeerConnectionStateNew, false},
		{webrtc.PeerConnectionStateConnecting, false},
		{webrtc.PeerConnectionStateConnected, false},
		{webrtc.PeerConnectionStateDisconnected, true},
		{webrtc.PeerConnectionStateFailed, true},
		{webrtc.PeerConnectionStateClosed, true},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, Terminal(tt.state))
		})
	}
}
