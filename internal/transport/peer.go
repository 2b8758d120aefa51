// Package transport binds viewer sessions to pion WebRTC peer connections.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/Harshitk-cp/camrelay/internal/config"
	"github.com/Harshitk-cp/camrelay/internal/metrics"
)

// Codec capabilities of the outbound tracks
var (
	H264Capability = webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeH264,
		ClockRate:   90000,
		SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
	}

	OpusCapability = webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}
)

// ErrOfferTimeout is returned when ICE gathering does not finish in time
var ErrOfferTimeout = errors.New("timed out gathering ICE candidates")

// API creates peer connections sharing one pion configuration
type API struct {
	api       *webrtc.API
	rtcConfig webrtc.Configuration
	factory   logging.LoggerFactory
	log       logging.LeveledLogger
	metrics   metrics.Collector
	queueSize int
	audio     bool
}

// NewAPI builds the pion API from config. The logger factory is handed to
// pion so the WebRTC stack logs through the same sink.
func NewAPI(cfg *config.Config, factory logging.LoggerFactory, collector metrics.Collector, audio bool) (*API, error) {
	se := webrtc.SettingEngine{
		LoggerFactory: factory,
	}

	if cfg.WebRTC.UDPPortMin != 0 || cfg.WebRTC.UDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.WebRTC.UDPPortMin, cfg.WebRTC.UDPPortMax); err != nil {
			return nil, fmt.Errorf("invalid udp port range: %w", err)
		}
	}
	if len(cfg.WebRTC.NAT1To1IPs) > 0 {
		se.SetNAT1To1IPs(cfg.WebRTC.NAT1To1IPs, webrtc.ICECandidateTypeHost)
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	// Create ICE servers config
	iceServers := []webrtc.ICEServer{}
	for _, server := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       server.URLs,
			Username:   server.Username,
			Credential: server.Credential,
		})
	}

	if collector == nil {
		collector = metrics.Nop{}
	}

	return &API{
		api: webrtc.NewAPI(
			webrtc.WithSettingEngine(se),
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(i),
		),
		rtcConfig: webrtc.Configuration{ICEServers: iceServers},
		factory:   factory,
		log:       factory.NewLogger("transport"),
		metrics:   collector,
		queueSize: cfg.Sessions.QueueSize,
		audio:     audio,
	}, nil
}

// PeerHandlers receive peer connection events. Any may be nil.
type PeerHandlers struct {
	// OnStateChange reports connection state transitions
	OnStateChange func(webrtc.PeerConnectionState)

	// OnCommand receives text commands from the viewer's data channel
	OnCommand func(cmd string)

	// OnICECandidate receives local candidates for trickle ICE
	OnICECandidate func(webrtc.ICECandidateInit)
}

// Peer is one viewer's peer connection and outbound tracks
type Peer struct {
	*QueuedWriter

	ID string

	pc       *webrtc.PeerConnection
	handlers PeerHandlers
	log      logging.LeveledLogger

	closeOnce sync.Once
	closeErr  error
}

// NewPeer creates a peer connection with an H.264 track and, when audio is
// enabled, an Opus track
func (a *API) NewPeer(id string, handlers PeerHandlers) (*Peer, error) {
	// Create peer connection
	pc, err := a.api.NewPeerConnection(a.rtcConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	video, err := webrtc.NewTrackLocalStaticSample(H264Capability, "video", "camrelay")
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}

	// Add video track
	if err := a.addTrack(pc, video); err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to add video track: %w", err)
	}

	var audioWriter SampleWriter
	if a.audio {
		audio, err := webrtc.NewTrackLocalStaticSample(OpusCapability, "audio", "camrelay")
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to create audio track: %w", err)
		}

		// Add audio track
		if err := a.addTrack(pc, audio); err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to add audio track: %w", err)
		}
		audioWriter = audio
	}

	log := a.factory.NewLogger("peer")
	p := &Peer{
		QueuedWriter: NewQueuedWriter(video, audioWriter, a.queueSize, a.metrics, log),
		ID:           id,
		pc:           pc,
		handlers:     handlers,
		log:          log,
	}

	// Set up event handlers
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Infof("peer %s connection state %s", id, state)
		if p.handlers.OnStateChange != nil {
			p.handlers.OnStateChange(state)
		}
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || p.handlers.OnICECandidate == nil {
			return
		}
		p.handlers.OnICECandidate(c.ToJSON())
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		p.log.Debugf("peer %s opened data channel %s", id, dc.Label())
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			cmd := strings.TrimSpace(string(msg.Data))
			if cmd == "" || p.handlers.OnCommand == nil {
				return
			}
			p.handlers.OnCommand(cmd)
		})
	})

	return p, nil
}

func (a *API) addTrack(pc *webrtc.PeerConnection, track webrtc.TrackLocal) error {
	sender, err := pc.AddTrack(track)
	if err != nil {
		return err
	}

	// Handle RTCP packets so interceptors see receiver reports
	go func() {
		rtcpBuf := make([]byte, 1500)
		for {
			if _, _, rtcpErr := sender.Read(rtcpBuf); rtcpErr != nil {
				return
			}
		}
	}()

	return nil
}

// Answer applies the viewer's offer and returns the local answer. When
// trickle is false the answer waits for ICE gathering so it carries every
// candidate.
func (p *Peer) Answer(ctx context.Context, offer string, trickle bool) (string, error) {
	// Set remote description
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offer,
	}); err != nil {
		return "", fmt.Errorf("failed to set remote description: %w", err)
	}

	// Create answer
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}

	var gathered <-chan struct{}
	if !trickle {
		gathered = webrtc.GatheringCompletePromise(p.pc)
	}

	// Set local description
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	if trickle {
		return answer.SDP, nil
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrOfferTimeout, ctx.Err())
	}

	return p.pc.LocalDescription().SDP, nil
}

// AddICECandidate applies a remote candidate
func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	if err := p.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("failed to add ice candidate: %w", err)
	}
	return nil
}

// ConnectionState returns the current peer connection state
func (p *Peer) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

// Close drains the send queue and closes the peer connection
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.QueuedWriter.Close()
		if err := p.pc.Close(); err != nil {
			p.closeErr = fmt.Errorf("failed to close peer connection: %w", err)
		}
	})
	return p.closeErr
}

// Terminal reports whether a connection state ends the session
func Terminal(state webrtc.PeerConnectionState) bool {
	switch state {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
		return true
	default:
		return false
	}
}
