// Package service manages viewer sessions over their whole life: offer and
// answer, trickle ICE, substream requests, teardown and the cleanup sweep.
// It also supervises the media pipelines feeding the dispatcher.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"

	"github.com/Harshitk-cp/camrelay/internal/config"
	"github.com/Harshitk-cp/camrelay/internal/fanout"
	"github.com/Harshitk-cp/camrelay/internal/health"
	"github.com/Harshitk-cp/camrelay/internal/metrics"
	"github.com/Harshitk-cp/camrelay/internal/model"
	"github.com/Harshitk-cp/camrelay/internal/ratelimit"
	"github.com/Harshitk-cp/camrelay/internal/session"
	"github.com/Harshitk-cp/camrelay/internal/source"
	"github.com/Harshitk-cp/camrelay/internal/transport"
	"github.com/Harshitk-cp/camrelay/pkg/util"
)

// ErrOfferHandled is returned for a second offer on the same session
var ErrOfferHandled = errors.New("offer already handled")

// Session removal reasons
const (
	ReasonClosed            = "closed"
	ReasonViewerClosed      = "viewer_closed"
	ReasonPeerState         = "peer_state"
	ReasonIdle              = "idle"
	ReasonNegotiationFailed = "negotiation_failed"
	ReasonShutdown          = "shutdown"
)

// Peer is the transport side of a session
type Peer interface {
	session.FrameWriter
	Answer(ctx context.Context, offer string, trickle bool) (string, error)
	AddICECandidate(c webrtc.ICECandidateInit) error
	ConnectionState() webrtc.PeerConnectionState
	Close() error
}

// PeerFactory creates peers
type PeerFactory interface {
	NewPeer(id string, handlers transport.PeerHandlers) (Peer, error)
}

// WebRTCPeers adapts a transport API to PeerFactory
type WebRTCPeers struct {
	API *transport.API
}

// NewPeer implements PeerFactory
func (w WebRTCPeers) NewPeer(id string, handlers transport.PeerHandlers) (Peer, error) {
	peer, err := w.API.NewPeer(id, handlers)
	if err != nil {
		return nil, err
	}
	return peer, nil
}

// OfferOptions carry the caller's side of a negotiation
type OfferOptions struct {
	// Trickle returns the answer before ICE gathering completes; local
	// candidates go to OnCandidate
	Trickle     bool
	OnCandidate func(webrtc.ICECandidateInit)

	// OnClose is called once when the session is torn down
	OnClose func(reason string)
}

// OfferResult is the outcome of a negotiation
type OfferResult struct {
	PeerID string
	Answer string
}

// viewer is the session writer: the peer plus the caller's close hook
type viewer struct {
	Peer
	onClose func(reason string)
}

// Dependencies are the collaborators of the service
type Dependencies struct {
	Factory    logging.LoggerFactory
	Metrics    metrics.Collector
	Health     *health.Checker
	Peers      PeerFactory
	OpenSource SourceOpener
}

// Service represents the relay service
type Service struct {
	config     *config.Config
	factory    logging.LoggerFactory
	log        logging.LeveledLogger
	metrics    metrics.Collector
	health     *health.Checker
	peers      PeerFactory
	registry   *session.Registry
	dispatcher *fanout.Dispatcher
	limiter    *ratelimit.Limiter
	initial    model.Substream

	openSource SourceOpener

	mu        sync.Mutex
	pipelines map[string]*pipeline
	rtmp      map[string]*source.RTMPServer
}

// New creates the relay service
func New(cfg *config.Config, deps Dependencies) (*Service, error) {
	if deps.Factory == nil {
		deps.Factory = logging.NewDefaultLoggerFactory()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if deps.Health == nil {
		deps.Health = health.NewChecker(0)
	}
	if deps.Peers == nil {
		return nil, errors.New("peer factory is required")
	}

	initial, err := model.ParseSubstream(cfg.Sessions.DefaultSubstream)
	if err != nil {
		return nil, fmt.Errorf("invalid default substream: %w", err)
	}

	registry := session.NewRegistry(cfg.Sessions.MaxSessions)

	s := &Service{
		config:     cfg,
		factory:    deps.Factory,
		log:        deps.Factory.NewLogger("service"),
		metrics:    deps.Metrics,
		health:     deps.Health,
		peers:      deps.Peers,
		registry:   registry,
		dispatcher: fanout.NewDispatcher(registry, deps.Metrics, deps.Factory),
		limiter:    ratelimit.New(cfg.Signaling.OffersPerMin, cfg.Signaling.OfferBurst, 10*time.Minute),
		initial:    initial,
		pipelines:  make(map[string]*pipeline),
		rtmp:       make(map[string]*source.RTMPServer),
	}
	s.openSource = deps.OpenSource
	if s.openSource == nil {
		s.openSource = s.defaultOpenSource
	}

	// A closed peer never recovers; anything else is transient
	s.dispatcher.OnWriteError = func(werr *fanout.WriteError) {
		if errors.Is(werr.Err, transport.ErrPeerClosed) {
			go s.RemoveSession(werr.PeerID, ReasonClosed)
		}
	}

	s.health.RegisterComponent("registry", s.checkRegistry)

	return s, nil
}

// Registry returns the session registry
func (s *Service) Registry() *session.Registry {
	return s.registry
}

// Dispatcher returns the frame dispatcher
func (s *Service) Dispatcher() *fanout.Dispatcher {
	return s.dispatcher
}

// AllowOffer applies the per-client offer rate limit
func (s *Service) AllowOffer(clientID string) error {
	return s.limiter.Allow(clientID)
}

// HandleOffer negotiates a viewer's offer. An unknown peer ID creates the
// session, an empty one gets a generated ID. Each session accepts a
// single offer.
func (s *Service) HandleOffer(ctx context.Context, peerID, offer string, opts OfferOptions) (*OfferResult, error) {
	if peerID == "" {
		peerID = util.GeneratePeerID()
	}
	if err := util.ValidatePeerID(peerID); err != nil {
		return nil, err
	}

	sess, err := s.ensureSession(peerID, opts)
	if err != nil {
		return nil, err
	}

	if !sess.MarkOfferHandled() {
		return nil, ErrOfferHandled
	}
	sess.Touch()

	v := sess.Writer.(*viewer)

	ctx, cancel := context.WithTimeout(ctx, s.config.WebRTC.OfferTimeout)
	defer cancel()

	answer, err := v.Answer(ctx, offer, opts.Trickle)
	if err != nil {
		s.RemoveSession(peerID, ReasonNegotiationFailed)
		return nil, fmt.Errorf("negotiation with %s failed: %w", peerID, err)
	}

	s.log.Infof("answered offer from %s (trickle=%t)", peerID, opts.Trickle)

	return &OfferResult{PeerID: peerID, Answer: answer}, nil
}

// ensureSession returns the live session for peerID, creating it and its
// peer connection when missing
func (s *Service) ensureSession(peerID string, opts OfferOptions) (*session.Session, error) {
	if sess, ok := s.registry.Get(peerID); ok {
		return sess, nil
	}

	if c := s.registry.Cap(); c > 0 && s.registry.Len() >= c {
		s.metrics.SessionRejected("capacity")
		return nil, session.ErrCapacityExceeded
	}

	peer, err := s.peers.NewPeer(peerID, transport.PeerHandlers{
		OnStateChange: func(state webrtc.PeerConnectionState) {
			s.onPeerState(peerID, state)
		},
		OnCommand: func(cmd string) {
			s.onCommand(peerID, cmd)
		},
		OnICECandidate: opts.OnCandidate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	v := &viewer{Peer: peer, onClose: opts.OnClose}
	sess := session.New(peerID, v, session.Options{
		Initial:         s.initial,
		WaitForKeyframe: s.config.Sessions.WaitForKeyframe,
	})

	if err := s.registry.Add(sess); err != nil {
		peer.Close()
		switch {
		case errors.Is(err, session.ErrSessionExists):
			// Lost a race with a concurrent offer for the same peer
			if existing, ok := s.registry.Get(peerID); ok {
				return existing, nil
			}
		case errors.Is(err, session.ErrCapacityExceeded):
			s.metrics.SessionRejected("capacity")
		}
		return nil, err
	}

	s.metrics.SessionAdded()
	s.log.Infof("created session %s on %s (%d/%d)", peerID, s.initial, s.registry.Len(), s.registry.Cap())

	return sess, nil
}

// HandleICECandidate applies a remote candidate
func (s *Service) HandleICECandidate(peerID string, c webrtc.ICECandidateInit) error {
	sess, ok := s.registry.Get(peerID)
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrSessionNotFound, peerID)
	}

	if err := sess.Writer.(*viewer).AddICECandidate(c); err != nil {
		return err
	}
	sess.Touch()

	return nil
}

// RequestSubstream asks for a substream switch, applied at the next
// keyframe of that substream
func (s *Service) RequestSubstream(peerID string, sub model.Substream) error {
	sess, ok := s.registry.Get(peerID)
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrSessionNotFound, peerID)
	}

	sess.RequestSubstream(sub)
	s.log.Debugf("session %s requested %s", peerID, sub)

	return nil
}

// RemoveSession tears a session down. Only the first call for a session
// closes the peer and reports the reason.
func (s *Service) RemoveSession(peerID, reason string) error {
	sess, ok := s.registry.Remove(peerID)
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrSessionNotFound, peerID)
	}

	if !sess.MarkClosed() {
		return nil
	}

	v := sess.Writer.(*viewer)
	if err := v.Close(); err != nil {
		s.log.Warnf("error closing peer %s: %v", peerID, err)
	}

	s.metrics.SessionRemoved(reason)
	s.log.Infof("removed session %s (%s) after %d frames", peerID, reason, sess.FrameIndex())

	if v.onClose != nil {
		v.onClose(reason)
	}

	return nil
}

// Session returns a snapshot of one session
func (s *Service) Session(peerID string) (model.SessionInfo, error) {
	sess, ok := s.registry.Get(peerID)
	if !ok {
		return model.SessionInfo{}, fmt.Errorf("%w: %s", session.ErrSessionNotFound, peerID)
	}
	return s.info(sess), nil
}

// Sessions returns a snapshot of every live session
func (s *Service) Sessions() []model.SessionInfo {
	snapshot := s.registry.Snapshot()

	infos := make([]model.SessionInfo, 0, len(snapshot))
	for _, sess := range snapshot {
		infos = append(infos, s.info(sess))
	}
	return infos
}

func (s *Service) info(sess *session.Session) model.SessionInfo {
	info := sess.Info()
	if v, ok := sess.Writer.(*viewer); ok {
		info.State = v.ConnectionState().String()
	}
	return info
}

func (s *Service) onPeerState(peerID string, state webrtc.PeerConnectionState) {
	sess, ok := s.registry.Get(peerID)
	if !ok {
		return
	}
	sess.Touch()

	if transport.Terminal(state) {
		// Not from the pion callback goroutine; Close waits on it
		go s.RemoveSession(peerID, ReasonPeerState)
	}
}

// onCommand handles data channel text commands
func (s *Service) onCommand(peerID, cmd string) {
	if cmd == "close" {
		go s.RemoveSession(peerID, ReasonViewerClosed)
		return
	}

	sub, err := model.ParseSubstream(cmd)
	if err != nil {
		s.log.Warnf("session %s sent unknown command %q", peerID, cmd)
		return
	}
	if err := s.RequestSubstream(peerID, sub); err != nil {
		s.log.Debugf("command from %s: %v", peerID, err)
	}
}

// sweep removes sessions whose peer is terminal, and sessions that have
// not been connected for longer than the idle timeout
func (s *Service) sweep(now time.Time) int {
	removed := 0
	for _, sess := range s.registry.Snapshot() {
		v, ok := sess.Writer.(*viewer)
		if !ok {
			continue
		}

		state := v.ConnectionState()
		switch {
		case transport.Terminal(state):
			if s.RemoveSession(sess.PeerID, ReasonPeerState) == nil {
				removed++
			}
		case state == webrtc.PeerConnectionStateConnected:
			sess.Touch()
		case s.config.Sessions.IdleTimeout > 0 && now.Sub(sess.LastActivity()) > s.config.Sessions.IdleTimeout:
			s.log.Infof("session %s idle in state %s", sess.PeerID, state)
			if s.RemoveSession(sess.PeerID, ReasonIdle) == nil {
				removed++
			}
		}
	}
	return removed
}

func (s *Service) runCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.Sessions.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			if n := s.sweep(now); n > 0 {
				s.log.Debugf("cleanup removed %d sessions", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) checkRegistry(ctx context.Context) (health.Status, error) {
	if c := s.registry.Cap(); c > 0 && s.registry.Len() >= c {
		return health.StatusDegraded, fmt.Errorf("at capacity (%d sessions)", c)
	}
	return health.StatusUp, nil
}

// Run starts the pipelines, the cleanup sweep and the health probes, and
// blocks until ctx is done. Every session is closed on return.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.runCleanup(ctx)
		return nil
	})

	g.Go(func() error {
		s.health.Run(ctx)
		return nil
	})

	g.Go(func() error {
		s.limiter.Run(ctx, time.Minute)
		return nil
	})

	for _, p := range s.configuredPipelines() {
		g.Go(func() error {
			return s.supervise(ctx, p)
		})
	}

	err := g.Wait()
	s.Close()
	return err
}

// Close removes every session
func (s *Service) Close() {
	for _, sess := range s.registry.Snapshot() {
		s.RemoveSession(sess.PeerID, ReasonShutdown)
	}
}
