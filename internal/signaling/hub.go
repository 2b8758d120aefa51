// Package signaling negotiates viewer sessions over WebSocket.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/Harshitk-cp/camrelay/internal/metrics"
	"github.com/Harshitk-cp/camrelay/internal/model"
	"github.com/Harshitk-cp/camrelay/internal/service"
	"github.com/Harshitk-cp/camrelay/pkg/util"
)

// ReasonSignalingClosed is the removal reason when the socket goes away
const ReasonSignalingClosed = "signaling_closed"

// Sessions is the session service the hub drives
type Sessions interface {
	AllowOffer(clientID string) error
	HandleOffer(ctx context.Context, peerID, offer string, opts service.OfferOptions) (*service.OfferResult, error)
	HandleICECandidate(peerID string, c webrtc.ICECandidateInit) error
	RequestSubstream(peerID string, sub model.Substream) error
	RemoveSession(peerID, reason string) error
}

// Options configure connection keepalive
type Options struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
}

// Hub maintains the set of active signaling clients
type Hub struct {
	sessions Sessions
	opts     Options
	metrics  metrics.Collector
	log      logging.LeveledLogger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates a new hub
func NewHub(sessions Sessions, opts Options, collector metrics.Collector, factory logging.LoggerFactory) *Hub {
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.PingInterval <= 0 || opts.PingInterval >= opts.PongWait {
		opts.PingInterval = opts.PongWait * 9 / 10
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 64 * 1024
	}
	if collector == nil {
		collector = metrics.Nop{}
	}

	return &Hub{
		sessions: sessions,
		opts:     opts,
		metrics:  collector,
		log:      factory.NewLogger("signaling"),
		clients:  make(map[*client]struct{}),
	}
}

// Len returns the number of connected clients
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Register starts serving conn. clientKey identifies the remote for rate
// limiting; peerID, when set, pins the session the client may negotiate.
func (h *Hub) Register(conn *websocket.Conn, clientKey, peerID string) {
	c := &client{
		hub:     h,
		conn:    conn,
		key:     clientKey,
		peerID:  peerID,
		pinned:  peerID != "",
		send:    make(chan []byte, 64),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.metrics.SignalingClients(1)
	h.log.Debugf("client %s connected", clientKey)

	// Start goroutines for reading and writing
	go c.writePump()
	go c.readPump()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if !ok {
		return
	}

	h.metrics.SignalingClients(-1)
	c.shutdown()

	// A viewer without its signaling channel cannot renegotiate
	if peerID := c.boundPeer(); peerID != "" {
		if err := h.sessions.RemoveSession(peerID, ReasonSignalingClosed); err == nil {
			h.log.Infof("client %s left, closed session %s", c.key, peerID)
		}
	}
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

// client is one signaling connection
type client struct {
	hub  *Hub
	conn *websocket.Conn
	key  string
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	peerID   string
	pinned   bool
	bound    bool
	answered bool
	pending  []webrtc.ICECandidateInit
}

func (c *client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *client) boundPeer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.bound {
		return ""
	}
	return c.peerID
}

// readPump pumps messages from the WebSocket connection to the service
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.opts.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warnf("WebSocket read error from %s: %v", c.key, err)
			}
			return
		}

		var msg model.SignalingMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("", fmt.Errorf("failed to parse message: %w", err))
			continue
		}

		c.hub.metrics.SignalingMessage("in", msg.Type)

		if err := c.handle(&msg); err != nil {
			c.sendError(msg.PeerID, err)
		}
	}
}

// handle dispatches one message. The returned error is reported to the
// client; the connection stays open.
func (c *client) handle(msg *model.SignalingMessage) error {
	switch msg.Type {
	case model.MessageTypeOffer:
		return c.handleOffer(msg)

	case model.MessageTypeICECandidate:
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Payload, &candidate); err != nil {
			return fmt.Errorf("invalid ice candidate: %w", err)
		}
		peerID, err := c.peerFor(msg)
		if err != nil {
			return err
		}
		return c.hub.sessions.HandleICECandidate(peerID, candidate)

	case model.MessageTypeSwitch:
		var payload model.SwitchPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("invalid switch payload: %w", err)
		}
		if err := util.Validate(payload); err != nil {
			return fmt.Errorf("invalid switch payload: %w", err)
		}
		sub, err := model.ParseSubstream(payload.Substream)
		if err != nil {
			return err
		}
		peerID, err := c.peerFor(msg)
		if err != nil {
			return err
		}
		return c.hub.sessions.RequestSubstream(peerID, sub)

	case model.MessageTypeClose:
		peerID, err := c.peerFor(msg)
		if err != nil {
			return err
		}
		return c.hub.sessions.RemoveSession(peerID, service.ReasonViewerClosed)

	case model.MessageTypePing:
		return c.write(model.SignalingMessage{
			Type:      model.MessageTypePong,
			PeerID:    msg.PeerID,
			Timestamp: time.Now().UnixMilli(),
		})

	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

func (c *client) handleOffer(msg *model.SignalingMessage) error {
	var payload model.OfferPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid offer payload: %w", err)
	}
	if err := util.Validate(payload); err != nil {
		return fmt.Errorf("invalid offer payload: %w", err)
	}

	if err := c.hub.sessions.AllowOffer(c.key); err != nil {
		return err
	}

	c.mu.Lock()
	if c.answered {
		c.mu.Unlock()
		return service.ErrOfferHandled
	}
	peerID := c.peerID
	if !c.pinned && msg.PeerID != "" {
		peerID = msg.PeerID
	}
	c.mu.Unlock()

	res, err := c.hub.sessions.HandleOffer(context.Background(), peerID, payload.SDP, service.OfferOptions{
		Trickle:     payload.Trickle,
		OnCandidate: c.onLocalCandidate,
		OnClose:     c.onSessionClosed,
	})
	if err != nil {
		return err
	}

	// Bind before answering so a disconnect tears the session down
	c.mu.Lock()
	c.peerID = res.PeerID
	c.bound = true
	c.mu.Unlock()

	answer, _ := json.Marshal(model.AnswerPayload{SDP: res.Answer})
	if err := c.write(model.SignalingMessage{
		Type:    model.MessageTypeAnswer,
		PeerID:  res.PeerID,
		Payload: answer,
	}); err != nil {
		c.hub.sessions.RemoveSession(res.PeerID, ReasonSignalingClosed)
		return err
	}

	// Candidates gathered before the answer went out follow it
	c.mu.Lock()
	c.answered = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, candidate := range pending {
		c.sendCandidate(res.PeerID, candidate)
	}

	return nil
}

// peerFor resolves the session a message addresses. A client may only
// address the session it negotiated.
func (c *client) peerFor(msg *model.SignalingMessage) (string, error) {
	peerID := c.boundPeer()
	if peerID == "" {
		return "", errors.New("no session negotiated on this connection")
	}
	if msg.PeerID != "" && msg.PeerID != peerID {
		return "", fmt.Errorf("peer %s is not bound to this connection", msg.PeerID)
	}
	return peerID, nil
}

func (c *client) onLocalCandidate(candidate webrtc.ICECandidateInit) {
	c.mu.Lock()
	if !c.answered {
		c.pending = append(c.pending, candidate)
		c.mu.Unlock()
		return
	}
	peerID := c.peerID
	c.mu.Unlock()

	c.sendCandidate(peerID, candidate)
}

func (c *client) sendCandidate(peerID string, candidate webrtc.ICECandidateInit) {
	payload, _ := json.Marshal(candidate)
	c.write(model.SignalingMessage{
		Type:    model.MessageTypeICECandidate,
		PeerID:  peerID,
		Payload: payload,
	})
}

func (c *client) onSessionClosed(reason string) {
	c.mu.Lock()
	peerID := c.peerID
	c.bound = false
	c.answered = false
	c.mu.Unlock()

	payload, _ := json.Marshal(model.ClosedPayload{Reason: reason})
	c.write(model.SignalingMessage{
		Type:    model.MessageTypeClosed,
		PeerID:  peerID,
		Payload: payload,
	})
}

func (c *client) sendError(peerID string, err error) {
	c.hub.log.Debugf("client %s: %v", c.key, err)
	payload, _ := json.Marshal(model.ErrorPayload{Error: err.Error()})
	c.write(model.SignalingMessage{
		Type:    model.MessageTypeError,
		PeerID:  peerID,
		Payload: payload,
	})
}

// write queues a message without blocking. A client that stops reading is
// disconnected.
func (c *client) write(msg model.SignalingMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	select {
	case <-c.done:
		return errors.New("client disconnected")
	default:
	}

	select {
	case c.send <- data:
		c.hub.metrics.SignalingMessage("out", msg.Type)
		return nil
	default:
		c.hub.log.Warnf("client %s send buffer full, disconnecting", c.key)
		c.conn.Close()
		return errors.New("client send buffer full")
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
