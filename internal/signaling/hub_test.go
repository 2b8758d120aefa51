package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Harshitk-cp/camrelay/internal/auth"
	"github.com/Harshitk-cp/camrelay/internal/model"
	"github.com/Harshitk-cp/camrelay/internal/ratelimit"
	"github.com/Harshitk-cp/camrelay/internal/service"
)

type fakeSessions struct {
	mu         sync.Mutex
	offers     map[string]string
	candidates map[string][]webrtc.ICECandidateInit
	switches   map[string]model.Substream
	removed    map[string]string
	onClose    map[string]func(string)
	allowErr   error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		offers:     make(map[string]string),
		candidates: make(map[string][]webrtc.ICECandidateInit),
		switches:   make(map[string]model.Substream),
		removed:    make(map[string]string),
		onClose:    make(map[string]func(string)),
	}
}

func (f *fakeSessions) AllowOffer(clientID string) error {
	return f.allowErr
}

func (f *fakeSessions) HandleOffer(ctx context.Context, peerID, offer string, opts service.OfferOptions) (*service.OfferResult, error) {
	if peerID == "" {
		peerID = "generated"
	}

	f.mu.Lock()
	if _, ok := f.offers[peerID]; ok {
		f.mu.Unlock()
		return nil, service.ErrOfferHandled
	}
	f.offers[peerID] = offer
	f.onClose[peerID] = opts.OnClose
	f.mu.Unlock()

	// local candidates gathered while answering
	if opts.Trickle && opts.OnCandidate != nil {
		opts.OnCandidate(webrtc.ICECandidateInit{Candidate: "candidate:local-1"})
	}

	return &service.OfferResult{PeerID: peerID, Answer: "answer-to-" + offer}, nil
}

func (f *fakeSessions) HandleICECandidate(peerID string, c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates[peerID] = append(f.candidates[peerID], c)
	return nil
}

func (f *fakeSessions) RequestSubstream(peerID string, sub model.Substream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.switches[peerID] = sub
	return nil
}

func (f *fakeSessions) RemoveSession(peerID, reason string) error {
	f.mu.Lock()
	onClose, ok := f.onClose[peerID]
	delete(f.onClose, peerID)
	if ok {
		f.removed[peerID] = reason
	}
	f.mu.Unlock()

	if !ok {
		return errors.New("session not found")
	}
	if onClose != nil {
		onClose(reason)
	}
	return nil
}

func (f *fakeSessions) removedReason(peerID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removed[peerID]
}

func startServer(t *testing.T, sessions Sessions, authService *auth.Service, origins []string) (*Hub, string) {
	t.Helper()

	factory := logging.NewDefaultLoggerFactory()
	hub := NewHub(sessions, Options{}, nil, factory)
	srv := httptest.NewServer(NewHandler(hub, authService, origins, factory))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType, peerID string, payload any) {
	t.Helper()
	msg := model.SignalingMessage{Type: msgType, PeerID: peerID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		msg.Payload = raw
	}
	require.NoError(t, conn.WriteJSON(msg))
}

func receive(t *testing.T, conn *websocket.Conn) model.SignalingMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg model.SignalingMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func errorText(t *testing.T, msg model.SignalingMessage) string {
	t.Helper()
	require.Equal(t, model.MessageTypeError, msg.Type)
	var payload model.ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	return payload.Error
}

func TestPingPong(t *testing.T) {
	hub, url := startServer(t, newFakeSessions(), nil, nil)
	conn := dial(t, url)

	send(t, conn, model.MessageTypePing, "", nil)
	msg := receive(t, conn)
	assert.Equal(t, model.MessageTypePong, msg.Type)
	assert.NotZero(t, msg.Timestamp)
	assert.Equal(t, 1, hub.Len())
}

func TestOfferAnswerTrickle(t *testing.T) {
	sessions := newFakeSessions()
	_, url := startServer(t, sessions, nil, nil)
	conn := dial(t, url)

	send(t, conn, model.MessageTypeOffer, "viewer-1", model.OfferPayload{SDP: "v=0", Trickle: true})

	// the answer always precedes local candidates
	answer := receive(t, conn)
	require.Equal(t, model.MessageTypeAnswer, answer.Type)
	assert.Equal(t, "viewer-1", answer.PeerID)
	var ap model.AnswerPayload
	require.NoError(t, json.Unmarshal(answer.Payload, &ap))
	assert.Equal(t, "answer-to-v=0", ap.SDP)

	candidate := receive(t, conn)
	require.Equal(t, model.MessageTypeICECandidate, candidate.Type)
	var c webrtc.ICECandidateInit
	require.NoError(t, json.Unmarshal(candidate.Payload, &c))
	assert.Equal(t, "candidate:local-1", c.Candidate)

	send(t, conn, model.MessageTypeICECandidate, "viewer-1", webrtc.ICECandidateInit{Candidate: "candidate:remote-1"})
	send(t, conn, model.MessageTypeSwitch, "", model.SwitchPayload{Substream: "substream"})
	send(t, conn, model.MessageTypePing, "", nil)
	require.Equal(t, model.MessageTypePong, receive(t, conn).Type)

	sessions.mu.Lock()
	assert.Len(t, sessions.candidates["viewer-1"], 1)
	assert.Equal(t, model.Sub, sessions.switches["viewer-1"])
	sessions.mu.Unlock()

	// a second offer on the same connection is refused
	send(t, conn, model.MessageTypeOffer, "viewer-1", model.OfferPayload{SDP: "v=0"})
	assert.Contains(t, errorText(t, receive(t, conn)), "offer already handled")
}

func TestMessagesBeforeOffer(t *testing.T) {
	_, url := startServer(t, newFakeSessions(), nil, nil)
	conn := dial(t, url)

	send(t, conn, model.MessageTypeSwitch, "viewer-1", model.SwitchPayload{Substream: "substream"})
	assert.Contains(t, errorText(t, receive(t, conn)), "no session negotiated")

	send(t, conn, model.MessageTypeClose, "", nil)
	assert.Contains(t, errorText(t, receive(t, conn)), "no session negotiated")
}

func TestInvalidMessages(t *testing.T) {
	_, url := startServer(t, newFakeSessions(), nil, nil)
	conn := dial(t, url)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Contains(t, errorText(t, receive(t, conn)), "failed to parse message")

	send(t, conn, "dance", "", nil)
	assert.Contains(t, errorText(t, receive(t, conn)), "unknown message type")

	send(t, conn, model.MessageTypeOffer, "", model.OfferPayload{})
	assert.Contains(t, errorText(t, receive(t, conn)), "invalid offer payload")

	send(t, conn, model.MessageTypeOffer, "viewer-1", model.OfferPayload{SDP: "v=0"})
	require.Equal(t, model.MessageTypeAnswer, receive(t, conn).Type)

	send(t, conn, model.MessageTypeSwitch, "", model.SwitchPayload{Substream: "thirdstream"})
	assert.Contains(t, errorText(t, receive(t, conn)), "invalid switch payload")

	send(t, conn, model.MessageTypeICECandidate, "viewer-2", webrtc.ICECandidateInit{Candidate: "candidate:x"})
	assert.Contains(t, errorText(t, receive(t, conn)), "not bound")
}

func TestCloseMessage(t *testing.T) {
	sessions := newFakeSessions()
	_, url := startServer(t, sessions, nil, nil)
	conn := dial(t, url)

	send(t, conn, model.MessageTypeOffer, "viewer-1", model.OfferPayload{SDP: "v=0"})
	require.Equal(t, model.MessageTypeAnswer, receive(t, conn).Type)

	send(t, conn, model.MessageTypeClose, "viewer-1", nil)

	closed := receive(t, conn)
	require.Equal(t, model.MessageTypeClosed, closed.Type)
	var payload model.ClosedPayload
	require.NoError(t, json.Unmarshal(closed.Payload, &payload))
	assert.Equal(t, service.ReasonViewerClosed, payload.Reason)
	assert.Equal(t, service.ReasonViewerClosed, sessions.removedReason("viewer-1"))
}

func TestDisconnectRemovesSession(t *testing.T) {
	sessions := newFakeSessions()
	hub, url := startServer(t, sessions, nil, nil)
	conn := dial(t, url)

	send(t, conn, model.MessageTypeOffer, "viewer-1", model.OfferPayload{SDP: "v=0"})
	require.Equal(t, model.MessageTypeAnswer, receive(t, conn).Type)

	conn.Close()

	require.Eventually(t, func() bool {
		return sessions.removedReason("viewer-1") == ReasonSignalingClosed
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestAnswerWriteFailureRemovesSession(t *testing.T) {
	sessions := newFakeSessions()
	hub := NewHub(sessions, Options{}, nil, logging.NewDefaultLoggerFactory())

	// A client whose connection already went away
	c := &client{hub: hub, key: "ip:test", send: make(chan []byte, 1), done: make(chan struct{})}
	c.shutdown()

	payload, err := json.Marshal(model.OfferPayload{SDP: "v=0"})
	require.NoError(t, err)

	err = c.handleOffer(&model.SignalingMessage{Type: model.MessageTypeOffer, PeerID: "viewer-1", Payload: payload})
	require.Error(t, err)
	require.Equal(t, ReasonSignalingClosed, sessions.removedReason("viewer-1"))
	require.Empty(t, c.boundPeer())
}

func TestOfferRateLimited(t *testing.T) {
	sessions := newFakeSessions()
	sessions.allowErr = ratelimit.ErrRateLimitExceeded
	_, url := startServer(t, sessions, nil, nil)
	conn := dial(t, url)

	send(t, conn, model.MessageTypeOffer, "viewer-1", model.OfferPayload{SDP: "v=0"})
	assert.Contains(t, errorText(t, receive(t, conn)), "rate limit exceeded")
}

func TestAuthPinsPeerID(t *testing.T) {
	authService := auth.NewService(auth.Config{Enabled: true, Secret: "s3cret"})
	token, err := authService.GenerateToken("viewer-tok", time.Minute)
	require.NoError(t, err)

	sessions := newFakeSessions()
	_, url := startServer(t, sessions, authService, nil)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn := dial(t, url+"?token="+token)
	send(t, conn, model.MessageTypeOffer, "someone-else", model.OfferPayload{SDP: "v=0"})

	answer := receive(t, conn)
	require.Equal(t, model.MessageTypeAnswer, answer.Type)
	assert.Equal(t, "viewer-tok", answer.PeerID)
}

func TestOriginCheck(t *testing.T) {
	_, url := startServer(t, newFakeSessions(), nil, []string{"https://viewer.example"})

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://viewer.example")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	conn.Close()
}
