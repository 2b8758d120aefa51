// Package handler exposes the relay over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pion/logging"

	"github.com/Harshitk-cp/camrelay/internal/auth"
	"github.com/Harshitk-cp/camrelay/internal/config"
	"github.com/Harshitk-cp/camrelay/internal/health"
	"github.com/Harshitk-cp/camrelay/internal/metrics"
	"github.com/Harshitk-cp/camrelay/internal/model"
	"github.com/Harshitk-cp/camrelay/internal/ratelimit"
	"github.com/Harshitk-cp/camrelay/internal/service"
	"github.com/Harshitk-cp/camrelay/internal/session"
	"github.com/Harshitk-cp/camrelay/internal/transport"
	"github.com/Harshitk-cp/camrelay/pkg/middleware"
	"github.com/Harshitk-cp/camrelay/pkg/util"
)

// maxOfferSize caps an SDP offer body
const maxOfferSize = 64 * 1024

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Uptime    string    `json:"uptime"`
}

// SubstreamRequest selects a viewer's substream
type SubstreamRequest struct {
	Substream string `json:"substream" validate:"required,substream"`
}

// Options are the handler's collaborators
type Options struct {
	Service   *service.Service
	Health    *health.Checker
	Metrics   metrics.Collector
	Auth      *auth.Service
	Signaling http.Handler
	Factory   logging.LoggerFactory
}

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	config    *config.Config
	service   *service.Service
	health    *health.Checker
	metrics   metrics.Collector
	auth      *auth.Service
	signaling http.Handler
	log       logging.LeveledLogger
	router    *mux.Router
	startTime time.Time
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(cfg *config.Config, opts Options) *HTTPHandler {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.Factory == nil {
		opts.Factory = logging.NewDefaultLoggerFactory()
	}
	if opts.Auth == nil {
		opts.Auth = auth.NewService(auth.Config{})
	}

	h := &HTTPHandler{
		config:    cfg,
		service:   opts.Service,
		health:    opts.Health,
		metrics:   opts.Metrics,
		auth:      opts.Auth,
		signaling: opts.Signaling,
		log:       opts.Factory.NewLogger("http"),
		router:    mux.NewRouter(),
		startTime: time.Now(),
	}

	// Set up routes
	h.setupRoutes()

	return h
}

// ServeHTTP implements the http.Handler interface
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// setupRoutes sets up the HTTP routes
func (h *HTTPHandler) setupRoutes() {
	h.router.Use(
		middleware.Tracing,
		middleware.Recovery(h.log),
		middleware.Logging(h.log),
		middleware.Metrics(h.metrics),
	)

	// Health and readiness
	h.router.HandleFunc("/health", h.healthCheck).Methods(http.MethodGet)
	if h.health != nil {
		h.router.Handle("/ready", h.health.HTTPHandler()).Methods(http.MethodGet)
	}

	// Metrics endpoint
	if h.config.Metrics.Enabled {
		h.router.Handle(h.config.Metrics.Path, h.metrics.Handler()).Methods(http.MethodGet)
	}

	// Signaling authenticates in its own handler
	if h.signaling != nil {
		h.router.Handle(h.config.Signaling.Path, h.signaling).Methods(http.MethodGet)
	}

	// API routes. They hang off the root router so a method mismatch
	// reaches MethodNotAllowedHandler.
	authed := middleware.Auth(h.auth)
	route := func(path string, fn http.HandlerFunc, method string) {
		h.router.Handle(path, authed(fn)).Methods(method)
	}

	route("/v1/sessions", h.listSessions, http.MethodGet)
	route("/v1/sessions", h.offerNew, http.MethodPost)
	route("/v1/sessions/{peerID}", h.getSession, http.MethodGet)
	route("/v1/sessions/{peerID}", h.deleteSession, http.MethodDelete)
	route("/v1/sessions/{peerID}/offer", h.offer, http.MethodPost)
	route("/v1/sessions/{peerID}/substream", h.selectSubstream, http.MethodPost)
	route("/v1/pipelines", h.listPipelines, http.MethodGet)

	h.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondWithError(w, http.StatusNotFound, "not found")
	})
	h.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// healthCheck handles the liveness endpoint
func (h *HTTPHandler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, HealthResponse{
		Status:    "UP",
		Timestamp: time.Now(),
		Version:   h.config.Service.Version,
		Uptime:    time.Since(h.startTime).String(),
	})
}

// peerID returns the path peer ID, refusing tokens issued for another peer
func (h *HTTPHandler) peerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	peerID := mux.Vars(r)["peerID"]
	if err := util.ValidatePeerID(peerID); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return "", false
	}

	if subject := auth.PeerID(r.Context()); subject != "" && subject != peerID {
		respondWithError(w, http.StatusForbidden, "token not valid for this peer")
		return "", false
	}

	return peerID, true
}

// offer negotiates a session for the path peer ID
func (h *HTTPHandler) offer(w http.ResponseWriter, r *http.Request) {
	peerID, ok := h.peerID(w, r)
	if !ok {
		return
	}
	h.negotiate(w, r, peerID)
}

// offerNew negotiates a session under the token subject or a generated ID
func (h *HTTPHandler) offerNew(w http.ResponseWriter, r *http.Request) {
	h.negotiate(w, r, auth.PeerID(r.Context()))
}

// negotiate answers a raw SDP offer with SDP once ICE gathering completes
func (h *HTTPHandler) negotiate(w http.ResponseWriter, r *http.Request, peerID string) {
	if err := h.service.AllowOffer("ip:" + util.ClientIP(r)); err != nil {
		respondWithError(w, http.StatusTooManyRequests, err.Error())
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxOfferSize+1))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("failed to read offer: %v", err))
		return
	}
	if len(body) == 0 || len(body) > maxOfferSize {
		respondWithError(w, http.StatusBadRequest, "offer body must be a non-empty SDP")
		return
	}

	res, err := h.service.HandleOffer(r.Context(), peerID, string(body), service.OfferOptions{})
	if err != nil {
		respondWithError(w, statusFor(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/sdp")
	w.Header().Set("Location", "/v1/sessions/"+res.PeerID)
	w.WriteHeader(http.StatusCreated)
	w.Write([]byte(res.Answer))
}

// listSessions handles listing live sessions
func (h *HTTPHandler) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.service.Sessions()

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
		"capacity": h.service.Registry().Cap(),
	})
}

// getSession handles retrieving a session
func (h *HTTPHandler) getSession(w http.ResponseWriter, r *http.Request) {
	peerID, ok := h.peerID(w, r)
	if !ok {
		return
	}

	info, err := h.service.Session(peerID)
	if err != nil {
		respondWithError(w, statusFor(err), err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, info)
}

// selectSubstream requests a keyframe-aligned substream switch
func (h *HTTPHandler) selectSubstream(w http.ResponseWriter, r *http.Request) {
	peerID, ok := h.peerID(w, r)
	if !ok {
		return
	}

	var req SubstreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if err := util.Validate(req); err != nil {
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	sub, err := model.ParseSubstream(req.Substream)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.RequestSubstream(peerID, sub); err != nil {
		respondWithError(w, statusFor(err), err.Error())
		return
	}

	info, err := h.service.Session(peerID)
	if err != nil {
		respondWithError(w, statusFor(err), err.Error())
		return
	}

	respondWithJSON(w, http.StatusAccepted, info)
}

// deleteSession closes a session
func (h *HTTPHandler) deleteSession(w http.ResponseWriter, r *http.Request) {
	peerID, ok := h.peerID(w, r)
	if !ok {
		return
	}

	if err := h.service.RemoveSession(peerID, service.ReasonClosed); err != nil {
		respondWithError(w, statusFor(err), err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// listPipelines handles listing the media pipelines
func (h *HTTPHandler) listPipelines(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"pipelines": h.service.Pipelines(),
	})
}

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrCapacityExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrOfferHandled), errors.Is(err, session.ErrSessionExists):
		return http.StatusConflict
	case errors.Is(err, ratelimit.ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, transport.ErrOfferTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadRequest
	}
}

// respondWithJSON sends a JSON response
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	// Convert payload to JSON
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "failed to marshal response"}`))
		return
	}

	// Set headers
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

// respondWithError sends an error response
func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
