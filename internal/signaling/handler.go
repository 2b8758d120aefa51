package signaling

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"

	"github.com/Harshitk-cp/camrelay/internal/auth"
	"github.com/Harshitk-cp/camrelay/pkg/util"
)

// Handler upgrades signaling requests and hands them to the hub
type Handler struct {
	hub      *Hub
	auth     *auth.Service
	upgrader websocket.Upgrader
	log      logging.LeveledLogger
}

// NewHandler creates a WebSocket handler. An empty origin list, or "*",
// accepts any origin.
func NewHandler(hub *Hub, authService *auth.Service, allowedOrigins []string, factory logging.LoggerFactory) *Handler {
	return &Handler{
		hub:  hub,
		auth: authService,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
		log: factory.NewLogger("signaling"),
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}

		// Check against allowed origins
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}

		return false
	}
}

// ServeHTTP handles HTTP requests for WebSocket connections
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var peerID string
	if h.auth != nil {
		claims, err := h.auth.Authenticate(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		if claims != nil {
			peerID = claims.Subject
		}
	}

	// Upgrade HTTP connection to WebSocket
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied
		h.log.Warnf("Failed to upgrade connection: %v", err)
		return
	}

	h.hub.Register(conn, "ip:"+util.ClientIP(r), peerID)
}
