package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/pion/logging"

	"github.com/Harshitk-cp/camrelay/internal/config"
)

// HTTPServer represents the HTTP server
type HTTPServer struct {
	config *config.Config
	server *http.Server
	log    logging.LeveledLogger
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(cfg *config.Config, handler http.Handler, factory logging.LoggerFactory) *HTTPServer {
	return &HTTPServer{
		config: cfg,
		server: &http.Server{
			Addr:        cfg.HTTP.Address,
			Handler:     handler,
			ReadTimeout: cfg.HTTP.ReadTimeout,
			// Non-trickle offers wait for ICE gathering
			WriteTimeout: cfg.HTTP.WriteTimeout + cfg.WebRTC.OfferTimeout,
		},
		log: factory.NewLogger("http"),
	}
}

// Start serves until Stop is called
func (s *HTTPServer) Start() error {
	s.log.Infof("Starting HTTP server on %s", s.config.HTTP.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server
func (s *HTTPServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.HTTP.ShutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}
