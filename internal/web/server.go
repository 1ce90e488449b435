package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"rfblinds-go-home/internal/automation"
	"rfblinds-go-home/internal/bits"
	"rfblinds-go-home/internal/codec"
	"rfblinds-go-home/internal/coordinator"
	"rfblinds-go-home/internal/radio"
	"rfblinds-go-home/internal/store"
	"rfblinds-go-home/internal/transform"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed CORS and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the application version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP API of the blinds service.
type Server struct {
	coord          *coordinator.Coordinator
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the API server and starts its WebSocket hub.
func NewServer(coord *coordinator.Coordinator, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		coord:  coord,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.unsubEvents = coord.Events().OnAll(func(event coordinator.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s
}

// Stop shuts down the WebSocket hub and waits for its goroutine.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	// Devices
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("POST /api/devices", s.handleAPIPairDevice)
	s.mux.HandleFunc("GET /api/devices/{id}", s.handleAPIGetDevice)
	s.mux.HandleFunc("PATCH /api/devices/{id}", s.handleAPIUpdateDevice)
	s.mux.HandleFunc("DELETE /api/devices/{id}", s.handleAPIDeleteDevice)
	s.mux.HandleFunc("POST /api/devices/{id}/capability", s.handleAPISetCapability)
	s.mux.HandleFunc("POST /api/devices/{id}/tilt", s.handleAPITilt)
	s.mux.HandleFunc("POST /api/devices/{id}/my", s.handleAPIMy)
	s.mux.HandleFunc("POST /api/devices/{id}/action", s.handleAPISendAction)
	s.mux.HandleFunc("POST /api/devices/{id}/program", s.handleAPIProgram)

	// Learn mode
	s.mux.HandleFunc("GET /api/learn", s.handleAPILearnStatus)
	s.mux.HandleFunc("POST /api/learn/start", s.handleAPILearnStart)
	s.mux.HandleFunc("POST /api/learn/stop", s.handleAPILearnStop)
	s.mux.HandleFunc("POST /api/learn/{id}", s.handleAPILearnAdopt)

	// Radio, models, codec tools
	s.mux.HandleFunc("GET /api/radio", s.handleAPIRadioInfo)
	s.mux.HandleFunc("GET /api/models", s.handleAPIListModels)
	s.mux.HandleFunc("POST /api/codec/encode", s.handleAPIEncode)
	s.mux.HandleFunc("POST /api/codec/decode", s.handleAPIDecode)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	// Automations
	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// The WebSocket upgrade cannot carry custom headers, so only /api/ is
	// key protected.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody reads a JSON request body into v. An empty body leaves v
// unchanged so optional payloads may be omitted.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, coordinator.ErrNotDiscovered),
		errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrDeviceExists):
		return http.StatusConflict
	case errors.Is(err, transform.ErrCapability),
		errors.Is(err, transform.ErrSteps),
		errors.Is(err, coordinator.ErrUnknownModel),
		errors.Is(err, coordinator.ErrInvalidSettings),
		errors.Is(err, coordinator.ErrRail),
		errors.Is(err, coordinator.ErrLearnUnsupported),
		errors.Is(err, codec.ErrUnknownProtocol),
		errors.Is(err, codec.ErrMalformedAddress),
		errors.Is(err, codec.ErrUnmappedCommand),
		errors.Is(err, codec.ErrRepeatRange),
		errors.Is(err, codec.ErrUnknownCode),
		errors.Is(err, bits.ErrMalformed),
		errors.Is(err, automation.ErrInvalidScript):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrStopped),
		errors.Is(err, radio.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, radio.ErrNoAck):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// writeErr logs unexpected failures and answers with the mapped status.
func (s *Server) writeErr(w http.ResponseWriter, err error, attrs ...any) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", append(attrs, "err", err)...)
		if status == http.StatusInternalServerError {
			s.writeError(w, status, "internal server error")
			return
		}
	}
	s.writeError(w, status, err.Error())
}
