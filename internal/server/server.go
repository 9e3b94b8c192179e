// Package server exposes the control surface: a JSON REST API for axis
// status and commands, and a websocket event stream that broadcasts the
// per-tick axis state documents.
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/telescopio-montemayor/ethernet-encoder-servo/internal/auth"
	"github.com/telescopio-montemayor/ethernet-encoder-servo/pkg/config"
	"github.com/telescopio-montemayor/ethernet-encoder-servo/pkg/servo"
)

type contextKey string

const usernameKey contextKey = "username"

// Server holds the HTTP router and its dependencies.
type Server struct {
	router   *chi.Mux
	registry *servo.Registry
	events   *EventBus
	authSvc  *auth.Service
	cfg      *config.Config
}

// New assembles the router. The auth service is built only when
// cfg.Auth.Enabled is set; otherwise no route requires a token.
func New(cfg *config.Config, registry *servo.Registry, events *EventBus) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		registry: registry,
		events:   events,
		cfg:      cfg,
	}

	if cfg.Auth.Enabled {
		s.authSvc = auth.NewService(auth.Config{
			JWTSecret:     cfg.Auth.JWTSecret,
			TokenDuration: time.Duration(cfg.Auth.TokenDurationHours) * time.Hour,
		})
	}

	s.setupRoutes()
	return s
}

// Handler returns the assembled router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	r := s.router

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	// CORS: the web UI may be served from anywhere on the observatory
	// network.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "PUT", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		if s.authSvc != nil {
			r.Post("/auth/login", s.handleLogin)
		}

		r.Get("/devices", s.handleListDevices)
		r.Get("/devices/{name}", s.handleDeviceStatus)
		r.Get("/devices/{name}/pid", s.handleGetPID)

		// Mutating endpoints; token-guarded when auth is enabled.
		r.Group(func(r chi.Router) {
			if s.authSvc != nil {
				r.Use(s.authMiddleware)
			}

			r.Put("/devices/{name}/goto", s.handleGotoRaw)
			r.Put("/devices/{name}/goto/angle", s.handleGotoAngle)
			r.Put("/devices/{name}/goto/astronomical", s.handleGotoAstronomical)
			r.Put("/devices/{name}/goto/relative/angle", s.handleGotoRelativeAngle)
			r.Put("/devices/{name}/goto/relative/astronomical", s.handleGotoRelativeAstronomical)

			r.Put("/devices/{name}/sync", s.handleSyncRaw)
			r.Put("/devices/{name}/sync/angle", s.handleSyncAngle)
			r.Put("/devices/{name}/sync/astronomical", s.handleSyncAstronomical)

			r.Put("/devices/{name}/tracking", s.handleTracking)
			r.Put("/devices/{name}/run_speed", s.handleRunSpeed)
			r.Put("/devices/{name}/halt", s.handleHalt)
			r.Put("/devices/{name}/resume", s.handleResume)
			r.Get("/devices/{name}/reset", s.handleReset)

			r.Put("/devices/{name}/pid", s.handleSetPID)
		})
	})

	// Websocket event stream.
	r.Get("/ws", s.events.HandleWS)
}

// authMiddleware validates the bearer token on mutating requests.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			respondError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		var token string
		if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
			token = authHeader[7:]
		} else {
			respondError(w, http.StatusUnauthorized, "invalid authorization header format")
			return
		}

		claims, err := s.authSvc.ValidateToken(token)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), usernameKey, claims.Username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// handleLogin verifies the operator password and issues a session token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Username != s.cfg.Auth.Username {
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := s.authSvc.ComparePassword(s.cfg.Auth.PasswordHash, req.Password); err != nil {
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.authSvc.GenerateToken(req.Username)
	if err != nil {
		log.Printf("web: failed to generate token: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"token":    token,
		"username": req.Username,
	})
}

// Helper functions

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("web: JSON encode error: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"message": message})
}
