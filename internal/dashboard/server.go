// Package dashboard serves a read-only JSON view of the sync engine's state:
// settings, stored positions, and today's imported orders. It is an
// observability surface only; orders are never created or released here.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/svenkat/orderentry/internal/models"
	"github.com/svenkat/orderentry/internal/storage"
	"github.com/svenkat/orderentry/internal/util"
)

type Server struct {
	router    *chi.Mux
	server    *http.Server
	storage   storage.Interface
	logger    *logrus.Logger
	port      int
	authToken string
}

type Config struct {
	Port      int
	AuthToken string
}

func NewServer(cfg Config, store storage.Interface, logger *logrus.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		storage:   store,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/settings", s.handleGetSettings)
	s.router.Get("/api/positions", s.handleGetPositions)
	s.router.Get("/api/orders", s.handleGetOrders)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting dashboard server on port %d", s.port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	}
	s.writeJSON(w, health)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.storage.GetParseSettings()
	if err != nil {
		s.logger.WithError(err).Error("Failed to load settings")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if settings == nil {
		settings = []models.ParseSetting{}
	}
	s.writeJSON(w, settings)
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.storage.GetPositions(models.BrokerInteractiveBrokers)
	if err != nil {
		s.logger.WithError(err).Error("Failed to load positions")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []models.Position{}
	}
	s.writeJSON(w, positions)
}

// handleGetOrders returns today's imported orders across all settings. An
// optional ?date=YYYY-MM-DD overrides the day.
func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	day := util.TodayEST()
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			http.Error(w, "Bad Request: date must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		day = parsed
	}

	settings, err := s.storage.GetParseSettings()
	if err != nil {
		s.logger.WithError(err).Error("Failed to load settings")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	orders := []models.Order{}
	for _, setting := range settings {
		batch, err := s.storage.GetOrders(setting.Key, day)
		if err != nil {
			s.logger.WithError(err).Errorf("Failed to load orders for %s", setting.Key)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		orders = append(orders, batch...)
	}
	s.writeJSON(w, orders)
}

func (s *Server) writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
