package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/x402-paygate/internal/api/handler"
	"github.com/xela07ax/x402-paygate/internal/engine"
	"github.com/xela07ax/x402-paygate/internal/infra/auth"
	"go.uber.org/zap"
)

// Pinger — проверка хранилища для /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	router *chi.Mux
	logger *zap.Logger

	// Проверка RS256-токенов внешнего провайдера сессий
	authValidator auth.TokenValidator

	handler *handler.Handler
	health  Pinger
}

func NewServer(logger *zap.Logger, validator auth.TokenValidator, h *handler.Handler, health Pinger) *Server {
	s := &Server{
		router:        chi.NewRouter(),
		logger:        logger.Named("http"),
		authValidator: validator,
		handler:       h,
		health:        health,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(engine.TracingMiddleware)

	// Публичные роуты
	r.Get("/health", s.healthCheck)

	// Защищенный периметр (RS256 токен)
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		r.Post("/v1/payments", s.handler.Attempt)

		r.Route("/v1/pending", func(r chi.Router) {
			r.Get("/", s.handler.ListPending)
			r.Post("/{id}/approve", s.handler.Approve)
			r.Post("/{id}/reject", s.handler.Reject)
		})

		r.Get("/v1/transactions", s.handler.History)
		r.Get("/v1/audit", s.handler.Audit)
		r.Get("/v1/settlements/{ref}", s.handler.Verify)
		r.Put("/v1/policies", s.handler.SetPolicy)

		r.Route("/v1/wallet", func(r chi.Router) {
			r.Post("/withdrawals", s.handler.Withdraw)
			r.Post("/freeze", s.handler.Freeze)
		})
	})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.health.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
