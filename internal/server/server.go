// Пакет server - HTTP-сервер Resilience Module с graceful shutdown.
// Без TLS - HTTP внутри кластера, TLS termination на API Gateway.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"

	"github.com/arturkryukov/artstore/resilience-module/internal/api/handlers"
	"github.com/arturkryukov/artstore/resilience-module/internal/api/middleware"
	"github.com/arturkryukov/artstore/resilience-module/internal/config"
)

// Server - HTTP-сервер Resilience Module.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер с настроенными routes и middleware.
// auth - middleware аутентификации для /api/v1; nil отключает проверку
// токенов и scopes. Health и /metrics всегда доступны без токена.
func New(cfg *config.Config, logger *slog.Logger, api *handlers.APIHandler, health *handlers.HealthHandler,
	auth func(http.Handler) http.Handler) *Server {
	router := chi.NewRouter()
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))

	router.Get("/health/live", health.HealthLive)
	router.Get("/health/ready", health.HealthReady)
	router.Get("/metrics", health.GetMetrics)

	router.Route("/api/v1", func(r chi.Router) {
		if auth != nil {
			r.Use(auth)
		}
		r.Group(func(r chi.Router) {
			if auth != nil {
				r.Use(middleware.RequireScope(middleware.ScopeRead))
			}
			r.Get("/operations", api.ListOperations)
			r.Get("/operations/history", api.ListHistory)
			r.Get("/operations/{pnfsid}", api.GetOperation)
			r.Get("/pools", api.ListPools)
		})
		r.Group(func(r chi.Router) {
			if auth != nil {
				r.Use(middleware.RequireScope(middleware.ScopeWrite))
			}
			r.Post("/events/locations", api.PostLocation)
			r.Post("/events/corrupt", api.PostCorrupt)
			r.Post("/events/qos", api.PostQoS)
			r.Post("/events/staging-reply", api.PostStagingReply)
			r.Post("/events/pool-status", api.PostPoolStatus)
			r.Post("/migrations/finished", api.PostCopyFinished)
			r.Put("/topology", api.PutTopology)
			r.Post("/pools/{name}/scan", api.ScanPool)
			r.Post("/pools/{name}/exclude", api.ExcludePool)
			r.Post("/pools/{name}/include", api.IncludePool)
		})
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// Handler возвращает корневой обработчик (для тестов).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM)
// или отмены ctx. Затем выполняется graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case <-ctx.Done():
		s.logger.Info("Контекст сервера отменён")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
