// Package http runs the client-facing server: the JSON API, the
// WebSocket and long-poll subscription endpoints, metrics and health.
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"github.com/opalchat/chat-replica-service/config"
	"github.com/opalchat/chat-replica-service/internal/consensus"
	"github.com/opalchat/chat-replica-service/internal/domain/model"
	"github.com/opalchat/chat-replica-service/internal/domain/registry"
	"github.com/opalchat/chat-replica-service/internal/handler/httpapi"
	"github.com/opalchat/chat-replica-service/internal/handler/lp"
	"github.com/opalchat/chat-replica-service/internal/handler/ws"
	"github.com/opalchat/chat-replica-service/internal/service"
)

type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

type RouterParams struct {
	fx.In

	API    *httpapi.API
	WS     *ws.WSHandler
	LP     *lp.LPHandler
	Hub    registry.Hubber
	Repl   service.Replicator
	Logger *slog.Logger
}

func NewRouter(p RouterParams) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Mount("/v1", p.API.Routes())
	r.Handle("/v1/subscribe", p.WS)
	r.Get("/v1/poll", p.LP.Poll)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", healthHandler(p.Repl, p.Hub))

	return r
}

type healthBody struct {
	Status    string           `json:"status"`
	Consensus consensus.Status `json:"consensus"`
	Hub       model.HubStats   `json:"hub"`
}

// healthHandler reports degraded while the node does not know a
// leader: it can serve subscriptions but cannot place or answer
// linearizable operations.
func healthHandler(repl service.Replicator, hub registry.Hubber) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := healthBody{
			Status:    "ok",
			Consensus: repl.Status(),
			Hub:       hub.Stats(),
		}
		code := http.StatusOK
		if body.Consensus.LeaderID == "" {
			body.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func NewServer(cfg *config.Config, router chi.Router, logger *slog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.With("component", "http_server"),
	}
}

var Module = fx.Module("http-server",
	fx.Provide(
		httpapi.NewAPI,
		lp.NewLPHandler,
		func(cfg *config.Config, logger *slog.Logger, deliverer service.Deliverer, sessions service.Sessioner) *ws.WSHandler {
			return ws.NewWSHandler(logger, deliverer, sessions, cfg.Node.ID)
		},
		NewRouter,
		NewServer,
	),

	fx.Invoke(func(lc fx.Lifecycle, s *Server) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				s.logger.Info("client api listening", "addr", s.srv.Addr)
				go func() {
					if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						s.logger.Error("http server stopped", "err", err)
					}
				}()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				return s.srv.Shutdown(ctx)
			},
		})
	}),
)
