package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/tanpawarit/care-dialogue-scheduler/agent/agents/orchestrator"
	contractx "github.com/tanpawarit/care-dialogue-scheduler/agent/contract"
	slotx "github.com/tanpawarit/care-dialogue-scheduler/agent/slot"
)

const shutdownTimeout = 10 * time.Second

// Scheduler is the orchestrator surface the transport needs.
type Scheduler interface {
	HandleMessage(ctx context.Context, req orchestrator.ChatRequest) (orchestrator.ChatResponse, error)
	ConfirmBooking(ctx context.Context, req orchestrator.ConfirmRequest) (orchestrator.ConfirmResponse, error)
	ClearSession(ctx context.Context, conversationID string) error
	LastReply(ctx context.Context, conversationID string) (contractx.Turn, bool, error)
}

type SlotCatalog interface {
	Add(ctx context.Context, spec slotx.Spec) (*slotx.Slot, error)
	Len() int
}

// Config tunes the listener. RateLimit is chat messages per second per
// conversation; zero disables limiting. ClientRateLimit caps messages per
// second per client IP and defaults to a multiple of RateLimit.
type Config struct {
	Addr            string
	RateLimit       float64
	RateBurst       int
	ClientRateLimit float64
	ClientRateBurst int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
}

type Deps struct {
	Scheduler Scheduler
	Slots     SlotCatalog
	Metrics   http.Handler
	Logger    zerolog.Logger
}

type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     zerolog.Logger
}

func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Scheduler == nil {
		return nil, errors.New("scheduler is required")
	}
	clientRate, clientBurst := clientLimits(cfg)
	h := &handlers{
		scheduler:     deps.Scheduler,
		slots:         deps.Slots,
		conversations: newKeyedLimiter(cfg.RateLimit, cfg.RateBurst),
		clients:       newKeyedLimiter(clientRate, clientBurst),
	}
	router := newRouter(h, deps)
	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: router,
		logger:  deps.Logger,
	}, nil
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is done and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info().Msg("http server shutting down")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

func newRouter(h *handlers, deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(deps.Logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, elapsed time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Int("status", status).
			Int("size", size).
			Dur("elapsed", elapsed).
			Msg("http request")
	}))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	r.Post("/chat", h.chat)
	r.Post("/booking/confirm", h.confirm)
	r.Post("/session/clear", h.clear)
	r.Get("/sessions/{conversationID}/last-reply", h.lastReply)

	if deps.Slots != nil {
		r.Post("/admin/slots", h.addSlot)
	}
	return r
}
