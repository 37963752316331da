package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/marcus20232023/a2a-shib-payments/core/executor"
	"github.com/marcus20232023/a2a-shib-payments/core/fault"
	"github.com/marcus20232023/a2a-shib-payments/gateway/middleware"
	"github.com/marcus20232023/a2a-shib-payments/native/escrow"
	"github.com/marcus20232023/a2a-shib-payments/native/negotiation"
	"github.com/marcus20232023/a2a-shib-payments/native/tipping"
	"github.com/marcus20232023/a2a-shib-payments/webhooks"
)

// Config tunes the HTTP surface.
type Config struct {
	Auth          middleware.AuthConfig
	RatePerSecond float64
	RateBurst     int
	IntentSecret  string
}

// Deps are the engines and stores the server fronts. Store and Executor are
// optional.
type Deps struct {
	Escrows  *escrow.Engine
	Quotes   *negotiation.Engine
	Tips     *tipping.Engine
	Hooks    *webhooks.Engine
	EventLog *webhooks.EventLog
	Store    *SQLiteStore
	Executor executor.PaymentExecutor
	Logger   *slog.Logger
}

// Server exposes every engine operation as JSON over HTTP.
type Server struct {
	logger   *slog.Logger
	escrows  *escrow.Engine
	quotes   *negotiation.Engine
	tips     *tipping.Engine
	hooks    *webhooks.Engine
	eventLog *webhooks.EventLog
	store    *SQLiteStore
	settler  executor.PaymentExecutor
	intents  *PayIntentBuilder
	router   chi.Router
}

// NewServer wires the route table.
func NewServer(cfg Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		logger:   logger,
		escrows:  deps.Escrows,
		quotes:   deps.Quotes,
		tips:     deps.Tips,
		hooks:    deps.Hooks,
		eventLog: deps.EventLog,
		store:    deps.Store,
		settler:  deps.Executor,
		intents:  NewPayIntentBuilder(cfg.IntentSecret),
	}

	auth := middleware.NewAuthenticator(cfg.Auth, logger)
	limiter := middleware.NewRateLimiter(cfg.RatePerSecond, cfg.RateBurst)
	obs := middleware.NewObservability("payments-gateway", logger)

	r := chi.NewRouter()
	r.Use(limiter.Middleware())
	r.Use(s.audit)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", obs.MetricsHandler())

	read := auth.Middleware(middleware.ScopeRead)
	write := auth.Middleware(middleware.ScopeWrite)
	admin := auth.Middleware(middleware.ScopeAdmin)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/escrows", func(r chi.Router) {
			r.With(obs.Middleware("escrows"), write).Post("/", s.idempotent(s.handleCreateEscrow))
			r.With(obs.Middleware("escrows"), read).Get("/", s.handleListEscrows)
			r.With(obs.Middleware("escrows"), read).Get("/{id}", s.handleGetEscrow)
			r.With(obs.Middleware("escrows"), write).Post("/{id}/fund", s.handleFundEscrow)
			r.With(obs.Middleware("escrows"), write).Post("/{id}/approve", s.handleApproveEscrow)
			r.With(obs.Middleware("escrows"), write).Post("/{id}/delivery", s.handleSubmitDelivery)
			r.With(obs.Middleware("escrows"), write).Post("/{id}/release", s.handleReleaseEscrow)
			r.With(obs.Middleware("escrows"), write).Post("/{id}/refund", s.handleRefundEscrow)
			r.With(obs.Middleware("escrows"), write).Post("/{id}/dispute", s.handleDisputeEscrow)
			r.With(obs.Middleware("escrows"), admin).Post("/{id}/resolve", s.handleResolveDispute)
			r.With(obs.Middleware("escrows"), write).Post("/{id}/settlement", s.handleRecordSettlement)
		})

		r.Route("/quotes", func(r chi.Router) {
			r.With(obs.Middleware("quotes"), write).Post("/", s.idempotent(s.handleCreateQuote))
			r.With(obs.Middleware("quotes"), read).Get("/", s.handleListQuotes)
			r.With(obs.Middleware("quotes"), read).Get("/{id}", s.handleGetQuote)
			r.With(obs.Middleware("quotes"), write).Post("/{id}/accept", s.handleAcceptQuote)
			r.With(obs.Middleware("quotes"), write).Post("/{id}/counter", s.handleCounterQuote)
			r.With(obs.Middleware("quotes"), write).Post("/{id}/accept-counter", s.handleAcceptCounter)
			r.With(obs.Middleware("quotes"), write).Post("/{id}/reject", s.handleRejectQuote)
			r.With(obs.Middleware("quotes"), write).Post("/{id}/delivered", s.handleMarkDelivered)
			r.With(obs.Middleware("quotes"), write).Post("/{id}/confirm", s.handleConfirmDelivery)
		})

		r.Route("/tips", func(r chi.Router) {
			r.With(obs.Middleware("tips"), write).Post("/", s.idempotent(s.handleCreateTip))
			r.With(obs.Middleware("tips"), read).Get("/", s.handleListTips)
			r.With(obs.Middleware("tips"), read).Get("/batch", s.handleTipBatch)
			r.With(obs.Middleware("tips"), read).Get("/stats/global", s.handleGlobalStats)
			r.With(obs.Middleware("tips"), read).Get("/stats/repo", s.handleRepoStats)
			r.With(obs.Middleware("tips"), read).Get("/stats/tipper", s.handleTipperStats)
			r.With(obs.Middleware("tips"), read).Get("/{id}", s.handleGetTip)
			r.With(obs.Middleware("tips"), write).Post("/{id}/escrow", s.handleCreateTipEscrow)
			r.With(obs.Middleware("tips"), write).Post("/{id}/fund", s.handleFundTip)
			r.With(obs.Middleware("tips"), write).Post("/{id}/lock", s.handleLockTip)
			r.With(obs.Middleware("tips"), write).Post("/{id}/release", s.handleReleaseTip)
			r.With(obs.Middleware("tips"), write).Post("/{id}/cancel", s.handleCancelTip)
		})

		r.Route("/webhooks", func(r chi.Router) {
			r.With(obs.Middleware("webhooks"), admin).Post("/", s.handleRegisterWebhook)
			r.With(obs.Middleware("webhooks"), admin).Get("/", s.handleListWebhooks)
			r.With(obs.Middleware("webhooks"), admin).Get("/{id}", s.handleGetWebhook)
			r.With(obs.Middleware("webhooks"), admin).Patch("/{id}", s.handleUpdateWebhook)
			r.With(obs.Middleware("webhooks"), admin).Delete("/{id}", s.handleUnregisterWebhook)
			r.With(obs.Middleware("webhooks"), admin).Post("/{id}/test", s.handleTestWebhook)
		})

		r.With(obs.Middleware("events"), admin).Get("/events", s.handleRecentEvents)
		r.With(obs.Middleware("maintenance"), admin).Post("/maintenance/sweep", s.handleSweep)
	})

	s.router = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	State string `json:"state,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var fe *fault.Error
	if errors.As(err, &fe) {
		status := http.StatusInternalServerError
		switch fe.Kind {
		case fault.KindInvalidInput, fault.KindInvalidEventType, fault.KindNoValidEventTypes:
			status = http.StatusBadRequest
		case fault.KindUnauthorized:
			status = http.StatusForbidden
		case fault.KindPrecondition:
			status = http.StatusConflict
		case fault.KindNotFound:
			status = http.StatusNotFound
		case fault.KindTransient:
			status = http.StatusBadGateway
		}
		writeJSON(w, status, errorBody{Error: fe.Error(), Kind: fe.Kind.String(), State: fe.State})
		return
	}
	if errors.Is(err, ErrIdempotencyMismatch) {
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
		return
	}
	s.logger.Error("request failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fault.InvalidInput("invalid request body: %v", err)
	}
	return nil
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback
	}
	if v, err := strconv.Atoi(raw); err == nil {
		return v
	}
	return fallback
}
