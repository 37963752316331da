package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/marcus20232023/a2a-shib-payments/webhooks"
)

type registerWebhookRequest struct {
	URL        string            `json:"url"`
	EventTypes []string          `json:"eventTypes"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// handleRegisterWebhook registers a subscription. This is the only response
// carrying the signing secret.
func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	var req registerWebhookRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	sub, err := s.hooks.Register(req.URL, req.EventTypes, webhooks.RegisterParams{Headers: req.Headers})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.hooks.ListSubscriptions())
}

func (s *Server) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	sub, err := s.hooks.GetSubscription(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL        *string           `json:"url,omitempty"`
		EventTypes []string          `json:"eventTypes,omitempty"`
		Enabled    *bool             `json:"enabled,omitempty"`
		Headers    map[string]string `json:"headers,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	sub, err := s.hooks.Update(chi.URLParam(r, "id"), webhooks.UpdateParams{
		URL:        req.URL,
		EventTypes: req.EventTypes,
		Enabled:    req.Enabled,
		Headers:    req.Headers,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleUnregisterWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.hooks.Unregister(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	event, err := s.hooks.TestWebhook(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	n := queryInt(r, "limit", 100)
	if s.eventLog == nil {
		writeJSON(w, http.StatusOK, []webhooks.LogEntry{})
		return
	}
	writeJSON(w, http.StatusOK, s.eventLog.Recent(n))
}

type sweepResponse struct {
	TimedOutEscrows []string `json:"timedOutEscrows"`
	ExpiredQuotes   []string `json:"expiredQuotes"`
}

// handleSweep runs the timeout and expiration sweeps on demand, for an
// external scheduler.
func (s *Server) handleSweep(w http.ResponseWriter, _ *http.Request) {
	timedOut, err := s.escrows.ProcessTimeouts()
	if err != nil {
		s.writeError(w, err)
		return
	}
	expired, err := s.quotes.ProcessExpirations()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if timedOut == nil {
		timedOut = []string{}
	}
	if expired == nil {
		expired = []string{}
	}
	writeJSON(w, http.StatusOK, sweepResponse{TimedOutEscrows: timedOut, ExpiredQuotes: expired})
}
