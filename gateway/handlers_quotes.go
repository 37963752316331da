package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/marcus20232023/a2a-shib-payments/native/negotiation"
)

type createQuoteRequest struct {
	ProviderID      string                 `json:"providerId"`
	ClientID        string                 `json:"clientId"`
	Service         string                 `json:"service"`
	Price           float64                `json:"price"`
	Token           string                 `json:"token"`
	Terms           negotiation.TermsPatch `json:"terms"`
	ValidForMinutes int                    `json:"validForMinutes,omitempty"`
}

func (s *Server) handleCreateQuote(w http.ResponseWriter, r *http.Request) {
	var req createQuoteRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	quote, err := s.quotes.CreateQuote(req.ProviderID, req.ClientID, req.Service, req.Price, req.Token, req.Terms, req.ValidForMinutes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, quote)
}

func (s *Server) handleListQuotes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.quotes.List())
}

func (s *Server) handleGetQuote(w http.ResponseWriter, r *http.Request) {
	quote, err := s.quotes.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// handleAcceptQuote accepts a pending quote. The response carries the signed
// funding instruction for the synthesized escrow in X-Payment-Intent.
func (s *Server) handleAcceptQuote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"clientId"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	quote, err := s.quotes.Accept(chi.URLParam(r, "id"), req.ClientID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.attachPaymentIntent(w, quote)
	writeJSON(w, http.StatusOK, quote)
}

func (s *Server) handleCounterQuote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string                 `json:"clientId"`
		Price    float64                `json:"price"`
		Terms    negotiation.TermsPatch `json:"terms"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	quote, err := s.quotes.CounterOffer(chi.URLParam(r, "id"), req.ClientID, req.Price, req.Terms)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (s *Server) handleAcceptCounter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProviderID string `json:"providerId"`
		Index      *int   `json:"index,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	index := -1
	if req.Index != nil {
		index = *req.Index
	}
	quote, err := s.quotes.AcceptCounter(chi.URLParam(r, "id"), req.ProviderID, index)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.attachPaymentIntent(w, quote)
	writeJSON(w, http.StatusOK, quote)
}

func (s *Server) handleRejectQuote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"clientId"`
		Reason   string `json:"reason,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	quote, err := s.quotes.Reject(chi.URLParam(r, "id"), req.ClientID, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (s *Server) handleMarkDelivered(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProviderID string `json:"providerId"`
		Proof      []byte `json:"proof,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	quote, err := s.quotes.MarkDelivered(chi.URLParam(r, "id"), req.ProviderID, req.Proof)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (s *Server) handleConfirmDelivery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"clientId"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	quote, err := s.quotes.ConfirmDelivery(chi.URLParam(r, "id"), req.ClientID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (s *Server) attachPaymentIntent(w http.ResponseWriter, quote *negotiation.Quote) {
	if quote == nil || quote.EscrowID == "" || quote.AgreedPrice == nil {
		return
	}
	intent, err := s.intents.Build(quote.Token, *quote.AgreedPrice, quote.EscrowID)
	if err != nil {
		s.logger.Warn("payment intent build failed", "quote", quote.ID, "error", err)
		return
	}
	header, err := s.intents.Header(intent)
	if err != nil {
		s.logger.Warn("payment intent signing failed", "quote", quote.ID, "error", err)
		return
	}
	w.Header().Set("X-Payment-Intent", header)
}
