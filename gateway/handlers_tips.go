package gateway

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/marcus20232023/a2a-shib-payments/native/escrow"
	"github.com/marcus20232023/a2a-shib-payments/native/tipping"
)

type createTipRequest struct {
	RepoRef   string  `json:"repoRef"`
	Tipper    string  `json:"tipper"`
	Recipient string  `json:"recipient"`
	Amount    float64 `json:"amount"`
	Token     string  `json:"token"`
	Message   string  `json:"message,omitempty"`
	IssueURL  string  `json:"issueUrl,omitempty"`
	CommitRef string  `json:"commitRef,omitempty"`
}

func (s *Server) handleCreateTip(w http.ResponseWriter, r *http.Request) {
	var req createTipRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	tip, err := s.tips.CreateTip(tipping.CreateParams{
		RepoRef:   req.RepoRef,
		Tipper:    req.Tipper,
		Recipient: req.Recipient,
		Amount:    req.Amount,
		Token:     req.Token,
		Message:   req.Message,
		IssueURL:  req.IssueURL,
		CommitRef: req.CommitRef,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tip)
}

func (s *Server) handleListTips(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.tips.List())
}

func (s *Server) handleGetTip(w http.ResponseWriter, r *http.Request) {
	tip, err := s.tips.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tip)
}

// handleCreateTipEscrow synthesizes the escrow leg for a pending tip. The
// tipper pays, the recipient is the payee; tip escrows settle on release
// without an approval round.
func (s *Server) handleCreateTipEscrow(w http.ResponseWriter, r *http.Request) {
	tip, err := s.tips.CreateEscrow(chi.URLParam(r, "id"), func(tip *tipping.Tip) (string, error) {
		esc, err := s.escrows.Create(tip.Tipper, tip.Recipient, tip.Amount, "tip "+tip.RepoRef, tip.Token, escrow.Conditions{}, 0)
		if err != nil {
			return "", err
		}
		return esc.ID, nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tip)
}

func (s *Server) handleFundTip(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TxHash string `json:"txHash"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	tip, err := s.tips.FundEscrow(chi.URLParam(r, "id"), req.TxHash)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tip)
}

func (s *Server) handleLockTip(w http.ResponseWriter, r *http.Request) {
	tip, err := s.tips.LockEscrow(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tip)
}

func (s *Server) handleReleaseTip(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TxHash      string `json:"txHash"`
		BlockNumber uint64 `json:"blockNumber"`
		GasUsed     uint64 `json:"gasUsed,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	tip, err := s.tips.ReleaseTip(chi.URLParam(r, "id"), req.TxHash, req.BlockNumber, req.GasUsed)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tip)
}

func (s *Server) handleCancelTip(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	tip, err := s.tips.CancelTip(chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tip)
}

func (s *Server) handleTipBatch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	result := s.tips.ProcessBatch(tipping.BatchFilters{
		RepoRef:   strings.TrimSpace(query.Get("repoRef")),
		Token:     strings.TrimSpace(query.Get("token")),
		Recipient: strings.TrimSpace(query.Get("recipient")),
		Tipper:    strings.TrimSpace(query.Get("tipper")),
	})
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGlobalStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.tips.GlobalStats())
}

func (s *Server) handleRepoStats(w http.ResponseWriter, r *http.Request) {
	repoRef := strings.TrimSpace(r.URL.Query().Get("repoRef"))
	writeJSON(w, http.StatusOK, s.tips.RepoStats(repoRef))
}

func (s *Server) handleTipperStats(w http.ResponseWriter, r *http.Request) {
	tipper := strings.TrimSpace(r.URL.Query().Get("tipper"))
	n := queryInt(r, "n", 10)
	writeJSON(w, http.StatusOK, s.tips.TipperStats(tipper, n))
}
