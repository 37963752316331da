package gateway

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/marcus20232023/a2a-shib-payments/core/executor"
	"github.com/marcus20232023/a2a-shib-payments/native/escrow"
)

type createEscrowRequest struct {
	Payer          string            `json:"payer"`
	Payee          string            `json:"payee"`
	Amount         float64           `json:"amount"`
	Purpose        string            `json:"purpose,omitempty"`
	Token          string            `json:"token"`
	Conditions     escrow.Conditions `json:"conditions"`
	TimeoutMinutes int               `json:"timeoutMinutes,omitempty"`
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	var req createEscrowRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	esc, err := s.escrows.Create(req.Payer, req.Payee, req.Amount, req.Purpose, req.Token, req.Conditions, req.TimeoutMinutes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, esc)
}

func (s *Server) handleListEscrows(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.escrows.List())
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	esc, err := s.escrows.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleFundEscrow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TxHash string `json:"txHash"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	esc, err := s.escrows.Fund(chi.URLParam(r, "id"), req.TxHash)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleApproveEscrow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ApproverID string `json:"approverId"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	esc, err := s.escrows.Approve(chi.URLParam(r, "id"), req.ApproverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleSubmitDelivery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubmittedBy string `json:"submittedBy"`
		Data        []byte `json:"data,omitempty"`
		Signature   string `json:"signature,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	esc, err := s.escrows.SubmitDelivery(chi.URLParam(r, "id"), escrow.DeliveryProof{
		SubmittedBy: req.SubmittedBy,
		Data:        req.Data,
		Signature:   req.Signature,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.settleEscrow(r, esc, executor.KindEscrowRelease)
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	esc, err := s.escrows.Release(chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.settleEscrow(r, esc, executor.KindEscrowRelease)
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleRefundEscrow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	esc, err := s.escrows.Refund(chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.settleEscrow(r, esc, executor.KindEscrowRefund)
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleDisputeEscrow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisputerID string `json:"disputerId"`
		Reason     string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	esc, err := s.escrows.Dispute(chi.URLParam(r, "id"), req.DisputerID, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Decision  string `json:"decision"`
		ArbiterID string `json:"arbiterId"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	esc, err := s.escrows.ResolveDispute(chi.URLParam(r, "id"), req.Decision, req.ArbiterID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	kind := executor.KindEscrowRefund
	if esc.Status == escrow.StatusReleased {
		kind = executor.KindEscrowRelease
	}
	s.settleEscrow(r, esc, kind)
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleRecordSettlement(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TxHash string `json:"txHash"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	esc, err := s.escrows.RecordSettlement(chi.URLParam(r, "id"), req.TxHash)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

// settleEscrow asks the payment executor to carry out the transfer for an
// escrow that just reached a settling state. Executor errors are advisories:
// they are logged and the escrow keeps its state for a later retry.
func (s *Server) settleEscrow(r *http.Request, esc *escrow.Escrow, kind executor.Kind) {
	if s.settler == nil || esc == nil {
		return
	}
	if esc.Status != escrow.StatusReleased && esc.Status != escrow.StatusRefunded {
		return
	}
	recipient := esc.Payee
	if kind == executor.KindEscrowRefund {
		recipient = esc.Payer
	}
	receipt, err := s.settler.Execute(r.Context(), executor.Request{
		Kind:      kind,
		EscrowID:  esc.ID,
		Recipient: recipient,
		Amount:    strconv.FormatFloat(esc.Amount, 'f', -1, 64),
		Token:     esc.Token,
	})
	if err != nil {
		s.logger.Warn("payment executor failed", "escrow", esc.ID, "kind", string(kind), "error", err)
		return
	}
	if _, err := s.escrows.RecordSettlement(esc.ID, receipt.TxHash); err != nil {
		s.logger.Warn("settlement record failed", "escrow", esc.ID, "error", err)
	}
}
