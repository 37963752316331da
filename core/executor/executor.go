package executor

import "context"

// Kind distinguishes the settlement flows that may invoke the executor.
type Kind string

const (
	KindEscrowRelease Kind = "escrow_release"
	KindEscrowRefund  Kind = "escrow_refund"
	KindTipSettlement Kind = "tip_settlement"
)

// Request describes one on-chain transfer the core asks the executor to
// perform. The core never constructs or signs chain transactions itself.
type Request struct {
	Kind      Kind   `json:"kind"`
	TipID     string `json:"tipId,omitempty"`
	EscrowID  string `json:"escrowId"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Token     string `json:"token"`
}

// Receipt reports the transfer as observed by the executor. BlockNumber is
// zero when the executor has not yet seen inclusion.
type Receipt struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
}

// PaymentExecutor performs an on-chain transfer on behalf of the core.
// Executor errors are advisories: the referencing entity stays at its
// current state and the caller may retry.
type PaymentExecutor interface {
	Execute(ctx context.Context, req Request) (Receipt, error)
}

// Func adapts a plain function to the PaymentExecutor interface.
type Func func(ctx context.Context, req Request) (Receipt, error)

// Execute implements PaymentExecutor.
func (f Func) Execute(ctx context.Context, req Request) (Receipt, error) {
	return f(ctx, req)
}
