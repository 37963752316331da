package escrow

import (
	"math"
	"testing"
	"time"
)

func TestNormalizeToken(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"SHIB", "SHIB", false},
		{" shib ", "SHIB", false},
		{"usdc", "USDC", false},
		{"DOGE", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := NormalizeToken(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("expected error for %q", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("NormalizeToken(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestValidAmount(t *testing.T) {
	if !ValidAmount(math.SmallestNonzeroFloat64) {
		t.Fatal("smallest positive amount must be accepted")
	}
	for _, v := range []float64{0, -1, math.Inf(1), math.Inf(-1), math.NaN()} {
		if ValidAmount(v) {
			t.Fatalf("amount %v must be rejected", v)
		}
	}
}

func TestEscrowClone(t *testing.T) {
	deadline := time.Unix(1700000100, 0).UTC()
	original := &Escrow{
		ID:        "e1",
		Payer:     "A",
		Payee:     "B",
		Amount:    10,
		Token:     TokenSHIB,
		TimeoutAt: &deadline,
		Approvals: []string{"A"},
		Delivery:  &DeliveryProof{SubmittedBy: "B", Data: []byte{1, 2}},
		Status:    StatusLocked,
	}
	clone := original.Clone()
	clone.Approvals = append(clone.Approvals, "B")
	clone.Delivery.Data[0] = 9
	*clone.TimeoutAt = clone.TimeoutAt.Add(time.Hour)

	if len(original.Approvals) != 1 {
		t.Fatalf("clone mutated original approvals: %v", original.Approvals)
	}
	if original.Delivery.Data[0] != 1 {
		t.Fatal("clone mutated original delivery proof")
	}
	if !original.TimeoutAt.Equal(deadline) {
		t.Fatal("clone mutated original timeout")
	}
}

func TestStatusTerminal(t *testing.T) {
	if StatusDisputed.Terminal() {
		t.Fatal("disputed is transitional, not terminal")
	}
	if !StatusReleased.Terminal() || !StatusRefunded.Terminal() {
		t.Fatal("released and refunded are terminal")
	}
}
