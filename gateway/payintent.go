package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/marcus20232023/a2a-shib-payments/native/escrow"
)

const escrowVaultSeedPrefix = "module/escrow/vault/"

// PayIntent is the funding instruction attached to an accepted purchase: the
// vault address to pay, the token and amount, and a memo tying the transfer
// to its escrow.
type PayIntent struct {
	Vault  string `json:"vault"`
	Token  string `json:"token"`
	Amount string `json:"amount"`
	Memo   string `json:"memo"`
	QR     string `json:"qr"`
}

// PayIntentBuilder builds and signs pay intents for escrow deposits.
type PayIntentBuilder struct {
	secret []byte
}

// NewPayIntentBuilder builds intents signed with the gateway secret.
func NewPayIntentBuilder(secret string) *PayIntentBuilder {
	return &PayIntentBuilder{secret: []byte(secret)}
}

// Build constructs the intent for the supplied escrow leg.
func (b *PayIntentBuilder) Build(token string, amount float64, escrowID string) (PayIntent, error) {
	normalized, err := escrow.NormalizeToken(token)
	if err != nil {
		return PayIntent{}, err
	}
	vault := vaultAddress(normalized)
	amountStr := strconv.FormatFloat(amount, 'f', -1, 64)
	memo := "ESCROW:" + strings.ToUpper(strings.TrimSpace(escrowID))
	return PayIntent{
		Vault:  vault,
		Token:  normalized,
		Amount: amountStr,
		Memo:   memo,
		QR:     buildQRString(vault, normalized, amountStr, memo),
	}, nil
}

// Header serializes the intent and signs it, returning the value carried in
// the X-Payment-Intent response header: base64(payload) "." hex(hmac).
func (b *PayIntentBuilder) Header(intent PayIntent) (string, error) {
	payload, err := json.Marshal(intent)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, b.secret)
	mac.Write(payload)
	return base64.RawURLEncoding.EncodeToString(payload) + "." + hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify decodes a header value and checks its signature.
func (b *PayIntentBuilder) Verify(header string) (PayIntent, bool) {
	encoded, signature, ok := strings.Cut(header, ".")
	if !ok {
		return PayIntent{}, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return PayIntent{}, false
	}
	mac := hmac.New(sha256.New, b.secret)
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return PayIntent{}, false
	}
	var intent PayIntent
	if err := json.Unmarshal(payload, &intent); err != nil {
		return PayIntent{}, false
	}
	return intent, true
}

// vaultAddress derives the deterministic per-token deposit address from the
// module seed.
func vaultAddress(token string) string {
	hash := ethcrypto.Keccak256([]byte(escrowVaultSeedPrefix + token))
	return common.BytesToAddress(hash[len(hash)-common.AddressLength:]).Hex()
}

func buildQRString(vault, token, amount, memo string) string {
	values := url.Values{}
	values.Set("token", token)
	values.Set("amount", amount)
	values.Set("memo", memo)
	return fmt.Sprintf("shib:%s?%s", vault, values.Encode())
}
