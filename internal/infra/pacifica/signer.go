// Package pacifica implements the exchange boundary: the signed REST client
// and the streaming workers that normalize Pacifica's wire format into the
// engine's event union.
package pacifica

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
)

// Operation is one variant of the signed-payload union. Each variant
// serializes deterministically: fields are declared in key-sorted order so
// the canonical encoding is a property of the type, not of a runtime sort.
type Operation interface {
	OpType() string
}

// CreateOrderOp signs a limit-order creation.
type CreateOrderOp struct {
	Amount        string `json:"amount"`
	ClientOrderID string `json:"client_order_id,omitempty"`
	Price         string `json:"price"`
	ReduceOnly    bool   `json:"reduce_only"`
	Side          string `json:"side"`
	Symbol        string `json:"symbol"`
	TIF           string `json:"tif"`
}

func (CreateOrderOp) OpType() string { return "create_order" }

// CreateMarketOrderOp signs a market-order creation.
type CreateMarketOrderOp struct {
	Amount          string `json:"amount"`
	ClientOrderID   string `json:"client_order_id,omitempty"`
	ReduceOnly      bool   `json:"reduce_only"`
	Side            string `json:"side"`
	SlippagePercent string `json:"slippage_percent"`
	Symbol          string `json:"symbol"`
}

func (CreateMarketOrderOp) OpType() string { return "create_market_order" }

// CancelOrderOp signs a single-order cancellation by exchange or client id.
type CancelOrderOp struct {
	ClientOrderID string `json:"client_order_id,omitempty"`
	OrderID       int64  `json:"order_id,omitempty"`
	Symbol        string `json:"symbol"`
}

func (CancelOrderOp) OpType() string { return "cancel_order" }

// CancelAllOrdersOp signs a cancel-all for one symbol or the whole account.
type CancelAllOrdersOp struct {
	AllSymbols        bool   `json:"all_symbols"`
	ExcludeReduceOnly bool   `json:"exclude_reduce_only"`
	Symbol            string `json:"symbol,omitempty"`
}

func (CancelAllOrdersOp) OpType() string { return "cancel_all_orders" }

// SetLeverageOp signs a leverage change.
type SetLeverageOp struct {
	Leverage string `json:"leverage"`
	Symbol   string `json:"symbol"`
}

func (SetLeverageOp) OpType() string { return "update_leverage" }

// SubscribeAuthOp signs a websocket auth-token request.
type SubscribeAuthOp struct{}

func (SubscribeAuthOp) OpType() string { return "get_ws_token" }

// signingEnvelope is the exact structure the exchange verifies. Field order
// is the sorted key order of the wire object: data, expiry_window,
// timestamp, type.
type signingEnvelope struct {
	Data         Operation `json:"data"`
	ExpiryWindow int64     `json:"expiry_window"`
	Timestamp    int64     `json:"timestamp"`
	Type         string    `json:"type"`
}

// Signer holds the account keypair and produces signed request headers.
// Keys are Solana-style ed25519 with base58 encoding.
type Signer struct {
	priv    ed25519.PrivateKey
	account string
}

// DefaultExpiryWindow is the signature validity window in milliseconds.
const DefaultExpiryWindow int64 = 5000

// NewSigner builds a signer from a base58-encoded private key. Both 64-byte
// keypairs and 32-byte seeds are accepted.
func NewSigner(privateKeyB58 string) (*Signer, error) {
	raw, err := base58.Decode(privateKeyB58)
	if err != nil {
		return nil, fmt.Errorf("invalid private key encoding: %w", err)
	}

	var priv ed25519.PrivateKey
	switch len(raw) {
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(raw)
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(raw)
	default:
		return nil, fmt.Errorf("invalid private key length: %d", len(raw))
	}

	pub := priv.Public().(ed25519.PublicKey)
	return &Signer{
		priv:    priv,
		account: base58.Encode(pub),
	}, nil
}

// Account returns the base58 public key used as the account address.
func (s *Signer) Account() string { return s.account }

// CanonicalMessage returns the compact, key-sorted JSON the signature covers.
// Exposed for tests: the byte-exact encoding is part of the API contract.
func CanonicalMessage(op Operation, timestamp, expiryWindow int64) ([]byte, error) {
	env := signingEnvelope{
		Data:         op,
		ExpiryWindow: expiryWindow,
		Timestamp:    timestamp,
		Type:         op.OpType(),
	}
	// encoding/json emits struct fields in declaration order with no
	// whitespace; the types above declare fields pre-sorted.
	return json.Marshal(env)
}

// SignedRequest is the header + payload body posted to the exchange.
type SignedRequest struct {
	Account      string `json:"account"`
	Signature    string `json:"signature"`
	Timestamp    int64  `json:"timestamp"`
	ExpiryWindow int64  `json:"expiry_window"`

	op Operation
}

// MarshalJSON flattens the operation payload into the request object, next
// to the signature header, matching the exchange's wire format.
func (r SignedRequest) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(r.op)
	if err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, err
	}

	type header struct {
		Account      string `json:"account"`
		Signature    string `json:"signature"`
		Timestamp    int64  `json:"timestamp"`
		ExpiryWindow int64  `json:"expiry_window"`
	}
	head, err := json.Marshal(header{r.Account, r.Signature, r.Timestamp, r.ExpiryWindow})
	if err != nil {
		return nil, err
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(head, &merged); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Sign produces a signed request for the operation at the given time.
func (s *Signer) Sign(op Operation, now time.Time) (SignedRequest, error) {
	timestamp := now.UnixMilli()
	msg, err := CanonicalMessage(op, timestamp, DefaultExpiryWindow)
	if err != nil {
		return SignedRequest{}, fmt.Errorf("canonical encoding failed: %w", err)
	}

	sig := ed25519.Sign(s.priv, msg)
	return SignedRequest{
		Account:      s.account,
		Signature:    base58.Encode(sig),
		Timestamp:    timestamp,
		ExpiryWindow: DefaultExpiryWindow,
		op:           op,
	}, nil
}
