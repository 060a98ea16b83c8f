package transaction

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/darkpool/pkg/app/core/order"
	"github.com/uhyunpark/darkpool/pkg/crypto"
)

// PlaceRequest is the signed JSON body of a placement
//
//	{
//	  "market": "SOL-USDC",
//	  "side": "bid",
//	  "amountIn": "100",
//	  "minAmountOut": "95",
//	  "nonce": "42",
//	  "owner": "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0",
//	  "signature": "0x..."
//	}
//
// Numeric fields are decimal strings.
type PlaceRequest struct {
	Market       string `json:"market"`
	Side         string `json:"side"` // bid|buy|ask|sell
	AmountIn     string `json:"amountIn"`
	MinAmountOut string `json:"minAmountOut"`
	Nonce        string `json:"nonce"`
	Owner        string `json:"owner"`
	Signature    string `json:"signature"`
}

// CancelRequest is the signed JSON body of a cancellation
type CancelRequest struct {
	Market     string `json:"market"`
	OrderIndex string `json:"orderIndex"`
	Nonce      string `json:"nonce"`
	Owner      string `json:"owner"`
	Signature  string `json:"signature"`
}

// Validate performs basic validation on request structure
func (r *PlaceRequest) Validate() error {
	if r.Market == "" {
		return fmt.Errorf("missing market")
	}
	if _, err := order.ParseSide(r.Side); err != nil {
		return err
	}
	if !common.IsHexAddress(r.Owner) {
		return fmt.Errorf("invalid owner address %q", r.Owner)
	}
	if r.Signature == "" {
		return fmt.Errorf("missing signature")
	}
	return nil
}

func (r *CancelRequest) Validate() error {
	if r.Market == "" {
		return fmt.Errorf("missing market")
	}
	if !common.IsHexAddress(r.Owner) {
		return fmt.Errorf("invalid owner address %q", r.Owner)
	}
	if r.Signature == "" {
		return fmt.Errorf("missing signature")
	}
	return nil
}

// ToEIP712 converts the request to the typed data the owner signed
func (r *PlaceRequest) ToEIP712() (*crypto.PlaceOrderEIP712, error) {
	side, err := order.ParseSide(r.Side)
	if err != nil {
		return nil, err
	}
	amountIn, err := parseU64("amountIn", r.AmountIn)
	if err != nil {
		return nil, err
	}
	minOut, err := parseU64("minAmountOut", r.MinAmountOut)
	if err != nil {
		return nil, err
	}
	nonce, err := parseU64("nonce", r.Nonce)
	if err != nil {
		return nil, err
	}
	return &crypto.PlaceOrderEIP712{
		Market:       r.Market,
		Side:         sideToUint8(side),
		AmountIn:     new(big.Int).SetUint64(amountIn),
		MinAmountOut: new(big.Int).SetUint64(minOut),
		Nonce:        new(big.Int).SetUint64(nonce),
		Owner:        common.HexToAddress(r.Owner),
	}, nil
}

// FromEIP712Place builds an unsigned request body from typed data
func FromEIP712Place(o *crypto.PlaceOrderEIP712) *PlaceRequest {
	return &PlaceRequest{
		Market:       o.Market,
		Side:         uint8ToSide(o.Side).String(),
		AmountIn:     o.AmountIn.String(),
		MinAmountOut: o.MinAmountOut.String(),
		Nonce:        o.Nonce.String(),
		Owner:        o.Owner.Hex(),
	}
}

func (r *CancelRequest) ToEIP712() (*crypto.CancelEIP712, error) {
	index, err := parseU64("orderIndex", r.OrderIndex)
	if err != nil {
		return nil, err
	}
	if index > uint64(^uint32(0)) {
		return nil, fmt.Errorf("orderIndex %d out of range", index)
	}
	nonce, err := parseU64("nonce", r.Nonce)
	if err != nil {
		return nil, err
	}
	return &crypto.CancelEIP712{
		OrderIndex: new(big.Int).SetUint64(index),
		Market:     r.Market,
		Nonce:      new(big.Int).SetUint64(nonce),
		Owner:      common.HexToAddress(r.Owner),
	}, nil
}

func FromEIP712Cancel(c *crypto.CancelEIP712) *CancelRequest {
	return &CancelRequest{
		Market:     c.Market,
		OrderIndex: c.OrderIndex.String(),
		Nonce:      c.Nonce.String(),
		Owner:      c.Owner.Hex(),
	}
}

func parseU64(field, s string) (uint64, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 || !v.IsUint64() {
		return 0, fmt.Errorf("invalid %s: %q", field, s)
	}
	return v.Uint64(), nil
}

func sideToUint8(s order.Side) uint8 {
	if s == order.Bid {
		return crypto.SideBid
	}
	return crypto.SideAsk
}

func uint8ToSide(v uint8) order.Side {
	if v == crypto.SideBid {
		return order.Bid
	}
	return order.Ask
}
