package api

import "github.com/uhyunpark/darkpool/pkg/app/core/order"

// API types for REST endpoints and WebSocket messages

// ==============================
// REST Response Types
// ==============================

// MarketInfo represents a market's static configuration
type MarketInfo struct {
	ID         string `json:"id"`         // e.g., "SOL-USDC"
	BaseAsset  string `json:"baseAsset"`  // asset a bid receives
	QuoteAsset string `json:"quoteAsset"` // asset a bid pays
	Status     string `json:"status"`     // active, paused, settled
}

// OrderInfo is an order as seen by its owner
type OrderInfo struct {
	Index          uint32 `json:"index"`
	Market         string `json:"market"`
	Owner          string `json:"owner"`
	Side           string `json:"side"`
	AmountIn       uint64 `json:"amountIn"`
	FilledAmountIn uint64 `json:"filledAmountIn"`
	Remaining      uint64 `json:"remaining"`
	MinAmountOut   uint64 `json:"minAmountOut"`
	Status         string `json:"status"`
	CreatedAt      int64  `json:"createdAt"` // unix seconds
	Nonce          uint64 `json:"nonce"`
}

func toOrderInfo(o *order.Order) OrderInfo {
	return OrderInfo{
		Index:          o.Index,
		Market:         o.Market,
		Owner:          o.Owner.Hex(),
		Side:           o.Side.String(),
		AmountIn:       o.AmountIn,
		FilledAmountIn: o.FilledAmountIn,
		Remaining:      o.Remaining(),
		MinAmountOut:   o.MinAmountOut,
		Status:         o.Status.String(),
		CreatedAt:      o.CreatedAt,
		Nonce:          o.Nonce,
	}
}

// PlaceOrderResponse is the response from order placement
type PlaceOrderResponse struct {
	Status string    `json:"status"` // "accepted"
	Order  OrderInfo `json:"order"`
}

// CancelOrderResponse is the response from a cancellation
type CancelOrderResponse struct {
	Status     string `json:"status"` // "cancelled"
	OrderIndex uint32 `json:"orderIndex"`
	Refund     uint64 `json:"refund"`
}

// RejectionInfo describes the fill that stopped a batch
type RejectionInfo struct {
	Position int        `json:"position"`
	Fill     order.Fill `json:"fill"`
	Reason   string     `json:"reason"`
	Detail   string     `json:"detail,omitempty"`
}

// CycleResponse is the outcome of a match-and-settle or settle call
type CycleResponse struct {
	BatchID   string         `json:"batchId,omitempty"`
	Market    string         `json:"market"`
	Digest    string         `json:"digest,omitempty"`
	Fills     order.Batch    `json:"fills"`
	Applied   order.Batch    `json:"applied"`
	Aborted   bool           `json:"aborted"`
	Rejection *RejectionInfo `json:"rejection,omitempty"`
}

// BatchInfo is one settlement audit record
type BatchInfo struct {
	ID          string      `json:"id"`
	Market      string      `json:"market"`
	Timestamp   int64       `json:"timestamp"`
	Digest      string      `json:"digest"`
	Fills       order.Batch `json:"fills"`
	Applied     int         `json:"applied"`
	Rejection   string      `json:"rejection,omitempty"`
	Attestation string      `json:"attestation"` // hex
}

// BalancesResponse lists an owner's free balances per asset
type BalancesResponse struct {
	Address  string            `json:"address"`
	Balances map[string]uint64 `json:"balances"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// REST Request Types
// ==============================

// Orders and cancels are signed EIP-712 requests, see
// transaction.PlaceRequest and transaction.CancelRequest.

// MatchRequest is the payload for POST /api/v1/match-and-settle
type MatchRequest struct {
	Market string `json:"market"`
}

// SettleRequest is the payload for POST /api/v1/settle: an externally
// produced batch with the cluster's attestation as token (hex).
type SettleRequest struct {
	Market string      `json:"market"`
	Fills  order.Batch `json:"fills"`
	Token  string      `json:"token"`
}

// TransferRequest is the payload for deposit and withdraw
type TransferRequest struct {
	Asset  string `json:"asset"`
	Amount uint64 `json:"amount"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["settlements:SOL-USDC"]
}

// SettlementUpdate is broadcast on settlements:<market> after each batch
type SettlementUpdate struct {
	Type      string      `json:"type"` // "settlement"
	BatchID   string      `json:"batchId"`
	Market    string      `json:"market"`
	Digest    string      `json:"digest"`
	Fills     order.Batch `json:"fills"` // applied fills only
	Rejection string      `json:"rejection,omitempty"`
	Timestamp int64       `json:"timestamp"` // Unix milliseconds
}
