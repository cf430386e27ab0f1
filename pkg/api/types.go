package api

import (
	"encoding/json"
	"time"

	"github.com/uhyunpark/crossbook/pkg/app/core/order"
	"github.com/uhyunpark/crossbook/pkg/app/core/orderbook"
	"github.com/uhyunpark/crossbook/pkg/storage"
)

// API response types for REST endpoints and WebSocket messages

// ==============================
// REST Response Types
// ==============================

// OrderRecord is one row of GET /order_book. Amounts are JSON numbers.
type OrderRecord struct {
	SenderPK     string      `json:"sender_pk"`
	ReceiverPK   string      `json:"receiver_pk"`
	BuyCurrency  string      `json:"buy_currency"`
	SellCurrency string      `json:"sell_currency"`
	BuyAmount    json.Number `json:"buy_amount"`
	SellAmount   json.Number `json:"sell_amount"`
	Signature    string      `json:"signature"`
}

// OrderBookResponse wraps the full order list
type OrderBookResponse struct {
	Data []OrderRecord `json:"data"`
}

// AuditLogResponse wraps every rejected submission
type AuditLogResponse struct {
	Data []storage.AuditRecord `json:"data"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status    string `json:"status"`
	WSClients int    `json:"ws_clients"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func toOrderRecord(o order.Order) OrderRecord {
	return OrderRecord{
		SenderPK:     o.SenderPK,
		ReceiverPK:   o.ReceiverPK,
		BuyCurrency:  o.BuyCurrency,
		SellCurrency: o.SellCurrency,
		BuyAmount:    json.Number(o.BuyAmount.String()),
		SellAmount:   json.Number(o.SellAmount.String()),
		Signature:    o.Signature,
	}
}

// ==============================
// WebSocket Message Types
// ==============================

// Channels a client can subscribe to.
const (
	ChannelFills = "fills"
)

// pairChannel carries fills on one unordered currency pair, e.g. "fills:ALGO|ETH".
func pairChannel(scope string) string {
	return ChannelFills + ":" + scope
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["fills", "fills:ALGO|ETH"]
}

// WSAck confirms a subscription change
type WSAck struct {
	Type     string   `json:"type"` // "subscribed" | "unsubscribed"
	Channels []string `json:"channels"`
}

// FillSide is one order of a committed match.
type FillSide struct {
	ID           uint64      `json:"id"`
	SenderPK     string      `json:"sender_pk"`
	SellCurrency string      `json:"sell_currency"`
	BuyCurrency  string      `json:"buy_currency"`
	SellAmount   json.Number `json:"sell_amount"`
	BuyAmount    json.Number `json:"buy_amount"`
}

// FillUpdate is broadcast when a submission crosses a resting order
type FillUpdate struct {
	Type      string    `json:"type"` // "fill"
	Kind      string    `json:"kind"` // "exact" | "residual"
	New       FillSide  `json:"new"`
	Existing  FillSide  `json:"existing"`
	Residual  *FillSide `json:"residual,omitempty"`
	Timestamp int64     `json:"timestamp"` // Unix milliseconds
}

func toFillSide(o order.Order) FillSide {
	return FillSide{
		ID:           o.ID,
		SenderPK:     o.SenderPK,
		SellCurrency: o.SellCurrency,
		BuyCurrency:  o.BuyCurrency,
		SellAmount:   json.Number(o.SellAmount.String()),
		BuyAmount:    json.Number(o.BuyAmount.String()),
	}
}

func toFillUpdate(out orderbook.Outcome) FillUpdate {
	at := time.Now()
	if out.New.Filled != nil {
		at = *out.New.Filled
	}
	update := FillUpdate{
		Type:      "fill",
		Kind:      out.Kind.String(),
		New:       toFillSide(out.New),
		Existing:  toFillSide(*out.Existing),
		Timestamp: at.UnixMilli(),
	}
	if out.Residual != nil {
		side := toFillSide(*out.Residual)
		update.Residual = &side
	}
	return update
}
