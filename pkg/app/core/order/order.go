package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var ErrAlreadyFilled = errors.New("order already filled")

// Order is a snapshot of a persisted trade intent. It offers SellAmount of
// SellCurrency in exchange for BuyAmount of BuyCurrency.
//
// Snapshots are never mutated in place; fill state changes go through Fill.
type Order struct {
	ID             uint64          `json:"id"`
	SenderPK       string          `json:"sender_pk"`
	ReceiverPK     string          `json:"receiver_pk"`
	BuyCurrency    string          `json:"buy_currency"`
	SellCurrency   string          `json:"sell_currency"`
	BuyAmount      decimal.Decimal `json:"buy_amount"`
	SellAmount     decimal.Decimal `json:"sell_amount"`
	Signature      string          `json:"signature"`
	Filled         *time.Time      `json:"filled,omitempty"`
	CounterpartyID *uint64         `json:"counterparty_id,omitempty"`
	CreatorID      *uint64         `json:"creator_id,omitempty"`
}

// IsOpen reports whether the order can still be matched against.
func (o Order) IsOpen() bool { return o.Filled == nil }

// Crosses reports whether other's currency pair is the exact inverse of o's.
func (o Order) Crosses(other Order) bool {
	return o.SellCurrency == other.BuyCurrency && o.BuyCurrency == other.SellCurrency
}

// Rate is the buy units demanded per sell unit offered.
func (o Order) Rate() decimal.Decimal {
	return o.BuyAmount.Div(o.SellAmount)
}

func (o Order) String() string {
	return fmt.Sprintf("order#%d sell %s %s for %s %s", o.ID, o.SellAmount, o.SellCurrency, o.BuyAmount, o.BuyCurrency)
}

// Fill is the only mutation an order accepts after insertion.
type Fill struct {
	OrderID        uint64
	At             time.Time
	CounterpartyID uint64
}

// Apply returns a copy of o with the fill recorded.
func (f Fill) Apply(o Order) (Order, error) {
	if o.ID != f.OrderID {
		return Order{}, fmt.Errorf("fill for order %d applied to order %d", f.OrderID, o.ID)
	}
	if !o.IsOpen() {
		return Order{}, fmt.Errorf("order %d: %w", o.ID, ErrAlreadyFilled)
	}
	if f.CounterpartyID == o.ID {
		return Order{}, fmt.Errorf("order %d cannot be its own counterparty", o.ID)
	}
	at := f.At
	cp := f.CounterpartyID
	o.Filled = &at
	o.CounterpartyID = &cp
	return o, nil
}
