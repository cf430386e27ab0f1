package orderbook

import (
	"fmt"

	"github.com/uhyunpark/crossbook/pkg/app/core/order"
	"github.com/uhyunpark/crossbook/pkg/util"
)

// Tx is the slice of a record-store transaction the engine needs. All calls made
// through one Tx commit or roll back together.
type Tx interface {
	// OpenOrders returns unfilled orders selling sell and buying buy, in id order.
	OpenOrders(sell, buy string) ([]order.Order, error)
	InsertOrder(o order.Order) (order.Order, error)
	ApplyFill(f order.Fill) (order.Order, error)
}

type Engine struct {
	Clock util.Clock
}

func NewEngine(clock util.Clock) *Engine {
	return &Engine{Clock: clock}
}

// Execute matches an already inserted order against the resting orders visible in
// tx and writes fills and residual through tx. Any error leaves tx unusable; the
// caller must discard it.
func (e *Engine) Execute(tx Tx, incoming order.Order) (Outcome, error) {
	resting, err := tx.OpenOrders(incoming.BuyCurrency, incoming.SellCurrency)
	if err != nil {
		return Outcome{}, fmt.Errorf("load resting orders: %w", err)
	}

	out, err := Match(incoming, resting, e.Clock.Now())
	if err != nil {
		return Outcome{}, err
	}
	if out.Kind == NoMatch {
		return out, nil
	}

	for _, f := range out.Fills {
		if _, err := tx.ApplyFill(f); err != nil {
			return Outcome{}, fmt.Errorf("fill order %d: %w", f.OrderID, err)
		}
	}

	if out.Residual != nil {
		saved, err := tx.InsertOrder(*out.Residual)
		if err != nil {
			return Outcome{}, fmt.Errorf("insert residual: %w", err)
		}
		out.Residual = &saved
	}

	return out, nil
}
