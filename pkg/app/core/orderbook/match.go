package orderbook

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/crossbook/pkg/app/core/order"
)

// ErrMatchInconsistency aborts a match whose computed amounts break an invariant.
var ErrMatchInconsistency = errors.New("match inconsistency")

// residualPrecision is the number of fractional digits kept when a residual
// amount has to be derived through a division.
const residualPrecision = 18

type Kind int

const (
	NoMatch Kind = iota
	Exact
	Partial
)

func (k Kind) String() string {
	switch k {
	case NoMatch:
		return "none"
	case Exact:
		return "exact"
	case Partial:
		return "residual"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Outcome describes a match decision. Existing and Residual are nil for NoMatch;
// Residual is nil for Exact.
type Outcome struct {
	Kind     Kind
	New      order.Order
	Existing *order.Order
	Residual *order.Order
	Fills    []order.Fill
}

// Match picks the counterparty for incoming among resting and computes the fills
// and residual. It does not touch storage; the caller applies the outcome.
//
// A candidate must be open, cross incoming's currency pair and offer at least the
// rate incoming demands. The candidate selling the most wins; ties go to the
// lowest id.
func Match(incoming order.Order, resting []order.Order, now time.Time) (Outcome, error) {
	out := Outcome{Kind: NoMatch, New: incoming}

	best, found := bestCandidate(incoming, resting)
	if !found {
		return out, nil
	}

	fills := []order.Fill{
		{OrderID: best.ID, At: now, CounterpartyID: incoming.ID},
		{OrderID: incoming.ID, At: now, CounterpartyID: best.ID},
	}
	existing, err := fills[0].Apply(best)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrMatchInconsistency, err)
	}
	filledNew, err := fills[1].Apply(incoming)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrMatchInconsistency, err)
	}

	residual, err := residualOf(incoming, best)
	if err != nil {
		return Outcome{}, err
	}

	out.New = filledNew
	out.Existing = &existing
	out.Residual = residual
	out.Fills = fills
	out.Kind = Exact
	if residual != nil {
		out.Kind = Partial
	}
	return out, nil
}

func bestCandidate(incoming order.Order, resting []order.Order) (order.Order, bool) {
	var (
		best  order.Order
		found bool
	)
	for _, c := range resting {
		if c.ID == incoming.ID || !c.IsOpen() || !c.Crosses(incoming) {
			continue
		}
		// c.sell/c.buy >= in.buy/in.sell, cross-multiplied (all amounts positive)
		if c.SellAmount.Mul(incoming.SellAmount).LessThan(incoming.BuyAmount.Mul(c.BuyAmount)) {
			continue
		}
		if !found || c.SellAmount.GreaterThan(best.SellAmount) ||
			(c.SellAmount.Equal(best.SellAmount) && c.ID < best.ID) {
			best, found = c, true
		}
	}
	return best, found
}

// residualOf returns the unmatched remainder of whichever side supplied more than
// the other demanded, priced at that side's original rate.
func residualOf(incoming, existing order.Order) (*order.Order, error) {
	switch existing.BuyAmount.Cmp(incoming.SellAmount) {
	case 0:
		return nil, nil

	case 1:
		buy := existing.BuyAmount.Sub(incoming.SellAmount)
		sell := buy.Mul(existing.SellAmount).DivRound(existing.BuyAmount, residualPrecision)
		if !buy.Add(incoming.SellAmount).Equal(existing.BuyAmount) {
			return nil, fmt.Errorf("%w: residual of order %d does not conserve buy amount", ErrMatchInconsistency, existing.ID)
		}
		return newResidual(existing, buy, sell)

	default:
		sell := incoming.SellAmount.Sub(existing.BuyAmount)
		buy := sell.Mul(incoming.BuyAmount).DivRound(incoming.SellAmount, residualPrecision)
		if !sell.Add(existing.BuyAmount).Equal(incoming.SellAmount) {
			return nil, fmt.Errorf("%w: residual of order %d does not conserve sell amount", ErrMatchInconsistency, incoming.ID)
		}
		return newResidual(incoming, buy, sell)
	}
}

func newResidual(creator order.Order, buy, sell decimal.Decimal) (*order.Order, error) {
	if !buy.IsPositive() || !sell.IsPositive() {
		return nil, fmt.Errorf("%w: residual of order %d has non-positive amounts (buy %s, sell %s)",
			ErrMatchInconsistency, creator.ID, buy, sell)
	}
	creatorID := creator.ID
	return &order.Order{
		SenderPK:     creator.SenderPK,
		ReceiverPK:   creator.ReceiverPK,
		BuyCurrency:  creator.BuyCurrency,
		SellCurrency: creator.SellCurrency,
		BuyAmount:    buy,
		SellAmount:   sell,
		CreatorID:    &creatorID,
	}, nil
}
