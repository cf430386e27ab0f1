package orderbook

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/crossbook/pkg/app/core/order"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func mk(id uint64, sell, sellCcy, buy, buyCcy string) order.Order {
	return order.Order{
		ID:           id,
		SenderPK:     "sender-" + sellCcy,
		ReceiverPK:   "receiver-" + sellCcy,
		SellCurrency: sellCcy,
		BuyCurrency:  buyCcy,
		SellAmount:   d(sell),
		BuyAmount:    d(buy),
		Signature:    "sig",
	}
}

func TestMatch_EmptyBook(t *testing.T) {
	o1 := mk(1, "100", "A", "50", "B")

	out, err := Match(o1, nil, now)
	require.NoError(t, err)
	assert.Equal(t, NoMatch, out.Kind)
	assert.True(t, out.New.IsOpen())
	assert.Nil(t, out.Existing)
	assert.Empty(t, out.Fills)
}

func TestMatch_ExactCross(t *testing.T) {
	o1 := mk(1, "100", "A", "50", "B")
	o2 := mk(2, "50", "B", "100", "A")

	out, err := Match(o2, []order.Order{o1}, now)
	require.NoError(t, err)
	require.Equal(t, Exact, out.Kind)
	assert.Nil(t, out.Residual)

	require.NotNil(t, out.Existing)
	assertLinked(t, out.New, *out.Existing)
	assert.Equal(t, now, *out.New.Filled)
	assert.Equal(t, now, *out.Existing.Filled)
}

func TestMatch_ResidualFromExisting(t *testing.T) {
	o1 := mk(1, "100", "A", "50", "B")
	o2 := mk(2, "20", "B", "30", "A")

	out, err := Match(o2, []order.Order{o1}, now)
	require.NoError(t, err)
	require.Equal(t, Partial, out.Kind)
	require.NotNil(t, out.Residual)

	r := out.Residual
	assert.True(t, r.BuyAmount.Equal(d("30")), "buy %s", r.BuyAmount)
	assert.True(t, r.SellAmount.Equal(d("60")), "sell %s", r.SellAmount)
	require.NotNil(t, r.CreatorID)
	assert.Equal(t, uint64(1), *r.CreatorID)
	assert.Equal(t, "A", r.SellCurrency)
	assert.Equal(t, "B", r.BuyCurrency)
	assert.Equal(t, o1.SenderPK, r.SenderPK)
	assert.Equal(t, o1.ReceiverPK, r.ReceiverPK)
	assert.True(t, r.IsOpen())
	assert.Nil(t, r.CounterpartyID)
	assert.Empty(t, r.Signature)

	// conservation and rate preservation
	assert.True(t, r.BuyAmount.Add(o2.SellAmount).Equal(o1.BuyAmount))
	assert.True(t, r.Rate().Equal(o1.Rate()))

	assertLinked(t, out.New, *out.Existing)
}

func TestMatch_ResidualFromIncoming(t *testing.T) {
	o1 := mk(1, "30", "A", "20", "B")
	o2 := mk(2, "50", "B", "60", "A") // wants 1.2 A per B, o1 gives 1.5

	out, err := Match(o2, []order.Order{o1}, now)
	require.NoError(t, err)
	require.Equal(t, Partial, out.Kind)

	r := out.Residual
	assert.True(t, r.SellAmount.Equal(d("30")), "sell %s", r.SellAmount)
	assert.True(t, r.BuyAmount.Equal(d("36")), "buy %s", r.BuyAmount)
	require.NotNil(t, r.CreatorID)
	assert.Equal(t, uint64(2), *r.CreatorID)
	assert.Equal(t, "B", r.SellCurrency)
	assert.Equal(t, "A", r.BuyCurrency)
	assert.True(t, r.SellAmount.Add(o1.BuyAmount).Equal(o2.SellAmount))
	assert.True(t, r.Rate().Equal(o2.Rate()))
}

func TestMatch_RepeatingDecimalResidual(t *testing.T) {
	o1 := mk(1, "100", "A", "30", "B")
	o2 := mk(2, "10", "B", "30", "A")

	out, err := Match(o2, []order.Order{o1}, now)
	require.NoError(t, err)
	require.Equal(t, Partial, out.Kind)

	r := out.Residual
	assert.True(t, r.BuyAmount.Equal(d("20")))
	// 20 * 100 / 30, rounded to 18 places
	assert.Equal(t, "66.666666666666666667", r.SellAmount.String())
	assert.True(t, r.Rate().Sub(o1.Rate()).Abs().LessThan(d("1e-15")))
}

func TestMatch_RateFilter(t *testing.T) {
	o1 := mk(1, "100", "A", "50", "B") // gives 2 A per B

	// demands 2.5 A per B: too greedy
	out, err := Match(mk(2, "20", "B", "50", "A"), []order.Order{o1}, now)
	require.NoError(t, err)
	assert.Equal(t, NoMatch, out.Kind)

	// demands exactly 2 A per B: boundary crosses
	out, err = Match(mk(3, "20", "B", "40", "A"), []order.Order{o1}, now)
	require.NoError(t, err)
	assert.NotEqual(t, NoMatch, out.Kind)
}

func TestMatch_CandidateFilter(t *testing.T) {
	filledAt := now.Add(-time.Minute)
	cp := uint64(99)

	filled := mk(1, "500", "A", "50", "B")
	filled.Filled = &filledAt
	filled.CounterpartyID = &cp

	sameSide := mk(2, "500", "B", "50", "A")
	otherPair := mk(3, "500", "A", "50", "C")
	self := mk(4, "20", "B", "30", "A")

	out, err := Match(self, []order.Order{filled, sameSide, otherPair, self}, now)
	require.NoError(t, err)
	assert.Equal(t, NoMatch, out.Kind)
}

func TestMatch_PicksLargestThenLowestID(t *testing.T) {
	small := mk(1, "100", "A", "50", "B")
	bigLate := mk(7, "300", "A", "150", "B")
	bigEarly := mk(5, "300", "A", "150", "B")
	incoming := mk(10, "20", "B", "30", "A")

	out, err := Match(incoming, []order.Order{small, bigLate, bigEarly}, now)
	require.NoError(t, err)
	require.NotNil(t, out.Existing)
	assert.Equal(t, uint64(5), out.Existing.ID)
}

func TestMatch_Deterministic(t *testing.T) {
	resting := []order.Order{
		mk(3, "300", "A", "150", "B"),
		mk(1, "300", "A", "150", "B"),
		mk(2, "200", "A", "100", "B"),
	}
	incoming := mk(9, "20", "B", "30", "A")

	first, err := Match(incoming, resting, now)
	require.NoError(t, err)
	reversed := []order.Order{resting[2], resting[1], resting[0]}
	second, err := Match(incoming, reversed, now)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.Existing.ID)
	assert.Equal(t, first.Existing.ID, second.Existing.ID)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "none", NoMatch.String())
	assert.Equal(t, "exact", Exact.String())
	assert.Equal(t, "residual", Partial.String())
}

func assertLinked(t *testing.T, a, b order.Order) {
	t.Helper()
	require.NotNil(t, a.Filled)
	require.NotNil(t, b.Filled)
	require.NotNil(t, a.CounterpartyID)
	require.NotNil(t, b.CounterpartyID)
	assert.Equal(t, b.ID, *a.CounterpartyID)
	assert.Equal(t, a.ID, *b.CounterpartyID)
	assert.Equal(t, *a.Filled, *b.Filled)
}
