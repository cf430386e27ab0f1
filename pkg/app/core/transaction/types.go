package transaction

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrMalformed      = errors.New("malformed request")
	ErrShape          = errors.New("missing or invalid field")
	ErrAuthentication = errors.New("signature verification failed")
)

// Platform selects the signature scheme a payload was signed with.
type Platform string

const (
	PlatformEthereum Platform = "Ethereum"
	PlatformAlgorand Platform = "Algorand"
)

// Payload field names, in canonical signing order.
const (
	FieldSenderPK     = "sender_pk"
	FieldReceiverPK   = "receiver_pk"
	FieldBuyCurrency  = "buy_currency"
	FieldSellCurrency = "sell_currency"
	FieldBuyAmount    = "buy_amount"
	FieldSellAmount   = "sell_amount"
	FieldPlatform     = "platform"
)

var payloadFields = []string{
	FieldSenderPK, FieldReceiverPK, FieldBuyCurrency, FieldSellCurrency,
	FieldBuyAmount, FieldSellAmount, FieldPlatform,
}

// Request is a decoded /trade submission.
type Request struct {
	Sig     string  `json:"sig"`
	Payload Payload `json:"payload"`
}

// Payload is the signed part of a submission. Amounts keep the exact number
// literal the client sent so the canonical form reproduces the signed bytes.
type Payload struct {
	SenderPK     string      `json:"sender_pk"`
	ReceiverPK   string      `json:"receiver_pk"`
	BuyCurrency  string      `json:"buy_currency"`
	SellCurrency string      `json:"sell_currency"`
	BuyAmount    json.Number `json:"buy_amount"`
	SellAmount   json.Number `json:"sell_amount"`
	Platform     Platform    `json:"platform"`
}

// ParseRequest decodes and shape-validates a submission body.
// Errors wrap ErrMalformed (not a JSON object) or ErrShape (missing/invalid field).
func ParseRequest(body []byte) (*Request, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if top == nil {
		return nil, fmt.Errorf("%w: body is null", ErrMalformed)
	}

	sigRaw, ok := present(top, "sig")
	if !ok {
		return nil, fmt.Errorf("%w: sig not received", ErrShape)
	}
	payloadRaw, ok := present(top, "payload")
	if !ok {
		return nil, fmt.Errorf("%w: payload not received", ErrShape)
	}

	var req Request
	if err := json.Unmarshal(sigRaw, &req.Sig); err != nil || req.Sig == "" {
		return nil, fmt.Errorf("%w: sig must be a non-empty string", ErrShape)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payloadRaw, &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("%w: payload must be an object", ErrShape)
	}
	for _, name := range payloadFields {
		if _, ok := present(fields, name); !ok {
			return nil, fmt.Errorf("%w: %s not received", ErrShape, name)
		}
	}

	p := &req.Payload
	for _, f := range []struct {
		name string
		dst  *string
	}{
		{FieldSenderPK, &p.SenderPK},
		{FieldReceiverPK, &p.ReceiverPK},
		{FieldBuyCurrency, &p.BuyCurrency},
		{FieldSellCurrency, &p.SellCurrency},
		{FieldPlatform, (*string)(&p.Platform)},
	} {
		if err := json.Unmarshal(fields[f.name], f.dst); err != nil || *f.dst == "" {
			return nil, fmt.Errorf("%w: %s must be a non-empty string", ErrShape, f.name)
		}
	}

	var err error
	if p.BuyAmount, err = parseAmount(FieldBuyAmount, fields[FieldBuyAmount]); err != nil {
		return nil, err
	}
	if p.SellAmount, err = parseAmount(FieldSellAmount, fields[FieldSellAmount]); err != nil {
		return nil, err
	}

	return &req, nil
}

// Amounts returns buy and sell amounts as decimals, enforcing the same
// bounds as ParseRequest.
func (p Payload) Amounts() (buy, sell decimal.Decimal, err error) {
	if buy, err = amountDecimal(FieldBuyAmount, p.BuyAmount.String()); err != nil {
		return buy, sell, err
	}
	if sell, err = amountDecimal(FieldSellAmount, p.SellAmount.String()); err != nil {
		return buy, sell, err
	}
	return buy, sell, nil
}

// Canonical renders the payload exactly as submitters must sign it:
//
//	{"sender_pk": "...", "receiver_pk": "...", "buy_currency": "...", "sell_currency": "...",
//	 "buy_amount": N, "sell_amount": N, "platform": "..."}
//
// on one line, with ", " and ": " separators, non-ASCII escaped as \uXXXX and amounts
// written as the literal received. This is the output of Python's json.dumps for a dict
// built in that key order.
func (p Payload) Canonical() []byte {
	var buf bytes.Buffer
	buf.WriteByte('{')
	writeMember(&buf, FieldSenderPK, quote(p.SenderPK))
	buf.WriteString(", ")
	writeMember(&buf, FieldReceiverPK, quote(p.ReceiverPK))
	buf.WriteString(", ")
	writeMember(&buf, FieldBuyCurrency, quote(p.BuyCurrency))
	buf.WriteString(", ")
	writeMember(&buf, FieldSellCurrency, quote(p.SellCurrency))
	buf.WriteString(", ")
	writeMember(&buf, FieldBuyAmount, p.BuyAmount.String())
	buf.WriteString(", ")
	writeMember(&buf, FieldSellAmount, p.SellAmount.String())
	buf.WriteString(", ")
	writeMember(&buf, FieldPlatform, quote(string(p.Platform)))
	buf.WriteByte('}')
	return buf.Bytes()
}

func writeMember(buf *bytes.Buffer, key, value string) {
	buf.WriteString(quote(key))
	buf.WriteString(": ")
	buf.WriteString(value)
}

// present treats JSON null the same as an absent key.
func present(m map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	raw, ok := m[key]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, false
	}
	return raw, true
}

// Amount bounds. Anything outside them is rejected before it reaches the
// matcher, where huge exponents would be expanded digit by digit.
const (
	maxAmountLiteral = 64
	maxAmountScale   = 36 // fractional digits
	maxAmountDigits  = 36 // integer digits
)

func parseAmount(name string, raw json.RawMessage) (json.Number, error) {
	lit := strings.TrimSpace(string(raw))
	if lit == "" || !(lit[0] == '-' || (lit[0] >= '0' && lit[0] <= '9')) {
		return "", fmt.Errorf("%w: %s must be a number", ErrShape, name)
	}
	if _, err := amountDecimal(name, lit); err != nil {
		return "", err
	}
	return json.Number(lit), nil
}

func amountDecimal(name, lit string) (decimal.Decimal, error) {
	if len(lit) > maxAmountLiteral {
		return decimal.Decimal{}, fmt.Errorf("%w: %s literal longer than %d characters", ErrShape, name, maxAmountLiteral)
	}
	d, err := decimal.NewFromString(lit)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s: %v", ErrShape, name, err)
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: %s must be positive", ErrShape, name)
	}
	// d = coefficient * 10^exp, so it has NumDigits+exp integer digits
	if exp := int64(d.Exponent()); exp < -maxAmountScale || int64(d.NumDigits())+exp > maxAmountDigits {
		return decimal.Decimal{}, fmt.Errorf("%w: %s out of range", ErrShape, name)
	}
	return d, nil
}
