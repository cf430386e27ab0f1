package storage

import (
	"encoding/json"
	"time"

	"github.com/uhyunpark/crossbook/pkg/app/core/order"
)

func encodeOrder(o order.Order) ([]byte, error) {
	return json.Marshal(o)
}

func decodeOrder(b []byte) (order.Order, error) {
	var o order.Order
	err := json.Unmarshal(b, &o)
	return o, err
}

func decodeAudit(b []byte) (AuditRecord, error) {
	var raw struct {
		ID      uint64          `json:"id"`
		At      time.Time       `json:"at"`
		Reason  string          `json:"reason"`
		Request json.RawMessage `json:"request"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return AuditRecord{}, err
	}
	request, err := DecodeOrdered(raw.Request)
	if err != nil {
		return AuditRecord{}, err
	}
	return AuditRecord{ID: raw.ID, At: raw.At, Reason: raw.Reason, Request: request}, nil
}
