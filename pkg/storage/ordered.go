package storage

import (
	"bytes"
	"encoding/json"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DecodeOrdered decodes a JSON object keeping member order at every depth and
// numbers as their original literals (json.Number).
func DecodeOrdered(raw []byte) (*orderedmap.OrderedMap[string, any], error) {
	members := orderedmap.New[string, json.RawMessage]()
	if err := json.Unmarshal(raw, members); err != nil {
		return nil, err
	}
	m := orderedmap.New[string, any](members.Len())
	for pair := members.Oldest(); pair != nil; pair = pair.Next() {
		v, err := decodeOrderedValue(pair.Value)
		if err != nil {
			return nil, err
		}
		m.Set(pair.Key, v)
	}
	return m, nil
}

func decodeOrderedValue(raw json.RawMessage) (any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		return DecodeOrdered(raw)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
