package storage

import (
	"encoding/hex"
	"fmt"
	"strconv"
)

// Key schema:
//
//	ord:<id>                     → Order (JSON)
//	open:<sell>:<buy>:<id>       → empty; present while the order is unfilled
//	log:<id>                     → AuditRecord (JSON)
//
// Ids are zero-padded to 20 digits so lexicographic order is numeric order.
// Currencies are hex-encoded so they can never contain the separator.
const (
	prefixOrder = "ord:"
	prefixOpen  = "open:"
	prefixLog   = "log:"
)

func orderKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOrder, id))
}

// openPrefix returns the prefix of all open orders selling sell and buying buy
func openPrefix(sell, buy string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:", prefixOpen, hex.EncodeToString([]byte(sell)), hex.EncodeToString([]byte(buy))))
}

func openKey(sell, buy string, id uint64) []byte {
	return append(openPrefix(sell, buy), []byte(fmt.Sprintf("%020d", id))...)
}

func logKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixLog, id))
}

// idFromKey parses the trailing 20-digit id of any key above
func idFromKey(key []byte) (uint64, error) {
	if len(key) < 20 {
		return 0, fmt.Errorf("key %q too short", key)
	}
	return strconv.ParseUint(string(key[len(key)-20:]), 10, 64)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
