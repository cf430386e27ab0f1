package crypto

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

const personalMessagePrefix = "\x19Ethereum Signed Message:\n"

// TextHash returns keccak256("\x19Ethereum Signed Message:\n" || len(msg) || msg).
func TextHash(msg []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(personalMessagePrefix))
	h.Write([]byte(strconv.Itoa(len(msg))))
	h.Write(msg)
	return h.Sum(nil)
}

// ParseAddress accepts a 0x-prefixed or bare 40-char hex address in any casing.
func ParseAddress(s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}
