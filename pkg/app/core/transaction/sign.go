package transaction

import (
	"fmt"

	"github.com/uhyunpark/crossbook/pkg/crypto"
)

// SignEthereum signs the canonical payload as an EIP-191 personal message and returns
// the 0x-prefixed hex signature.
func (p Payload) SignEthereum(s *crypto.Signer) (string, error) {
	sig, err := s.SignText(p.Canonical())
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("0x%x", sig), nil
}

// SignAlgorand signs the canonical payload the way algosdk sign_bytes does.
func (p Payload) SignAlgorand(s *crypto.AlgoSigner) string {
	return s.SignBytes(p.Canonical())
}
