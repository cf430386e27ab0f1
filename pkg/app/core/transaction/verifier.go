package transaction

import (
	"encoding/hex"
	"strings"

	"github.com/uhyunpark/crossbook/pkg/crypto"
)

// Verifier checks that signer authorized msg. Implementations are pure and treat
// every decoding problem as a failed verification.
type Verifier interface {
	Verify(msg []byte, signature string, signer string) bool
}

// EthereumVerifier recovers the signing address from an EIP-191 personal-message
// signature and compares it with the claimed address.
type EthereumVerifier struct{}

func (EthereumVerifier) Verify(msg []byte, signature string, signer string) bool {
	claimed, ok := crypto.ParseAddress(signer)
	if !ok {
		return false
	}
	sigBytes, err := decodeSignature(signature)
	if err != nil {
		return false
	}
	recovered, err := crypto.RecoverTextSigner(msg, sigBytes)
	if err != nil {
		return false
	}
	return recovered == claimed
}

// AlgorandVerifier checks an ed25519 signature over "MX"||msg against the public key
// encoded in an Algorand address.
type AlgorandVerifier struct{}

func (AlgorandVerifier) Verify(msg []byte, signature string, signer string) bool {
	return crypto.VerifyAlgoBytes(msg, signature, signer)
}

// Registry maps platform tags to their verification scheme.
type Registry struct {
	verifiers map[Platform]Verifier
}

// NewRegistry returns a registry with the Ethereum and Algorand schemes installed.
func NewRegistry() *Registry {
	return &Registry{verifiers: map[Platform]Verifier{
		PlatformEthereum: EthereumVerifier{},
		PlatformAlgorand: AlgorandVerifier{},
	}}
}

// Register installs or replaces the verifier for a platform.
func (r *Registry) Register(p Platform, v Verifier) {
	r.verifiers[p] = v
}

// Verify reports whether signature over msg was produced by signer under the scheme
// selected by platform. Unknown platforms never verify.
func (r *Registry) Verify(platform Platform, msg []byte, signature string, signer string) (ok bool) {
	v, found := r.verifiers[platform]
	if !found {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return v.Verify(msg, signature, signer)
}

// VerifyRequest verifies req's signature over its canonical payload.
func (r *Registry) VerifyRequest(req *Request) bool {
	return r.Verify(req.Payload.Platform, req.Payload.Canonical(), req.Sig, req.Payload.SenderPK)
}

// decodeSignature decodes hex-encoded signature (with or without 0x prefix)
func decodeSignature(sig string) ([]byte, error) {
	sig = strings.TrimPrefix(sig, "0x")
	return hex.DecodeString(sig)
}
