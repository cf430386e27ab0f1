package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base32"
	"encoding/base64"
	"fmt"

	"github.com/cloudflare/circl/sign/ed25519"
)

const (
	algoChecksumLen = 4
	algoAddressLen  = 58
)

// algoBytesPrefix is the domain separator Algorand prepends to arbitrary signed bytes.
var algoBytesPrefix = []byte("MX")

var algoEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// AlgoSigner holds an ed25519 key pair and its Algorand address.
type AlgoSigner struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	address    string
}

// GenerateAlgoKey creates a new random ed25519 key pair
func GenerateAlgoKey() (*AlgoSigner, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &AlgoSigner{privateKey: priv, publicKey: pub, address: EncodeAlgoAddress(pub)}, nil
}

// AlgoSignerFromSeed derives a key pair from a 32-byte seed (deterministic, for tests and tooling)
func AlgoSignerFromSeed(seed []byte) (*AlgoSigner, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &AlgoSigner{privateKey: priv, publicKey: pub, address: EncodeAlgoAddress(pub)}, nil
}

func (s *AlgoSigner) Address() string { return s.address }

// SignBytes signs msg with the "MX" prefix and returns the std-base64 signature,
// matching algosdk sign_bytes/verify_bytes.
func (s *AlgoSigner) SignBytes(msg []byte) string {
	sig := ed25519.Sign(s.privateKey, algoMessage(msg))
	return base64.StdEncoding.EncodeToString(sig)
}

// VerifyAlgoBytes reports whether sigB64 is a valid signature of msg by address.
// Any decoding failure is a verification failure.
func VerifyAlgoBytes(msg []byte, sigB64 string, address string) bool {
	pub, err := DecodeAlgoAddress(address)
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, algoMessage(msg), sig)
}

// EncodeAlgoAddress renders a public key as a 58-char Algorand address
func EncodeAlgoAddress(pub ed25519.PublicKey) string {
	buf := make([]byte, 0, ed25519.PublicKeySize+algoChecksumLen)
	buf = append(buf, pub...)
	buf = append(buf, algoChecksum(pub)...)
	return algoEncoding.EncodeToString(buf)
}

// DecodeAlgoAddress parses an Algorand address and checks its checksum
func DecodeAlgoAddress(address string) (ed25519.PublicKey, error) {
	if len(address) != algoAddressLen {
		return nil, fmt.Errorf("address must be %d chars, got %d", algoAddressLen, len(address))
	}
	raw, err := algoEncoding.DecodeString(address)
	if err != nil {
		return nil, fmt.Errorf("invalid base32 address: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize+algoChecksumLen {
		return nil, fmt.Errorf("decoded address has %d bytes", len(raw))
	}
	pub := raw[:ed25519.PublicKeySize]
	if !bytes.Equal(raw[ed25519.PublicKeySize:], algoChecksum(pub)) {
		return nil, fmt.Errorf("address checksum mismatch")
	}
	return ed25519.PublicKey(pub), nil
}

func algoChecksum(pub []byte) []byte {
	sum := sha512.Sum512_256(pub)
	return sum[len(sum)-algoChecksumLen:]
}

func algoMessage(msg []byte) []byte {
	out := make([]byte, 0, len(algoBytesPrefix)+len(msg))
	out = append(out, algoBytesPrefix...)
	return append(out, msg...)
}

// Seed returns the 32-byte seed the key pair derives from.
func (s *AlgoSigner) Seed() []byte { return s.privateKey.Seed() }
