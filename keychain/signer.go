package keychain

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ErrInvalidKey is returned when a private key can't be decoded.
var ErrInvalidKey = errors.New("invalid private key")

// Signer produces signatures over transaction raw data on behalf of a
// wallet key.
type Signer interface {
	// PubKey returns the public key matching the signatures produced.
	PubKey() *btcec.PublicKey

	// Sign returns a DER encoded signature over the sha256 digest of
	// data.
	Sign(data []byte) ([]byte, error)
}

// PrivKeySigner is a Signer backed by an in memory private key.
type PrivKeySigner struct {
	PrivKey *btcec.PrivateKey
}

// A compile time check to ensure PrivKeySigner implements the Signer
// interface.
var _ Signer = (*PrivKeySigner)(nil)

// NewPrivKeySignerFromHex decodes a hex encoded 32 byte private key.
func NewPrivKeySignerFromHex(s string) (*PrivKeySigner, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(b) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d",
			ErrInvalidKey, btcec.PrivKeyBytesLen, len(b))
	}

	priv, _ := btcec.PrivKeyFromBytes(b)

	return &PrivKeySigner{PrivKey: priv}, nil
}

// PubKey returns the public key of the signer.
func (p *PrivKeySigner) PubKey() *btcec.PublicKey {
	return p.PrivKey.PubKey()
}

// Sign signs the sha256 digest of data.
func (p *PrivKeySigner) Sign(data []byte) ([]byte, error) {
	if p.PrivKey == nil {
		return nil, ErrInvalidKey
	}

	sig := ecdsa.Sign(p.PrivKey, chainhash.HashB(data))

	return sig.Serialize(), nil
}

// VerifySignature reports whether sig is a valid DER signature of pub over
// the sha256 digest of data.
func VerifySignature(data, sig []byte, pub *btcec.PublicKey) bool {
	if pub == nil || len(sig) == 0 {
		return false
	}

	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}

	return parsed.Verify(chainhash.HashB(data), pub)
}
