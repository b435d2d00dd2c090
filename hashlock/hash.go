package hashlock

import (
	"encoding/hex"
	"fmt"
)

// HashSize is the length of a hash lock in bytes.
const HashSize = 32

// ZeroHash is the empty hash lock. It never locks a valid HTLC.
var ZeroHash Hash

// Hash is the hash condition of an HTLC, the rcode shared by every hop of a
// single multi-hop payment.
type Hash [HashSize]byte

// String returns the Hash as a hexadecimal string.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the hash lock is unset.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// MakeHash returns a new Hash from a byte slice. An error is returned if the
// number of bytes passed in is not HashSize.
func MakeHash(newHash []byte) (Hash, error) {
	if len(newHash) != HashSize {
		return Hash{}, fmt.Errorf("invalid hash length of %v, want %v",
			len(newHash), HashSize)
	}

	var hash Hash
	copy(hash[:], newHash)

	return hash, nil
}

// MakeHashFromStr creates a Hash from a hex hash string.
func MakeHashFromStr(newHash string) (Hash, error) {
	if len(newHash) != HashSize*2 {
		return Hash{}, fmt.Errorf("invalid hash string length of %v, "+
			"want %v", len(newHash), HashSize*2)
	}

	hash, err := hex.DecodeString(newHash)
	if err != nil {
		return Hash{}, err
	}

	return MakeHash(hash)
}
