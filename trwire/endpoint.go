package trwire

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
)

// ErrInvalidEndpoint is returned when an endpoint uri can't be parsed.
var ErrInvalidEndpoint = errors.New("invalid endpoint")

// Endpoint identifies a wallet on the network in the form
// <compressed pubkey hex>@<host>:<port>.
type Endpoint string

// NewEndpoint builds an endpoint from a public key and a network address.
func NewEndpoint(pub *btcec.PublicKey, addr string) Endpoint {
	return Endpoint(fmt.Sprintf("%x@%s", pub.SerializeCompressed(), addr))
}

// ParseEndpoint splits and validates an endpoint uri.
func ParseEndpoint(uri string) (*btcec.PublicKey, string, error) {
	parts := strings.Split(uri, "@")
	if len(parts) != 2 {
		return nil, "", fmt.Errorf("%w: %q is not pubkey@host:port",
			ErrInvalidEndpoint, uri)
	}

	pubBytes, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, "", fmt.Errorf("%w: bad pubkey hex: %v",
			ErrInvalidEndpoint, err)
	}
	pub, err := btcec.ParsePubKey(pubBytes)
	if err != nil {
		return nil, "", fmt.Errorf("%w: bad pubkey: %v",
			ErrInvalidEndpoint, err)
	}

	if _, _, err := net.SplitHostPort(parts[1]); err != nil {
		return nil, "", fmt.Errorf("%w: bad address: %v",
			ErrInvalidEndpoint, err)
	}

	return pub, parts[1], nil
}

// Validate checks the endpoint is well formed.
func (e Endpoint) Validate() error {
	_, _, err := ParseEndpoint(string(e))
	return err
}

// PubKey returns the wallet public key of the endpoint.
func (e Endpoint) PubKey() (*btcec.PublicKey, error) {
	pub, _, err := ParseEndpoint(string(e))
	return pub, err
}

// Address returns the network address part of the endpoint.
func (e Endpoint) Address() string {
	idx := strings.LastIndex(string(e), "@")
	if idx < 0 {
		return ""
	}

	return string(e)[idx+1:]
}

// String returns the endpoint uri.
func (e Endpoint) String() string {
	return string(e)
}
