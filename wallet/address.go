package wallet

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
)

// Reason tells why an address did not parse
type Reason string

const (
	ReasonEmpty    Reason = "empty"
	ReasonEncoding Reason = "encoding"
	ReasonLength   Reason = "length"
)

type AddressError struct {
	Address string
	Reason  Reason
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("invalid wallet address %q: %s", e.Address, e.Reason)
}

// ParseAddress decodes a base58 Solana address into an Ed25519 public key.
// Malformed input is an *AddressError carrying the reason.
func ParseAddress(address string) (ed25519.PublicKey, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, &AddressError{Address: address, Reason: ReasonEmpty}
	}
	// base58.Decode yields an empty slice on characters outside the alphabet
	decoded := base58.Decode(address)
	if len(decoded) == 0 {
		return nil, &AddressError{Address: address, Reason: ReasonEncoding}
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, &AddressError{Address: address, Reason: ReasonLength}
	}
	return ed25519.PublicKey(decoded), nil
}

// EncodeAddress is the inverse of ParseAddress
func EncodeAddress(key ed25519.PublicKey) string {
	return base58.Encode(key)
}
