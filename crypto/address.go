package crypto

import (
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
)

// AddressPrefix is the human-readable part of every bech32 account address
// handled by the engine.
const AddressPrefix = "esc"

// AddressLength is the raw byte length of an account identity.
const AddressLength = 20

// Address is a 20-byte account identity with a bech32 string rendering.
type Address struct {
	bytes [AddressLength]byte
}

// NewAddress wraps raw identity bytes in an Address.
func NewAddress(b []byte) (Address, error) {
	if len(b) != AddressLength {
		return Address{}, fmt.Errorf("address must be %d bytes long, got %d", AddressLength, len(b))
	}
	var a Address
	copy(a.bytes[:], b)
	return a, nil
}

// MustNewAddress wraps raw identity bytes and panics on malformed input. Only
// use with lengths known at compile time.
func MustNewAddress(b []byte) Address {
	a, err := NewAddress(b)
	if err != nil {
		panic(err)
	}
	return a
}

// String renders the address as bech32 with the esc prefix.
func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(AddressPrefix, conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// Bytes returns the raw 20-byte identity.
func (a Address) Bytes() [AddressLength]byte {
	return a.bytes
}

// IsZero reports whether the address is the null identity.
func (a Address) IsZero() bool {
	return a.bytes == [AddressLength]byte{}
}

// DecodeAddress parses a bech32 account address and rejects foreign prefixes.
func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	if prefix != AddressPrefix {
		return Address{}, fmt.Errorf("unexpected address prefix %q", prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	return NewAddress(conv)
}
