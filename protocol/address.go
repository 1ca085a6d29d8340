package protocol

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// AddressLen is the byte width of a party address.
const AddressLen = 20

// Address identifies a party as a fixed-width lowercase hex string.
type Address string

// ParseAddress validates and normalises a party address.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("protocol: address %q is not hex: %w", s, ErrPrecondition)
	}
	if len(raw) != AddressLen {
		return "", fmt.Errorf("protocol: address must be %d bytes, got %d: %w", AddressLen, len(raw), ErrPrecondition)
	}
	return Address(s), nil
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool { return a == "" }

func (a Address) String() string { return string(a) }
