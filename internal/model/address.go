package model

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/mr-tron/base58/base58"
)

// AddressLen is the decoded size of an account address.
const AddressLen = 32

// ErrInvalidAddress is returned for identities that are not base58 32-byte keys.
var ErrInvalidAddress = errors.New("model: invalid address")

// ValidateAddress checks that s is a base58-encoded 32-byte key.
func ValidateAddress(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	b, err := base58.Decode(s)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidAddress, s, err)
	}
	if len(b) != AddressLen {
		return fmt.Errorf("%w: %s decodes to %d bytes", ErrInvalidAddress, s, len(b))
	}
	return nil
}

// DeriveAddress deterministically derives an account address from seeds.
// The pool's reserve account is DeriveAddress(poolID) and its record rent
// escrow is DeriveAddress(poolID, "record-rent").
func DeriveAddress(seeds ...string) string {
	h := sha256.New()
	for _, s := range seeds {
		// Length-prefix each seed so ("ab","c") and ("a","bc") differ.
		h.Write([]byte{byte(len(s) >> 8), byte(len(s))})
		h.Write([]byte(s))
	}
	return base58.Encode(h.Sum(nil))
}

// ReserveAccount returns the account holding a pool's liquid reserves.
func ReserveAccount(poolID string) string {
	return DeriveAddress(poolID)
}

// RentEscrowAccount returns the account holding a pool's record rent deposits.
func RentEscrowAccount(poolID string) string {
	return DeriveAddress(poolID, "record-rent")
}
