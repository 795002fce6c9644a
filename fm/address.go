// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package fm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// ZeroAddress is the empty account. Nothing may be sent to it.
var ZeroAddress common.Address

// NamedAddress derives a deterministic account address from a name. It is used
// to place simnet contracts at stable, human-nameable addresses.
func NamedAddress(name string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte(name))[12:])
}

// ParseAddress parses a 0x-prefixed hex account address.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// ParseAmount parses a non-negative decimal or 0x-prefixed hex integer that fits
// in 256 bits.
func ParseAmount(s string) (*big.Int, error) {
	v, ok := math.ParseBig256(s)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	return v, nil
}

// Selector returns the 4-byte function selector of a canonical function
// signature, e.g. "ownerOf(uint256)".
func Selector(sig string) [4]byte {
	var sel [4]byte
	copy(sel[:], crypto.Keccak256([]byte(sig))[:4])
	return sel
}

// InterfaceID computes an ERC-165 interface identifier as the XOR of the
// selectors of the interface's functions.
func InterfaceID(sigs ...string) [4]byte {
	var id [4]byte
	for _, sig := range sigs {
		sel := Selector(sig)
		for i := range id {
			id[i] ^= sel[i]
		}
	}
	return id
}
