// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package ledger

import (
	"github.com/Dominion116/FrameMarket-Contracts/fm"
	"github.com/Dominion116/FrameMarket-Contracts/fm/chain"
)

// Validation errors.
const (
	ErrInvalidPrice             = fm.ErrorKind("invalid price")
	ErrIdentifierSpaceExhausted = fm.ErrorKind("listing identifier space exhausted")
	ErrNotAssetContract         = fm.ErrorKind("not an asset contract")
	ErrFeeTooHigh               = fm.ErrorKind("fee too high")
	ErrZeroAddress              = fm.ErrorKind("zero address")
)

// Authorization errors.
const (
	ErrNotOwner  = fm.ErrorKind("not owner")
	ErrNotSeller = fm.ErrorKind("not seller")
	ErrNotAdmin  = fm.ErrorKind("not admin")
)

// State errors.
const (
	ErrNotActive     = fm.ErrorKind("listing not active")
	ErrReentrantCall = fm.ErrorKind("reentrant call")
)

// External-call errors.
const (
	ErrAssetTransfer = fm.ErrorKind("asset transfer failed")
	ErrPaymentFailed = fm.ErrorKind("payment failed")
)

// Class is the category of a ledger error.
type Class uint8

const (
	ClassUnknown Class = iota
	ClassValidation
	ClassAuthorization
	ClassState
	ClassExternal
)

// String returns the class name.
func (c Class) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassAuthorization:
		return "authorization"
	case ClassState:
		return "state"
	case ClassExternal:
		return "external"
	}
	return "unknown"
}

// Classify returns the Class of an error returned by a Ledger method.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	switch fm.Kind(err) {
	case ErrInvalidPrice, ErrIdentifierSpaceExhausted, ErrNotAssetContract,
		ErrFeeTooHigh, ErrZeroAddress, chain.ErrInsufficientFunds:
		return ClassValidation
	case ErrNotOwner, ErrNotSeller, ErrNotAdmin:
		return ClassAuthorization
	case ErrNotActive, ErrReentrantCall, chain.ErrWriteProtection:
		return ClassState
	case ErrAssetTransfer, ErrPaymentFailed:
		return ClassExternal
	}
	return ClassUnknown
}

// IsClass is shorthand for Classify(err) == c.
func IsClass(err error, c Class) bool {
	return err != nil && Classify(err) == c
}
