// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package db

import "errors"

// ArchiveErrorCode classifies an ArchiveError.
type ArchiveErrorCode uint16

const (
	ErrGeneralFailure ArchiveErrorCode = iota
	ErrUnknownListing
	ErrOutOfSequence
	ErrInvalidRecord
)

var archiveErrorDescs = [...]string{
	ErrGeneralFailure: "general failure",
	ErrUnknownListing: "unknown listing",
	ErrOutOfSequence:  "transaction out of sequence",
	ErrInvalidRecord:  "invalid record",
}

func (c ArchiveErrorCode) String() string {
	if int(c) < len(archiveErrorDescs) {
		return archiveErrorDescs[c]
	}
	return "unrecognized error"
}

// ArchiveError is returned by an Archivist for the failures callers act on.
// Drivers return other errors unwrapped.
type ArchiveError struct {
	Code   ArchiveErrorCode
	Detail string
}

func (ae ArchiveError) Error() string {
	if ae.Detail == "" {
		return ae.Code.String()
	}
	return ae.Code.String() + ": " + ae.Detail
}

// Is matches any ArchiveError with the same Code, so that
// errors.Is(err, ArchiveError{Code: ErrOutOfSequence}) ignores the detail.
func (ae ArchiveError) Is(target error) bool {
	t, ok := target.(ArchiveError)
	return ok && t.Code == ae.Code
}

// HasCode reports whether err is an ArchiveError with the code.
func HasCode(err error, code ArchiveErrorCode) bool {
	var ae ArchiveError
	return errors.As(err, &ae) && ae.Code == code
}

// IsErrListingUnknown reports whether the archive has no such listing.
func IsErrListingUnknown(err error) bool {
	return HasCode(err, ErrUnknownListing)
}

// IsErrOutOfSequence reports whether a stored transaction did not follow the
// last one.
func IsErrOutOfSequence(err error) bool {
	return HasCode(err, ErrOutOfSequence)
}
