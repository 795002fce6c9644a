// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package fm

import "errors"

// ErrorKind is a sentinel error declared as a constant, e.g.
//
//	const ErrNotListed = fm.ErrorKind("not listed")
type ErrorKind string

func (e ErrorKind) Error() string {
	return string(e)
}

// Error adds a detail to a wrapped error, usually an ErrorKind. errors.Is and
// errors.As see through it.
type Error struct {
	wrapped error
	detail  string
}

// NewError attaches detail to err.
func NewError(err error, detail string) Error {
	return Error{wrapped: err, detail: detail}
}

func (e Error) Error() string {
	return e.wrapped.Error() + ": " + e.detail
}

func (e Error) Unwrap() error {
	return e.wrapped
}

// Kind is the outermost ErrorKind in err's chain, or "" if there is none.
func Kind(err error) ErrorKind {
	var kind ErrorKind
	errors.As(err, &kind)
	return kind
}
