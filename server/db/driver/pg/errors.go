// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pg

import (
	"errors"
	"fmt"
)

var (
	errNoRows         = errors.New("no rows")
	errInvalidNumeric = errors.New("invalid numeric")
)

// rowError is returned when an archived row cannot be decoded. It wraps one of
// the sentinel errors above.
type rowError struct {
	err  error
	what string
}

func (e *rowError) Error() string {
	return e.err.Error() + ": " + e.what
}

func (e *rowError) Unwrap() error {
	return e.err
}

func badRow(err error, format string, args ...any) error {
	return &rowError{err: err, what: fmt.Sprintf(format, args...)}
}
