// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pg

import (
	"errors"
	"testing"
)

func TestRowError(t *testing.T) {
	err := badRow(errNoRows, "event %d:%d has no tx", 7, 2)
	if !errors.Is(err, errNoRows) {
		t.Fatalf("badRow does not unwrap to errNoRows")
	}
	if errors.Is(err, errInvalidNumeric) {
		t.Fatalf("badRow unwraps to the wrong sentinel")
	}
	var re *rowError
	if !errors.As(err, &re) || re.what != "event 7:2 has no tx" {
		t.Fatalf("unexpected row error %v", err)
	}
	if want := "no rows: event 7:2 has no tx"; err.Error() != want {
		t.Errorf("wrong message %q, wanted %q", err.Error(), want)
	}
}
