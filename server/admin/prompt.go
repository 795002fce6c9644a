// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package admin

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"
)

// PasswordPrompt reads the admin password twice from the terminal and returns
// its sha256 hash.
func PasswordPrompt(prompt string) ([32]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return [32]byte{}, errors.New("stdin is not a terminal, set the admin password in the config")
	}
	read := func(p string) ([]byte, error) {
		fmt.Print(p)
		defer fmt.Println()
		return term.ReadPassword(fd)
	}
	pw, err := read(prompt)
	if err != nil {
		return [32]byte{}, err
	}
	again, err := read("Confirm: ")
	if err != nil {
		zero(pw)
		return [32]byte{}, err
	}
	return hashPassword(pw, again)
}

// hashPassword hashes pw if it matches confirm. Both are zeroed.
func hashPassword(pw, confirm []byte) ([32]byte, error) {
	defer zero(pw)
	defer zero(confirm)
	switch {
	case len(pw) == 0:
		return [32]byte{}, errors.New("password must not be empty")
	case !bytes.Equal(pw, confirm):
		return [32]byte{}, errors.New("passwords do not match")
	}
	return sha256.Sum256(pw), nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
