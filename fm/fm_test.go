// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package fm

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/decred/slog"
)

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("0x00000000000000000000000000000000000000A1")
	if err != nil {
		t.Fatalf("ParseAddress error: %v", err)
	}
	if addr[19] != 0xa1 {
		t.Fatalf("wrong address %s", addr)
	}
	for _, s := range []string{"", "0x12", "0xzz000000000000000000000000000000000000a1", "hello"} {
		if _, err := ParseAddress(s); err == nil {
			t.Errorf("no error for %q", s)
		}
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "0", want: "0"},
		{in: "1000000000000000000", want: "1000000000000000000"},
		{in: "0x10", want: "16"},
		{in: "-1", wantErr: true},
		{in: "1.5", wantErr: true},
		{in: "0x1" + strings.Repeat("0", 64), wantErr: true},
	}
	for _, tt := range tests {
		v, err := ParseAmount(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("%q: error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && v.String() != tt.want {
			t.Errorf("%q: wanted %s, got %s", tt.in, tt.want, v)
		}
	}
}

func TestNamedAddress(t *testing.T) {
	if NamedAddress("frames") != NamedAddress("frames") {
		t.Fatalf("named address not deterministic")
	}
	if NamedAddress("frames") == NamedAddress("sketches") {
		t.Fatalf("different names share an address")
	}
}

func TestSelector(t *testing.T) {
	// transfer(address,uint256)
	if sel := Selector("transfer(address,uint256)"); sel != [4]byte{0xa9, 0x05, 0x9c, 0xbb} {
		t.Fatalf("wrong selector %x", sel)
	}
	if id := InterfaceID("transfer(address,uint256)"); id != Selector("transfer(address,uint256)") {
		t.Fatalf("single function interface ID is not its selector")
	}
	if id := InterfaceID("a()", "a()"); id != [4]byte{} {
		t.Fatalf("repeated selector did not cancel: %x", id)
	}
}

func TestErrors(t *testing.T) {
	const errKind = ErrorKind("test kind")
	err := NewError(errKind, "details")
	if err.Error() != "test kind: details" {
		t.Fatalf("wrong message %q", err.Error())
	}
	wrapped := fmt.Errorf("outer: %w", err)
	if !errors.Is(wrapped, errKind) {
		t.Fatalf("errors.Is failed")
	}
	if Kind(wrapped) != errKind {
		t.Fatalf("wrong kind %q", Kind(wrapped))
	}
	if Kind(errors.New("plain")) != "" {
		t.Fatalf("plain error has a kind")
	}
}

func TestLoggerMaker(t *testing.T) {
	var buf bytes.Buffer
	lm, err := NewLoggerMaker(&buf, "warn,LEDG=debug")
	if err != nil {
		t.Fatalf("NewLoggerMaker error: %v", err)
	}
	if lm.DefaultLevel != slog.LevelWarn || lm.Levels["LEDG"] != slog.LevelDebug {
		t.Fatalf("wrong levels %v, %v", lm.DefaultLevel, lm.Levels)
	}
	ledg := lm.Logger("LEDG")
	ledg.Debugf("visible")
	lm.Logger("DB").Infof("hidden")
	lm.SubLogger("LEDG", "fee").Debugf("sub")
	out := buf.String()
	if !strings.Contains(out, "LEDG: visible") || strings.Contains(out, "hidden") || !strings.Contains(out, "LEDG[fee]: sub") {
		t.Fatalf("wrong log output %q", out)
	}

	for _, bad := range []string{"loud", "LEDG=loud", "LEDG=debug=x"} {
		if _, err := NewLoggerMaker(&buf, bad); err == nil {
			t.Errorf("no error for %q", bad)
		}
	}
}
