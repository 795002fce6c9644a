// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/Dominion116/FrameMarket-Contracts/fm"
	"github.com/ethereum/go-ethereum/common"
)

var (
	tAlice = common.HexToAddress("0xa11ce")
	tBob   = common.HexToAddress("0xb0b")
	tVault = common.HexToAddress("0x7a017")
)

type tPayable struct {
	addr     common.Address
	rejectAt int64
	received int
}

func (p *tPayable) Receive(tx *Tx, from common.Address, amount *big.Int) error {
	if p.rejectAt > 0 && amount.Int64() >= p.rejectAt {
		return errors.New("too much")
	}
	p.received++
	tx.Journal(func() { p.received-- })
	return tx.Emit(p.addr, amount.Int64())
}

type tNotPayable struct{}

func fund(t *testing.T, c *Chain, addr common.Address, amt int64) {
	t.Helper()
	_, err := c.Transact(context.Background(), func(tx *Tx) error {
		return tx.Credit(addr, big.NewInt(amt))
	})
	if err != nil {
		t.Fatalf("Credit error: %v", err)
	}
}

func checkBalance(t *testing.T, c *Chain, addr common.Address, want int64) {
	t.Helper()
	if bal := c.BalanceOf(addr); bal.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("wrong balance for %s. wanted %d, got %s", addr, want, bal)
	}
}

func TestTransact(t *testing.T) {
	c := New()
	ctx := context.Background()
	fund(t, c, tAlice, 100)
	if c.TxCount() != 1 {
		t.Fatalf("wrong tx count %d", c.TxCount())
	}

	rcpt, err := c.Transact(ctx, func(tx *Tx) error {
		if tx.ID() != 2 {
			t.Fatalf("wrong pending tx ID %d", tx.ID())
		}
		if err := tx.Transfer(tAlice, tBob, big.NewInt(40)); err != nil {
			return err
		}
		if err := tx.Emit(tAlice, "first"); err != nil {
			return err
		}
		return tx.Emit(tBob, "second")
	})
	if err != nil {
		t.Fatalf("Transact error: %v", err)
	}
	if rcpt.TxID != 2 || len(rcpt.Logs) != 2 || rcpt.Stamp.IsZero() {
		t.Fatalf("wrong receipt %+v", rcpt)
	}
	for i, l := range rcpt.Logs {
		if l.TxID != 2 || l.Index != uint32(i) {
			t.Fatalf("wrong log position %+v", l)
		}
	}
	if rcpt.Logs[1].Address != tBob || rcpt.Logs[1].Event != "second" {
		t.Fatalf("wrong second log %+v", rcpt.Logs[1])
	}
	checkBalance(t, c, tAlice, 60)
	checkBalance(t, c, tBob, 40)
}

func TestTransactRevert(t *testing.T) {
	c := New()
	ctx := context.Background()
	fund(t, c, tAlice, 100)

	errBoom := errors.New("boom")
	rcpt, err := c.Transact(ctx, func(tx *Tx) error {
		if err := tx.Transfer(tAlice, tBob, big.NewInt(70)); err != nil {
			return err
		}
		if err := tx.Credit(tVault, big.NewInt(5)); err != nil {
			return err
		}
		tx.Emit(tAlice, "lost")
		return errBoom
	})
	if !errors.Is(err, errBoom) || rcpt != nil {
		t.Fatalf("expected boom, got %v, %v", rcpt, err)
	}
	checkBalance(t, c, tAlice, 100)
	checkBalance(t, c, tBob, 0)
	checkBalance(t, c, tVault, 0)
	if c.TxCount() != 1 {
		t.Fatalf("reverted transaction counted")
	}

	// Insufficient funds.
	_, err = c.Transact(ctx, func(tx *Tx) error {
		return tx.Transfer(tBob, tAlice, big.NewInt(1))
	})
	if fm.Kind(err) != ErrInsufficientFunds {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	// Canceled context.
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = c.Transact(cctx, func(tx *Tx) error {
		t.Fatalf("canceled transaction ran")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestTransactPanic(t *testing.T) {
	c := New()
	ctx := context.Background()
	fund(t, c, tAlice, 100)

	func() {
		defer func() {
			if r := recover(); r != "hook blew up" {
				t.Fatalf("wrong recovered value %v", r)
			}
		}()
		c.Transact(ctx, func(tx *Tx) error {
			if err := tx.Transfer(tAlice, tBob, big.NewInt(40)); err != nil {
				return err
			}
			panic("hook blew up")
		})
	}()

	checkBalance(t, c, tAlice, 100)
	checkBalance(t, c, tBob, 0)
	if c.TxCount() != 1 {
		t.Fatalf("panicked transaction counted")
	}
	// The lock was released.
	if _, err := c.Transact(ctx, func(tx *Tx) error {
		return tx.Transfer(tAlice, tBob, big.NewInt(1))
	}); err != nil {
		t.Fatalf("transaction after panic failed: %v", err)
	}
	checkBalance(t, c, tBob, 1)
}

func TestTransferAmounts(t *testing.T) {
	c := New()
	fund(t, c, tAlice, 10)
	_, err := c.Transact(context.Background(), func(tx *Tx) error {
		if err := tx.Transfer(tAlice, tBob, big.NewInt(-1)); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("expected invalid amount, got %v", err)
		}
		if err := tx.Transfer(tAlice, tBob, nil); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("expected invalid amount for nil, got %v", err)
		}
		if err := tx.Credit(tAlice, big.NewInt(-3)); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("expected invalid credit, got %v", err)
		}
		// Zero and self transfers are no-ops, even without funds.
		if err := tx.Transfer(tBob, tAlice, new(big.Int)); err != nil {
			return err
		}
		return tx.Transfer(tAlice, tAlice, big.NewInt(1000))
	})
	if err != nil {
		t.Fatalf("Transact error: %v", err)
	}
	checkBalance(t, c, tAlice, 10)
}

func TestView(t *testing.T) {
	c := New()
	fund(t, c, tAlice, 10)
	err := c.View(context.Background(), func(tx *Tx) error {
		if tx.ID() != 0 {
			t.Fatalf("view has tx ID %d", tx.ID())
		}
		if bal := tx.BalanceOf(tAlice); bal.Int64() != 10 {
			t.Fatalf("wrong view balance %s", bal)
		}
		if err := tx.Credit(tAlice, big.NewInt(1)); !errors.Is(err, ErrWriteProtection) {
			t.Fatalf("expected write protection for credit, got %v", err)
		}
		if err := tx.Transfer(tAlice, tBob, big.NewInt(1)); !errors.Is(err, ErrWriteProtection) {
			t.Fatalf("expected write protection for transfer, got %v", err)
		}
		if err := tx.Emit(tAlice, 1); !errors.Is(err, ErrWriteProtection) {
			t.Fatalf("expected write protection for emit, got %v", err)
		}
		if tx.Send(tAlice, tBob, big.NewInt(1)) {
			t.Fatalf("send succeeded in a view")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View error: %v", err)
	}
	checkBalance(t, c, tAlice, 10)
	if c.TxCount() != 1 {
		t.Fatalf("view counted as a transaction")
	}
}

func TestDeploy(t *testing.T) {
	c := New()
	p := &tPayable{addr: tVault}
	if err := c.Deploy(tVault, p); err != nil {
		t.Fatalf("Deploy error: %v", err)
	}
	if err := c.Deploy(tVault, &tNotPayable{}); fm.Kind(err) != ErrAddressInUse {
		t.Fatalf("expected address in use, got %v", err)
	}
	contract, found := c.Contract(tVault)
	if !found || contract != p {
		t.Fatalf("wrong contract %v", contract)
	}
	if _, found = c.Contract(tBob); found {
		t.Fatalf("found contract at an account address")
	}
}

func TestSend(t *testing.T) {
	c := New()
	ctx := context.Background()
	vault := &tPayable{addr: tVault, rejectAt: 50}
	sink := common.HexToAddress("0x5111c")
	c.Deploy(tVault, vault)
	c.Deploy(sink, &tNotPayable{})
	fund(t, c, tAlice, 100)

	rcpt, err := c.Transact(ctx, func(tx *Tx) error {
		if !tx.IsContract(tVault) || tx.IsContract(tBob) {
			t.Fatalf("wrong contract detection")
		}
		// Plain account.
		if !tx.Send(tAlice, tBob, big.NewInt(10)) {
			t.Fatalf("send to account failed")
		}
		// Payable contract.
		if !tx.Send(tAlice, tVault, big.NewInt(20)) {
			t.Fatalf("send to payable failed")
		}
		// Rejected by the hook. No effect.
		if tx.Send(tAlice, tVault, big.NewInt(60)) {
			t.Fatalf("rejected send succeeded")
		}
		// Not payable. No effect.
		if tx.Send(tAlice, sink, big.NewInt(5)) {
			t.Fatalf("send to non-payable succeeded")
		}
		// Insufficient funds.
		if tx.Send(tBob, tAlice, big.NewInt(11)) {
			t.Fatalf("overdrawn send succeeded")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Transact error: %v", err)
	}
	checkBalance(t, c, tAlice, 70)
	checkBalance(t, c, tBob, 10)
	checkBalance(t, c, tVault, 20)
	checkBalance(t, c, sink, 0)
	if vault.received != 1 {
		t.Fatalf("wrong receive count %d", vault.received)
	}
	if len(rcpt.Logs) != 1 || rcpt.Logs[0].Event != int64(20) {
		t.Fatalf("wrong logs %+v", rcpt.Logs)
	}
}

func TestFrame(t *testing.T) {
	c := New()
	fund(t, c, tAlice, 100)
	errInner := errors.New("inner")
	rcpt, err := c.Transact(context.Background(), func(tx *Tx) error {
		if err := tx.Transfer(tAlice, tBob, big.NewInt(1)); err != nil {
			return err
		}
		tx.Emit(tAlice, "outer")
		err := tx.Frame(func() error {
			tx.Transfer(tAlice, tBob, big.NewInt(50))
			tx.Emit(tAlice, "inner")
			return errInner
		})
		if !errors.Is(err, errInner) {
			t.Fatalf("wrong frame error %v", err)
		}
		snap := tx.Snapshot()
		tx.Credit(tVault, big.NewInt(9))
		tx.RevertToSnapshot(snap)
		return nil
	})
	if err != nil {
		t.Fatalf("Transact error: %v", err)
	}
	checkBalance(t, c, tAlice, 99)
	checkBalance(t, c, tBob, 1)
	checkBalance(t, c, tVault, 0)
	if len(rcpt.Logs) != 1 || rcpt.Logs[0].Event != "outer" {
		t.Fatalf("wrong logs %+v", rcpt.Logs)
	}
}
