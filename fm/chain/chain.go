// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package chain is a small in-process execution host for marketplace contracts.
// It keeps account balances and a table of deployed contracts, and runs every
// top-level transaction with all-or-nothing semantics: contracts journal an
// undo function for each storage write, and a failed transaction runs the
// journal backwards before the write lock is released. Events emitted by a
// failed transaction are discarded with it.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/Dominion116/FrameMarket-Contracts/fm"
	"github.com/ethereum/go-ethereum/common"
)

const (
	// ErrWriteProtection is returned when a state change is attempted inside
	// a read-only view.
	ErrWriteProtection = fm.ErrorKind("write protection")
	// ErrInsufficientFunds is returned by Transfer when the payer's balance
	// does not cover the amount.
	ErrInsufficientFunds = fm.ErrorKind("insufficient funds")
	// ErrInvalidAmount is returned for nil or negative amounts.
	ErrInvalidAmount = fm.ErrorKind("invalid amount")
	// ErrAddressInUse is returned by Deploy when a contract already occupies
	// the address.
	ErrAddressInUse = fm.ErrorKind("address in use")
)

// Payable is implemented by contracts that accept value sent with Send. A
// contract that does not implement Payable rejects every Send. Receive may
// call back into other contracts through tx.
type Payable interface {
	Receive(tx *Tx, from common.Address, amount *big.Int) error
}

// Log is an event emitted by a contract during a committed transaction.
type Log struct {
	// Address is the emitting contract.
	Address common.Address
	// TxID is the committed transaction's sequence number.
	TxID uint64
	// Index is the position of the log within the transaction.
	Index uint32
	// Event is the contract-defined event value.
	Event any
}

// Receipt describes a committed transaction.
type Receipt struct {
	TxID  uint64
	Stamp time.Time
	Logs  []*Log
}

// Chain is the execution host. All state is guarded by a single lock: a
// transaction holds the write lock for its whole duration, so top-level
// transactions never interleave, while views share the read lock.
type Chain struct {
	mtx       sync.RWMutex
	balances  map[common.Address]*big.Int
	contracts map[common.Address]any
	txCount   uint64
}

// New creates an empty Chain.
func New() *Chain {
	return &Chain{
		balances:  make(map[common.Address]*big.Int),
		contracts: make(map[common.Address]any),
	}
}

// Deploy places a contract at the address.
func (c *Chain) Deploy(addr common.Address, contract any) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if _, found := c.contracts[addr]; found {
		return fm.NewError(ErrAddressInUse, addr.Hex())
	}
	c.contracts[addr] = contract
	log.Debugf("Deployed %T at %s", contract, addr)
	return nil
}

// Contract returns the contract deployed at the address, if any.
func (c *Chain) Contract(addr common.Address) (any, bool) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	contract, found := c.contracts[addr]
	return contract, found
}

// BalanceOf returns a copy of the account's balance.
func (c *Chain) BalanceOf(addr common.Address) *big.Int {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.balanceOf(addr)
}

// TxCount is the number of committed transactions.
func (c *Chain) TxCount() uint64 {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.txCount
}

func (c *Chain) balanceOf(addr common.Address) *big.Int {
	if bal, found := c.balances[addr]; found {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// Transact runs fn as a single atomic transaction. If fn returns an error, all
// state changes journaled during fn are undone and the error is returned. On
// success the transaction is assigned the next sequence number and its logs
// are returned in emission order. A panic in fn also undoes its changes before
// it propagates.
func (c *Chain) Transact(ctx context.Context, fn func(tx *Tx) error) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	tx := &Tx{chain: c, id: c.txCount + 1}
	defer func() {
		if r := recover(); r != nil {
			tx.revert(Snapshot{})
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		tx.revert(Snapshot{})
		log.Tracef("Transaction reverted: %v", err)
		return nil, err
	}
	c.txCount = tx.id
	for i, l := range tx.logs {
		l.TxID = tx.id
		l.Index = uint32(i)
	}
	return &Receipt{
		TxID:  tx.id,
		Stamp: time.Now().UTC(),
		Logs:  tx.logs,
	}, nil
}

// View runs fn with read-only access to the state. Any state change attempted
// within fn fails with ErrWriteProtection.
func (c *Chain) View(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return fn(&Tx{chain: c, readOnly: true})
}

// Snapshot marks a point in a transaction's journal that can be reverted to.
type Snapshot struct {
	journal int
	logs    int
}

// Tx is the state access handle passed to contract code. It is only valid for
// the duration of the Transact or View callback that supplied it.
type Tx struct {
	chain    *Chain
	id       uint64
	readOnly bool
	journal  []func()
	logs     []*Log
}

// ID is the sequence number the transaction will have if it commits. Views
// have ID 0.
func (tx *Tx) ID() uint64 {
	return tx.id
}

// CheckWrite returns ErrWriteProtection in a read-only view. Contracts call it
// before any storage write.
func (tx *Tx) CheckWrite() error {
	if tx.readOnly {
		return ErrWriteProtection
	}
	return nil
}

// Journal records an undo function for a storage write that was just made.
func (tx *Tx) Journal(undo func()) {
	tx.journal = append(tx.journal, undo)
}

// Snapshot returns the current journal position.
func (tx *Tx) Snapshot() Snapshot {
	return Snapshot{journal: len(tx.journal), logs: len(tx.logs)}
}

// RevertToSnapshot undoes every write journaled after the snapshot and drops
// the logs emitted after it.
func (tx *Tx) RevertToSnapshot(s Snapshot) {
	tx.revert(s)
}

func (tx *Tx) revert(s Snapshot) {
	for i := len(tx.journal) - 1; i >= s.journal; i-- {
		tx.journal[i]()
	}
	tx.journal = tx.journal[:s.journal]
	tx.logs = tx.logs[:s.logs]
}

// Frame runs fn as a nested call frame. If fn fails, the writes and logs made
// within the frame are reverted before the error is returned, so a caller that
// handles the error sees no partial effect.
func (tx *Tx) Frame(fn func() error) error {
	snap := tx.Snapshot()
	if err := fn(); err != nil {
		tx.revert(snap)
		return err
	}
	return nil
}

// Emit buffers an event for publication when the transaction commits.
func (tx *Tx) Emit(addr common.Address, event any) error {
	if err := tx.CheckWrite(); err != nil {
		return err
	}
	tx.logs = append(tx.logs, &Log{Address: addr, Event: event})
	return nil
}

// Contract returns the contract deployed at the address, if any.
func (tx *Tx) Contract(addr common.Address) (any, bool) {
	contract, found := tx.chain.contracts[addr]
	return contract, found
}

// IsContract reports whether a contract is deployed at the address.
func (tx *Tx) IsContract(addr common.Address) bool {
	_, found := tx.chain.contracts[addr]
	return found
}

// BalanceOf returns a copy of the account's balance.
func (tx *Tx) BalanceOf(addr common.Address) *big.Int {
	return tx.chain.balanceOf(addr)
}

func (tx *Tx) setBalance(addr common.Address, bal *big.Int) {
	prev, existed := tx.chain.balances[addr]
	tx.chain.balances[addr] = bal
	tx.Journal(func() {
		if existed {
			tx.chain.balances[addr] = prev
		} else {
			delete(tx.chain.balances, addr)
		}
	})
}

// Credit adds newly issued value to an account.
func (tx *Tx) Credit(addr common.Address, amount *big.Int) error {
	if err := tx.CheckWrite(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	tx.setBalance(addr, new(big.Int).Add(tx.chain.balanceOf(addr), amount))
	return nil
}

// Transfer moves value between accounts without invoking any receiver hook.
// It is how value attached to a call reaches the called contract.
func (tx *Tx) Transfer(from, to common.Address, amount *big.Int) error {
	if err := tx.CheckWrite(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 || from == to {
		return nil
	}
	fromBal := tx.chain.balanceOf(from)
	if fromBal.Cmp(amount) < 0 {
		return fm.NewError(ErrInsufficientFunds, fmt.Sprintf("%s has %s, needs %s",
			from, fromBal, amount))
	}
	tx.setBalance(from, fromBal.Sub(fromBal, amount))
	toBal := tx.chain.balanceOf(to)
	tx.setBalance(to, toBal.Add(toBal, amount))
	return nil
}

// Send is the value channel. It moves amount from one account to another and,
// if the recipient is a contract, invokes its Receive hook. Send never returns
// an error. It reports failure as false, in which case it has had no effect.
// A recipient contract that is not Payable rejects the value.
func (tx *Tx) Send(from, to common.Address, amount *big.Int) bool {
	err := tx.Frame(func() error {
		if err := tx.Transfer(from, to, amount); err != nil {
			return err
		}
		contract, isContract := tx.chain.contracts[to]
		if !isContract {
			return nil
		}
		payable, ok := contract.(Payable)
		if !ok {
			return fmt.Errorf("contract %s does not accept value", to)
		}
		return payable.Receive(tx, from, amount)
	})
	if err != nil {
		log.Debugf("Send of %s from %s to %s failed: %v", amount, from, to, err)
		return false
	}
	return true
}
