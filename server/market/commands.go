// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package market

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/Dominion116/FrameMarket-Contracts/fm"
	"github.com/Dominion116/FrameMarket-Contracts/fm/chain"
	"github.com/ethereum/go-ethereum/common"
)

// Command names, as archived in db.TxRecord.Op.
const (
	OpList     = "list"
	OpPrice    = "price"
	OpCancel   = "cancel"
	OpPurchase = "purchase"
	OpApprove  = "approve"
	OpFee      = "fee"
	OpFund     = "fund"
	OpMint     = "mint"
)

// command is a state-changing market operation. A command's exported fields
// are its archived arguments, and running the decoded arguments again against
// the same state has the same result.
type command interface {
	op() string
	run(m *Market, tx *chain.Tx, caller common.Address) error
}

// ListArgs are the arguments of a list command.
type ListArgs struct {
	Collection common.Address `json:"collection"`
	AssetID    *big.Int       `json:"assetid"`
	Price      *big.Int       `json:"price"`

	listingID uint64
}

func (c *ListArgs) op() string { return OpList }

func (c *ListArgs) run(m *Market, tx *chain.Tx, caller common.Address) (err error) {
	c.listingID, err = m.ledger.List(tx, caller, c.Collection, c.AssetID, c.Price)
	return err
}

// PriceArgs are the arguments of a price command.
type PriceArgs struct {
	ListingID uint64   `json:"listingid"`
	Price     *big.Int `json:"price"`
}

func (c *PriceArgs) op() string { return OpPrice }

func (c *PriceArgs) run(m *Market, tx *chain.Tx, caller common.Address) error {
	return m.ledger.UpdatePrice(tx, caller, c.ListingID, c.Price)
}

// CancelArgs are the arguments of a cancel command.
type CancelArgs struct {
	ListingID uint64 `json:"listingid"`
}

func (c *CancelArgs) op() string { return OpCancel }

func (c *CancelArgs) run(m *Market, tx *chain.Tx, caller common.Address) error {
	return m.ledger.Cancel(tx, caller, c.ListingID)
}

// PurchaseArgs are the arguments of a purchase command.
type PurchaseArgs struct {
	ListingID uint64   `json:"listingid"`
	Amount    *big.Int `json:"amount"`
}

func (c *PurchaseArgs) op() string { return OpPurchase }

func (c *PurchaseArgs) run(m *Market, tx *chain.Tx, caller common.Address) error {
	return m.ledger.Purchase(tx, caller, c.ListingID, c.Amount)
}

// ApproveArgs are the arguments of an approve command. The operator is always
// the ledger.
type ApproveArgs struct {
	Collection common.Address `json:"collection"`
	Approved   bool           `json:"approved"`
}

func (c *ApproveArgs) op() string { return OpApprove }

func (c *ApproveArgs) run(m *Market, tx *chain.Tx, caller common.Address) error {
	coll, err := m.collection(c.Collection)
	if err != nil {
		return err
	}
	return coll.SetApprovalForAll(tx, caller, m.ledger.Address(), c.Approved)
}

// FeeArgs are the arguments of a fee command.
type FeeArgs struct {
	Bps       uint16         `json:"bps"`
	Recipient common.Address `json:"recipient"`
}

func (c *FeeArgs) op() string { return OpFee }

func (c *FeeArgs) run(m *Market, tx *chain.Tx, caller common.Address) error {
	return m.ledger.SetFee(tx, caller, c.Bps, c.Recipient)
}

// FundArgs are the arguments of a fund command.
type FundArgs struct {
	Account common.Address `json:"account"`
	Amount  *big.Int       `json:"amount"`
}

func (c *FundArgs) op() string { return OpFund }

func (c *FundArgs) run(m *Market, tx *chain.Tx, caller common.Address) error {
	if caller != m.admin {
		return fm.NewError(ErrNotAdmin, caller.Hex())
	}
	if c.Account == fm.ZeroAddress {
		return fm.NewError(ErrZeroAccount, "fund")
	}
	if c.Amount == nil || c.Amount.Sign() <= 0 {
		return fm.NewError(chain.ErrInvalidAmount, fmt.Sprint(c.Amount))
	}
	return tx.Credit(c.Account, c.Amount)
}

// MintArgs are the arguments of a mint command.
type MintArgs struct {
	Collection common.Address `json:"collection"`
	To         common.Address `json:"to"`
	AssetID    *big.Int       `json:"assetid"`
}

func (c *MintArgs) op() string { return OpMint }

func (c *MintArgs) run(m *Market, tx *chain.Tx, caller common.Address) error {
	coll, err := m.collection(c.Collection)
	if err != nil {
		return err
	}
	return coll.Mint(tx, caller, c.To, c.AssetID)
}

func encodeArgs(cmd command) (json.RawMessage, error) {
	b, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("error encoding %s arguments: %w", cmd.op(), err)
	}
	return b, nil
}

// decodeCommand restores an archived command.
func decodeCommand(op string, args json.RawMessage) (command, error) {
	var cmd command
	switch op {
	case OpList:
		cmd = new(ListArgs)
	case OpPrice:
		cmd = new(PriceArgs)
	case OpCancel:
		cmd = new(CancelArgs)
	case OpPurchase:
		cmd = new(PurchaseArgs)
	case OpApprove:
		cmd = new(ApproveArgs)
	case OpFee:
		cmd = new(FeeArgs)
	case OpFund:
		cmd = new(FundArgs)
	case OpMint:
		cmd = new(MintArgs)
	default:
		return nil, fm.NewError(ErrUnknownCommand, op)
	}
	if err := json.Unmarshal(args, cmd); err != nil {
		return nil, fmt.Errorf("error decoding %s arguments: %w", op, err)
	}
	return cmd, nil
}
