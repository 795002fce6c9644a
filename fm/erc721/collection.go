// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package erc721 implements a unique-asset collection contract for the chain
// host. It is the asset registry that the marketplace takes custody through:
// it records which account owns each asset and only honors transfers made by
// the owner, an account approved for the asset, or an operator approved by the
// owner.
package erc721

import (
	"fmt"
	"math/big"

	"github.com/Dominion116/FrameMarket-Contracts/fm"
	"github.com/Dominion116/FrameMarket-Contracts/fm/chain"
	"github.com/ethereum/go-ethereum/common"
)

const (
	ErrUnknownAsset     = fm.ErrorKind("unknown asset")
	ErrNotAuthorized    = fm.ErrorKind("caller is not owner nor approved")
	ErrWrongOwner       = fm.ErrorKind("transfer from incorrect owner")
	ErrZeroAddress      = fm.ErrorKind("zero address")
	ErrReceiverRejected = fm.ErrorKind("transfer to non-receiver")
	ErrAlreadyMinted    = fm.ErrorKind("asset already minted")
	ErrNotMinter        = fm.ErrorKind("caller is not the minter")
)

var (
	// InterfaceIDERC165 is the capability identifier of SupportsInterface
	// itself.
	InterfaceIDERC165 = fm.InterfaceID("supportsInterface(bytes4)")
	// InterfaceIDERC721 is the capability identifier of an asset registry.
	InterfaceIDERC721 = fm.InterfaceID(
		"balanceOf(address)",
		"ownerOf(uint256)",
		"safeTransferFrom(address,address,uint256,bytes)",
		"safeTransferFrom(address,address,uint256)",
		"transferFrom(address,address,uint256)",
		"approve(address,uint256)",
		"setApprovalForAll(address,bool)",
		"getApproved(uint256)",
		"isApprovedForAll(address,address)",
	)
	// ReceivedMagic is the value a Receiver must return to accept an asset.
	ReceivedMagic = fm.Selector("onERC721Received(address,address,uint256,bytes)")
)

// Receiver is implemented by contracts that can take custody of assets. A
// contract that does not implement Receiver cannot be the destination of
// SafeTransferFrom.
type Receiver interface {
	OnERC721Received(tx *chain.Tx, operator, from common.Address, assetID *big.Int, data []byte) ([4]byte, error)
}

// Transfer is emitted when an asset changes owner, including on mint.
type Transfer struct {
	From, To common.Address
	AssetID  *big.Int
}

// Approval is emitted when the single-asset approval changes.
type Approval struct {
	Owner, Approved common.Address
	AssetID         *big.Int
}

// ApprovalForAll is emitted when an operator approval changes.
type ApprovalForAll struct {
	Owner, Operator common.Address
	Approved        bool
}

type assetKey string

func keyOf(id *big.Int) assetKey {
	return assetKey(id.Text(16))
}

// Collection is a registry of unique assets identified by unsigned integers.
type Collection struct {
	addr   common.Address
	name   string
	minter common.Address

	owners    map[assetKey]common.Address
	approvals map[assetKey]common.Address
	operators map[common.Address]map[common.Address]bool
	balances  map[common.Address]uint64
}

// NewCollection creates a Collection that will live at addr. Only minter may
// create new assets.
func NewCollection(addr common.Address, name string, minter common.Address) *Collection {
	return &Collection{
		addr:      addr,
		name:      name,
		minter:    minter,
		owners:    make(map[assetKey]common.Address),
		approvals: make(map[assetKey]common.Address),
		operators: make(map[common.Address]map[common.Address]bool),
		balances:  make(map[common.Address]uint64),
	}
}

// Address is the collection's contract address.
func (c *Collection) Address() common.Address {
	return c.addr
}

// Name is the collection's display name.
func (c *Collection) Name() string {
	return c.name
}

// SupportsInterface is the capability probe.
func (c *Collection) SupportsInterface(_ *chain.Tx, id [4]byte) (bool, error) {
	return id == InterfaceIDERC165 || id == InterfaceIDERC721, nil
}

// BalanceOf is the number of assets held by the account.
func (c *Collection) BalanceOf(_ *chain.Tx, owner common.Address) (uint64, error) {
	if owner == fm.ZeroAddress {
		return 0, ErrZeroAddress
	}
	return c.balances[owner], nil
}

// OwnerOf returns the current owner of the asset.
func (c *Collection) OwnerOf(_ *chain.Tx, assetID *big.Int) (common.Address, error) {
	if assetID == nil {
		return common.Address{}, ErrUnknownAsset
	}
	owner, found := c.owners[keyOf(assetID)]
	if !found {
		return common.Address{}, fm.NewError(ErrUnknownAsset, assetID.String())
	}
	return owner, nil
}

// GetApproved returns the account approved for the single asset.
func (c *Collection) GetApproved(tx *chain.Tx, assetID *big.Int) (common.Address, error) {
	if _, err := c.OwnerOf(tx, assetID); err != nil {
		return common.Address{}, err
	}
	return c.approvals[keyOf(assetID)], nil
}

// IsApprovedForAll reports whether operator may move all of owner's assets.
func (c *Collection) IsApprovedForAll(_ *chain.Tx, owner, operator common.Address) bool {
	return c.operators[owner][operator]
}

// Mint creates a new asset owned by to.
func (c *Collection) Mint(tx *chain.Tx, caller, to common.Address, assetID *big.Int) error {
	if err := tx.CheckWrite(); err != nil {
		return err
	}
	if caller != c.minter {
		return ErrNotMinter
	}
	if to == fm.ZeroAddress {
		return ErrZeroAddress
	}
	if assetID == nil || assetID.Sign() < 0 {
		return fm.NewError(ErrUnknownAsset, "invalid asset ID")
	}
	k := keyOf(assetID)
	if _, found := c.owners[k]; found {
		return fm.NewError(ErrAlreadyMinted, assetID.String())
	}
	return tx.Frame(func() error {
		c.setOwner(tx, k, fm.ZeroAddress, to)
		log.Debugf("Minted %s #%s to %s", c.name, assetID, to)
		return tx.Emit(c.addr, &Transfer{To: to, AssetID: new(big.Int).Set(assetID)})
	})
}

// Approve sets the single-asset approval. The caller must be the owner or an
// operator of the owner.
func (c *Collection) Approve(tx *chain.Tx, caller, approved common.Address, assetID *big.Int) error {
	if err := tx.CheckWrite(); err != nil {
		return err
	}
	owner, err := c.OwnerOf(tx, assetID)
	if err != nil {
		return err
	}
	if caller != owner && !c.operators[owner][caller] {
		return ErrNotAuthorized
	}
	return tx.Frame(func() error {
		c.setApproval(tx, keyOf(assetID), approved)
		return tx.Emit(c.addr, &Approval{Owner: owner, Approved: approved, AssetID: new(big.Int).Set(assetID)})
	})
}

// SetApprovalForAll grants or revokes operator's authority over all of the
// caller's assets.
func (c *Collection) SetApprovalForAll(tx *chain.Tx, caller, operator common.Address, approved bool) error {
	if err := tx.CheckWrite(); err != nil {
		return err
	}
	if operator == fm.ZeroAddress {
		return ErrZeroAddress
	}
	return tx.Frame(func() error {
		ops := c.operators[caller]
		if ops == nil {
			ops = make(map[common.Address]bool)
			c.operators[caller] = ops
		}
		prev, existed := ops[operator]
		ops[operator] = approved
		tx.Journal(func() {
			if existed {
				ops[operator] = prev
			} else {
				delete(ops, operator)
			}
		})
		return tx.Emit(c.addr, &ApprovalForAll{Owner: caller, Operator: operator, Approved: approved})
	})
}

// SafeTransferFrom moves an asset from its owner to another account on the
// operator's authority. If the destination is a contract, it must implement
// Receiver and acknowledge the transfer with ReceivedMagic.
func (c *Collection) SafeTransferFrom(tx *chain.Tx, operator, from, to common.Address, assetID *big.Int, data []byte) error {
	if err := tx.CheckWrite(); err != nil {
		return err
	}
	owner, err := c.OwnerOf(tx, assetID)
	if err != nil {
		return err
	}
	if owner != from {
		return fm.NewError(ErrWrongOwner, fmt.Sprintf("%s is owned by %s, not %s", assetID, owner, from))
	}
	if to == fm.ZeroAddress {
		return ErrZeroAddress
	}
	k := keyOf(assetID)
	if operator != owner && c.approvals[k] != operator && !c.operators[owner][operator] {
		return fm.NewError(ErrNotAuthorized, fmt.Sprintf("%s may not move %s", operator, assetID))
	}

	return tx.Frame(func() error {
		c.setApproval(tx, k, fm.ZeroAddress)
		c.setOwner(tx, k, from, to)
		if err := tx.Emit(c.addr, &Transfer{From: from, To: to, AssetID: new(big.Int).Set(assetID)}); err != nil {
			return err
		}
		return c.checkReceived(tx, operator, from, to, assetID, data)
	})
}

func (c *Collection) checkReceived(tx *chain.Tx, operator, from, to common.Address, assetID *big.Int, data []byte) error {
	contract, isContract := tx.Contract(to)
	if !isContract {
		return nil
	}
	recv, ok := contract.(Receiver)
	if !ok {
		return fm.NewError(ErrReceiverRejected, to.Hex())
	}
	magic, err := recv.OnERC721Received(tx, operator, from, new(big.Int).Set(assetID), data)
	if err != nil {
		return fm.NewError(ErrReceiverRejected, err.Error())
	}
	if magic != ReceivedMagic {
		return fm.NewError(ErrReceiverRejected, fmt.Sprintf("%s returned %x", to, magic))
	}
	return nil
}

func (c *Collection) setOwner(tx *chain.Tx, k assetKey, from, to common.Address) {
	prevOwner, existed := c.owners[k]
	c.owners[k] = to
	if from != fm.ZeroAddress {
		c.balances[from]--
	}
	c.balances[to]++
	tx.Journal(func() {
		c.balances[to]--
		if from != fm.ZeroAddress {
			c.balances[from]++
		}
		if existed {
			c.owners[k] = prevOwner
		} else {
			delete(c.owners, k)
		}
	})
}

func (c *Collection) setApproval(tx *chain.Tx, k assetKey, approved common.Address) {
	prev, existed := c.approvals[k]
	if approved == fm.ZeroAddress {
		delete(c.approvals, k)
	} else {
		c.approvals[k] = approved
	}
	tx.Journal(func() {
		if existed {
			c.approvals[k] = prev
		} else {
			delete(c.approvals, k)
		}
	})
}
