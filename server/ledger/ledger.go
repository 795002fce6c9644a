// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package ledger implements the marketplace ledger: an escrow contract that
// takes custody of a unique asset when it is listed, and settles a purchase by
// delivering the asset to the buyer while splitting the payment between the
// seller and a fee recipient. Every operation runs inside a chain transaction
// and journals its storage writes, so an operation that fails at any step,
// including a failed external transfer, has no effect.
package ledger

import (
	"fmt"
	"math"
	"math/big"

	"github.com/Dominion116/FrameMarket-Contracts/fm"
	"github.com/Dominion116/FrameMarket-Contracts/fm/chain"
	"github.com/Dominion116/FrameMarket-Contracts/fm/erc721"
	"github.com/ethereum/go-ethereum/common"
)

const (
	// MaxFeeBps is the highest fee rate the administrator may set (10%).
	MaxFeeBps = 1000
	// BpsDenominator is the basis point scale.
	BpsDenominator = 10000
)

// AssetRegistry is the asset-ownership ledger that holds custody truth for a
// collection.
type AssetRegistry interface {
	SupportsInterface(tx *chain.Tx, id [4]byte) (bool, error)
	OwnerOf(tx *chain.Tx, assetID *big.Int) (common.Address, error)
	SafeTransferFrom(tx *chain.Tx, operator, from, to common.Address, assetID *big.Int, data []byte) error
}

// Listing is an asset held in custody at an advertised price. A Listing is
// never deleted; once settled or cancelled it remains with Active false.
type Listing struct {
	ID         uint64
	Seller     common.Address
	Collection common.Address
	AssetID    *big.Int
	Price      *big.Int
	Active     bool
}

func (lst *Listing) copy() Listing {
	c := *lst
	c.AssetID = new(big.Int).Set(lst.AssetID)
	c.Price = new(big.Int).Set(lst.Price)
	return c
}

// FeeConfig is the marketplace fee rate and the account that collects it.
type FeeConfig struct {
	Bps       uint16
	Recipient common.Address
}

// Ledger is the marketplace contract. Its state may only be touched through a
// chain transaction or view.
type Ledger struct {
	addr  common.Address
	admin common.Address

	listings map[uint64]*Listing
	nextID   uint64
	fee      FeeConfig

	// settling is set for the duration of Purchase. No state-mutating
	// operation may start while it is set.
	settling bool
}

// Config is the deployment configuration of a Ledger.
type Config struct {
	// Address is the account the ledger holds custody and funds under.
	Address common.Address
	// Admin is the only account allowed to change the fee configuration.
	Admin        common.Address
	FeeBps       uint16
	FeeRecipient common.Address
}

// New creates a Ledger. The fee configuration is validated the same way as
// SetFee.
func New(cfg *Config) (*Ledger, error) {
	if cfg.Address == fm.ZeroAddress {
		return nil, fm.NewError(ErrZeroAddress, "ledger address")
	}
	if cfg.Admin == fm.ZeroAddress {
		return nil, fm.NewError(ErrZeroAddress, "admin")
	}
	if err := validateFee(cfg.FeeBps, cfg.FeeRecipient); err != nil {
		return nil, err
	}
	return &Ledger{
		addr:     cfg.Address,
		admin:    cfg.Admin,
		listings: make(map[uint64]*Listing),
		fee: FeeConfig{
			Bps:       cfg.FeeBps,
			Recipient: cfg.FeeRecipient,
		},
	}, nil
}

func validateFee(bps uint16, recipient common.Address) error {
	if bps > MaxFeeBps {
		return fm.NewError(ErrFeeTooHigh, fmt.Sprintf("%d > %d", bps, MaxFeeBps))
	}
	if recipient == fm.ZeroAddress {
		return fm.NewError(ErrZeroAddress, "fee recipient")
	}
	return nil
}

// Address is the ledger's custody account.
func (l *Ledger) Address() common.Address {
	return l.addr
}

// Admin is the administrator account.
func (l *Ledger) Admin() common.Address {
	return l.admin
}

// Listing returns the listing record, or the zero Listing if id is unknown.
func (l *Ledger) Listing(_ *chain.Tx, id uint64) Listing {
	lst, found := l.listings[id]
	if !found {
		return Listing{}
	}
	return lst.copy()
}

// IsActive reports whether the listing is active. Unknown listings are not.
func (l *Ledger) IsActive(_ *chain.Tx, id uint64) bool {
	lst, found := l.listings[id]
	return found && lst.Active
}

// NextID is the identifier the next listing will receive.
func (l *Ledger) NextID(_ *chain.Tx) uint64 {
	return l.nextID
}

// Fee returns the current fee configuration.
func (l *Ledger) Fee(_ *chain.Tx) FeeConfig {
	return l.fee
}

// enter is the entry check of every state-mutating operation.
func (l *Ledger) enter(tx *chain.Tx) error {
	if err := tx.CheckWrite(); err != nil {
		return err
	}
	if l.settling {
		return ErrReentrantCall
	}
	return nil
}

// registry resolves and probes an asset registry. A missing contract, a
// contract that is not a registry, a failed probe, and a negative probe are
// all the same rejection.
func (l *Ledger) registry(tx *chain.Tx, collection common.Address) (AssetRegistry, error) {
	contract, found := tx.Contract(collection)
	if !found {
		return nil, fm.NewError(ErrNotAssetContract, collection.Hex())
	}
	reg, ok := contract.(AssetRegistry)
	if !ok {
		return nil, fm.NewError(ErrNotAssetContract, collection.Hex())
	}
	supported, err := reg.SupportsInterface(tx, erc721.InterfaceIDERC721)
	if err != nil || !supported {
		return nil, fm.NewError(ErrNotAssetContract, collection.Hex())
	}
	return reg, nil
}

// List takes custody of the caller's asset and creates an active listing at
// the given price. The caller must own the asset and must have authorized the
// ledger to move it.
func (l *Ledger) List(tx *chain.Tx, caller, collection common.Address, assetID, price *big.Int) (uint64, error) {
	if err := l.enter(tx); err != nil {
		return 0, err
	}
	if price == nil || price.Sign() <= 0 {
		return 0, ErrInvalidPrice
	}
	if l.nextID == math.MaxUint64 {
		return 0, ErrIdentifierSpaceExhausted
	}
	if assetID == nil || assetID.Sign() < 0 {
		return 0, fm.NewError(ErrNotOwner, "invalid asset ID")
	}
	reg, err := l.registry(tx, collection)
	if err != nil {
		return 0, err
	}
	owner, err := reg.OwnerOf(tx, assetID)
	if err != nil || owner != caller {
		return 0, fm.NewError(ErrNotOwner, fmt.Sprintf("%s does not own %s #%s", caller, collection, assetID))
	}

	var id uint64
	err = tx.Frame(func() error {
		id = l.nextID
		l.setNextID(tx, id+1)
		l.insert(tx, &Listing{
			ID:         id,
			Seller:     caller,
			Collection: collection,
			AssetID:    new(big.Int).Set(assetID),
			Price:      new(big.Int).Set(price),
			Active:     true,
		})
		if err := tx.Emit(l.addr, &ListingCreated{
			ID:         id,
			Seller:     caller,
			Collection: collection,
			AssetID:    new(big.Int).Set(assetID),
			Price:      new(big.Int).Set(price),
		}); err != nil {
			return err
		}
		if err := reg.SafeTransferFrom(tx, l.addr, caller, l.addr, assetID, nil); err != nil {
			return fm.NewError(ErrAssetTransfer, err.Error())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	log.Debugf("Listing %d created: %s #%s by %s for %s", id, collection, assetID, caller, price)
	return id, nil
}

// sellerListing is the common guard of the seller-only operations. An unknown
// listing is not active. A known listing is checked for the seller before its
// state, so a non-seller is refused with an authorization error whatever the
// listing's state.
func (l *Ledger) sellerListing(caller common.Address, id uint64) (*Listing, error) {
	lst, found := l.listings[id]
	if !found {
		return nil, fm.NewError(ErrNotActive, fmt.Sprintf("listing %d", id))
	}
	if lst.Seller != caller {
		return nil, fm.NewError(ErrNotSeller, fmt.Sprintf("listing %d", id))
	}
	if !lst.Active {
		return nil, fm.NewError(ErrNotActive, fmt.Sprintf("listing %d", id))
	}
	return lst, nil
}

// UpdatePrice changes an active listing's price. Only the seller may do so.
func (l *Ledger) UpdatePrice(tx *chain.Tx, caller common.Address, id uint64, newPrice *big.Int) error {
	if err := l.enter(tx); err != nil {
		return err
	}
	lst, err := l.sellerListing(caller, id)
	if err != nil {
		return err
	}
	if newPrice == nil || newPrice.Sign() <= 0 {
		return ErrInvalidPrice
	}
	return tx.Frame(func() error {
		oldPrice := lst.Price
		lst.Price = new(big.Int).Set(newPrice)
		tx.Journal(func() { lst.Price = oldPrice })
		return tx.Emit(l.addr, &ListingPriceUpdated{
			ID:       id,
			OldPrice: new(big.Int).Set(oldPrice),
			NewPrice: new(big.Int).Set(newPrice),
		})
	})
}

// Cancel deactivates the listing and returns the asset to the seller. Only the
// seller may cancel.
func (l *Ledger) Cancel(tx *chain.Tx, caller common.Address, id uint64) error {
	if err := l.enter(tx); err != nil {
		return err
	}
	lst, err := l.sellerListing(caller, id)
	if err != nil {
		return err
	}
	reg, err := l.registry(tx, lst.Collection)
	if err != nil {
		return err
	}
	err = tx.Frame(func() error {
		l.deactivate(tx, lst)
		if err := reg.SafeTransferFrom(tx, l.addr, l.addr, lst.Seller, lst.AssetID, nil); err != nil {
			return fm.NewError(ErrAssetTransfer, err.Error())
		}
		return tx.Emit(l.addr, &ListingCancelled{ID: id, Seller: lst.Seller})
	})
	if err != nil {
		return err
	}
	log.Debugf("Listing %d cancelled", id)
	return nil
}

// OnERC721Received accepts every inbound asset. It is the acknowledgment
// asset registries require before moving an asset into the ledger's custody.
func (l *Ledger) OnERC721Received(_ *chain.Tx, _, _ common.Address, _ *big.Int, _ []byte) ([4]byte, error) {
	return erc721.ReceivedMagic, nil
}

// SetFee changes the fee configuration. Only the administrator may do so.
func (l *Ledger) SetFee(tx *chain.Tx, caller common.Address, bps uint16, recipient common.Address) error {
	if err := l.enter(tx); err != nil {
		return err
	}
	if caller != l.admin {
		return fm.NewError(ErrNotAdmin, caller.Hex())
	}
	if err := validateFee(bps, recipient); err != nil {
		return err
	}
	return tx.Frame(func() error {
		prev := l.fee
		l.fee = FeeConfig{Bps: bps, Recipient: recipient}
		tx.Journal(func() { l.fee = prev })
		return tx.Emit(l.addr, &FeeConfigChanged{Bps: bps, Recipient: recipient})
	})
}

func (l *Ledger) setNextID(tx *chain.Tx, next uint64) {
	prev := l.nextID
	l.nextID = next
	tx.Journal(func() { l.nextID = prev })
}

func (l *Ledger) insert(tx *chain.Tx, lst *Listing) {
	l.listings[lst.ID] = lst
	tx.Journal(func() { delete(l.listings, lst.ID) })
}

func (l *Ledger) deactivate(tx *chain.Tx, lst *Listing) {
	lst.Active = false
	tx.Journal(func() { lst.Active = true })
}
