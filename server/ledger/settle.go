// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package ledger

import (
	"fmt"
	"math/big"

	"github.com/Dominion116/FrameMarket-Contracts/fm"
	"github.com/Dominion116/FrameMarket-Contracts/fm/chain"
	"github.com/ethereum/go-ethereum/common"
)

var bpsDenominator = big.NewInt(BpsDenominator)

// Quote splits a price into the marketplace fee and the seller's proceeds. The
// fee is floor(price * bps / 10000), so rounding always favors the seller, and
// fee + proceeds == price.
func Quote(price *big.Int, bps uint16) (fee, proceeds *big.Int) {
	fee = new(big.Int).Mul(price, big.NewInt(int64(bps)))
	fee.Quo(fee, bpsDenominator)
	proceeds = new(big.Int).Sub(price, fee)
	return fee, proceeds
}

// Purchase settles an active listing. The caller pays exactly the listed
// price, receives the asset, and the payment is split between the fee
// recipient and the seller. A listing settles at most once: it is deactivated
// before any external call, and no state-mutating ledger operation can start
// until Purchase returns.
func (l *Ledger) Purchase(tx *chain.Tx, buyer common.Address, id uint64, paid *big.Int) error {
	if err := l.enter(tx); err != nil {
		return err
	}
	l.settling = true
	defer func() { l.settling = false }()

	lst, found := l.listings[id]
	if !found || !lst.Active {
		return fm.NewError(ErrNotActive, fmt.Sprintf("listing %d", id))
	}
	if paid == nil || paid.Cmp(lst.Price) != 0 {
		return fm.NewError(ErrInvalidPrice, fmt.Sprintf("paid %v, price is %s", paid, lst.Price))
	}

	var fee, proceeds *big.Int
	err := tx.Frame(func() error {
		if err := tx.Transfer(buyer, l.addr, paid); err != nil {
			return err
		}

		seller, collection := lst.Seller, lst.Collection
		assetID, price := new(big.Int).Set(lst.AssetID), new(big.Int).Set(lst.Price)

		l.deactivate(tx, lst)

		feeCfg := l.fee
		fee, proceeds = Quote(price, feeCfg.Bps)

		reg, err := l.registry(tx, collection)
		if err != nil {
			return err
		}
		if err := reg.SafeTransferFrom(tx, l.addr, l.addr, buyer, assetID, nil); err != nil {
			return fm.NewError(ErrAssetTransfer, err.Error())
		}

		if fee.Sign() > 0 {
			if !tx.Send(l.addr, feeCfg.Recipient, fee) {
				return fm.NewError(ErrPaymentFailed, fmt.Sprintf("fee of %s to %s", fee, feeCfg.Recipient))
			}
			if err := tx.Emit(l.addr, &FeeCollected{
				ID:        id,
				Recipient: feeCfg.Recipient,
				Amount:    new(big.Int).Set(fee),
			}); err != nil {
				return err
			}
		}

		if !tx.Send(l.addr, seller, proceeds) {
			return fm.NewError(ErrPaymentFailed, fmt.Sprintf("proceeds of %s to %s", proceeds, seller))
		}

		return tx.Emit(l.addr, &ListingPurchased{
			ID:         id,
			Buyer:      buyer,
			Seller:     seller,
			Collection: collection,
			AssetID:    assetID,
			Price:      price,
			Proceeds:   new(big.Int).Set(proceeds),
		})
	})
	if err != nil {
		return err
	}
	log.Debugf("Listing %d purchased by %s (fee %s, proceeds %s)", id, buyer, fee, proceeds)
	return nil
}
