// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package market

import (
	"math/big"
	"strconv"
	"time"

	"github.com/Dominion116/FrameMarket-Contracts/fm/chain"
	"github.com/Dominion116/FrameMarket-Contracts/server/db"
	"github.com/Dominion116/FrameMarket-Contracts/server/ledger"
	"github.com/ethereum/go-ethereum/common"
)

// ledgerEvents converts the ledger's logs of a committed transaction to
// archive events, indexed from zero in emission order. Logs of other contracts
// are not archived. caller is the account the transaction executed as.
func ledgerEvents(logs []*chain.Log, caller common.Address, stamp time.Time) []*db.Event {
	var evs []*db.Event
	for _, l := range logs {
		if l.Address != LedgerAddress {
			continue
		}
		ev := toEvent(l.Event, caller)
		if ev == nil {
			log.Warnf("Unknown ledger event type %T", l.Event)
			continue
		}
		ev.TxID = l.TxID
		ev.Index = uint32(len(evs))
		ev.Stamp = stamp
		evs = append(evs, ev)
	}
	return evs
}

func toEvent(e any, caller common.Address) *db.Event {
	switch e := e.(type) {
	case *ledger.ListingCreated:
		return &db.Event{
			Kind:       db.EventListingCreated,
			ListingID:  e.ID,
			Account:    e.Seller,
			Collection: e.Collection,
			AssetID:    e.AssetID,
			Amount:     e.Price,
		}
	case *ledger.ListingPriceUpdated:
		// Only the seller can update a price.
		return &db.Event{
			Kind:      db.EventPriceUpdated,
			ListingID: e.ID,
			Account:   caller,
			Amount:    e.NewPrice,
			Aux:       e.OldPrice.String(),
		}
	case *ledger.ListingCancelled:
		return &db.Event{
			Kind:      db.EventListingCancelled,
			ListingID: e.ID,
			Account:   e.Seller,
		}
	case *ledger.ListingPurchased:
		return &db.Event{
			Kind:         db.EventListingPurchased,
			ListingID:    e.ID,
			Account:      e.Buyer,
			Counterparty: e.Seller,
			Collection:   e.Collection,
			AssetID:      e.AssetID,
			Amount:       e.Price,
			Aux:          e.Proceeds.String(),
		}
	case *ledger.FeeCollected:
		return &db.Event{
			Kind:      db.EventFeeCollected,
			ListingID: e.ID,
			Account:   e.Recipient,
			Amount:    e.Amount,
		}
	case *ledger.FeeConfigChanged:
		return &db.Event{
			Kind:    db.EventFeeConfigChanged,
			Account: e.Recipient,
			Aux:     strconv.FormatUint(uint64(e.Bps), 10),
		}
	}
	return nil
}

// sameEvent compares the content of two events, ignoring the time stamp.
func sameEvent(a, b *db.Event) bool {
	return a.TxID == b.TxID && a.Index == b.Index && a.Kind == b.Kind &&
		a.ListingID == b.ListingID && a.Account == b.Account &&
		a.Counterparty == b.Counterparty && a.Collection == b.Collection &&
		sameInt(a.AssetID, b.AssetID) && sameInt(a.Amount, b.Amount) && a.Aux == b.Aux
}

func sameInt(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Cmp(b) == 0
}
