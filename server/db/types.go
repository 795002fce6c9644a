// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package db

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Event kinds.
const (
	EventListingCreated   = "created"
	EventPriceUpdated     = "price"
	EventListingCancelled = "cancelled"
	EventListingPurchased = "purchased"
	EventFeeCollected     = "fee"
	EventFeeConfigChanged = "feeconfig"
)

// TxRecord is a committed market command. Replaying every TxRecord in ID order
// against a freshly deployed market reproduces its state.
type TxRecord struct {
	// ID is the committed transaction's sequence number. IDs are contiguous
	// from 1.
	ID uint64 `json:"id"`
	// Op is the command name, e.g. "list" or "fund".
	Op string `json:"op"`
	// Caller is the account the command executed as.
	Caller common.Address `json:"caller"`
	// Args are the command's JSON-encoded arguments.
	Args  json.RawMessage `json:"args"`
	Stamp time.Time       `json:"stamp"`
	// Events are the ledger events the command emitted.
	Events []*Event `json:"events,omitempty"`
}

// Event is an archived ledger event. The meaning of Account, Counterparty,
// Amount and Aux depends on Kind:
//
//	created:   Account=seller, Amount=price
//	price:     Account=seller, Amount=new price, Aux=old price
//	cancelled: Account=seller
//	purchased: Account=buyer, Counterparty=seller, Amount=price, Aux=proceeds
//	fee:       Account=fee recipient, Amount=fee
//	feeconfig: Account=fee recipient, Aux=rate in basis points
type Event struct {
	TxID         uint64         `json:"txid"`
	Index        uint32         `json:"index"`
	Kind         string         `json:"kind"`
	ListingID    uint64         `json:"listingid"`
	Account      common.Address `json:"account"`
	Counterparty common.Address `json:"counterparty"`
	Collection   common.Address `json:"collection"`
	AssetID      *big.Int       `json:"assetid,omitempty"`
	Amount       *big.Int       `json:"amount,omitempty"`
	Aux          string         `json:"aux,omitempty"`
	Stamp        time.Time      `json:"stamp"`
}

// ListingStatus is the archived life cycle state of a listing.
type ListingStatus uint8

const (
	ListingStatusUnknown ListingStatus = iota
	ListingStatusActive
	ListingStatusCancelled
	ListingStatusSold
)

// String returns the status name.
func (s ListingStatus) String() string {
	switch s {
	case ListingStatusActive:
		return "active"
	case ListingStatusCancelled:
		return "cancelled"
	case ListingStatusSold:
		return "sold"
	}
	return "unknown"
}

// ListingRecord is the archived projection of a listing's events.
type ListingRecord struct {
	ID         uint64         `json:"id"`
	Seller     common.Address `json:"seller"`
	Collection common.Address `json:"collection"`
	AssetID    *big.Int       `json:"assetid"`
	Price      *big.Int       `json:"price"`
	Status     ListingStatus  `json:"status"`
	Buyer      common.Address `json:"buyer"`
	CreatedTx  uint64         `json:"createdtx"`
	ClosedTx   uint64         `json:"closedtx"`
}

// Apply updates the projection with one of the listing's events. A created
// event initializes the record. Fee events do not change it. Apply reports
// whether the record changed.
func (lr *ListingRecord) Apply(ev *Event) bool {
	switch ev.Kind {
	case EventListingCreated:
		*lr = ListingRecord{
			ID:         ev.ListingID,
			Seller:     ev.Account,
			Collection: ev.Collection,
			AssetID:    ev.AssetID,
			Price:      ev.Amount,
			Status:     ListingStatusActive,
			CreatedTx:  ev.TxID,
		}
	case EventPriceUpdated:
		lr.Price = ev.Amount
	case EventListingCancelled:
		lr.Status = ListingStatusCancelled
		lr.ClosedTx = ev.TxID
	case EventListingPurchased:
		lr.Status = ListingStatusSold
		lr.Buyer = ev.Account
		lr.ClosedTx = ev.TxID
	default:
		return false
	}
	return true
}

// IsListingEvent reports whether events of the kind update a ListingRecord.
func IsListingEvent(kind string) bool {
	switch kind {
	case EventListingCreated, EventPriceUpdated, EventListingCancelled, EventListingPurchased:
		return true
	}
	return false
}
