// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package db

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestListingRecordApply(t *testing.T) {
	seller := common.HexToAddress("0x0a")
	buyer := common.HexToAddress("0x0b")
	coll := common.HexToAddress("0x0c")

	var lr ListingRecord
	if !lr.Apply(&Event{TxID: 3, Kind: EventListingCreated, ListingID: 7, Account: seller,
		Collection: coll, AssetID: big.NewInt(9), Amount: big.NewInt(100)}) {
		t.Fatalf("created event not applied")
	}
	if lr.ID != 7 || lr.Seller != seller || lr.Status != ListingStatusActive || lr.CreatedTx != 3 {
		t.Fatalf("wrong record after create: %+v", lr)
	}

	lr.Apply(&Event{TxID: 4, Kind: EventPriceUpdated, ListingID: 7, Account: seller, Amount: big.NewInt(150)})
	if lr.Price.Int64() != 150 {
		t.Fatalf("price not updated")
	}

	if lr.Apply(&Event{TxID: 5, Kind: EventFeeCollected, ListingID: 7, Amount: big.NewInt(3)}) {
		t.Fatalf("fee event changed the record")
	}

	lr.Apply(&Event{TxID: 5, Kind: EventListingPurchased, ListingID: 7, Account: buyer, Counterparty: seller})
	if lr.Status != ListingStatusSold || lr.Buyer != buyer || lr.ClosedTx != 5 {
		t.Fatalf("wrong record after purchase: %+v", lr)
	}
	if lr.Status.String() != "sold" {
		t.Fatalf("wrong status string %q", lr.Status)
	}
}

func TestValidateTxRecord(t *testing.T) {
	rec := &TxRecord{ID: 4, Op: "list", Events: []*Event{{TxID: 4, Index: 0}, {TxID: 4, Index: 1}}}
	if err := ValidateTxRecord(rec, 3); err != nil {
		t.Fatalf("valid record rejected: %v", err)
	}
	if err := ValidateTxRecord(rec, 4); !IsErrOutOfSequence(err) {
		t.Fatalf("expected out of sequence error, got %v", err)
	}
	rec.Events[1].Index = 2
	err := ValidateTxRecord(rec, 3)
	if !errors.Is(err, ArchiveError{Code: ErrInvalidRecord}) {
		t.Fatalf("expected invalid record error, got %v", err)
	}
	if err := ValidateTxRecord(&TxRecord{ID: 1}, 0); err == nil {
		t.Fatalf("no error for record without op")
	}
}

func TestArchiveError(t *testing.T) {
	err := ArchiveError{Code: ErrUnknownListing, Detail: "7"}
	if err.Error() != "unknown listing: 7" {
		t.Fatalf("wrong message %q", err.Error())
	}
	if (ArchiveError{Code: 99}).Error() != "unrecognized error" {
		t.Fatalf("wrong message for unknown code")
	}
	wrapped := fmt.Errorf("reading: %w", err)
	if !IsErrListingUnknown(wrapped) || IsErrOutOfSequence(wrapped) {
		t.Fatalf("wrong classification of %v", wrapped)
	}
	if !errors.Is(wrapped, ArchiveError{Code: ErrUnknownListing}) {
		t.Fatalf("errors.Is does not match on code")
	}
	if errors.Is(wrapped, ArchiveError{Code: ErrInvalidRecord}) {
		t.Fatalf("errors.Is matched a different code")
	}
}
