// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package db

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Archivist is the market's persistent storage. It is the durable audit log
// of committed commands and the events they emitted, and maintains a
// queryable projection of every listing.
type Archivist interface {
	// StoreTx archives a committed command with its events, and applies the
	// events to the listing projections, all in one database transaction.
	// The record's ID must be one greater than LastTxID.
	StoreTx(ctx context.Context, rec *TxRecord) error
	// Txs returns the archived commands with ID greater than since, in order.
	Txs(ctx context.Context, since uint64) ([]*TxRecord, error)
	// Events returns the events of transactions with ID greater than since,
	// in commit order. With n > 0 the page ends with the transaction that
	// holds the n-th event, so it may run past n but never splits a
	// transaction. n <= 0 means no limit.
	Events(ctx context.Context, since uint64, n int) ([]*Event, error)
	// Listing returns the projection of the listing.
	Listing(ctx context.Context, id uint64) (*ListingRecord, error)
	// SellerListings returns the seller's listings in ID order, optionally
	// only the active ones.
	SellerListings(ctx context.Context, seller common.Address, activeOnly bool) ([]*ListingRecord, error)
	// LastTxID is the ID of the newest archived command, 0 if none.
	LastTxID(ctx context.Context) (uint64, error)
	Close() error
}

// ValidateTxRecord checks that a record can follow lastID in the archive.
func ValidateTxRecord(rec *TxRecord, lastID uint64) error {
	if rec == nil || rec.Op == "" {
		return ArchiveError{Code: ErrInvalidRecord, Detail: "missing op"}
	}
	if rec.ID != lastID+1 {
		return ArchiveError{
			Code:   ErrOutOfSequence,
			Detail: fmt.Sprintf("got %d, expected %d", rec.ID, lastID+1),
		}
	}
	for i, ev := range rec.Events {
		if ev.TxID != rec.ID || ev.Index != uint32(i) {
			return ArchiveError{
				Code:   ErrInvalidRecord,
				Detail: fmt.Sprintf("event %d of tx %d has position %d:%d", i, rec.ID, ev.TxID, ev.Index),
			}
		}
	}
	return nil
}
