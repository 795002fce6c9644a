// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"

	"github.com/Dominion116/FrameMarket-Contracts/server/db"
	"github.com/Dominion116/FrameMarket-Contracts/server/db/driver/pg/internal"
	"github.com/ethereum/go-ethereum/common"
)

// scanner is implemented by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func numericString(i *big.Int) sql.NullString {
	if i == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: i.String(), Valid: true}
}

func parseNumeric(s sql.NullString) (*big.Int, error) {
	if !s.Valid {
		return nil, nil
	}
	i, ok := new(big.Int).SetString(s.String, 10)
	if !ok {
		return nil, badRow(errInvalidNumeric, "value %q", s.String)
	}
	return i, nil
}

// StoreTx archives the command and its events and updates the listing
// projections in one SQL transaction.
func (a *Archiver) StoreTx(ctx context.Context, rec *db.TxRecord) error {
	ctx, cancel := a.queryContext(ctx)
	defer cancel()

	dbTx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbTx.Rollback() // no-op after Commit

	var lastID uint64
	if err = dbTx.QueryRowContext(ctx, internal.SelectLastTxID).Scan(&lastID); err != nil {
		return err
	}
	if err = db.ValidateTxRecord(rec, lastID); err != nil {
		return err
	}

	// JSONB parameters must be text. lib/pq encodes []byte as bytea.
	args := string(rec.Args)
	if args == "" {
		args = "null"
	}
	if _, err = dbTx.ExecContext(ctx, internal.InsertTx, rec.ID, rec.Op,
		rec.Caller.Bytes(), args, rec.Stamp); err != nil {
		return fmt.Errorf("error inserting tx %d: %w", rec.ID, err)
	}

	for _, ev := range rec.Events {
		_, err = dbTx.ExecContext(ctx, internal.InsertEvent, ev.TxID, ev.Index, ev.Kind,
			strconv.FormatUint(ev.ListingID, 10), ev.Account.Bytes(), ev.Counterparty.Bytes(),
			ev.Collection.Bytes(), numericString(ev.AssetID), numericString(ev.Amount),
			ev.Aux, ev.Stamp)
		if err != nil {
			return fmt.Errorf("error inserting event %d:%d: %w", ev.TxID, ev.Index, err)
		}
		if !db.IsListingEvent(ev.Kind) {
			continue
		}
		if err = applyListingEvent(ctx, dbTx, ev); err != nil {
			return err
		}
	}

	return dbTx.Commit()
}

func applyListingEvent(ctx context.Context, dbTx *sql.Tx, ev *db.Event) error {
	idStr := strconv.FormatUint(ev.ListingID, 10)
	lr, err := scanListing(dbTx.QueryRowContext(ctx, internal.SelectListingForUpdate, idStr))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if ev.Kind != db.EventListingCreated {
			return db.ArchiveError{
				Code:   db.ErrUnknownListing,
				Detail: fmt.Sprintf("%s event for listing %d", ev.Kind, ev.ListingID),
			}
		}
		lr = new(db.ListingRecord)
	case err != nil:
		return err
	}
	lr.Apply(ev)
	_, err = dbTx.ExecContext(ctx, internal.UpsertListing, idStr, lr.Seller.Bytes(),
		lr.Collection.Bytes(), numericString(lr.AssetID), numericString(lr.Price),
		int16(lr.Status), lr.Buyer.Bytes(), lr.CreatedTx, lr.ClosedTx)
	return err
}

func scanListing(row scanner) (*db.ListingRecord, error) {
	var idStr string
	var assetID, price sql.NullString
	var seller, collection, buyer []byte
	var status int16
	lr := new(db.ListingRecord)
	err := row.Scan(&idStr, &seller, &collection, &assetID, &price, &status,
		&buyer, &lr.CreatedTx, &lr.ClosedTx)
	if err != nil {
		return nil, err
	}
	if lr.ID, err = strconv.ParseUint(idStr, 10, 64); err != nil {
		return nil, err
	}
	if lr.AssetID, err = parseNumeric(assetID); err != nil {
		return nil, err
	}
	if lr.Price, err = parseNumeric(price); err != nil {
		return nil, err
	}
	lr.Seller = common.BytesToAddress(seller)
	lr.Collection = common.BytesToAddress(collection)
	lr.Buyer = common.BytesToAddress(buyer)
	lr.Status = db.ListingStatus(status)
	return lr, nil
}

func scanEvent(row scanner) (*db.Event, error) {
	var listingID string
	var assetID, amount sql.NullString
	var account, counterparty, collection []byte
	ev := new(db.Event)
	err := row.Scan(&ev.TxID, &ev.Index, &ev.Kind, &listingID, &account, &counterparty,
		&collection, &assetID, &amount, &ev.Aux, &ev.Stamp)
	if err != nil {
		return nil, err
	}
	if ev.ListingID, err = strconv.ParseUint(listingID, 10, 64); err != nil {
		return nil, err
	}
	if ev.AssetID, err = parseNumeric(assetID); err != nil {
		return nil, err
	}
	if ev.Amount, err = parseNumeric(amount); err != nil {
		return nil, err
	}
	ev.Account = common.BytesToAddress(account)
	ev.Counterparty = common.BytesToAddress(counterparty)
	ev.Collection = common.BytesToAddress(collection)
	ev.Stamp = ev.Stamp.UTC()
	return ev, nil
}

// Txs returns the commands after since, with their events.
func (a *Archiver) Txs(ctx context.Context, since uint64) ([]*db.TxRecord, error) {
	// tx_id is a BIGINT.
	if since > math.MaxInt64 {
		return nil, nil
	}
	ctx, cancel := a.queryContext(ctx)
	defer cancel()

	rows, err := a.db.QueryContext(ctx, internal.SelectTxsSince, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*db.TxRecord
	byID := make(map[uint64]*db.TxRecord)
	for rows.Next() {
		var caller, args []byte
		rec := new(db.TxRecord)
		if err = rows.Scan(&rec.ID, &rec.Op, &caller, &args, &rec.Stamp); err != nil {
			return nil, err
		}
		rec.Caller = common.BytesToAddress(caller)
		rec.Args = args
		rec.Stamp = rec.Stamp.UTC()
		recs = append(recs, rec)
		byID[rec.ID] = rec
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	evs, err := a.events(ctx, since, 0)
	if err != nil {
		return nil, err
	}
	for _, ev := range evs {
		rec, found := byID[ev.TxID]
		if !found {
			return nil, badRow(errNoRows, "event %d:%d has no tx", ev.TxID, ev.Index)
		}
		rec.Events = append(rec.Events, ev)
	}
	return recs, nil
}

// Events returns the events of transactions after since. A page stops at the
// first transaction boundary at or past n events.
func (a *Archiver) Events(ctx context.Context, since uint64, n int) ([]*db.Event, error) {
	ctx, cancel := a.queryContext(ctx)
	defer cancel()
	return a.events(ctx, since, n)
}

func (a *Archiver) events(ctx context.Context, since uint64, n int) ([]*db.Event, error) {
	if since > math.MaxInt64 {
		return nil, nil
	}
	var limit sql.NullInt64
	if n > 0 {
		limit = sql.NullInt64{Int64: int64(n), Valid: true}
	}
	rows, err := a.db.QueryContext(ctx, internal.SelectEventsSince, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evs []*db.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		evs = append(evs, ev)
	}
	return evs, rows.Err()
}

// Listing returns the listing projection.
func (a *Archiver) Listing(ctx context.Context, id uint64) (*db.ListingRecord, error) {
	ctx, cancel := a.queryContext(ctx)
	defer cancel()
	lr, err := scanListing(a.db.QueryRowContext(ctx, internal.SelectListing, strconv.FormatUint(id, 10)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.ArchiveError{Code: db.ErrUnknownListing, Detail: strconv.FormatUint(id, 10)}
	}
	return lr, err
}

// SellerListings returns the seller's listings in ID order.
func (a *Archiver) SellerListings(ctx context.Context, seller common.Address, activeOnly bool) ([]*db.ListingRecord, error) {
	ctx, cancel := a.queryContext(ctx)
	defer cancel()

	var status sql.NullInt16
	if activeOnly {
		status = sql.NullInt16{Int16: int16(db.ListingStatusActive), Valid: true}
	}
	rows, err := a.db.QueryContext(ctx, internal.SelectSellerListings, seller.Bytes(), status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lrs []*db.ListingRecord
	for rows.Next() {
		lr, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		lrs = append(lrs, lr)
	}
	return lrs, rows.Err()
}

// LastTxID is the newest archived command ID.
func (a *Archiver) LastTxID(ctx context.Context) (uint64, error) {
	ctx, cancel := a.queryContext(ctx)
	defer cancel()
	var lastID uint64
	return lastID, a.db.QueryRowContext(ctx, internal.SelectLastTxID).Scan(&lastID)
}
