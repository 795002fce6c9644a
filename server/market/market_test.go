// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package market

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/Dominion116/FrameMarket-Contracts/fm"
	"github.com/Dominion116/FrameMarket-Contracts/server/db"
	"github.com/Dominion116/FrameMarket-Contracts/server/ledger"
	"github.com/ethereum/go-ethereum/common"
)

var (
	tAdmin    = fm.NamedAddress("admin")
	tFees     = fm.NamedAddress("fees")
	tSeller   = fm.NamedAddress("seller")
	tBuyer    = fm.NamedAddress("buyer")
	tStranger = fm.NamedAddress("stranger")
	tColl     = CollectionAddress("frames")
	tEther    = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

// TArchivist is an in-memory db.Archivist.
type TArchivist struct {
	mtx      sync.Mutex
	txs      []*db.TxRecord
	listings map[uint64]*db.ListingRecord
	storeErr error
	closed   bool
}

func newTArchivist() *TArchivist {
	return &TArchivist{listings: make(map[uint64]*db.ListingRecord)}
}

func (ta *TArchivist) StoreTx(_ context.Context, rec *db.TxRecord) error {
	ta.mtx.Lock()
	defer ta.mtx.Unlock()
	if ta.storeErr != nil {
		return ta.storeErr
	}
	if err := db.ValidateTxRecord(rec, uint64(len(ta.txs))); err != nil {
		return err
	}
	ta.txs = append(ta.txs, rec)
	for _, ev := range rec.Events {
		if !db.IsListingEvent(ev.Kind) {
			continue
		}
		lr, found := ta.listings[ev.ListingID]
		if !found {
			lr = new(db.ListingRecord)
			ta.listings[ev.ListingID] = lr
		}
		lr.Apply(ev)
	}
	return nil
}

func (ta *TArchivist) Txs(_ context.Context, since uint64) ([]*db.TxRecord, error) {
	ta.mtx.Lock()
	defer ta.mtx.Unlock()
	if since >= uint64(len(ta.txs)) {
		return nil, nil
	}
	return append([]*db.TxRecord(nil), ta.txs[since:]...), nil
}

func (ta *TArchivist) Events(_ context.Context, since uint64, n int) ([]*db.Event, error) {
	ta.mtx.Lock()
	defer ta.mtx.Unlock()
	var evs []*db.Event
	for _, rec := range ta.txs {
		if rec.ID <= since {
			continue
		}
		for _, ev := range rec.Events {
			if n > 0 && len(evs) == n {
				return evs, nil
			}
			evs = append(evs, ev)
		}
	}
	return evs, nil
}

func (ta *TArchivist) Listing(_ context.Context, id uint64) (*db.ListingRecord, error) {
	ta.mtx.Lock()
	defer ta.mtx.Unlock()
	lr, found := ta.listings[id]
	if !found {
		return nil, db.ArchiveError{Code: db.ErrUnknownListing}
	}
	return lr, nil
}

func (ta *TArchivist) SellerListings(_ context.Context, seller common.Address, activeOnly bool) ([]*db.ListingRecord, error) {
	ta.mtx.Lock()
	defer ta.mtx.Unlock()
	var lrs []*db.ListingRecord
	for id := uint64(0); id < uint64(len(ta.listings)); id++ {
		lr := ta.listings[id]
		if lr == nil || lr.Seller != seller || (activeOnly && lr.Status != db.ListingStatusActive) {
			continue
		}
		lrs = append(lrs, lr)
	}
	return lrs, nil
}

func (ta *TArchivist) LastTxID(context.Context) (uint64, error) {
	ta.mtx.Lock()
	defer ta.mtx.Unlock()
	return uint64(len(ta.txs)), nil
}

func (ta *TArchivist) Close() error {
	ta.mtx.Lock()
	ta.closed = true
	ta.mtx.Unlock()
	return nil
}

func tConfig(arch db.Archivist, bps uint16) *Config {
	return &Config{
		Storage:      arch,
		Admin:        tAdmin,
		FeeBps:       bps,
		FeeRecipient: tFees,
		Collections:  []string{"frames", "album"},
	}
}

func newTestMarket(t *testing.T, arch db.Archivist, bps uint16) *Market {
	t.Helper()
	m, err := New(context.Background(), tConfig(arch, bps))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return m
}

// seed mints asset 7 to the seller, approves the ledger, lists it for 1 ether
// and funds the buyer with 2 ether.
func seed(t *testing.T, m *Market) uint64 {
	t.Helper()
	ctx := context.Background()
	if _, err := m.Mint(ctx, tColl, tSeller, big.NewInt(7)); err != nil {
		t.Fatalf("Mint error: %v", err)
	}
	if _, err := m.SetApprovalForAll(ctx, tSeller, tColl, true); err != nil {
		t.Fatalf("SetApprovalForAll error: %v", err)
	}
	id, rcpt, err := m.List(ctx, tSeller, tColl, big.NewInt(7), tEther)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(rcpt.Events) != 1 || rcpt.Events[0].Kind != db.EventListingCreated {
		t.Fatalf("wrong list events %+v", rcpt.Events)
	}
	if _, err = m.Fund(ctx, tBuyer, new(big.Int).Mul(tEther, big.NewInt(2))); err != nil {
		t.Fatalf("Fund error: %v", err)
	}
	return id
}

func TestNewValidates(t *testing.T) {
	if _, err := New(context.Background(), &Config{Admin: tAdmin, FeeRecipient: tFees}); err == nil {
		t.Fatalf("no error for missing archive")
	}
	_, err := New(context.Background(), tConfig(newTArchivist(), ledger.MaxFeeBps+1))
	if !errors.Is(err, ledger.ErrFeeTooHigh) {
		t.Fatalf("expected ErrFeeTooHigh, got %v", err)
	}
	cfg := tConfig(newTArchivist(), 250)
	cfg.Collections = []string{"frames", "frames"}
	if _, err = New(context.Background(), cfg); err == nil {
		t.Fatalf("no error for duplicate collection")
	}
}

func TestPurchaseFlow(t *testing.T) {
	ctx := context.Background()
	arch := newTArchivist()
	m := newTestMarket(t, arch, 250)
	id := seed(t, m)

	price, fee, proceeds, err := m.Quote(ctx, id)
	if err != nil {
		t.Fatalf("Quote error: %v", err)
	}
	wantFee := new(big.Int).Div(tEther, big.NewInt(40))
	if price.Cmp(tEther) != 0 || fee.Cmp(wantFee) != 0 || new(big.Int).Add(fee, proceeds).Cmp(price) != 0 {
		t.Fatalf("wrong quote %s %s %s", price, fee, proceeds)
	}

	rcpt, err := m.Purchase(ctx, tBuyer, id, tEther)
	if err != nil {
		t.Fatalf("Purchase error: %v", err)
	}
	if rcpt.TxID != 5 {
		t.Fatalf("purchase committed as tx %d", rcpt.TxID)
	}
	if len(rcpt.Events) != 2 {
		t.Fatalf("%d purchase events", len(rcpt.Events))
	}
	feeEv, buyEv := rcpt.Events[0], rcpt.Events[1]
	if feeEv.Kind != db.EventFeeCollected || feeEv.Account != tFees || feeEv.Amount.Cmp(wantFee) != 0 {
		t.Fatalf("wrong fee event %+v", feeEv)
	}
	if buyEv.Kind != db.EventListingPurchased || buyEv.Account != tBuyer || buyEv.Counterparty != tSeller ||
		buyEv.Aux != proceeds.String() || buyEv.Index != 1 {
		t.Fatalf("wrong purchase event %+v", buyEv)
	}

	if bal := m.Balance(tSeller); bal.Cmp(proceeds) != 0 {
		t.Fatalf("seller balance %s, want %s", bal, proceeds)
	}
	if bal := m.Balance(tFees); bal.Cmp(wantFee) != 0 {
		t.Fatalf("fee balance %s, want %s", bal, wantFee)
	}
	if bal := m.Balance(tBuyer); bal.Cmp(tEther) != 0 {
		t.Fatalf("buyer balance %s", bal)
	}
	if owner, _ := m.OwnerOf(ctx, tColl, big.NewInt(7)); owner != tBuyer {
		t.Fatalf("asset owned by %s", owner)
	}
	if active, _ := m.IsActive(ctx, id); active {
		t.Fatalf("listing still active")
	}
	if _, _, _, err = m.Quote(ctx, id); !errors.Is(err, ledger.ErrNotActive) {
		t.Fatalf("expected ErrNotActive quoting a sold listing, got %v", err)
	}

	lr, err := m.ListingRecord(ctx, id)
	if err != nil {
		t.Fatalf("ListingRecord error: %v", err)
	}
	if lr.Status != db.ListingStatusSold || lr.Buyer != tBuyer || lr.ClosedTx != 5 {
		t.Fatalf("wrong listing record %+v", lr)
	}
	evs, _ := m.Events(ctx, 0, 0)
	if len(evs) != 3 {
		t.Fatalf("%d archived events", len(evs))
	}
}

func TestFailedCommandNotArchived(t *testing.T) {
	ctx := context.Background()
	arch := newTArchivist()
	m := newTestMarket(t, arch, 250)
	id := seed(t, m)
	before, _ := arch.LastTxID(ctx)

	_, err := m.Purchase(ctx, tBuyer, id, new(big.Int).Sub(tEther, big.NewInt(1)))
	if !errors.Is(err, ledger.ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}
	_, err = m.Cancel(ctx, tStranger, id)
	if !ledger.IsClass(err, ledger.ClassAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	_, err = m.execute(ctx, tStranger, &FundArgs{Account: tStranger, Amount: tEther})
	if !errors.Is(err, ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin, got %v", err)
	}
	if _, err = m.Fund(ctx, tBuyer, big.NewInt(0)); err == nil {
		t.Fatalf("no error funding zero")
	}
	if _, err = m.Mint(ctx, fm.NamedAddress("nope"), tSeller, big.NewInt(1)); !errors.Is(err, ErrUnknownCollection) {
		t.Fatalf("expected ErrUnknownCollection, got %v", err)
	}

	after, _ := arch.LastTxID(ctx)
	if after != before || m.TxCount() != before {
		t.Fatalf("failed commands archived: %d -> %d, tx count %d", before, after, m.TxCount())
	}
	if bal := m.Balance(tBuyer); bal.Cmp(new(big.Int).Mul(tEther, big.NewInt(2))) != 0 {
		t.Fatalf("buyer balance changed to %s", bal)
	}
}

func TestReplay(t *testing.T) {
	ctx := context.Background()
	arch := newTArchivist()
	m := newTestMarket(t, arch, 250)
	id := seed(t, m)
	if _, err := m.UpdatePrice(ctx, tSeller, id, big.NewInt(5000)); err != nil {
		t.Fatalf("UpdatePrice error: %v", err)
	}
	if _, err := m.Purchase(ctx, tBuyer, id, big.NewInt(5000)); err != nil {
		t.Fatalf("Purchase error: %v", err)
	}
	if _, err := m.SetFee(ctx, 100, tStranger); err != nil {
		t.Fatalf("SetFee error: %v", err)
	}

	m2 := newTestMarket(t, arch, 250)
	if m2.TxCount() != m.TxCount() {
		t.Fatalf("replayed %d txs, want %d", m2.TxCount(), m.TxCount())
	}
	for _, addr := range []common.Address{tSeller, tBuyer, tFees, m.LedgerAddress()} {
		if m2.Balance(addr).Cmp(m.Balance(addr)) != 0 {
			t.Fatalf("balance of %s is %s, want %s", addr, m2.Balance(addr), m.Balance(addr))
		}
	}
	lst, _ := m2.Listing(ctx, id)
	if lst.Active || lst.Price.Int64() != 5000 || lst.Seller != tSeller {
		t.Fatalf("wrong replayed listing %+v", lst)
	}
	if fee, _ := m2.Fee(ctx); fee.Bps != 100 || fee.Recipient != tStranger {
		t.Fatalf("wrong replayed fee %+v", fee)
	}
	if owner, _ := m2.OwnerOf(ctx, tColl, big.NewInt(7)); owner != tBuyer {
		t.Fatalf("replayed owner %s", owner)
	}
	if approved, _ := m2.IsApprovedForAll(ctx, tColl, tSeller); !approved {
		t.Fatalf("approval not replayed")
	}

	// The replayed market continues the sequence.
	rcpt, err := m2.Fund(ctx, tSeller, big.NewInt(1))
	if err != nil {
		t.Fatalf("Fund error: %v", err)
	}
	if rcpt.TxID != m.TxCount()+1 {
		t.Fatalf("tx %d after replay of %d", rcpt.TxID, m.TxCount())
	}
}

func TestReplayMismatch(t *testing.T) {
	ctx := context.Background()
	arch := newTArchivist()
	m := newTestMarket(t, arch, 250)
	id := seed(t, m)
	if _, err := m.Purchase(ctx, tBuyer, id, tEther); err != nil {
		t.Fatalf("Purchase error: %v", err)
	}

	// A different fee rate collects a different fee.
	_, err := New(ctx, tConfig(arch, 300))
	if !errors.Is(err, ErrReplayMismatch) {
		t.Fatalf("expected ErrReplayMismatch, got %v", err)
	}

	// Without the collection, the mint cannot be replayed.
	cfg := tConfig(arch, 250)
	cfg.Collections = []string{"album"}
	if _, err = New(ctx, cfg); !errors.Is(err, ErrReplayMismatch) {
		t.Fatalf("expected ErrReplayMismatch, got %v", err)
	}

	if _, err = decodeCommand("burn", nil); !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
}

func TestHaltOnArchiveFailure(t *testing.T) {
	ctx := context.Background()
	arch := newTArchivist()
	m := newTestMarket(t, arch, 250)
	id := seed(t, m)

	arch.storeErr = errors.New("disk full")
	if _, err := m.Cancel(ctx, tSeller, id); !errors.Is(err, ErrHalted) {
		t.Fatalf("expected ErrHalted, got %v", err)
	}
	arch.storeErr = nil
	if _, err := m.Fund(ctx, tBuyer, big.NewInt(1)); !errors.Is(err, ErrHalted) {
		t.Fatalf("expected ErrHalted after failure, got %v", err)
	}
	// Reads still work.
	if active, err := m.IsActive(ctx, id); err != nil || active {
		t.Fatalf("IsActive = %v, %v", active, err)
	}
}

func TestSubscribeEvents(t *testing.T) {
	arch := newTArchivist()
	m := newTestMarket(t, arch, 250)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.Run(ctx)
	}()

	ch := make(chan []*db.Event, 8)
	sub := m.SubscribeEvents(ch)
	defer sub.Unsubscribe()

	id := seed(t, m)

	select {
	case evs := <-ch:
		if len(evs) != 1 || evs[0].Kind != db.EventListingCreated || evs[0].ListingID != id {
			t.Fatalf("wrong notification %+v", evs)
		}
	case <-time.After(time.Second):
		t.Fatalf("no notification")
	}
	// Mint, approve and fund emit no ledger events.
	select {
	case evs := <-ch:
		t.Fatalf("unexpected notification %+v", evs)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	wg.Wait()
	if !arch.closed {
		t.Fatalf("archive not closed")
	}
	if _, err := m.Fund(context.Background(), tBuyer, big.NewInt(1)); !errors.Is(err, ErrHalted) {
		t.Fatalf("expected ErrHalted after shutdown, got %v", err)
	}
}

func TestReadAccessors(t *testing.T) {
	ctx := context.Background()
	m := newTestMarket(t, newTArchivist(), 250)
	colls := m.Collections()
	if len(colls) != 2 || colls[0].Name != "album" || colls[1].Address != tColl {
		t.Fatalf("wrong collections %+v", colls)
	}
	if m.Admin() != tAdmin || m.LedgerAddress() != LedgerAddress {
		t.Fatalf("wrong addresses")
	}
	if lst, err := m.Listing(ctx, 42); err != nil || lst.Active || lst.Seller != fm.ZeroAddress {
		t.Fatalf("unknown listing %+v, %v", lst, err)
	}
	id := seed(t, m)
	if next, _ := m.NextID(ctx); next != id+1 {
		t.Fatalf("next ID %d", next)
	}
	lrs, err := m.SellerListings(ctx, tSeller, true)
	if err != nil || len(lrs) != 1 || lrs[0].ID != id {
		t.Fatalf("SellerListings = %+v, %v", lrs, err)
	}
	if _, err = m.OwnerOf(ctx, fm.NamedAddress("nope"), big.NewInt(1)); !errors.Is(err, ErrUnknownCollection) {
		t.Fatalf("expected ErrUnknownCollection, got %v", err)
	}
	if owner, _ := m.OwnerOf(ctx, tColl, big.NewInt(7)); owner != LedgerAddress {
		t.Fatalf("listed asset owned by %s", owner)
	}
}
