// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package market is the marketplace manager. It owns the execution host, the
// deployed ledger and asset collections, and the archive. Every state-changing
// command runs as one host transaction and, once committed, is archived with
// the ledger events it emitted and published to event subscribers. On startup
// the archived commands are replayed to restore the ledger.
package market

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/Dominion116/FrameMarket-Contracts/fm"
	"github.com/Dominion116/FrameMarket-Contracts/fm/chain"
	"github.com/Dominion116/FrameMarket-Contracts/fm/erc721"
	"github.com/Dominion116/FrameMarket-Contracts/server/db"
	"github.com/Dominion116/FrameMarket-Contracts/server/ledger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
)

const (
	ErrHalted            = fm.ErrorKind("market halted")
	ErrUnknownCollection = fm.ErrorKind("unknown collection")
	ErrReplayMismatch    = fm.ErrorKind("archive does not match market configuration")
	ErrUnknownCommand    = fm.ErrorKind("unknown command")
	ErrNotAdmin          = fm.ErrorKind("not admin")
	ErrZeroAccount       = fm.ErrorKind("zero account")

	// noteBufferSize is the number of committed transactions that may await
	// publication.
	noteBufferSize = 1024
)

// LedgerAddress is where the ledger is deployed.
var LedgerAddress = fm.NamedAddress("framemarket/ledger")

// CollectionAddress is where the named collection is deployed.
func CollectionAddress(name string) common.Address {
	return fm.NamedAddress("framemarket/collection/" + name)
}

// Config is the configuration of a Market.
type Config struct {
	// Storage is the archive. The Market takes ownership of it and closes it
	// when Run returns.
	Storage db.Archivist
	// Admin is the administrator account. It is the only account that may
	// change the fee, and the minter of every collection.
	Admin        common.Address
	FeeBps       uint16
	FeeRecipient common.Address
	// Collections are the names of the asset collections to deploy.
	Collections []string
}

// CollectionInfo describes a deployed collection.
type CollectionInfo struct {
	Name    string
	Address common.Address
}

// Receipt describes a committed command.
type Receipt struct {
	TxID   uint64
	Stamp  time.Time
	Events []*db.Event
}

// Market is the marketplace manager.
type Market struct {
	chain       *chain.Chain
	ledger      *ledger.Ledger
	collections map[common.Address]*erc721.Collection
	infos       []*CollectionInfo
	storage     db.Archivist
	admin       common.Address

	// execMtx serializes command execution with archiving, so that archived
	// transaction IDs are in commit order.
	execMtx sync.Mutex
	halted  error

	notes chan []*db.Event
	feed  event.Feed
}

// New deploys the ledger and the collections and replays the archive.
func New(ctx context.Context, cfg *Config) (*Market, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("no archive")
	}
	l, err := ledger.New(&ledger.Config{
		Address:      LedgerAddress,
		Admin:        cfg.Admin,
		FeeBps:       cfg.FeeBps,
		FeeRecipient: cfg.FeeRecipient,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid ledger configuration: %w", err)
	}

	c := chain.New()
	if err = c.Deploy(LedgerAddress, l); err != nil {
		return nil, err
	}

	m := &Market{
		chain:       c,
		ledger:      l,
		collections: make(map[common.Address]*erc721.Collection, len(cfg.Collections)),
		storage:     cfg.Storage,
		admin:       cfg.Admin,
		notes:       make(chan []*db.Event, noteBufferSize),
	}

	for _, name := range cfg.Collections {
		addr := CollectionAddress(name)
		coll := erc721.NewCollection(addr, name, cfg.Admin)
		if err = c.Deploy(addr, coll); err != nil {
			return nil, fmt.Errorf("error deploying collection %q: %w", name, err)
		}
		m.collections[addr] = coll
		m.infos = append(m.infos, &CollectionInfo{Name: name, Address: addr})
		log.Infof("Collection %q deployed at %s", name, addr)
	}
	sort.Slice(m.infos, func(i, j int) bool { return m.infos[i].Name < m.infos[j].Name })

	if err = m.replay(ctx); err != nil {
		return nil, err
	}
	log.Infof("Ledger deployed at %s. Fee %d bps to %s", LedgerAddress, cfg.FeeBps, cfg.FeeRecipient)
	return m, nil
}

// Run publishes committed events to subscribers until the context is
// canceled, then closes the archive.
func (m *Market) Run(ctx context.Context) {
	defer func() {
		m.execMtx.Lock()
		m.halted = ErrHalted
		m.execMtx.Unlock()
		if err := m.storage.Close(); err != nil {
			log.Errorf("Error closing archive: %v", err)
		}
	}()
	for {
		select {
		case evs := <-m.notes:
			m.feed.Send(evs)
		case <-ctx.Done():
			return
		}
	}
}

// SubscribeEvents subscribes to the events of committed transactions. Each
// send is the events of one transaction. Transactions without ledger events
// are not sent.
func (m *Market) SubscribeEvents(ch chan<- []*db.Event) event.Subscription {
	return m.feed.Subscribe(ch)
}

// execute runs the command as a single transaction, then archives and
// publishes it.
func (m *Market) execute(ctx context.Context, caller common.Address, cmd command) (*Receipt, error) {
	m.execMtx.Lock()
	defer m.execMtx.Unlock()
	if m.halted != nil {
		return nil, fm.NewError(ErrHalted, m.halted.Error())
	}

	argsB, err := encodeArgs(cmd)
	if err != nil {
		return nil, err
	}

	rcpt, err := m.chain.Transact(ctx, func(tx *chain.Tx) error {
		return cmd.run(m, tx, caller)
	})
	if err != nil {
		log.Debugf("%s by %s failed: %v", cmd.op(), caller, err)
		return nil, err
	}

	rec := &db.TxRecord{
		ID:     rcpt.TxID,
		Op:     cmd.op(),
		Caller: caller,
		Args:   argsB,
		Stamp:  rcpt.Stamp,
		Events: ledgerEvents(rcpt.Logs, caller, rcpt.Stamp),
	}
	// The transaction has committed. If it cannot be archived, the archive
	// would no longer replay to the live state, so nothing more is accepted.
	if err = m.storage.StoreTx(context.WithoutCancel(ctx), rec); err != nil {
		m.halted = err
		log.Criticalf("Failed to archive tx %d (%s). Market halted: %v", rec.ID, rec.Op, err)
		return nil, fm.NewError(ErrHalted, err.Error())
	}
	log.Debugf("Tx %d: %s by %s, %d events", rec.ID, rec.Op, caller, len(rec.Events))

	if len(rec.Events) > 0 {
		select {
		case m.notes <- rec.Events:
		default:
			log.Warnf("Event subscribers are not keeping up. Tx %d not published.", rec.ID)
		}
	}
	return &Receipt{TxID: rec.ID, Stamp: rec.Stamp, Events: rec.Events}, nil
}

// List lists the caller's asset.
func (m *Market) List(ctx context.Context, caller, collection common.Address, assetID, price *big.Int) (uint64, *Receipt, error) {
	cmd := &ListArgs{Collection: collection, AssetID: assetID, Price: price}
	rcpt, err := m.execute(ctx, caller, cmd)
	if err != nil {
		return 0, nil, err
	}
	return cmd.listingID, rcpt, nil
}

// UpdatePrice changes the price of the caller's listing.
func (m *Market) UpdatePrice(ctx context.Context, caller common.Address, id uint64, price *big.Int) (*Receipt, error) {
	return m.execute(ctx, caller, &PriceArgs{ListingID: id, Price: price})
}

// Cancel withdraws the caller's listing.
func (m *Market) Cancel(ctx context.Context, caller common.Address, id uint64) (*Receipt, error) {
	return m.execute(ctx, caller, &CancelArgs{ListingID: id})
}

// Purchase buys the listing, paying amount from the caller's balance.
func (m *Market) Purchase(ctx context.Context, caller common.Address, id uint64, amount *big.Int) (*Receipt, error) {
	return m.execute(ctx, caller, &PurchaseArgs{ListingID: id, Amount: amount})
}

// SetApprovalForAll authorizes or deauthorizes the ledger to move the
// caller's assets in the collection.
func (m *Market) SetApprovalForAll(ctx context.Context, caller, collection common.Address, approved bool) (*Receipt, error) {
	return m.execute(ctx, caller, &ApproveArgs{Collection: collection, Approved: approved})
}

// SetFee changes the fee configuration as the administrator.
func (m *Market) SetFee(ctx context.Context, bps uint16, recipient common.Address) (*Receipt, error) {
	return m.execute(ctx, m.admin, &FeeArgs{Bps: bps, Recipient: recipient})
}

// Fund issues value to an account. It is executed as the administrator.
func (m *Market) Fund(ctx context.Context, account common.Address, amount *big.Int) (*Receipt, error) {
	return m.execute(ctx, m.admin, &FundArgs{Account: account, Amount: amount})
}

// Mint creates an asset in a collection as the administrator.
func (m *Market) Mint(ctx context.Context, collection, to common.Address, assetID *big.Int) (*Receipt, error) {
	return m.execute(ctx, m.admin, &MintArgs{Collection: collection, To: to, AssetID: assetID})
}

// Admin is the administrator account.
func (m *Market) Admin() common.Address {
	return m.admin
}

// LedgerAddress is the ledger's custody account.
func (m *Market) LedgerAddress() common.Address {
	return m.ledger.Address()
}

// Collections lists the deployed collections by name.
func (m *Market) Collections() []*CollectionInfo {
	return m.infos
}

func (m *Market) collection(addr common.Address) (*erc721.Collection, error) {
	coll, found := m.collections[addr]
	if !found {
		return nil, fm.NewError(ErrUnknownCollection, addr.Hex())
	}
	return coll, nil
}

// Listing returns the ledger's listing record. Unknown listings are the zero
// Listing.
func (m *Market) Listing(ctx context.Context, id uint64) (lst ledger.Listing, err error) {
	err = m.chain.View(ctx, func(tx *chain.Tx) error {
		lst = m.ledger.Listing(tx, id)
		return nil
	})
	return
}

// IsActive reports whether the listing is active.
func (m *Market) IsActive(ctx context.Context, id uint64) (active bool, err error) {
	err = m.chain.View(ctx, func(tx *chain.Tx) error {
		active = m.ledger.IsActive(tx, id)
		return nil
	})
	return
}

// NextID is the identifier the next listing will receive.
func (m *Market) NextID(ctx context.Context) (next uint64, err error) {
	err = m.chain.View(ctx, func(tx *chain.Tx) error {
		next = m.ledger.NextID(tx)
		return nil
	})
	return
}

// Fee returns the fee configuration.
func (m *Market) Fee(ctx context.Context) (fee ledger.FeeConfig, err error) {
	err = m.chain.View(ctx, func(tx *chain.Tx) error {
		fee = m.ledger.Fee(tx)
		return nil
	})
	return
}

// Quote returns the fee and seller proceeds of an active listing at the
// current fee rate.
func (m *Market) Quote(ctx context.Context, id uint64) (price, fee, proceeds *big.Int, err error) {
	err = m.chain.View(ctx, func(tx *chain.Tx) error {
		lst := m.ledger.Listing(tx, id)
		if !lst.Active {
			return fm.NewError(ledger.ErrNotActive, fmt.Sprintf("listing %d", id))
		}
		price = lst.Price
		fee, proceeds = ledger.Quote(lst.Price, m.ledger.Fee(tx).Bps)
		return nil
	})
	return
}

// OwnerOf returns the owner of an asset.
func (m *Market) OwnerOf(ctx context.Context, collection common.Address, assetID *big.Int) (owner common.Address, err error) {
	coll, err := m.collection(collection)
	if err != nil {
		return owner, err
	}
	err = m.chain.View(ctx, func(tx *chain.Tx) error {
		owner, err = coll.OwnerOf(tx, assetID)
		return err
	})
	return
}

// IsApprovedForAll reports whether the ledger may move the owner's assets in
// the collection.
func (m *Market) IsApprovedForAll(ctx context.Context, collection, owner common.Address) (approved bool, err error) {
	coll, err := m.collection(collection)
	if err != nil {
		return false, err
	}
	err = m.chain.View(ctx, func(tx *chain.Tx) error {
		approved = coll.IsApprovedForAll(tx, owner, m.ledger.Address())
		return nil
	})
	return
}

// Balance returns the account's balance.
func (m *Market) Balance(addr common.Address) *big.Int {
	return m.chain.BalanceOf(addr)
}

// Events returns archived events after the transaction since.
func (m *Market) Events(ctx context.Context, since uint64, n int) ([]*db.Event, error) {
	return m.storage.Events(ctx, since, n)
}

// ListingRecord returns the archived history summary of a listing.
func (m *Market) ListingRecord(ctx context.Context, id uint64) (*db.ListingRecord, error) {
	return m.storage.Listing(ctx, id)
}

// SellerListings returns the seller's archived listings.
func (m *Market) SellerListings(ctx context.Context, seller common.Address, activeOnly bool) ([]*db.ListingRecord, error) {
	return m.storage.SellerListings(ctx, seller, activeOnly)
}

// TxCount is the number of committed transactions.
func (m *Market) TxCount() uint64 {
	return m.chain.TxCount()
}
