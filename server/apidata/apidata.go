// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package apidata is the market's public data API. It serves the HTTP data
// routes and publishes committed ledger events to feed subscribers.
package apidata

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/Dominion116/FrameMarket-Contracts/fm"
	"github.com/Dominion116/FrameMarket-Contracts/fm/erc721"
	"github.com/Dominion116/FrameMarket-Contracts/fm/msgjson"
	"github.com/Dominion116/FrameMarket-Contracts/server/comms"
	"github.com/Dominion116/FrameMarket-Contracts/server/db"
	"github.com/Dominion116/FrameMarket-Contracts/server/ledger"
	"github.com/Dominion116/FrameMarket-Contracts/server/market"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
)

// APIVersion is the version of the data API.
const APIVersion = 1

// feedBufferSize is the subscription buffer, in transactions.
const feedBufferSize = 256

// MarketSource is a source of market information. *market.Market satisfies
// MarketSource.
type MarketSource interface {
	Admin() common.Address
	LedgerAddress() common.Address
	Collections() []*market.CollectionInfo
	Listing(ctx context.Context, id uint64) (ledger.Listing, error)
	IsActive(ctx context.Context, id uint64) (bool, error)
	NextID(ctx context.Context) (uint64, error)
	Fee(ctx context.Context) (ledger.FeeConfig, error)
	Quote(ctx context.Context, id uint64) (price, fee, proceeds *big.Int, err error)
	OwnerOf(ctx context.Context, collection common.Address, assetID *big.Int) (common.Address, error)
	Balance(addr common.Address) *big.Int
	Events(ctx context.Context, since uint64, n int) ([]*db.Event, error)
	ListingRecord(ctx context.Context, id uint64) (*db.ListingRecord, error)
	SellerListings(ctx context.Context, seller common.Address, activeOnly bool) ([]*db.ListingRecord, error)
	SubscribeEvents(ch chan<- []*db.Event) event.Subscription
}

// Server is where the data routes are registered and the feed is broadcast.
// *comms.Server satisfies Server.
type Server interface {
	RegisterHTTP(route string, handler comms.HTTPHandler)
	Broadcast(msg *msgjson.Message)
}

// DataAPI is a data API backend.
type DataAPI struct {
	ctx    context.Context
	market MarketSource
	srv    Server
}

// NewDataAPI is the constructor for a new DataAPI. The data routes are
// registered with the Server.
func NewDataAPI(ctx context.Context, src MarketSource, srv Server) *DataAPI {
	s := &DataAPI{
		ctx:    ctx,
		market: src,
		srv:    srv,
	}
	srv.RegisterHTTP(msgjson.ConfigRoute, s.handleConfig)
	srv.RegisterHTTP(msgjson.ListingRoute, s.handleListing)
	srv.RegisterHTTP(msgjson.ActiveRoute, s.handleActive)
	srv.RegisterHTTP(msgjson.QuoteRoute, s.handleQuote)
	srv.RegisterHTTP(msgjson.SellerListingsRoute, s.handleSellerListings)
	srv.RegisterHTTP(msgjson.EventsRoute, s.handleEvents)
	srv.RegisterHTTP(msgjson.BalanceRoute, s.handleBalance)
	srv.RegisterHTTP(msgjson.OwnerRoute, s.handleOwner)
	return s
}

// Run broadcasts each committed transaction to feed subscribers as a single
// notification carrying all of its events, until the context is canceled.
func (s *DataAPI) Run(ctx context.Context) {
	evsC := make(chan []*db.Event, feedBufferSize)
	sub := s.market.SubscribeEvents(evsC)
	defer sub.Unsubscribe()
	for {
		select {
		case evs := <-evsC:
			if len(evs) == 0 {
				continue
			}
			msgEvs := make([]*msgjson.Event, 0, len(evs))
			for _, ev := range evs {
				msgEvs = append(msgEvs, toMsgEvent(ev))
			}
			note, err := msgjson.NewNotification(msgjson.EventRoute, msgEvs)
			if err != nil {
				log.Errorf("error encoding events of tx %d: %v", evs[0].TxID, err)
				continue
			}
			s.srv.Broadcast(note)
		case err := <-sub.Err():
			if err != nil {
				log.Errorf("Event subscription error: %v", err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func bigStr(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func toMsgEvent(ev *db.Event) *msgjson.Event {
	return &msgjson.Event{
		TxID:         ev.TxID,
		Index:        ev.Index,
		Kind:         ev.Kind,
		ListingID:    ev.ListingID,
		Account:      ev.Account,
		Counterparty: ev.Counterparty,
		Collection:   ev.Collection,
		AssetID:      bigStr(ev.AssetID),
		Amount:       bigStr(ev.Amount),
		Aux:          ev.Aux,
		Stamp:        uint64(ev.Stamp.UnixMilli()),
	}
}

func toMsgListing(lr *db.ListingRecord) *msgjson.Listing {
	lst := &msgjson.Listing{
		ID:         lr.ID,
		Seller:     lr.Seller,
		Collection: lr.Collection,
		AssetID:    bigStr(lr.AssetID),
		Price:      bigStr(lr.Price),
		Active:     lr.Status == db.ListingStatusActive,
		Status:     lr.Status.String(),
	}
	if lr.Status == db.ListingStatusSold {
		lst.Buyer = lr.Buyer.Hex()
	}
	return lst
}

// knownListing returns an UnknownListingError if the listing was never
// created.
func (s *DataAPI) knownListing(id uint64) error {
	next, err := s.market.NextID(s.ctx)
	if err != nil {
		return s.internalError("NextID", err)
	}
	if id >= next {
		return msgjson.NewError(msgjson.UnknownListingError, "unknown listing %d", id)
	}
	return nil
}

func (s *DataAPI) internalError(what string, err error) error {
	log.Errorf("%s error: %v", what, err)
	return msgjson.NewError(msgjson.RPCInternal, "internal error")
}

// handleConfig implements comms.HTTPHandler for the /config endpoint.
func (s *DataAPI) handleConfig(any) (any, error) {
	fee, err := s.market.Fee(s.ctx)
	if err != nil {
		return nil, s.internalError("Fee", err)
	}
	next, err := s.market.NextID(s.ctx)
	if err != nil {
		return nil, s.internalError("NextID", err)
	}
	infos := s.market.Collections()
	colls := make([]*msgjson.Collection, 0, len(infos))
	for _, ci := range infos {
		colls = append(colls, &msgjson.Collection{Name: ci.Name, Address: ci.Address})
	}
	return &msgjson.Config{
		APIVersion:   APIVersion,
		Ledger:       s.market.LedgerAddress(),
		Admin:        s.market.Admin(),
		FeeBps:       fee.Bps,
		FeeRecipient: fee.Recipient,
		MaxFeeBps:    ledger.MaxFeeBps,
		NextID:       next,
		Collections:  colls,
	}, nil
}

// handleListing implements comms.HTTPHandler for the /listings/{id} endpoint.
// The ledger's record is supplemented with the archived outcome.
func (s *DataAPI) handleListing(thing any) (any, error) {
	req, ok := thing.(*msgjson.ListingRequest)
	if !ok {
		return nil, fmt.Errorf("listing request unparseable")
	}
	if err := s.knownListing(req.ListingID); err != nil {
		return nil, err
	}
	lst, err := s.market.Listing(s.ctx, req.ListingID)
	if err != nil {
		return nil, s.internalError("Listing", err)
	}
	resp := &msgjson.Listing{
		ID:         lst.ID,
		Seller:     lst.Seller,
		Collection: lst.Collection,
		AssetID:    bigStr(lst.AssetID),
		Price:      bigStr(lst.Price),
		Active:     lst.Active,
	}
	lr, err := s.market.ListingRecord(s.ctx, req.ListingID)
	switch {
	case err == nil:
		archived := toMsgListing(lr)
		resp.Status, resp.Buyer = archived.Status, archived.Buyer
	case !db.IsErrListingUnknown(err):
		log.Warnf("Archived record of listing %d not available: %v", req.ListingID, err)
	}
	return resp, nil
}

// handleActive implements comms.HTTPHandler for the /listings/{id}/active
// endpoint. Unknown listings are not active.
func (s *DataAPI) handleActive(thing any) (any, error) {
	req, ok := thing.(*msgjson.ListingRequest)
	if !ok {
		return nil, fmt.Errorf("active request unparseable")
	}
	active, err := s.market.IsActive(s.ctx, req.ListingID)
	if err != nil {
		return nil, s.internalError("IsActive", err)
	}
	return &msgjson.ListingActive{ListingID: req.ListingID, Active: active}, nil
}

// handleQuote implements comms.HTTPHandler for the /listings/{id}/quote
// endpoint.
func (s *DataAPI) handleQuote(thing any) (any, error) {
	req, ok := thing.(*msgjson.ListingRequest)
	if !ok {
		return nil, fmt.Errorf("quote request unparseable")
	}
	price, fee, proceeds, err := s.market.Quote(s.ctx, req.ListingID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotActive) {
			if err := s.knownListing(req.ListingID); err != nil {
				return nil, err
			}
			return nil, msgjson.NewError(msgjson.StateError, "listing %d is not active", req.ListingID)
		}
		return nil, s.internalError("Quote", err)
	}
	return &msgjson.Quote{
		ListingID: req.ListingID,
		Price:     price.String(),
		Fee:       fee.String(),
		Proceeds:  proceeds.String(),
	}, nil
}

// handleSellerListings implements comms.HTTPHandler for the
// /sellers/{addr}/listings endpoint.
func (s *DataAPI) handleSellerListings(thing any) (any, error) {
	req, ok := thing.(*msgjson.AccountRequest)
	if !ok {
		return nil, fmt.Errorf("seller listings request unparseable")
	}
	lrs, err := s.market.SellerListings(s.ctx, req.Account, req.ActiveOnly)
	if err != nil {
		return nil, s.internalError("SellerListings", err)
	}
	lsts := make([]*msgjson.Listing, 0, len(lrs))
	for _, lr := range lrs {
		lsts = append(lsts, toMsgListing(lr))
	}
	return lsts, nil
}

// handleEvents implements comms.HTTPHandler for the /events endpoint.
func (s *DataAPI) handleEvents(thing any) (any, error) {
	req, ok := thing.(*msgjson.EventsRequest)
	if !ok {
		return nil, fmt.Errorf("events request unparseable")
	}
	evs, err := s.market.Events(s.ctx, req.Since, req.N)
	if err != nil {
		return nil, s.internalError("Events", err)
	}
	msgEvs := make([]*msgjson.Event, 0, len(evs))
	for _, ev := range evs {
		msgEvs = append(msgEvs, toMsgEvent(ev))
	}
	return msgEvs, nil
}

// handleBalance implements comms.HTTPHandler for the /balances/{addr}
// endpoint.
func (s *DataAPI) handleBalance(thing any) (any, error) {
	req, ok := thing.(*msgjson.AccountRequest)
	if !ok {
		return nil, fmt.Errorf("balance request unparseable")
	}
	return &msgjson.Balance{
		Account: req.Account,
		Balance: s.market.Balance(req.Account).String(),
	}, nil
}

// handleOwner implements comms.HTTPHandler for the
// /collections/{addr}/{assetID}/owner endpoint.
func (s *DataAPI) handleOwner(thing any) (any, error) {
	req, ok := thing.(*msgjson.OwnerRequest)
	if !ok {
		return nil, fmt.Errorf("owner request unparseable")
	}
	assetID, err := fm.ParseAmount(req.AssetID)
	if err != nil {
		return nil, msgjson.NewError(msgjson.ValidationError, "invalid asset ID: %v", err)
	}
	owner, err := s.market.OwnerOf(s.ctx, req.Collection, assetID)
	if err != nil {
		switch fm.Kind(err) {
		case market.ErrUnknownCollection, erc721.ErrUnknownAsset:
			return nil, msgjson.NewError(msgjson.ValidationError, "%v", err)
		}
		return nil, s.internalError("OwnerOf", err)
	}
	return &msgjson.Owner{
		Collection: req.Collection,
		AssetID:    assetID.String(),
		Owner:      owner,
	}, nil
}
