// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package market

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/Dominion116/FrameMarket-Contracts/fm"
	"github.com/Dominion116/FrameMarket-Contracts/fm/chain"
	"github.com/Dominion116/FrameMarket-Contracts/fm/erc721"
	"github.com/Dominion116/FrameMarket-Contracts/fm/msgjson"
	"github.com/Dominion116/FrameMarket-Contracts/server/auth"
	"github.com/Dominion116/FrameMarket-Contracts/server/ledger"
	"github.com/ethereum/go-ethereum/common"
)

// requestTimeout bounds the execution of one routed command.
const requestTimeout = 30 * time.Second

// AuthRouter registers authenticated request handlers. *auth.AuthManager
// satisfies AuthRouter when paired with a comms.Server.
type AuthRouter interface {
	Route(router auth.Router, route string, newReq func() msgjson.Stamped, handler auth.Handler)
}

// CommandRouterConfig is the configuration settings for a CommandRouter.
type CommandRouterConfig struct {
	Market *Market
	Auth   AuthRouter
	// Server is where the request routes are registered, typically a
	// *comms.Server.
	Server auth.Router
}

// CommandRouter handles the signed command requests of market participants.
// Requests are authenticated before they reach the CommandRouter, and each is
// executed as its signer.
type CommandRouter struct {
	ctx    context.Context
	market *Market
}

// NewCommandRouter creates a CommandRouter and registers its routes. Commands
// are executed with contexts derived from ctx.
func NewCommandRouter(ctx context.Context, cfg *CommandRouterConfig) *CommandRouter {
	r := &CommandRouter{
		ctx:    ctx,
		market: cfg.Market,
	}
	cfg.Auth.Route(cfg.Server, msgjson.ListRoute, func() msgjson.Stamped { return new(msgjson.List) }, r.handleList)
	cfg.Auth.Route(cfg.Server, msgjson.PriceRoute, func() msgjson.Stamped { return new(msgjson.UpdatePrice) }, r.handlePrice)
	cfg.Auth.Route(cfg.Server, msgjson.CancelRoute, func() msgjson.Stamped { return new(msgjson.Cancel) }, r.handleCancel)
	cfg.Auth.Route(cfg.Server, msgjson.PurchaseRoute, func() msgjson.Stamped { return new(msgjson.Purchase) }, r.handlePurchase)
	cfg.Auth.Route(cfg.Server, msgjson.ApproveRoute, func() msgjson.Stamped { return new(msgjson.Approve) }, r.handleApprove)
	return r
}

func txResult(rcpt *Receipt) *msgjson.TxResult {
	return &msgjson.TxResult{
		TxID:  rcpt.TxID,
		Stamp: uint64(rcpt.Stamp.UnixMilli()),
	}
}

func parseAmount(field, s string) (*big.Int, *msgjson.Error) {
	v, err := fm.ParseAmount(s)
	if err != nil {
		return nil, msgjson.NewError(msgjson.ValidationError, "invalid %s: %v", field, err)
	}
	return v, nil
}

// handleList handles requests to list an asset.
func (r *CommandRouter) handleList(user common.Address, req msgjson.Stamped) (any, *msgjson.Error) {
	list := req.(*msgjson.List)
	assetID, msgErr := parseAmount("asset ID", list.AssetID)
	if msgErr != nil {
		return nil, msgErr
	}
	price, msgErr := parseAmount("price", list.Price)
	if msgErr != nil {
		return nil, msgErr
	}
	ctx, cancel := context.WithTimeout(r.ctx, requestTimeout)
	defer cancel()
	id, rcpt, err := r.market.List(ctx, user, list.Collection, assetID, price)
	if err != nil {
		return nil, r.respondError(msgjson.ListRoute, user, err)
	}
	log.Infof("Listing %d created by %s: asset %s in %s for %s", id, user, assetID, list.Collection, price)
	res := txResult(rcpt)
	res.ListingID = &id
	return res, nil
}

// handlePrice handles requests to change a listing's price.
func (r *CommandRouter) handlePrice(user common.Address, req msgjson.Stamped) (any, *msgjson.Error) {
	up := req.(*msgjson.UpdatePrice)
	price, msgErr := parseAmount("price", up.Price)
	if msgErr != nil {
		return nil, msgErr
	}
	ctx, cancel := context.WithTimeout(r.ctx, requestTimeout)
	defer cancel()
	rcpt, err := r.market.UpdatePrice(ctx, user, up.ListingID, price)
	if err != nil {
		return nil, r.listingError(ctx, msgjson.PriceRoute, user, up.ListingID, err)
	}
	return txResult(rcpt), nil
}

// handleCancel handles requests to withdraw a listing.
func (r *CommandRouter) handleCancel(user common.Address, req msgjson.Stamped) (any, *msgjson.Error) {
	c := req.(*msgjson.Cancel)
	ctx, cancel := context.WithTimeout(r.ctx, requestTimeout)
	defer cancel()
	rcpt, err := r.market.Cancel(ctx, user, c.ListingID)
	if err != nil {
		return nil, r.listingError(ctx, msgjson.CancelRoute, user, c.ListingID, err)
	}
	log.Infof("Listing %d cancelled by %s", c.ListingID, user)
	return txResult(rcpt), nil
}

// handlePurchase handles requests to buy a listing.
func (r *CommandRouter) handlePurchase(user common.Address, req msgjson.Stamped) (any, *msgjson.Error) {
	p := req.(*msgjson.Purchase)
	amt, msgErr := parseAmount("amount", p.Amount)
	if msgErr != nil {
		return nil, msgErr
	}
	ctx, cancel := context.WithTimeout(r.ctx, requestTimeout)
	defer cancel()
	rcpt, err := r.market.Purchase(ctx, user, p.ListingID, amt)
	if err != nil {
		return nil, r.listingError(ctx, msgjson.PurchaseRoute, user, p.ListingID, err)
	}
	log.Infof("Listing %d purchased by %s for %s", p.ListingID, user, amt)
	return txResult(rcpt), nil
}

// handleApprove handles requests to authorize the ledger as an operator.
func (r *CommandRouter) handleApprove(user common.Address, req msgjson.Stamped) (any, *msgjson.Error) {
	a := req.(*msgjson.Approve)
	ctx, cancel := context.WithTimeout(r.ctx, requestTimeout)
	defer cancel()
	rcpt, err := r.market.SetApprovalForAll(ctx, user, a.Collection, a.Approved)
	if err != nil {
		return nil, r.respondError(msgjson.ApproveRoute, user, err)
	}
	return txResult(rcpt), nil
}

// listingError is respondError, except that a listing that was never created
// is reported as unknown rather than inactive.
func (r *CommandRouter) listingError(ctx context.Context, route string, user common.Address, id uint64, err error) *msgjson.Error {
	if errors.Is(err, ledger.ErrNotActive) {
		if next, nerr := r.market.NextID(ctx); nerr == nil && id >= next {
			return msgjson.NewError(msgjson.UnknownListingError, "unknown listing %d", id)
		}
	}
	return r.respondError(route, user, err)
}

// respondError converts a command error to a response error. Errors that are
// not the caller's doing are logged, and their details are not returned.
func (r *CommandRouter) respondError(route string, user common.Address, err error) *msgjson.Error {
	code := errorCode(err)
	if code == msgjson.RPCInternal {
		log.Errorf("%s request from %s failed: %v", route, user, err)
		if errors.Is(err, ErrHalted) {
			return msgjson.NewError(code, "market is not accepting commands")
		}
		return msgjson.NewError(code, "internal error")
	}
	return msgjson.NewError(code, "%v", err)
}

// errorCode maps an execution error to a msgjson error code.
func errorCode(err error) int {
	switch fm.Kind(err) {
	case ErrUnknownCollection, ErrZeroAccount, chain.ErrInvalidAmount,
		erc721.ErrUnknownAsset, erc721.ErrZeroAddress, erc721.ErrReceiverRejected, erc721.ErrAlreadyMinted:
		return msgjson.ValidationError
	case ErrNotAdmin, erc721.ErrNotAuthorized, erc721.ErrWrongOwner, erc721.ErrNotMinter:
		return msgjson.AuthorizationError
	}
	switch ledger.Classify(err) {
	case ledger.ClassValidation:
		return msgjson.ValidationError
	case ledger.ClassAuthorization:
		return msgjson.AuthorizationError
	case ledger.ClassState:
		return msgjson.StateError
	case ledger.ClassExternal:
		return msgjson.ExternalError
	}
	return msgjson.RPCInternal
}
