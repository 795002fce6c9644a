// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package auth authenticates signed market requests. A request is accepted
// when its signature recovers to the account it claims, its client stamp is
// within the clock window, it has not been seen before, and the account is
// within its request rate.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/Dominion116/FrameMarket-Contracts/fm/msgjson"
	"github.com/Dominion116/FrameMarket-Contracts/server/comms"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"
)

const (
	// DefaultClockWindow is the largest accepted difference between a
	// request's client stamp and the server's clock.
	DefaultClockWindow = 30 * time.Second
	// DefaultAccountRate is the sustained per-account request rate, per
	// second.
	DefaultAccountRate = 2
	// DefaultAccountBurst is the per-account request burst.
	DefaultAccountBurst = 10

	// idleLimiter is how long an account limiter is kept without use.
	idleLimiter = 10 * time.Minute
)

// Router registers request handlers. *comms.Server satisfies Router.
type Router interface {
	Route(route string, handler comms.MsgHandler)
}

// Handler handles an authenticated request. The request is the decoded
// payload, and user is the account that signed it.
type Handler func(user common.Address, req msgjson.Stamped) (any, *msgjson.Error)

// Config is the configuration settings for the AuthManager.
type Config struct {
	// ClockWindow is the largest accepted client clock offset. Signed
	// requests are remembered for twice this long to reject duplicates.
	ClockWindow time.Duration
	// AccountRate and AccountBurst configure the per-account rate limiter.
	// A zero AccountRate disables account rate limiting.
	AccountRate  float64
	AccountBurst int
}

type accountLimiter struct {
	*rate.Limiter
	lastUsed time.Time
}

// AuthManager checks request signatures, stamps, and rates.
type AuthManager struct {
	window time.Duration
	rate   rate.Limit
	burst  int
	now    func() time.Time

	mtx      sync.Mutex
	seen     map[common.Hash]time.Time // signing hash -> expiration
	limiters map[common.Address]*accountLimiter
}

// NewAuthManager is the constructor for an AuthManager.
func NewAuthManager(cfg *Config) *AuthManager {
	window := cfg.ClockWindow
	if window <= 0 {
		window = DefaultClockWindow
	}
	return &AuthManager{
		window:   window,
		rate:     rate.Limit(cfg.AccountRate),
		burst:    cfg.AccountBurst,
		now:      time.Now,
		seen:     make(map[common.Hash]time.Time),
		limiters: make(map[common.Address]*accountLimiter),
	}
}

// Run prunes expired request records and idle limiters until the context is
// canceled.
func (auth *AuthManager) Run(ctx context.Context) {
	ticker := time.NewTicker(auth.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			auth.prune()
		case <-ctx.Done():
			return
		}
	}
}

func (auth *AuthManager) prune() {
	now := auth.now()
	auth.mtx.Lock()
	defer auth.mtx.Unlock()
	for h, exp := range auth.seen {
		if now.After(exp) {
			delete(auth.seen, h)
		}
	}
	for acct, l := range auth.limiters {
		if now.Sub(l.lastUsed) > idleLimiter {
			delete(auth.limiters, acct)
		}
	}
}

// Auth validates the request and returns the signing account.
func (auth *AuthManager) Auth(req msgjson.Stamped) (common.Address, *msgjson.Error) {
	signer, err := msgjson.RecoverSigner(req)
	if err != nil {
		return common.Address{}, msgjson.NewError(msgjson.SignatureError, "signature error: %v", err)
	}
	if signer != req.Signer() {
		return common.Address{}, msgjson.NewError(msgjson.SignatureError,
			"signature is from %s, not %s", signer, req.Signer())
	}

	now := auth.now()
	stamp := time.UnixMilli(int64(req.Time()))
	if offset := now.Sub(stamp).Abs(); offset > auth.window {
		return common.Address{}, msgjson.NewError(msgjson.ClockRangeError,
			"request stamp is %v from server time", offset.Round(time.Millisecond))
	}

	h := common.BytesToHash(msgjson.SigningHash(req))

	auth.mtx.Lock()
	defer auth.mtx.Unlock()
	if _, found := auth.seen[h]; found {
		return common.Address{}, msgjson.NewError(msgjson.DuplicateRequestError, "duplicate request")
	}
	if auth.rate > 0 && !auth.limiter(signer, now).AllowN(now, 1) {
		return common.Address{}, msgjson.NewError(msgjson.TooManyRequestsError, "too many requests")
	}
	// A request signed at stamp is acceptable until stamp + window.
	auth.seen[h] = stamp.Add(auth.window)
	return signer, nil
}

// limiter gets the account's limiter. The mutex must be held.
func (auth *AuthManager) limiter(acct common.Address, now time.Time) *accountLimiter {
	l, found := auth.limiters[acct]
	if !found {
		l = &accountLimiter{Limiter: rate.NewLimiter(auth.rate, auth.burst)}
		auth.limiters[acct] = l
	}
	l.lastUsed = now
	return l
}

// Route registers an authenticated handler with the router. The payload is
// decoded into the request returned by newReq, and only authenticated
// requests reach the handler.
func (auth *AuthManager) Route(router Router, route string, newReq func() msgjson.Stamped, handler Handler) {
	router.Route(route, func(msg *msgjson.Message) (any, *msgjson.Error) {
		req := newReq()
		if err := msg.Unmarshal(req); err != nil {
			return nil, msgjson.NewError(msgjson.RPCParseError, "error decoding %s payload: %v", route, err)
		}
		user, msgErr := auth.Auth(req)
		if msgErr != nil {
			log.Debugf("%s request %d rejected: %v", route, msg.ID, msgErr)
			return nil, msgErr
		}
		return handler(user, req)
	})
}
