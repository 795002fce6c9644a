// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package comms

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/Dominion116/FrameMarket-Contracts/fm/msgjson"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
)

type contextKey int

// These are the keys for different types of values stored in a request context.
const (
	ctxThing contextKey = iota
)

const (
	// defaultEventsCount is the number of events returned when the request
	// does not specify.
	defaultEventsCount = 100
	// maxEventsCount is the most events returned by one request.
	maxEventsCount = 1000
)

// limitRate is rate-limiting middleware that checks whether a request can be
// fulfilled. This is intended for the /api HTTP endpoints.
func (s *Server) limitRate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code, err := s.meterIP(NewIPKey(r.RemoteAddr))
		if err != nil {
			http.Error(w, err.Error(), code)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// meterIP applies the dataEnabled flag, the global HTTP rate limiter, and the
// more restrictive IP-based rate limiter.
func (s *Server) meterIP(ip IPKey) (int, error) {
	if !s.dataEnabled.Load() {
		return http.StatusServiceUnavailable, fmt.Errorf("data API is disabled")
	}
	if !s.globalLimiter.Allow() {
		return http.StatusTooManyRequests, fmt.Errorf("too many global requests")
	}
	if !s.ipLimiter(ip).Allow() {
		return http.StatusTooManyRequests, fmt.Errorf("too many requests")
	}
	return 0, nil
}

// withThing places the parsed request in the request context.
func withThing(next http.Handler, r *http.Request, w http.ResponseWriter, thing any) {
	ctx := context.WithValue(r.Context(), ctxThing, thing)
	next.ServeHTTP(w, r.WithContext(ctx))
}

func badRequest(w http.ResponseWriter, format string, a ...any) {
	writeJSONWithStatus(w, errorBody(msgjson.NewError(msgjson.InvalidRequestError, format, a...)),
		http.StatusBadRequest)
}

func parseAddress(s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

// listingParamsParser parses the {id} URL parameter.
func listingParamsParser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idStr := chi.URLParam(r, "id")
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			badRequest(w, "invalid listing ID %q", idStr)
			return
		}
		withThing(next, r, w, &msgjson.ListingRequest{ListingID: id})
	})
}

// accountParamsParser parses the {addr} URL parameter and the optional
// active query parameter.
func accountParamsParser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addrStr := chi.URLParam(r, "addr")
		addr, ok := parseAddress(addrStr)
		if !ok {
			badRequest(w, "invalid account %q", addrStr)
			return
		}
		req := &msgjson.AccountRequest{Account: addr}
		if activeStr := r.URL.Query().Get("active"); activeStr != "" {
			active, err := strconv.ParseBool(activeStr)
			if err != nil {
				badRequest(w, "invalid active flag %q", activeStr)
				return
			}
			req.ActiveOnly = active
		}
		withThing(next, r, w, req)
	})
}

// eventsParamsParser parses the since and n query parameters.
func eventsParamsParser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := &msgjson.EventsRequest{N: defaultEventsCount}
		q := r.URL.Query()
		if sinceStr := q.Get("since"); sinceStr != "" {
			since, err := strconv.ParseUint(sinceStr, 10, 64)
			if err != nil {
				badRequest(w, "invalid since %q", sinceStr)
				return
			}
			// Transaction IDs never exceed the archive's BIGINT range.
			req.Since = min(since, math.MaxInt64)
		}
		if nStr := q.Get("n"); nStr != "" {
			n, err := strconv.Atoi(nStr)
			if err != nil || n <= 0 {
				badRequest(w, "invalid count %q", nStr)
				return
			}
			req.N = min(n, maxEventsCount)
		}
		withThing(next, r, w, req)
	})
}

// ownerParamsParser parses the {addr} and {assetID} URL parameters.
func ownerParamsParser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addrStr := chi.URLParam(r, "addr")
		addr, ok := parseAddress(addrStr)
		if !ok {
			badRequest(w, "invalid collection %q", addrStr)
			return
		}
		withThing(next, r, w, &msgjson.OwnerRequest{
			Collection: addr,
			AssetID:    chi.URLParam(r, "assetID"),
		})
	})
}
