// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"

	"github.com/Dominion116/FrameMarket-Contracts/fm"
	"github.com/Dominion116/FrameMarket-Contracts/fm/chain"
	"github.com/Dominion116/FrameMarket-Contracts/fm/erc721"
	"github.com/Dominion116/FrameMarket-Contracts/server/ledger"
	"github.com/Dominion116/FrameMarket-Contracts/server/market"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

const (
	pongStr    = "pong"
	accountKey = "account"
	yesKey     = "yes"

	// bpsPerPercent converts between fee percentages and basis points.
	bpsPerPercent = 100
)

// writeJSON marshals the provided interface and writes the bytes to the
// ResponseWriter. The response code is assumed to be StatusOK.
func writeJSON(w http.ResponseWriter, thing any) {
	writeJSONWithStatus(w, thing, http.StatusOK)
}

// writeJSON marshals the provided interface and writes the bytes to the
// ResponseWriter with the specified response code.
func writeJSONWithStatus(w http.ResponseWriter, thing any, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "    ")
	if err := encoder.Encode(thing); err != nil {
		log.Errorf("JSON encode error: %v", err)
	}
}

// bpsToPercent formats a basis point rate as a percentage, e.g. 250 -> "2.5".
func bpsToPercent(bps uint16) string {
	return decimal.New(int64(bps), -2).String()
}

// percentToBps parses a percentage with at most two decimal places.
func percentToBps(s string) (uint16, error) {
	pct, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid percent %q", s)
	}
	bps := pct.Mul(decimal.NewFromInt(bpsPerPercent))
	if !bps.IsInteger() || bps.IsNegative() || bps.GreaterThan(decimal.NewFromInt(int64(^uint16(0)))) {
		return 0, fmt.Errorf("percent %q is not a whole number of basis points", s)
	}
	return uint16(bps.IntPart()), nil
}

func parseAddressQuery(r *http.Request, key string) (common.Address, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return common.Address{}, fmt.Errorf("missing %s", key)
	}
	return fm.ParseAddress(s)
}

func parseAmountQuery(r *http.Request, key string) (*big.Int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return nil, fmt.Errorf("missing %s", key)
	}
	return fm.ParseAmount(s)
}

// commandError writes the error of a failed command. Errors of the caller's
// making are a bad request.
func commandError(w http.ResponseWriter, what string, err error) {
	switch fm.Kind(err) {
	case market.ErrUnknownCollection, market.ErrZeroAccount, chain.ErrInvalidAmount,
		erc721.ErrAlreadyMinted, erc721.ErrZeroAddress, erc721.ErrReceiverRejected:
		http.Error(w, fmt.Sprintf("%s: %v", what, err), http.StatusBadRequest)
		return
	}
	if ledger.IsClass(err, ledger.ClassValidation) {
		http.Error(w, fmt.Sprintf("%s: %v", what, err), http.StatusBadRequest)
		return
	}
	log.Errorf("%s error: %v", what, err)
	status := http.StatusInternalServerError
	if errors.Is(err, market.ErrHalted) {
		status = http.StatusServiceUnavailable
	}
	http.Error(w, fmt.Sprintf("%s failed: %v", what, err), status)
}

func writeReceipt(w http.ResponseWriter, rcpt *market.Receipt) {
	writeJSON(w, &TxResult{
		TxID:  rcpt.TxID,
		Stamp: APITime{rcpt.Stamp},
	})
}

// apiPing is the handler for the '/ping' API request.
func apiPing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, pongStr)
}

// apiConfig is the handler for the '/config' API request.
func (s *Server) apiConfig(w http.ResponseWriter, r *http.Request) {
	fee, err := s.core.Fee(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("error retrieving fee: %v", err), http.StatusInternalServerError)
		return
	}
	next, err := s.core.NextID(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("error retrieving next listing ID: %v", err), http.StatusInternalServerError)
		return
	}
	infos := s.core.Collections()
	colls := make([]*Collection, 0, len(infos))
	for _, ci := range infos {
		colls = append(colls, &Collection{Name: ci.Name, Address: ci.Address})
	}
	writeJSON(w, &Status{
		Admin:        s.core.Admin(),
		Ledger:       s.core.LedgerAddress(),
		FeeBps:       fee.Bps,
		FeePercent:   bpsToPercent(fee.Bps),
		FeeRecipient: fee.Recipient,
		NextID:       next,
		TxCount:      s.core.TxCount(),
		Collections:  colls,
	})
}

// apiFee is the handler for the GET '/fee' API request.
func (s *Server) apiFee(w http.ResponseWriter, r *http.Request) {
	fee, err := s.core.Fee(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("error retrieving fee: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, &FeeResult{
		Bps:       fee.Bps,
		Percent:   bpsToPercent(fee.Bps),
		Recipient: fee.Recipient,
	})
}

// apiSetFee is the handler for the POST '/fee?percent=P&recipient=ADDR' and
// '/fee?bps=N&recipient=ADDR' API requests. If the recipient is not
// specified, the current recipient is kept.
func (s *Server) apiSetFee(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var bps uint16
	switch pctStr, bpsStr := q.Get("percent"), q.Get("bps"); {
	case pctStr != "" && bpsStr != "":
		http.Error(w, "specify percent or bps, not both", http.StatusBadRequest)
		return
	case pctStr != "":
		var err error
		if bps, err = percentToBps(pctStr); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	case bpsStr != "":
		v, err := strconv.ParseUint(bpsStr, 10, 16)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid bps %q", bpsStr), http.StatusBadRequest)
			return
		}
		bps = uint16(v)
	default:
		http.Error(w, "missing percent or bps", http.StatusBadRequest)
		return
	}

	fee, err := s.core.Fee(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("error retrieving fee: %v", err), http.StatusInternalServerError)
		return
	}
	recipient := fee.Recipient
	if q.Get("recipient") != "" {
		if recipient, err = parseAddressQuery(r, "recipient"); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	rcpt, err := s.core.SetFee(r.Context(), bps, recipient)
	if err != nil {
		commandError(w, "set fee", err)
		return
	}
	log.Infof("Fee set to %s%% (%d bps), paid to %s", bpsToPercent(bps), bps, recipient)
	writeReceipt(w, rcpt)
}

// apiBalance is the handler for the '/balance/{account}' API request.
func (s *Server) apiBalance(w http.ResponseWriter, r *http.Request) {
	acctStr := chi.URLParam(r, accountKey)
	acct, err := fm.ParseAddress(acctStr)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, &BalanceResult{
		Account: acct,
		Balance: s.core.Balance(acct).String(),
	})
}

// apiFund is the handler for the '/fund?account=ADDR&amount=N' API request.
func (s *Server) apiFund(w http.ResponseWriter, r *http.Request) {
	acct, err := parseAddressQuery(r, "account")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	amt, err := parseAmountQuery(r, "amount")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rcpt, err := s.core.Fund(r.Context(), acct, amt)
	if err != nil {
		commandError(w, "fund", err)
		return
	}
	log.Infof("Funded %s with %s", acct, amt)
	writeReceipt(w, rcpt)
}

// apiMint is the handler for the '/mint?collection=ADDR&to=ADDR&assetid=N'
// API request.
func (s *Server) apiMint(w http.ResponseWriter, r *http.Request) {
	coll, err := parseAddressQuery(r, "collection")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	to, err := parseAddressQuery(r, "to")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	assetID, err := parseAmountQuery(r, "assetid")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rcpt, err := s.core.Mint(r.Context(), coll, to, assetID)
	if err != nil {
		commandError(w, "mint", err)
		return
	}
	log.Infof("Minted %s #%s to %s", coll, assetID, to)
	writeReceipt(w, rcpt)
}

// apiEnableDataAPI is the handler for the `/enabledataapi/{yes}` API request,
// used to enable or disable the HTTP data API.
func (s *Server) apiEnableDataAPI(w http.ResponseWriter, r *http.Request) {
	yes, err := strconv.ParseBool(chi.URLParam(r, yesKey))
	if err != nil {
		http.Error(w, "unable to parse selection: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.core.EnableDataAPI(yes)
	writeJSON(w, struct {
		Enabled bool `json:"enabled"`
	}{yes})
}
