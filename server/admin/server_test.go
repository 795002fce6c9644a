// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package admin

import (
	"bytes"
	"context"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Dominion116/FrameMarket-Contracts/fm"
	"github.com/Dominion116/FrameMarket-Contracts/fm/erc721"
	"github.com/Dominion116/FrameMarket-Contracts/server/ledger"
	"github.com/Dominion116/FrameMarket-Contracts/server/market"
	"github.com/decred/dcrd/certgen"
	"github.com/decred/slog"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"
)

func init() {
	log = slog.NewBackend(os.Stdout).Logger("TEST")
	log.SetLevel(slog.LevelTrace)
}

var (
	tAdmin = fm.NamedAddress("admin")
	tFees  = fm.NamedAddress("fees")
	tUser  = fm.NamedAddress("user")
	tColl  = market.CollectionAddress("frames")
	tStamp = time.Date(2026, 3, 4, 5, 6, 7, 8e6, time.UTC)
)

type TCore struct {
	fee         ledger.FeeConfig
	setFeeErr   error
	funded      map[common.Address]*big.Int
	fundErr     error
	minted      map[string]common.Address
	mintErr     error
	txCount     uint64
	dataEnabled bool
}

func newTCore() *TCore {
	return &TCore{
		fee:    ledger.FeeConfig{Bps: 250, Recipient: tFees},
		funded: make(map[common.Address]*big.Int),
		minted: make(map[string]common.Address),
	}
}

func (c *TCore) receipt() *market.Receipt {
	c.txCount++
	return &market.Receipt{TxID: c.txCount, Stamp: tStamp}
}

func (c *TCore) Admin() common.Address         { return tAdmin }
func (c *TCore) LedgerAddress() common.Address { return market.LedgerAddress }
func (c *TCore) Collections() []*market.CollectionInfo {
	return []*market.CollectionInfo{{Name: "frames", Address: tColl}}
}
func (c *TCore) NextID(context.Context) (uint64, error)           { return 3, nil }
func (c *TCore) TxCount() uint64                                  { return c.txCount }
func (c *TCore) Fee(context.Context) (ledger.FeeConfig, error)    { return c.fee, nil }
func (c *TCore) Balance(addr common.Address) *big.Int             { return c.funded[addr] }
func (c *TCore) EnableDataAPI(yes bool)                           { c.dataEnabled = yes }
func (c *TCore) SetFee(_ context.Context, bps uint16, recipient common.Address) (*market.Receipt, error) {
	if c.setFeeErr != nil {
		return nil, c.setFeeErr
	}
	if bps > ledger.MaxFeeBps {
		return nil, ledger.ErrFeeTooHigh
	}
	c.fee = ledger.FeeConfig{Bps: bps, Recipient: recipient}
	return c.receipt(), nil
}
func (c *TCore) Fund(_ context.Context, acct common.Address, amt *big.Int) (*market.Receipt, error) {
	if c.fundErr != nil {
		return nil, c.fundErr
	}
	c.funded[acct] = amt
	return c.receipt(), nil
}
func (c *TCore) Mint(_ context.Context, coll, to common.Address, assetID *big.Int) (*market.Receipt, error) {
	if c.mintErr != nil {
		return nil, c.mintErr
	}
	if coll != tColl {
		return nil, fm.NewError(market.ErrUnknownCollection, coll.Hex())
	}
	if _, found := c.minted[assetID.String()]; found {
		return nil, erc721.ErrAlreadyMinted
	}
	c.minted[assetID.String()] = to
	return c.receipt(), nil
}

// genCertPair generates a key/cert pair to the paths provided.
func genCertPair(certFile, keyFile string) error {
	org := "marketd autogenerated cert"
	validUntil := time.Now().Add(10 * 365 * 24 * time.Hour)
	cert, key, err := certgen.NewTLSCertPair(elliptic.P521(), org, validUntil, nil)
	if err != nil {
		return err
	}
	if err = os.WriteFile(certFile, cert, 0644); err != nil {
		return err
	}
	if err = os.WriteFile(keyFile, key, 0600); err != nil {
		os.Remove(certFile)
		return err
	}
	return nil
}

func freePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen error: %v", err)
	}
	defer l.Close()
	return l.Addr().String()
}

// If start is true, the Server's Run goroutine is started, and the shutdown
// func must be called when finished with the Server.
func newTServer(t *testing.T, start bool, authSHA [32]byte) (*Server, *TCore, func()) {
	t.Helper()
	tmp := t.TempDir()

	cert, key := filepath.Join(tmp, "tls.cert"), filepath.Join(tmp, "tls.key")
	if err := genCertPair(cert, key); err != nil {
		t.Fatal(err)
	}

	core := newTCore()
	s, err := NewServer(&SrvConfig{
		Core:    core,
		Addr:    freePort(t),
		Cert:    cert,
		Key:     key,
		AuthSHA: authSHA,
	})
	if err != nil {
		t.Fatalf("error creating Server: %v", err)
	}
	if !start {
		return s, core, func() {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		s.Run(ctx)
		wg.Done()
	}()
	shutdown := func() {
		cancel()
		wg.Wait()
	}
	return s, core, shutdown
}

func newTRouter(core *TCore) *chi.Mux {
	srv := &Server{core: core}
	mux := chi.NewRouter()
	mux.Get("/config", srv.apiConfig)
	mux.Get("/fee", srv.apiFee)
	mux.Post("/fee", srv.apiSetFee)
	mux.Get("/balance/{"+accountKey+"}", srv.apiBalance)
	mux.Post("/fund", srv.apiFund)
	mux.Post("/mint", srv.apiMint)
	mux.Post("/enabledataapi/{"+yesKey+"}", srv.apiEnableDataAPI)
	return mux
}

func doRequest(mux http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r, _ := http.NewRequest(method, "https://localhost"+path, nil)
	r.RemoteAddr = "localhost"
	mux.ServeHTTP(w, r)
	return w
}

func TestPing(t *testing.T) {
	w := httptest.NewRecorder()
	apiPing(w, nil)
	if w.Code != 200 {
		t.Fatalf("apiPing returned code %d, expected 200", w.Code)
	}

	resp := w.Result()
	ctHdr := resp.Header.Get("Content-Type")
	wantCt := "application/json; charset=utf-8"
	if ctHdr != wantCt {
		t.Errorf("Content-Type incorrect. got %q, expected %q", ctHdr, wantCt)
	}

	// JSON strings are double quoted. Each value is terminated with a newline.
	expectedBody := `"` + pongStr + `"` + "\n"
	if gotBody := w.Body.String(); gotBody != expectedBody {
		t.Errorf("apiPong response said %q, expected %q", gotBody, expectedBody)
	}
}

func TestConfig(t *testing.T) {
	core := newTCore()
	core.txCount = 12
	w := doRequest(newTRouter(core), http.MethodGet, "/config")
	if w.Code != http.StatusOK {
		t.Fatalf("config returned code %d: %s", w.Code, w.Body)
	}
	var status Status
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if status.FeeBps != 250 || status.FeePercent != "2.5" || status.FeeRecipient != tFees ||
		status.NextID != 3 || status.TxCount != 12 || status.Admin != tAdmin || len(status.Collections) != 1 {
		t.Fatalf("wrong status %+v", status)
	}
}

func TestSetFee(t *testing.T) {
	core := newTCore()
	mux := newTRouter(core)

	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantBps   uint16
		recipient common.Address
	}{{
		name:      "percent",
		query:     "percent=1.25",
		wantCode:  http.StatusOK,
		wantBps:   125,
		recipient: tFees,
	}, {
		name:      "bps and recipient",
		query:     "bps=300&recipient=" + tUser.Hex(),
		wantCode:  http.StatusOK,
		wantBps:   300,
		recipient: tUser,
	}, {
		name:      "zero",
		query:     "percent=0",
		wantCode:  http.StatusOK,
		wantBps:   0,
		recipient: tUser,
	}, {
		name:     "fractional basis point",
		query:    "percent=1.255",
		wantCode: http.StatusBadRequest,
	}, {
		name:     "negative",
		query:    "percent=-1",
		wantCode: http.StatusBadRequest,
	}, {
		name:     "both",
		query:    "percent=1&bps=100",
		wantCode: http.StatusBadRequest,
	}, {
		name:     "neither",
		query:    "",
		wantCode: http.StatusBadRequest,
	}, {
		name:     "too high",
		query:    "percent=10.01",
		wantCode: http.StatusBadRequest,
	}, {
		name:     "bad recipient",
		query:    "bps=100&recipient=0x12",
		wantCode: http.StatusBadRequest,
	}}
	for _, tt := range tests {
		before := core.fee
		w := doRequest(mux, http.MethodPost, "/fee?"+tt.query)
		if w.Code != tt.wantCode {
			t.Fatalf("%s: wanted code %d, got %d: %s", tt.name, tt.wantCode, w.Code, w.Body)
		}
		if tt.wantCode != http.StatusOK {
			if core.fee != before {
				t.Fatalf("%s: fee changed on failure", tt.name)
			}
			continue
		}
		if core.fee.Bps != tt.wantBps || core.fee.Recipient != tt.recipient {
			t.Fatalf("%s: wrong fee %+v", tt.name, core.fee)
		}
		var res TxResult
		if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
			t.Fatalf("%s: Unmarshal error: %v", tt.name, err)
		}
		if !res.Stamp.Equal(tStamp) {
			t.Fatalf("%s: wrong stamp %v", tt.name, res.Stamp)
		}
	}

	w := doRequest(mux, http.MethodGet, "/fee")
	var fee FeeResult
	if err := json.Unmarshal(w.Body.Bytes(), &fee); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if fee.Bps != 0 || fee.Percent != "0" || fee.Recipient != tUser {
		t.Fatalf("wrong fee result %+v", fee)
	}

	core.setFeeErr = fm.NewError(market.ErrHalted, "disk full")
	if w = doRequest(mux, http.MethodPost, "/fee?bps=100"); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("wanted code %d for halted market, got %d", http.StatusServiceUnavailable, w.Code)
	}
	core.setFeeErr = fmt.Errorf("other")
	if w = doRequest(mux, http.MethodPost, "/fee?bps=100"); w.Code != http.StatusInternalServerError {
		t.Fatalf("wanted code %d for internal error, got %d", http.StatusInternalServerError, w.Code)
	}
}

func TestFundAndBalance(t *testing.T) {
	core := newTCore()
	mux := newTRouter(core)

	w := doRequest(mux, http.MethodPost, fmt.Sprintf("/fund?account=%s&amount=5000", tUser.Hex()))
	if w.Code != http.StatusOK {
		t.Fatalf("fund returned code %d: %s", w.Code, w.Body)
	}
	if bal := core.funded[tUser]; bal == nil || bal.Int64() != 5000 {
		t.Fatalf("account not funded: %v", bal)
	}

	w = doRequest(mux, http.MethodGet, "/balance/"+tUser.Hex())
	var bal BalanceResult
	if err := json.Unmarshal(w.Body.Bytes(), &bal); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if bal.Balance != "5000" || bal.Account != tUser {
		t.Fatalf("wrong balance %+v", bal)
	}

	for _, q := range []string{
		"amount=5000",
		"account=" + tUser.Hex(),
		"account=nope&amount=1",
		"account=" + tUser.Hex() + "&amount=-1",
	} {
		if w = doRequest(mux, http.MethodPost, "/fund?"+q); w.Code != http.StatusBadRequest {
			t.Fatalf("query %q: wanted code 400, got %d", q, w.Code)
		}
	}
	core.fundErr = fm.NewError(market.ErrZeroAccount, "fund")
	if w = doRequest(mux, http.MethodPost, "/fund?account="+tUser.Hex()+"&amount=1"); w.Code != http.StatusBadRequest {
		t.Fatalf("wanted code 400 for zero account, got %d", w.Code)
	}
	if w = doRequest(mux, http.MethodGet, "/balance/xyz"); w.Code != http.StatusBadRequest {
		t.Fatalf("wanted code 400 for bad account, got %d", w.Code)
	}
}

func TestMint(t *testing.T) {
	core := newTCore()
	mux := newTRouter(core)

	path := fmt.Sprintf("/mint?collection=%s&to=%s&assetid=7", tColl.Hex(), tUser.Hex())
	if w := doRequest(mux, http.MethodPost, path); w.Code != http.StatusOK {
		t.Fatalf("mint returned code %d: %s", w.Code, w.Body)
	}
	if core.minted["7"] != tUser {
		t.Fatalf("asset not minted")
	}
	// Again.
	if w := doRequest(mux, http.MethodPost, path); w.Code != http.StatusBadRequest {
		t.Fatalf("wanted code 400 for double mint, got %d", w.Code)
	}
	// Unknown collection.
	path = fmt.Sprintf("/mint?collection=%s&to=%s&assetid=8", tFees.Hex(), tUser.Hex())
	if w := doRequest(mux, http.MethodPost, path); w.Code != http.StatusBadRequest {
		t.Fatalf("wanted code 400 for unknown collection, got %d", w.Code)
	}
	// Missing asset ID.
	path = fmt.Sprintf("/mint?collection=%s&to=%s", tColl.Hex(), tUser.Hex())
	if w := doRequest(mux, http.MethodPost, path); w.Code != http.StatusBadRequest {
		t.Fatalf("wanted code 400 for missing asset ID, got %d", w.Code)
	}
}

func TestEnableDataAPI(t *testing.T) {
	core := newTCore()
	mux := newTRouter(core)
	if w := doRequest(mux, http.MethodPost, "/enabledataapi/true"); w.Code != http.StatusOK || !core.dataEnabled {
		t.Fatalf("data API not enabled. code %d", w.Code)
	}
	if w := doRequest(mux, http.MethodPost, "/enabledataapi/0"); w.Code != http.StatusOK || core.dataEnabled {
		t.Fatalf("data API not disabled. code %d", w.Code)
	}
	if w := doRequest(mux, http.MethodPost, "/enabledataapi/maybe"); w.Code != http.StatusBadRequest {
		t.Fatalf("wanted code 400 for bad selection, got %d", w.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	pass := "password123"
	authSHA := sha256.Sum256([]byte(pass))
	s, _, _ := newTServer(t, false, authSHA)
	am := s.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name, user, pass string
		noAuth           bool
		wantErr          bool
	}{{
		name: "user and correct password",
		user: "user",
		pass: pass,
	}, {
		name: "only correct password",
		pass: pass,
	}, {
		name:    "only user",
		user:    "user",
		wantErr: true,
	}, {
		name:    "wrong password",
		pass:    pass + "1",
		wantErr: true,
	}, {
		name:    "no auth header",
		noAuth:  true,
		wantErr: true,
	}}
	for _, tt := range tests {
		r, _ := http.NewRequest(http.MethodGet, "", nil)
		r.RemoteAddr = "localhost"
		if !tt.noAuth {
			r.SetBasicAuth(tt.user, tt.pass)
		}
		w := httptest.NewRecorder()
		am.ServeHTTP(w, r)
		if tt.wantErr {
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("expected unauthorized HTTP error for test %q, got %d", tt.name, w.Code)
			}
			if w.Header().Get("WWW-Authenticate") == "" {
				t.Fatalf("no WWW-Authenticate header for test %q", tt.name)
			}
			continue
		}
		if w.Code != http.StatusOK {
			t.Fatalf("expected OK HTTP status for test %q, got %d", tt.name, w.Code)
		}
	}
}

func TestNewServerMissingCerts(t *testing.T) {
	tmp := t.TempDir()
	_, err := NewServer(&SrvConfig{
		Core: newTCore(),
		Addr: "127.0.0.1:0",
		Cert: filepath.Join(tmp, "none.cert"),
		Key:  filepath.Join(tmp, "none.key"),
	})
	if err == nil {
		t.Fatalf("no error for missing certificates")
	}
}

func TestOnline(t *testing.T) {
	pass := "abc"
	s, _, shutdown := newTServer(t, true, sha256.Sum256([]byte(pass)))
	defer shutdown()

	client := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
		Timeout: 5 * time.Second,
	}
	get := func(pass string) (*http.Response, error) {
		req, _ := http.NewRequest(http.MethodGet, "https://"+s.addr+"/api/ping", nil)
		req.SetBasicAuth("", pass)
		return client.Do(req)
	}

	// The listener starts in Run.
	var resp *http.Response
	var err error
	deadline := time.Now().Add(5 * time.Second)
	for {
		if resp, err = get(pass); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("admin server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ping returned code %d", resp.StatusCode)
	}

	if resp, err = get("wrong"); err != nil {
		t.Fatalf("request error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wanted code 401 for wrong password, got %d", resp.StatusCode)
	}
}

func TestAuthLockout(t *testing.T) {
	pass := "hunter2"
	s, _, _ := newTServer(t, false, sha256.Sum256([]byte(pass)))
	s.authFails = rate.NewLimiter(rate.Every(time.Hour), 2)
	am := s.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	try := func(pass string) int {
		r, _ := http.NewRequest(http.MethodGet, "", nil)
		r.RemoteAddr = "localhost"
		r.SetBasicAuth("", pass)
		w := httptest.NewRecorder()
		am.ServeHTTP(w, r)
		return w.Code
	}

	if code := try(pass); code != http.StatusOK {
		t.Fatalf("wanted 200 before any failures, got %d", code)
	}
	for i := 0; i < 2; i++ {
		if code := try("nope"); code != http.StatusUnauthorized {
			t.Fatalf("failure %d: wanted 401, got %d", i, code)
		}
	}
	// The correct password is refused too while locked out.
	if code := try(pass); code != http.StatusTooManyRequests {
		t.Fatalf("wanted 429 after repeated failures, got %d", code)
	}
}

func TestHashPassword(t *testing.T) {
	pw, confirm := []byte("secret"), []byte("secret")
	h, err := hashPassword(pw, confirm)
	if err != nil {
		t.Fatal(err)
	}
	if h != sha256.Sum256([]byte("secret")) {
		t.Fatalf("wrong hash")
	}
	if !bytes.Equal(pw, make([]byte, 6)) || !bytes.Equal(confirm, make([]byte, 6)) {
		t.Fatalf("password bytes not zeroed")
	}

	if _, err = hashPassword([]byte("a"), []byte("b")); err == nil {
		t.Fatalf("no error for mismatched confirmation")
	}
	if _, err = hashPassword(nil, nil); err == nil {
		t.Fatalf("no error for empty password")
	}
}
