// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package admin is the operator's HTTPS interface to a running market. Every
// request is authenticated with HTTP basic auth against a hashed password.
package admin

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/Dominion116/FrameMarket-Contracts/fm"
	"github.com/Dominion116/FrameMarket-Contracts/server/ledger"
	"github.com/Dominion116/FrameMarket-Contracts/server/market"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
)

const (
	requestTimeout  = 10 * time.Second
	shutdownTimeout = 5 * time.Second

	// Failed logins refill one every authFailPeriod up to authFailBurst. While
	// none remain, every request is refused with 429.
	authFailPeriod = 6 * time.Second
	authFailBurst  = 10
)

var log = fm.Disabled

// UseLogger sets the logger for the admin package.
func UseLogger(logger fm.Logger) {
	log = logger
}

// SvrCore is what the admin server needs from the market.
type SvrCore interface {
	Admin() common.Address
	LedgerAddress() common.Address
	Collections() []*market.CollectionInfo
	NextID(ctx context.Context) (uint64, error)
	TxCount() uint64
	Fee(ctx context.Context) (ledger.FeeConfig, error)
	SetFee(ctx context.Context, bps uint16, recipient common.Address) (*market.Receipt, error)
	Fund(ctx context.Context, account common.Address, amount *big.Int) (*market.Receipt, error)
	Mint(ctx context.Context, collection, to common.Address, assetID *big.Int) (*market.Receipt, error)
	Balance(addr common.Address) *big.Int
	EnableDataAPI(yes bool)
}

// SrvConfig is the admin server configuration. AuthSHA is the sha256 of the
// password.
type SrvConfig struct {
	Core            SvrCore
	Addr, Cert, Key string
	AuthSHA         [32]byte
}

// Server is the admin HTTPS server.
type Server struct {
	core      SvrCore
	addr      string
	authSHA   [32]byte
	authFails *rate.Limiter
	srv       *http.Server
}

func loadKeyPair(certFile, keyFile string) (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if errors.Is(err, fs.ErrNotExist) {
		return cert, fmt.Errorf("missing certificates: %w", err)
	}
	return cert, err
}

// NewServer loads the TLS key pair and prepares the routes. Run starts it.
func NewServer(cfg *SrvConfig) (*Server, error) {
	cert, err := loadKeyPair(cfg.Cert, cfg.Key)
	if err != nil {
		return nil, err
	}
	s := &Server{
		core:      cfg.Core,
		addr:      cfg.Addr,
		authSHA:   cfg.AuthSHA,
		authFails: rate.NewLimiter(rate.Every(authFailPeriod), authFailBurst),
	}
	s.srv = &http.Server{
		Handler:      s.router(),
		ReadTimeout:  requestTimeout,
		WriteTimeout: requestTimeout,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		},
	}
	return s, nil
}

func (s *Server) router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.SetHeader("Connection", "close"))
	mux.Use(s.authMiddleware)

	mux.Route("/api", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))
		r.Get("/ping", apiPing)
		r.Get("/config", s.apiConfig)
		r.Get("/fee", s.apiFee)
		r.Post("/fee", s.apiSetFee)
		r.Get("/balance/{"+accountKey+"}", s.apiBalance)
		r.Post("/fund", s.apiFund)
		r.Post("/mint", s.apiMint)
		r.Post("/enabledataapi/{"+yesKey+"}", s.apiEnableDataAPI)
	})
	return mux
}

// Run serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		log.Errorf("Admin server cannot listen on %s: %v", s.addr, err)
		return
	}

	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(done)
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(sctx); err != nil {
			log.Errorf("Admin server shutdown: %v", err)
		}
	})

	log.Infof("Admin server listening on %s", s.addr)
	if err = s.srv.ServeTLS(ln, "", ""); !errors.Is(err, http.ErrServerClosed) {
		log.Errorf("Admin server stopped: %v", err)
		if stop() {
			return
		}
	}
	<-done
	log.Infof("Admin server off")
}

// authMiddleware checks the basic auth password. The user name is ignored.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authFails.Tokens() < 1 {
			log.Warnf("Admin request from %s refused after repeated login failures", r.RemoteAddr)
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		_, pass, ok := r.BasicAuth()
		authSHA := sha256.Sum256([]byte(pass))
		if !ok || subtle.ConstantTimeCompare(s.authSHA[:], authSHA[:]) != 1 {
			s.authFails.Allow()
			log.Warnf("Admin login failure from %s", r.RemoteAddr)
			w.Header().Add("WWW-Authenticate", `Basic realm="marketd admin"`)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		log.Debugf("Admin request %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
