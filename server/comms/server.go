// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package comms

import (
	"context"
	"crypto/elliptic"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Dominion116/FrameMarket-Contracts/fm/msgjson"
	"github.com/decred/dcrd/certgen"
	"github.com/decred/slog"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
)

const (
	// rpcTimeoutSeconds is the number of seconds a request may take to be
	// read or written.
	rpcTimeoutSeconds = 10

	// rpcMaxClients is the maximum number of active websocket connections
	// allowed.
	rpcMaxClients = 10000

	// banishTime is the default duration of a client quarantine.
	banishTime = time.Hour

	// maxBodySize is the largest accepted request body.
	maxBodySize = 1 << 16

	// Per-ip rate limits for HTTP routes.
	ipMaxRatePerSec = 1
	ipMaxBurstSize  = 5
)

var (
	// Time allowed to read the next pong message from the peer. The default is
	// intended for production, but leaving as a var instead of const to
	// facilitate testing.
	pongWait = 20 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// HTTPHandler describes a handler for a data API route. thing is the request
// parsed by the route's middleware, if any.
type HTTPHandler func(thing any) (any, error)

// MsgHandler describes a handler for a request-type message posted to a
// request route.
type MsgHandler func(msg *msgjson.Message) (any, *msgjson.Error)

// ipRateLimiter is used to track an IPs HTTP request rate.
type ipRateLimiter struct {
	*rate.Limiter
	lastHit time.Time
}

// The RPCConfig is the server configuration settings and the only argument
// to the server's constructor.
type RPCConfig struct {
	// ListenAddrs are the addresses on which the server will listen.
	ListenAddrs []string
	// The location of the TLS keypair files. If they are not already at the
	// specified location, a keypair with a self-signed certificate will be
	// generated and saved to these locations.
	RPCKey  string
	RPCCert string
	// AltDNSNames specifies allowable request addresses for an auto-generated
	// TLS keypair. Changing AltDNSNames does not force the keypair to be
	// regenerated. To regenerate, delete or move the old files.
	AltDNSNames []string
	// DisableDataAPI will disable all traffic to the HTTP API routes.
	DisableDataAPI bool
}

// Server is a low-level communications hub. It supports websocket feed
// clients and an HTTP API.
type Server struct {
	// One listener for each address specified at (RPCConfig).ListenAddrs.
	listeners []net.Listener

	httpRoutes map[string]HTTPHandler
	msgRoutes  map[string]MsgHandler

	// Protect the client map, which maps the (link).id to the client itself.
	clientMtx sync.RWMutex
	clients   map[uint64]*wsLink
	// A simple counter for generating unique client IDs. The counter is also
	// protected by the clientMtx.
	counter uint64
	// The quarantine map maps IP addresses to a time in which the quarantine
	// will be lifted.
	banMtx     sync.RWMutex
	quarantine map[IPKey]time.Time

	dataEnabled atomic.Bool

	// globalLimiter is a rudimentary auto-spam filter for all API routes.
	globalLimiter *rate.Limiter
	limiterMtx    sync.Mutex
	ipLimiters    map[IPKey]*ipRateLimiter
	ipRate        rate.Limit
	ipBurst       int
}

// newServer creates a Server without listeners.
func newServer(dataEnabled bool) *Server {
	s := &Server{
		httpRoutes:    make(map[string]HTTPHandler),
		msgRoutes:     make(map[string]MsgHandler),
		clients:       make(map[uint64]*wsLink),
		quarantine:    make(map[IPKey]time.Time),
		globalLimiter: rate.NewLimiter(100, 1000),
		ipLimiters:    make(map[IPKey]*ipRateLimiter),
		ipRate:        ipMaxRatePerSec,
		ipBurst:       ipMaxBurstSize,
	}
	s.dataEnabled.Store(dataEnabled)
	return s
}

// NewServer constructs a Server. The server is TLS-only, and will generate a
// key pair with a self-signed certificate if one is not provided as part of
// the RPCConfig. The server also maintains an IP-based quarantine to
// short-circuit to an error response for misbehaving clients.
func NewServer(cfg *RPCConfig) (*Server, error) {
	keyExists := fileExists(cfg.RPCKey)
	certExists := fileExists(cfg.RPCCert)
	if certExists == !keyExists {
		return nil, fmt.Errorf("missing cert pair file")
	}
	if !keyExists && !certExists {
		err := genCertPair(cfg.RPCCert, cfg.RPCKey, cfg.AltDNSNames)
		if err != nil {
			return nil, err
		}
	}
	keypair, err := tls.LoadX509KeyPair(cfg.RPCCert, cfg.RPCKey)
	if err != nil {
		return nil, err
	}

	tlsConfig := tls.Config{
		Certificates: []tls.Certificate{keypair},
		MinVersion:   tls.VersionTLS12,
	}
	ipv4ListenAddrs, ipv6ListenAddrs, _, err := parseListeners(cfg.ListenAddrs)
	if err != nil {
		return nil, err
	}
	listeners := make([]net.Listener, 0, len(ipv6ListenAddrs)+len(ipv4ListenAddrs))
	closeAll := func() {
		for _, l := range listeners {
			l.Close()
		}
	}
	for _, addr := range ipv4ListenAddrs {
		listener, err := tls.Listen("tcp4", addr, &tlsConfig)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("can't listen on %s: %w", addr, err)
		}
		listeners = append(listeners, listener)
	}
	for _, addr := range ipv6ListenAddrs {
		listener, err := tls.Listen("tcp6", addr, &tlsConfig)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("can't listen on %s: %w", addr, err)
		}
		listeners = append(listeners, listener)
	}
	if len(listeners) == 0 {
		return nil, fmt.Errorf("no valid listen address")
	}

	s := newServer(!cfg.DisableDataAPI)
	s.listeners = listeners
	return s, nil
}

// RegisterHTTP registers a handler for a data API route. All calls to
// RegisterHTTP should be done before the Server is started.
func (s *Server) RegisterHTTP(route string, handler HTTPHandler) {
	if route == "" {
		panic("RegisterHTTP: route is empty string")
	}
	if _, alreadyHave := s.httpRoutes[route]; alreadyHave {
		panic(fmt.Sprintf("RegisterHTTP: double registration: %s", route))
	}
	s.httpRoutes[route] = handler
}

// Route registers a handler for a request route. Requests are posted to
// /api/{route}. All calls to Route should be done before the Server is
// started.
func (s *Server) Route(route string, handler MsgHandler) {
	if route == "" {
		panic("Route: route is empty string")
	}
	if _, alreadyHave := s.msgRoutes[route]; alreadyHave {
		panic(fmt.Sprintf("Route: double registration: %s", route))
	}
	s.msgRoutes[route] = handler
}

// Addrs are the addresses the server is listening on.
func (s *Server) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, l := range s.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

// Handler creates the HTTP router.
func (s *Server) Handler(ctx context.Context, wg *sync.WaitGroup) http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)

	// Websocket feed endpoint.
	mux.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		ip := NewIPKey(r.RemoteAddr)
		if s.isQuarantined(ip) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		if s.clientCount() >= rpcMaxClients {
			http.Error(w, "server at maximum capacity", http.StatusServiceUnavailable)
			return
		}
		wsConn, err := newConnection(w, r, pongWait)
		if err != nil {
			log.Errorf("ws connection error: %v", err)
			return
		}

		// http.Server.Shutdown waits for connections to complete (such as this
		// http.HandlerFunc), but not the long running upgraded websocket
		// connections. We must wait on each websocketHandler to return in
		// response to disconnectClients.
		log.Debugf("Starting websocket handler for %s", r.RemoteAddr)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.websocketHandler(ctx, wsConn, ip)
		}()
	})

	mux.Route("/api", func(rr chi.Router) {
		rr.Use(s.limitRate)
		rr.Get("/config", s.routeHandler(msgjson.ConfigRoute))
		rr.With(listingParamsParser).Get("/listings/{id}", s.routeHandler(msgjson.ListingRoute))
		rr.With(listingParamsParser).Get("/listings/{id}/active", s.routeHandler(msgjson.ActiveRoute))
		rr.With(listingParamsParser).Get("/listings/{id}/quote", s.routeHandler(msgjson.QuoteRoute))
		rr.With(accountParamsParser).Get("/sellers/{addr}/listings", s.routeHandler(msgjson.SellerListingsRoute))
		rr.With(accountParamsParser).Get("/balances/{addr}", s.routeHandler(msgjson.BalanceRoute))
		rr.With(eventsParamsParser).Get("/events", s.routeHandler(msgjson.EventsRoute))
		rr.With(ownerParamsParser).Get("/collections/{addr}/{assetID}/owner", s.routeHandler(msgjson.OwnerRoute))
		rr.Post("/{route}", s.handleRequest)
	})
	return mux
}

// Run starts the server. Run should be called only after all routes are
// registered.
func (s *Server) Run(ctx context.Context) {
	log.Trace("Starting RPC server")

	var wg sync.WaitGroup
	httpServer := &http.Server{
		Handler:      s.Handler(ctx, &wg),
		ReadTimeout:  rpcTimeoutSeconds * time.Second, // slow requests should not hold connections opened
		WriteTimeout: rpcTimeoutSeconds * time.Second, // hung responses must die
	}

	for _, listener := range s.listeners {
		wg.Add(1)
		go func(listener net.Listener) {
			defer wg.Done()
			log.Infof("RPC server listening on %s", listener.Addr())
			err := httpServer.Serve(listener)
			if !errors.Is(err, http.ErrServerClosed) {
				log.Warnf("unexpected (http.Server).Serve error: %v", err)
			}
			log.Debugf("RPC listener done for %s", listener.Addr())
		}(listener)
	}

	// Run a periodic routine to keep the IP limiter map clean.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Minute * 5)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.pruneLimiters(time.Minute)
			case <-ctx.Done():
				return
			}
		}
	}()

	<-ctx.Done()

	// Shutdown the server. This stops all listeners and waits for connections.
	log.Infof("RPC server shutting down...")
	ctxTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctxTimeout); err != nil {
		log.Warnf("http.Server.Shutdown: %v", err)
	}

	// Stop and disconnect websocket clients.
	s.disconnectClients()

	wg.Wait()
	log.Infof("RPC server shutdown complete")
}

// ipLimiter gets the limiter for the IP, creating one if it doesn't exist.
func (s *Server) ipLimiter(ip IPKey) *ipRateLimiter {
	s.limiterMtx.Lock()
	defer s.limiterMtx.Unlock()
	limiter := s.ipLimiters[ip]
	if limiter != nil {
		limiter.lastHit = time.Now()
		return limiter
	}
	limiter = &ipRateLimiter{
		Limiter: rate.NewLimiter(s.ipRate, s.ipBurst),
		lastHit: time.Now(),
	}
	s.ipLimiters[ip] = limiter
	return limiter
}

func (s *Server) pruneLimiters(idle time.Duration) {
	s.limiterMtx.Lock()
	defer s.limiterMtx.Unlock()
	for ip, limiter := range s.ipLimiters {
		if time.Since(limiter.lastHit) > idle {
			delete(s.ipLimiters, ip)
		}
	}
}

// Check if the IP address is quarantined.
func (s *Server) isQuarantined(ip IPKey) bool {
	s.banMtx.RLock()
	banTime, banned := s.quarantine[ip]
	s.banMtx.RUnlock()
	if banned {
		// See if the ban has expired.
		if time.Now().After(banTime) {
			s.banMtx.Lock()
			delete(s.quarantine, ip)
			s.banMtx.Unlock()
			banned = false
		}
	}
	return banned
}

// Quarantine the specified IP address.
func (s *Server) banish(ip IPKey) {
	s.banMtx.Lock()
	defer s.banMtx.Unlock()
	s.quarantine[ip] = time.Now().Add(banishTime)
}

// websocketHandler handles a new websocket client by creating a new wsLink,
// starting it, and blocking until the connection closes. This method should be
// run as a goroutine.
func (s *Server) websocketHandler(ctx context.Context, conn wsConnection, ip IPKey) {
	addr := ip.String()
	log.Tracef("New websocket client %s", addr)

	client := newWSLink(addr, conn, pingPeriod)
	wg, err := s.addClient(ctx, client)
	if err != nil {
		log.Errorf("Failed to add client %s: %v", addr, err)
		conn.Close()
		return
	}
	defer s.removeClient(client.id)

	// The connection remains until the connection is lost or the link's
	// disconnect method is called (e.g. via disconnectClients).
	wg.Wait()

	if client.ban.Load() {
		s.banish(ip)
	}
	log.Tracef("Disconnected websocket client %s", addr)
}

// Broadcast sends a message to all connected clients. The message should be a
// notification. See msgjson.NewNotification.
func (s *Server) Broadcast(msg *msgjson.Message) {
	s.clientMtx.RLock()
	defer s.clientMtx.RUnlock()

	log.Debugf("Broadcasting %s for route %s to %d clients...", msg.Type, msg.Route, len(s.clients))
	if log.Level() <= slog.LevelTrace { // don't marshal unless needed
		log.Tracef("Broadcast: %q", msg.String())
	}

	for id, cl := range s.clients {
		if err := cl.Send(msg); err != nil {
			log.Debugf("Send to client %d at %s failed: %v", id, cl.Addr(), err)
			cl.Disconnect() // triggers return of websocketHandler, and removeClient
		}
	}
}

// EnableDataAPI enables or disables the HTTP API endpoints.
func (s *Server) EnableDataAPI(yes bool) {
	s.dataEnabled.Store(yes)
}

// disconnectClients calls disconnect on each wsLink, but does not remove it
// from the Server's client map.
func (s *Server) disconnectClients() {
	s.clientMtx.Lock()
	for _, link := range s.clients {
		link.Disconnect()
	}
	s.clientMtx.Unlock()
}

// addClient assigns the client an ID, adds it to the map, and attempts to
// connect.
func (s *Server) addClient(ctx context.Context, client *wsLink) (*sync.WaitGroup, error) {
	s.clientMtx.Lock()
	defer s.clientMtx.Unlock()
	client.id = s.counter
	s.counter++
	wg, err := client.connect(ctx)
	if err != nil {
		return nil, err
	}
	s.clients[client.id] = client
	return wg, nil
}

// Remove the client from the map.
func (s *Server) removeClient(id uint64) {
	s.clientMtx.Lock()
	delete(s.clients, id)
	s.clientMtx.Unlock()
}

// Get the number of active clients.
func (s *Server) clientCount() uint64 {
	s.clientMtx.RLock()
	defer s.clientMtx.RUnlock()
	return uint64(len(s.clients))
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	_, err := os.Stat(name)
	return !os.IsNotExist(err)
}

// genCertPair generates a key/cert pair to the paths provided.
func genCertPair(certFile, keyFile string, altDNSNames []string) error {
	log.Infof("Generating TLS certificates...")

	org := "framemarket autogenerated cert"
	validUntil := time.Now().Add(10 * 365 * 24 * time.Hour)
	cert, key, err := certgen.NewTLSCertPair(elliptic.P521(), org,
		validUntil, altDNSNames)
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

	log.Infof("Done generating TLS certificates")
	return nil
}

// parseListeners splits the list of listen addresses passed in addrs into
// IPv4 and IPv6 slices and returns them. This allows easy creation of the
// listeners on the correct interface "tcp4" and "tcp6". It also properly
// detects addresses which apply to "all interfaces" and adds the address to
// both slices.
func parseListeners(addrs []string) ([]string, []string, bool, error) {
	ipv4ListenAddrs := make([]string, 0, len(addrs))
	ipv6ListenAddrs := make([]string, 0, len(addrs))
	haveWildcard := false

	for _, addr := range addrs {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, nil, false, err
		}

		// Empty host is both IPv4 and IPv6.
		if host == "" {
			ipv4ListenAddrs = append(ipv4ListenAddrs, addr)
			ipv6ListenAddrs = append(ipv6ListenAddrs, addr)
			haveWildcard = true
			continue
		}

		// Strip IPv6 zone id if present since net.ParseIP does not
		// handle it.
		zoneIndex := strings.LastIndex(host, "%")
		if zoneIndex > 0 {
			host = host[:zoneIndex]
		}

		ip := net.ParseIP(host)
		if ip == nil {
			return nil, nil, false, fmt.Errorf("'%s' is not a valid IP address", host)
		}

		// To4 returns nil when the IP is not an IPv4 address, so use
		// this determine the address type.
		if ip.To4() == nil {
			ipv6ListenAddrs = append(ipv6ListenAddrs, addr)
		} else {
			ipv4ListenAddrs = append(ipv4ListenAddrs, addr)
		}
	}
	return ipv4ListenAddrs, ipv6ListenAddrs, haveWildcard, nil
}

// ErrorStatus is the HTTP status of a response carrying an error with the
// msgjson error code.
func ErrorStatus(code int) int {
	switch code {
	case msgjson.SignatureError, msgjson.AuthorizationError:
		return http.StatusForbidden
	case msgjson.UnknownListingError, msgjson.HTTPRouteError, msgjson.RPCUnknownRoute:
		return http.StatusNotFound
	case msgjson.TooManyRequestsError:
		return http.StatusTooManyRequests
	case msgjson.ExternalError:
		return http.StatusBadGateway
	case msgjson.RPCInternal, msgjson.RPCErrorUnspecified:
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

func errorBody(msgErr *msgjson.Error) map[string]*msgjson.Error {
	return map[string]*msgjson.Error{"error": msgErr}
}

// routeHandler creates a HandlerFunc for a data route. Middleware should have
// already processed the request and added the request struct to the Context.
func (s *Server) routeHandler(route string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		handler := s.httpRoutes[route]
		if handler == nil {
			writeJSONWithStatus(w, errorBody(msgjson.NewError(msgjson.HTTPRouteError, "route %s not available", route)),
				http.StatusNotFound)
			return
		}
		resp, err := handler(r.Context().Value(ctxThing))
		if err != nil {
			var msgErr *msgjson.Error
			if !errors.As(err, &msgErr) {
				msgErr = msgjson.NewError(msgjson.InvalidRequestError, "%v", err)
			}
			writeJSONWithStatus(w, errorBody(msgErr), ErrorStatus(msgErr.Code))
			return
		}
		writeJSONWithStatus(w, resp, http.StatusOK)
	}
}

// handleRequest passes a posted request body to the route's MsgHandler.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	route := chi.URLParam(r, "route")
	handler := s.msgRoutes[route]
	if handler == nil {
		writeJSONWithStatus(w, errorBody(msgjson.NewError(msgjson.RPCUnknownRoute, "unknown route %q", route)),
			http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		badRequest(w, "error reading request: %v", err)
		return
	}
	if !json.Valid(body) {
		writeJSONWithStatus(w, errorBody(msgjson.NewError(msgjson.RPCParseError, "request body is not JSON")),
			http.StatusBadRequest)
		return
	}
	msg := &msgjson.Message{
		Type:    msgjson.Request,
		Route:   route,
		ID:      s.nextRequestID(),
		Payload: body,
	}
	resp, msgErr := handler(msg)
	if msgErr != nil {
		log.Debugf("%s request %d from %s failed: %v", route, msg.ID, r.RemoteAddr, msgErr)
		writeJSONWithStatus(w, errorBody(msgErr), ErrorStatus(msgErr.Code))
		return
	}
	writeJSONWithStatus(w, resp, http.StatusOK)
}

var idCounter atomic.Uint64

func (s *Server) nextRequestID() uint64 {
	return idCounter.Add(1)
}

// writeJSONWithStatus writes the JSON response with the specified HTTP response
// code.
func writeJSONWithStatus(w http.ResponseWriter, thing any, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	b, err := json.Marshal(thing)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		log.Errorf("JSON encode error: %v", err)
		return
	}
	w.WriteHeader(code)
	_, err = w.Write(append(b, byte('\n')))
	if err != nil {
		log.Errorf("Write error: %v", err)
	}
}
