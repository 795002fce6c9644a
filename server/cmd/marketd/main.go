// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"

	"github.com/Dominion116/FrameMarket-Contracts/server/admin"
	"github.com/Dominion116/FrameMarket-Contracts/server/apidata"
	"github.com/Dominion116/FrameMarket-Contracts/server/auth"
	"github.com/Dominion116/FrameMarket-Contracts/server/comms"
	"github.com/Dominion116/FrameMarket-Contracts/server/db"
	_ "github.com/Dominion116/FrameMarket-Contracts/server/db/driver/bolt" // register bolt driver
	_ "github.com/Dominion116/FrameMarket-Contracts/server/db/driver/pg"   // register pg driver
	"github.com/Dominion116/FrameMarket-Contracts/server/market"
	"golang.org/x/sync/errgroup"
)

// adminCore combines the market and the comms server for the admin server.
type adminCore struct {
	*market.Market
	srv *comms.Server
}

func (c *adminCore) EnableDataAPI(yes bool) {
	c.srv.EnableDataAPI(yes)
}

func openArchive(ctx context.Context, cfg *marketConf) (db.Archivist, error) {
	switch cfg.DBDriver {
	case "pg":
		return db.Open(ctx, cfg.DBDriver, cfg.PG)
	default:
		return db.Open(ctx, cfg.DBDriver, cfg.Bolt)
	}
}

func mainCore(ctx context.Context) error {
	// Parse the configuration file, and setup logger.
	cfg, opts, err := loadConfig()
	if err != nil {
		fmt.Printf("Failed to load marketd config: %s\n", err.Error())
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Request admin server password if admin server is enabled and
	// server password is not set in config.
	var adminSrvAuthSHA [32]byte
	if cfg.AdminSrvOn {
		if len(cfg.AdminSrvPW) == 0 {
			adminSrvAuthSHA, err = admin.PasswordPrompt("Admin interface password: ")
			if err != nil {
				return fmt.Errorf("cannot use password: %w", err)
			}
		} else {
			adminSrvAuthSHA = sha256.Sum256(cfg.AdminSrvPW)
			for i := range cfg.AdminSrvPW {
				cfg.AdminSrvPW[i] = 0
			}
		}
	}

	if opts.CPUProfile != "" {
		f, err := os.Create(opts.CPUProfile)
		if err != nil {
			return err
		}
		if err = pprof.StartCPUProfile(f); err != nil {
			return err
		}
		defer pprof.StopCPUProfile()
	}

	// HTTP profiler
	if opts.HTTPProfile {
		log.Warnf("Starting the HTTP profiler on path /debug/pprof/.")
		// http pprof uses http.DefaultServeMux
		http.Handle("/", http.RedirectHandler("/debug/pprof/", http.StatusSeeOther))
		go func() {
			if err := http.ListenAndServe(":9240", nil); err != nil {
				log.Errorf("ListenAndServe failed for http/pprof: %v", err)
			}
		}()
	}

	// Display app version.
	log.Infof("%s version %v (Go version %s)", appName, Version, runtime.Version())

	archive, err := openArchive(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s archive: %w", cfg.DBDriver, err)
	}

	mkt, err := market.New(ctx, &market.Config{
		Storage:      archive,
		Admin:        cfg.Admin,
		FeeBps:       cfg.FeeBps,
		FeeRecipient: cfg.FeeRecipient,
		Collections:  cfg.Collections,
	})
	if err != nil {
		archive.Close()
		return fmt.Errorf("failed to start the market: %w", err)
	}
	log.Infof("Market administered by %s with %d collections", cfg.Admin, len(mkt.Collections()))

	server, err := comms.NewServer(cfg.RPC)
	if err != nil {
		archive.Close()
		return fmt.Errorf("failed to start the comms server: %w", err)
	}

	authMgr := auth.NewAuthManager(cfg.Auth)
	market.NewCommandRouter(ctx, &market.CommandRouterConfig{
		Market: mkt,
		Auth:   authMgr,
		Server: server,
	})
	dataAPI := apidata.NewDataAPI(ctx, mkt, server)

	var adminServer *admin.Server
	if cfg.AdminSrvOn {
		adminServer, err = admin.NewServer(&admin.SrvConfig{
			Core:    &adminCore{Market: mkt, srv: server},
			Addr:    cfg.AdminSrvAddr,
			AuthSHA: adminSrvAuthSHA,
			Cert:    cfg.RPC.RPCCert,
			Key:     cfg.RPC.RPCKey,
		})
		if err != nil {
			archive.Close()
			return fmt.Errorf("cannot set up admin server: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	run := func(f func(context.Context)) {
		g.Go(func() error {
			f(gctx)
			return nil
		})
	}
	// The market owns the archive and closes it when Run returns.
	run(mkt.Run)
	run(server.Run)
	run(authMgr.Run)
	run(dataAPI.Run)
	if adminServer != nil {
		run(adminServer.Run)
	}

	log.Info("The market is running. Hit CTRL+C to quit...")
	<-ctx.Done()

	log.Info("Stopping market...")
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Bye!")
	return nil
}

func main() {
	ctx, quit := context.WithCancel(context.Background())
	defer quit()
	killChan := make(chan os.Signal, 1)
	signal.Notify(killChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-killChan
		fmt.Println("Shutting down...")
		quit()
	}()

	if err := mainCore(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
