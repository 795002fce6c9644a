// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/Dominion116/FrameMarket-Contracts/fm"
	"github.com/Dominion116/FrameMarket-Contracts/server/auth"
	"github.com/Dominion116/FrameMarket-Contracts/server/comms"
	"github.com/Dominion116/FrameMarket-Contracts/server/db/driver/bolt"
	"github.com/Dominion116/FrameMarket-Contracts/server/db/driver/pg"
	"github.com/Dominion116/FrameMarket-Contracts/server/ledger"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/ethereum/go-ethereum/common"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename  = "marketd.conf"
	defaultLogFilename     = "marketd.log"
	defaultRPCCertFilename = "rpc.cert"
	defaultRPCKeyFilename  = "rpc.key"
	defaultDataDirname     = "data"
	defaultBoltFilename    = "archive.db"
	defaultLogLevel        = "info"
	defaultLogDirname      = "logs"
	defaultMaxLogZips      = 16
	defaultDBDriver        = "bolt"
	defaultPGHost          = "127.0.0.1:5432"
	defaultPGUser          = "marketd"
	defaultPGDBName        = "marketd"
	defaultRPCHost         = "127.0.0.1"
	defaultRPCPort         = "7240"
	defaultAdminSrvAddr    = "127.0.0.1:6540"
	defaultFeeBps          = 250
	defaultCollection      = "frames"
)

var (
	defaultAppDataDir = dcrutil.AppDataDir("marketd", false)
)

type procOpts struct {
	HTTPProfile bool
	CPUProfile  string
}

// marketConf is the data that is required to setup the market server.
type marketConf struct {
	DataDir      string
	DBDriver     string
	Bolt         *bolt.Config
	PG           *pg.Config
	RPC          *comms.RPCConfig
	Auth         *auth.Config
	Admin        common.Address
	FeeBps       uint16
	FeeRecipient common.Address
	Collections  []string
	AdminSrvOn   bool
	AdminSrvAddr string
	AdminSrvPW   []byte
	LogMaker     *fm.LoggerMaker
}

type flagsData struct {
	// General application behavior
	AppDataDir  string `short:"A" long:"appdata" description:"Path to application home directory"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir      string `long:"logdir" description:"Directory to log output."`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}, optionally with SUBSYS=level pairs. Use show to list subsystems."`
	MaxLogZips  int    `long:"maxlogzips" description:"The number of zipped log files created by the log rotator to be retained. Setting to 0 will keep all."`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`

	RPCCert        string   `long:"rpccert" description:"RPC server TLS certificate file"`
	RPCKey         string   `long:"rpckey" description:"RPC server TLS private key file"`
	RPCListen      []string `long:"rpclisten" description:"IP addresses on which the RPC server should listen for incoming connections"`
	AltDNSNames    []string `long:"altdnsnames" description:"A list of hostnames to include in the RPC certificate (X509v3 Subject Alternative Name)"`
	DisableDataAPI bool     `long:"nodata" description:"Disable the HTTP data API."`

	Admin        string   `long:"admin" description:"The administrator account address. It sets the fee and mints assets."`
	FeeBps       uint16   `long:"feebps" description:"The initial marketplace fee in basis points (max 1000)."`
	FeeRecipient string   `long:"feerecipient" description:"The initial fee recipient address. Defaults to the administrator."`
	Collections  []string `long:"collection" description:"Name of an asset collection to deploy. May be repeated."`

	ClockWindow  time.Duration `long:"clockwindow" description:"Largest accepted difference between a signed request's stamp and the server clock."`
	AccountRate  float64       `long:"accountrate" description:"Sustained signed requests per second allowed for one account. 0 disables the limit."`
	AccountBurst int           `long:"accountburst" description:"Burst of signed requests allowed for one account."`

	DBDriver     string `long:"dbdriver" description:"Archive driver {bolt, pg}."`
	BoltPath     string `long:"boltpath" description:"Path to the bolt archive file."`
	PGDBName     string `long:"pgdbname" description:"PostgreSQL DB name."`
	PGUser       string `long:"pguser" description:"PostgreSQL DB user."`
	PGPass       string `long:"pgpass" description:"PostgreSQL DB password."`
	PGHost       string `long:"pghost" description:"PostgreSQL server host:port or UNIX socket (e.g. /run/postgresql)."`
	HidePGConfig bool   `long:"hidepgconfig" description:"Blocks logging of the PostgreSQL db configuration on system start up."`

	AdminSrvOn   bool   `long:"adminsrvon" description:"Turn on the administration HTTPS server."`
	AdminSrvAddr string `long:"adminsrvaddr" description:"Administration HTTPS server address (default: 127.0.0.1:6540)."`
	AdminSrvPW   string `long:"adminsrvpass" description:"Admin server password. INSECURE. Do not set unless absolutely necessary."`

	HTTPProfile bool   `long:"httpprof" short:"p" description:"Start HTTP profiler."`
	CPUProfile  string `long:"cpuprofile" description:"File for CPU profiling."`
}

// cleanAndExpandPath expands environment variables and leading ~ in the passed
// path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Do not try to clean the empty string
	if path == "" {
		return ""
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but the variables can still be expanded via POSIX-style
	// $VARIABLE.
	path = os.ExpandEnv(path)
	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path)
	}

	// Expand initial ~ to the current user's home directory, or ~otheruser to
	// otheruser's home directory. On Windows, both forward and backward
	// slashes can be used.
	path = path[1:]

	var pathSeparators string
	if runtime.GOOS == "windows" {
		pathSeparators = string(os.PathSeparator) + "/"
	} else {
		pathSeparators = string(os.PathSeparator)
	}

	userName := ""
	if i := strings.IndexAny(path, pathSeparators); i != -1 {
		userName = path[:i]
		path = path[i:]
	}

	homeDir := ""
	var u *user.User
	var err error
	if userName == "" {
		u, err = user.Current()
	} else {
		u, err = user.Lookup(userName)
	}
	if err == nil {
		homeDir = u.HomeDir
	}
	// Fallback to CWD if user lookup fails or user has no home directory.
	if homeDir == "" {
		homeDir = "."
	}

	return filepath.Join(homeDir, path)
}

// normalizeNetworkAddress checks for a valid local network address format and
// adds default host and port if not present. Invalidates addresses that
// include a protocol identifier.
func normalizeNetworkAddress(a, defaultHost, defaultPort string) (string, error) {
	if strings.Contains(a, "://") {
		return a, fmt.Errorf("address %s contains a protocol identifier, which is not allowed", a)
	}
	if a == "" {
		return defaultHost + ":" + defaultPort, nil
	}
	host, port, err := net.SplitHostPort(a)
	if err != nil {
		if strings.Contains(err.Error(), "missing port in address") {
			normalized := a + ":" + defaultPort
			host, port, err = net.SplitHostPort(normalized)
			if err != nil {
				return a, fmt.Errorf("unable to address %s after port resolution: %w", normalized, err)
			}
		} else {
			return a, fmt.Errorf("unable to normalize address %s: %w", a, err)
		}
	}
	if host == "" {
		host = defaultHost
	}
	if port == "" {
		port = defaultPort
	}
	return host + ":" + port, nil
}

// parsePGHost splits a PostgreSQL host:port. UNIX socket paths have no port.
func parsePGHost(pgHost string) (host, port string, err error) {
	if strings.HasPrefix(pgHost, "/") {
		return pgHost, "", nil
	}
	host, port, err = net.SplitHostPort(pgHost)
	if err != nil {
		return "", "", fmt.Errorf("invalid DB host %q: %w", pgHost, err)
	}
	return host, port, nil
}

// dedupeCollections drops empty and repeated collection names, keeping order.
func dedupeCollections(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// marketSettings validates the marketplace options of cfg.
func marketSettings(cfg *flagsData) (admin, recipient common.Address, collections []string, err error) {
	if cfg.Admin == "" {
		return admin, recipient, nil, errors.New("no administrator account set (--admin)")
	}
	if admin, err = fm.ParseAddress(cfg.Admin); err != nil {
		return admin, recipient, nil, fmt.Errorf("invalid admin address: %w", err)
	}
	if admin == (common.Address{}) {
		return admin, recipient, nil, errors.New("administrator account cannot be the zero address")
	}
	if cfg.FeeBps > ledger.MaxFeeBps {
		return admin, recipient, nil, fmt.Errorf("fee of %d bps exceeds the maximum of %d", cfg.FeeBps, ledger.MaxFeeBps)
	}
	recipient = admin
	if cfg.FeeRecipient != "" {
		if recipient, err = fm.ParseAddress(cfg.FeeRecipient); err != nil {
			return admin, recipient, nil, fmt.Errorf("invalid fee recipient: %w", err)
		}
		if recipient == (common.Address{}) {
			return admin, recipient, nil, errors.New("fee recipient cannot be the zero address")
		}
	}
	collections = dedupeCollections(cfg.Collections)
	if len(collections) == 0 {
		collections = []string{defaultCollection}
	}
	return admin, recipient, collections, nil
}

// loadConfig initializes and parses the config using a config file and command
// line options.
func loadConfig() (*marketConf, *procOpts, error) {
	loadConfigError := func(err error) (*marketConf, *procOpts, error) {
		return nil, nil, err
	}

	// Default config
	cfg := flagsData{
		AppDataDir: defaultAppDataDir,
		// Defaults for ConfigFile, LogDir, and DataDir are set relative to
		// AppDataDir. They are not to be set here.
		MaxLogZips:   defaultMaxLogZips,
		RPCCert:      defaultRPCCertFilename,
		RPCKey:       defaultRPCKeyFilename,
		DebugLevel:   defaultLogLevel,
		FeeBps:       defaultFeeBps,
		ClockWindow:  auth.DefaultClockWindow,
		AccountRate:  auth.DefaultAccountRate,
		AccountBurst: auth.DefaultAccountBurst,
		DBDriver:     defaultDBDriver,
		PGDBName:     defaultPGDBName,
		PGUser:       defaultPGUser,
		PGHost:       defaultPGHost,
		AdminSrvAddr: defaultAdminSrvAddr,
	}

	// Pre-parse the command line options to see if an alternative config file
	// or the version flag was specified. Any errors aside from the help message
	// error can be ignored here since they will be caught by the final parse
	// below.
	var preCfg flagsData // zero values as defaults
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type != flags.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		} else if e != nil && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n",
			appName, Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	// Special show command to list supported subsystems and exit.
	if preCfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// A non-default appdata folder moves the default config file location,
	// but an explicitly specified config file is used regardless.
	if preCfg.AppDataDir != "" {
		cfg.AppDataDir, err = filepath.Abs(cleanAndExpandPath(preCfg.AppDataDir))
		if err != nil {
			return loadConfigError(fmt.Errorf("unable to determine working directory: %w", err))
		}
	}
	isDefaultConfigFile := preCfg.ConfigFile == ""
	if isDefaultConfigFile {
		preCfg.ConfigFile = filepath.Join(cfg.AppDataDir, defaultConfigFilename)
	} else if !filepath.IsAbs(preCfg.ConfigFile) {
		preCfg.ConfigFile = filepath.Join(cfg.AppDataDir, preCfg.ConfigFile)
	}

	// Config file name for logging.
	configFile := "NONE (defaults)"

	// Load additional config from file.
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := os.Stat(preCfg.ConfigFile); os.IsNotExist(err) {
		// Non-default config file must exist.
		if !isDefaultConfigFile {
			return loadConfigError(err)
		}
		fmt.Printf("Config file (%s) does not exist. Using defaults.\n",
			preCfg.ConfigFile)
	} else {
		err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
		if err != nil {
			parser.WriteHelp(os.Stderr)
			return loadConfigError(err)
		}
		configFile = preCfg.ConfigFile
	}

	// Parse command line options again to ensure they take precedence.
	_, err = parser.Parse()
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return loadConfigError(err)
	}

	// Create the app data directory if it doesn't already exist.
	if err = os.MkdirAll(cfg.AppDataDir, 0700); err != nil {
		return loadConfigError(fmt.Errorf("failed to create home directory: %w", err))
	}

	// If datadir or logdir are defaults or non-default relative paths, prepend
	// the appdata directory.
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(cfg.AppDataDir, defaultDataDirname)
	} else if !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(cfg.AppDataDir, cfg.DataDir)
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.AppDataDir, defaultLogDirname)
	} else if !filepath.IsAbs(cfg.LogDir) {
		cfg.LogDir = filepath.Join(cfg.AppDataDir, cfg.LogDir)
	}
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	if err = os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return loadConfigError(err)
	}
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)

	// Ensure that all specified files are absolute paths, prepending the
	// appdata path if not.
	if !filepath.IsAbs(cfg.RPCCert) {
		cfg.RPCCert = filepath.Join(cfg.AppDataDir, cfg.RPCCert)
	}
	if !filepath.IsAbs(cfg.RPCKey) {
		cfg.RPCKey = filepath.Join(cfg.AppDataDir, cfg.RPCKey)
	}
	if cfg.BoltPath == "" {
		cfg.BoltPath = filepath.Join(cfg.DataDir, defaultBoltFilename)
	} else if !filepath.IsAbs(cfg.BoltPath) {
		cfg.BoltPath = filepath.Join(cfg.DataDir, cfg.BoltPath)
	}

	// Validate each RPC listen host:port.
	var rpcListen []string
	if len(cfg.RPCListen) == 0 {
		rpcListen = []string{defaultRPCHost + ":" + defaultRPCPort}
	}
	for i := range cfg.RPCListen {
		listen, err := normalizeNetworkAddress(cfg.RPCListen[i], defaultRPCHost, defaultRPCPort)
		if err != nil {
			return loadConfigError(err)
		}
		rpcListen = append(rpcListen, listen)
	}

	// Initialize log rotation. After log rotation has been initialized, the
	// logger variables may be used. This creates the LogDir if needed.
	if cfg.MaxLogZips < 0 {
		cfg.MaxLogZips = 0
	}
	if err = initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename), cfg.MaxLogZips); err != nil {
		return loadConfigError(err)
	}

	// Parse, validate, and set debug log level(s).
	logMaker, err := parseAndSetDebugLevels(cfg.DebugLevel)
	if err != nil {
		parser.WriteHelp(os.Stderr)
		return loadConfigError(err)
	}

	log.Infof("App data folder: %s", cfg.AppDataDir)
	log.Infof("Data folder:     %s", cfg.DataDir)
	log.Infof("Log folder:      %s", cfg.LogDir)
	log.Infof("Config file:     %s", configFile)

	admin, recipient, collections, err := marketSettings(&cfg)
	if err != nil {
		return loadConfigError(err)
	}

	mktCfg := &marketConf{
		DataDir:  cfg.DataDir,
		DBDriver: cfg.DBDriver,
		RPC: &comms.RPCConfig{
			ListenAddrs:    rpcListen,
			RPCKey:         cfg.RPCKey,
			RPCCert:        cfg.RPCCert,
			AltDNSNames:    cfg.AltDNSNames,
			DisableDataAPI: cfg.DisableDataAPI,
		},
		Auth: &auth.Config{
			ClockWindow:  cfg.ClockWindow,
			AccountRate:  cfg.AccountRate,
			AccountBurst: cfg.AccountBurst,
		},
		Admin:        admin,
		FeeBps:       cfg.FeeBps,
		FeeRecipient: recipient,
		Collections:  collections,
		AdminSrvOn:   cfg.AdminSrvOn,
		AdminSrvAddr: cfg.AdminSrvAddr,
		AdminSrvPW:   []byte(cfg.AdminSrvPW),
		LogMaker:     logMaker,
	}

	switch cfg.DBDriver {
	case "bolt":
		mktCfg.Bolt = &bolt.Config{Path: cfg.BoltPath}
	case "pg":
		host, port, err := parsePGHost(cfg.PGHost)
		if err != nil {
			return loadConfigError(err)
		}
		mktCfg.PG = &pg.Config{
			Host:         host,
			Port:         port,
			User:         cfg.PGUser,
			Pass:         cfg.PGPass,
			DBName:       cfg.PGDBName,
			HidePGConfig: cfg.HidePGConfig,
		}
	default:
		return loadConfigError(fmt.Errorf("unknown archive driver %q", cfg.DBDriver))
	}

	opts := &procOpts{
		CPUProfile:  cfg.CPUProfile,
		HTTPProfile: cfg.HTTPProfile,
	}

	return mktCfg, opts, nil
}
