// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/Dominion116/FrameMarket-Contracts/fm"
	"github.com/Dominion116/FrameMarket-Contracts/fm/chain"
	"github.com/Dominion116/FrameMarket-Contracts/fm/erc721"
	"github.com/Dominion116/FrameMarket-Contracts/server/admin"
	"github.com/Dominion116/FrameMarket-Contracts/server/apidata"
	"github.com/Dominion116/FrameMarket-Contracts/server/auth"
	"github.com/Dominion116/FrameMarket-Contracts/server/comms"
	"github.com/Dominion116/FrameMarket-Contracts/server/db"
	"github.com/Dominion116/FrameMarket-Contracts/server/ledger"
	"github.com/Dominion116/FrameMarket-Contracts/server/market"
	"github.com/jrick/logrotate/rotator"
)

// logWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator.
type logWriter struct{}

// Write writes the data in p to standard out and the log rotator.
func (logWriter) Write(p []byte) (n int, err error) {
	if logRotator == nil {
		return os.Stdout.Write(p)
	}
	os.Stdout.Write(p)
	return logRotator.Write(p) // not safe concurrent writes, so only one logWriter{} allowed!
}

var (
	// logRotator is one of the logging outputs. Use initLogRotator to set it.
	// It should be closed on application shutdown.
	logRotator *rotator.Rotator

	// package main's Logger.
	log = fm.Disabled

	// subsystemLoggers maps each subsystem identifier to the function that
	// installs its logger. When adding new subsystems, add them here.
	subsystemLoggers = map[string]func(fm.Logger){
		"MAIN": func(l fm.Logger) { log = l },
		"MKT":  market.UseLogger,
		"LEDG": ledger.UseLogger,
		"CHAN": chain.UseLogger,
		"NFT":  erc721.UseLogger,
		"DB":   db.UseLogger,
		"COMM": comms.UseLogger,
		"AUTH": auth.UseLogger,
		"API":  apidata.UseLogger,
		"ADMN": admin.UseLogger,
	}
)

// initLogRotator initializes the logging rotater to write logs to logFile and
// create roll files in the same directory. It must be called before the
// package-global log rotater variables are used.
func initLogRotator(logFile string, maxRolls int) error {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	r, err := rotator.New(logFile, 32*1024, false, maxRolls)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}
	logRotator = r
	return nil
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly. An appropriate error is returned if anything is
// invalid. Every subsystem gets a logger, at its own level if one was given.
func parseAndSetDebugLevels(debugLevel string) (*fm.LoggerMaker, error) {
	lm, err := fm.NewLoggerMaker(logWriter{}, debugLevel)
	if err != nil {
		return nil, err
	}
	for subsysID := range lm.Levels {
		if _, exists := subsystemLoggers[subsysID]; !exists {
			return nil, fmt.Errorf("the specified subsystem [%v] is invalid -- "+
				"supported subsystems %v", subsysID, supportedSubsystems())
		}
	}
	for subsysID, useLogger := range subsystemLoggers {
		useLogger(lm.Logger(subsysID))
	}
	return lm, nil
}
