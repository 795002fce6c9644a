// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import "github.com/Dominion116/FrameMarket-Contracts/fm/version"

const (
	// appName is the application name.
	appName string = "marketd"
)

var (
	// Version is the application version per the semantic versioning 2.0.0
	// spec (https://semver.org/). Release builds set the build metadata,
	// e.g. "0.2.0+release.local", or override it with linker flags.
	Version = "0.2.0-pre"
)

func init() {
	Version = version.Parse(Version)
}
