// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package version parses semantic application versions and appends the VCS
// revision of the build when the version carries no build metadata.
package version

import (
	"fmt"
	"regexp"
	"runtime/debug"
	"strconv"
	"strings"
)

// semanticAlphabet defines the allowed characters for the pre-release and
// build metadata portions of a semantic version string.
const semanticAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-."

// semverRE is a regular expression used to parse a semantic version string into
// its constituent parts.
var semverRE = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)` +
	`(?:-((?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*)(?:\.(?:0|[1-9]\d*|\d*` +
	`[a-zA-Z-][0-9a-zA-Z-]*))*))?(?:\+([0-9a-zA-Z-]+(?:\.[0-9a-zA-Z-]+)*))?$`)

// ParseSemVer parses the components of a semantic version string.
func ParseSemVer(s string) (major, minor, patch uint32, preRel, build string, err error) {
	m := semverRE.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, 0, "", "", fmt.Errorf("malformed version string %q: does not conform to "+
			"semver specification", s)
	}
	parts := make([]uint32, 3)
	for i, name := range []string{"major", "minor", "patch"} {
		v, err := strconv.ParseUint(m[i+1], 10, 32)
		if err != nil {
			return 0, 0, 0, "", "", fmt.Errorf("malformed semver %s: %w", name, err)
		}
		parts[i] = uint32(v)
	}
	return parts[0], parts[1], parts[2], m[4], m[5], nil
}

// Parse returns the application version as a properly formed string per the
// semantic versioning 2.0.0 spec (https://semver.org/). If the version has no
// build metadata and the binary was built from a VCS checkout, the short
// revision is appended as build metadata. Parse panics if the version is not
// a valid semantic version.
func Parse(version string) string {
	major, minor, patch, preRel, build, err := ParseSemVer(version)
	if err != nil {
		panic(err)
	}
	if build != "" {
		return version
	}
	rev := vcsRevision()
	if rev == "" {
		return version
	}
	version = fmt.Sprintf("%d.%d.%d", major, minor, patch)
	if preRel != "" {
		version += "-" + preRel
	}
	return version + "+" + rev
}

// NormalizeString returns the passed string stripped of all characters which
// are not valid according to the semantic versioning guidelines for pre-release
// and build metadata strings.
func NormalizeString(str string) string {
	var result strings.Builder
	for _, r := range str {
		if strings.ContainsRune(semanticAlphabet, r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

func vcsRevision() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" {
			rev := NormalizeString(s.Value)
			if len(rev) > 12 {
				rev = rev[:12]
			}
			return rev
		}
	}
	return ""
}
