// Build information stamped through -ldflags, e.g.
//   go build -ldflags "-X github.com/nobletooth/folio/pkg/utils.Version=v0.3.0" ./cmd/folio
// CAUTION: This file shouldn't be removed or else the build flags wouldn't be set properly.

package utils

import (
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/mod/semver"
)

var (
	TestMode   string // Should be true when running tests.
	IsTestMode bool
	Version    string
	Commit     string
	BuildTime  string
	StartTime  time.Time
)

func init() {
	StartTime = time.Now()

	// If build info is not set, make that clear.
	if Version == "" {
		Version = "unknown"
	}
	if Commit == "" {
		Commit = "unknown"
	}
	if BuildTime == "" {
		BuildTime = "unknown"
	}
	if len(TestMode) > 0 {
		if isTestMode, err := strconv.ParseBool(TestMode); err == nil {
			IsTestMode = isTestMode
		} else {
			slog.Warn("Failed to parse TestMode build flag, defaulting to false", "error", err)
		}
	}
}

// IsReleaseBuild returns true if the binary was stamped with a semantic version (e.g. v1.4.2).
func IsReleaseBuild() bool {
	return semver.IsValid(Version)
}

// MajorVersion returns the major version of a release build, e.g. "v1", or "" for dev builds.
func MajorVersion() string {
	return semver.Major(Version)
}
