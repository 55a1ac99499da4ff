// Package version provides build-time version information.
//
// Variables are set at build time via ldflags:
//
//	go build -ldflags "-X github.com/truvis/pricestream/internal/version.Version=1.0.0 \
//	                   -X github.com/truvis/pricestream/internal/version.Commit=$(git rev-parse --short HEAD) \
//	                   -X github.com/truvis/pricestream/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

var (
	Version   = "dev"     // semantic version
	Commit    = "unknown" // short git hash
	BuildTime = "unknown" // UTC, RFC 3339
)

// String formats the build info for the startup log line, e.g.
// "1.0.0 (abc1234) built 2024-01-15T10:00:00Z".
func String() string {
	return Version + " (" + Commit + ") built " + BuildTime
}
