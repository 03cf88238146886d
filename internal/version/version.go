// Package version holds build information, set via ldflags:
//
//	go build -ldflags "-X github.com/doughall/rootprobe/internal/version.Version=1.2.0 \
//	                   -X github.com/doughall/rootprobe/internal/version.Commit=abc123"
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the semantic version (e.g., "1.2.0", "dev").
	Version = "dev"

	// Commit is the git commit hash the binary was built from.
	Commit = "unknown"

	// BuildTime is the build timestamp in RFC3339 format.
	BuildTime = "unknown"
)

// Info returns a one-line description of the binary named name.
func Info(name string) string {
	return fmt.Sprintf("%s %s (commit: %s, built: %s, %s/%s)",
		name, Version, Commit, BuildTime, runtime.GOOS, runtime.GOARCH)
}
