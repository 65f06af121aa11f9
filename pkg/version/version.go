// Package version exposes build version information.
package version

import "fmt"

// Version is the gatewatch release version. Overridden at build time:
//
//	go build -ldflags "-X github.com/gatewatch/gatewatch-go/pkg/version.Version=v1.2.0"
var Version = "dev"

// Commit is the git commit the binary was built from.
var Commit = "unknown"

// String returns "version (commit)".
func String() string {
	return fmt.Sprintf("%s (%s)", Version, Commit)
}
