// Package version reports which build of studyrouter is running. The server
// logs it at startup and the CLI prints it from `studyrouter-cli version`.
//
// Release builds set the values with -ldflags, e.g.
//
//	-X github.com/ferro-labs/study-router/internal/version.Version=v0.1.0
package version

import "fmt"

// Set at link time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String returns "<version> (commit <sha>, built <date>)".
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}

// Short returns the bare version tag.
func Short() string {
	return Version
}
