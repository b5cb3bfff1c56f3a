package version

import "fmt"

// Build metadata, overridden via -ldflags "-X".
var (
	// Version is the release of both binaries.
	Version = "0.1.0"
	// Commit is the short git SHA (or "none" for local builds).
	Commit = "none"
	// BuildTime is the UTC build timestamp.
	BuildTime = "unknown"
)

// toolName prefixes the version in manifests and reports.
const toolName = "fwforge"

// Short returns only the semantic version string.
func Short() string {
	return Version
}

// Tool identifies the producer recorded in build manifests and installation reports,
// e.g. "fwforge/0.1.0+abc1234".
func Tool() string {
	return toolName + "/" + Version + "+" + Commit
}

// Line renders the version line printed by binary.
func Line(binary string) string {
	return fmt.Sprintf("%s %s (commit %s, built %s)", binary, Version, Commit, BuildTime)
}
