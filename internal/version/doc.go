// Package version holds the build metadata of fwforge-build and fwforge-install.
//
// Tool is the producer string written into build manifests and installation
// reports, so an audit trail names the release that made or flashed an artifact.
package version
