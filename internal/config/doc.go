// Package config defines the settings shared by the fwforge binaries and
// provides helpers to load, default, validate and save them in YAML format.
//
// The Build section drives the patch-and-repack pipeline; the Install section
// is turned into an immutable settings value for the installation orchestrator.
package config
