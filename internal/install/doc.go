// Package install drives one device through the flashing protocol.
//
// The Orchestrator is an explicit state machine. Every transition is recorded
// on the Session and reported to an Observer. Device-flow problems that are not
// fatal are accumulated as warnings, so a session can complete while carrying
// them. Only polling steps retry automatically; backup and flash run once.
// Cancellation is honored before each non-destructive state and ignored once
// Flashing has been entered.
package install
