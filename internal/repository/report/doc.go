// Package report persists installation reports, the audit trail of every
// installation session.
//
// Reports are encoded as protobuf Struct values in protobuf JSON (protojson).
// FileRepository keeps one JSON file per session; BadgerRepository keeps the
// same documents in a badger database under "report:<session id>" keys.
package report
