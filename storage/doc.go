// Package storage implements the relational store behind the recovery
// protocol on SQLite (modernc.org/sqlite, cgo-free), with schema migrations
// embedded in the binary.
//
// Every cross-process guarantee the protocol relies on is enforced here with
// conditional updates checked via RowsAffected:
//   - pending -> completed and completed -> applied challenge transitions
//   - the signing claim that admits exactly one coordinator invocation
//   - single-use consumption of approval and context tokens
//   - version-checked replacement of the backup-code set
//
// Timestamps are stored as millisecond UTC integers; nullable instants use
// nullable columns rather than zero values.
package storage
