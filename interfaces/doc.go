// Package interfaces defines the core types and contracts for the guardian
// recovery system: domain types (users, recovery configs, guardians,
// challenges, approvals, wrappers), the classified error type, and the narrow
// interfaces to the store, the external FROST signing coordinator, the
// guardian notifier, and the two-factor verifier.
//
// Every other package imports interfaces and nothing the other way around,
// so protocol logic, persistence, and transport stay decoupled. The package
// itself has no dependencies beyond the standard library.
//
// The concurrency model lives in the Store contract: methods returning a
// bool are conditional writes (compare-and-swap semantics) and false means
// another writer won. The protocol layer never takes in-memory locks because
// approvals arrive from independent processes.
package interfaces
