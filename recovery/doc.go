// Package recovery implements the recovery challenge state machine: starting
// a challenge, projecting its status, tallying guardian approvals, and
// triggering threshold signature aggregation through the external FROST
// signing coordinator.
//
// A challenge moves strictly pending -> completed -> applied. The pending ->
// completed transition happens at most once per challenge, guarded by a
// storage-level claim so concurrent approvals from independent processes
// produce exactly one signing-coordinator invocation. Coordinator failures
// release the claim and leave the challenge pending with all approvals
// intact, so a retried approval re-triggers signing.
//
// The signed message binds the challenge ID and a per-challenge random nonce
// under a fixed domain string; a signature aggregated for one challenge
// verifies against no other.
package recovery
