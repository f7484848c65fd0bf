// Package httpserver exposes the recovery protocol over HTTP.
//
// API endpoints:
//   - POST /api/recovery/start: begin a challenge for an account identifier
//   - GET  /api/recovery/{challenge_id}/status: approval tally projection
//   - POST /api/recovery/approve: record a guardian approval by token
//   - POST /api/recovery/{challenge_id}/recover-dek: release plaintext DEKs
//     to the client for local rewrapping (hardened flow, phase one)
//   - POST /api/recovery/{challenge_id}/finalize: store new-credential
//     wrappers and apply the challenge (hardened or server-assisted)
//
// Operational endpoints: /livez, /readyz, /drain, /undrain, optional pprof
// under /debug, and a separate Prometheus metrics listener.
//
// Handlers translate interfaces.ErrorKind classifications into HTTP status
// codes; internal errors are logged with detail but returned opaque.
package httpserver
