// Package engine implements the vizq command executor.
//
// The executor runs inside the visualization host. It cannot be called by
// the producer; everything it learns arrives through the store, and
// everything it reports leaves through the store.
//
// ARCHITECTURE:
//
// Single-Goroutine Control Loop:
// One Engine runs one loop. Each iteration makes a full pass:
// 1. Consume the owner's pending request, if any, and answer it by
// publishing a fresh state snapshot
// 2. Claim up to ClaimLimit due commands (oldest first)
// 3. For each command: mark processing, validate, run the handler
// 4. Commit the handler's bundle to history and mark the command executed,
// or mark it failed with a message and an error code
// 5. Republish the snapshot after the batch
// 6. Every HeartbeatEvery iterations, write the executor heartbeat
// 7. Every MaintenanceEvery iterations, sweep stale claims, collect
// abandoned requests and apply retention
//
// The claim limit bounds per-iteration work, so a large backlog never
// delays heartbeats or request handling by more than one batch.
//
// Failure Model:
// Nothing inside an iteration terminates the loop. Errors and panics are
// caught at the iteration boundary, logged, recorded as an "error"
// heartbeat, and followed by an exponential backoff sleep. A failed
// command is never retried automatically.
//
// Lifecycle:
//
//	Initializing --setup ok--> Running --ctx done--> Stopped
//	     |
//	     +--setup failed--> Unavailable (Run returns)
//
// In host mode interrupt signals are logged and ignored; the host owns
// the process lifetime.
package engine
