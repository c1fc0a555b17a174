// Package store provides the durable store shared by the producer and the
// executor processes.
//
// The store holds four tables:
//   - commands: the polling command queue with its status lifecycle
//   - state: one latest-wins snapshot row per owner
//   - requests: one single-slot mailbox row per owner
//   - system_status: executor heartbeat rows
//
// # Critical Patterns
//
// Deduplication
//   - UNIQUE(owner, method, issued_at) with ON CONFLICT DO NOTHING
//   - InsertCommand returns the surviving row's id on conflict
//
// Conditional Transitions
//   - Status writes carry the allowed source statuses in the WHERE clause,
//     so a terminal row is never rewritten, whatever the caller believes
//
// Atomic Consume
//   - TakeRequest is a single DELETE ... RETURNING statement
//
// Deterministic Query Results
//   - Pending commands: ORDER BY created_at ASC, issued_at ASC, id ASC
//   - Recent commands: ORDER BY created_at DESC, id DESC
//
// # Database Configuration
//
// SQLite files are expected to live on shared or network-mounted disks:
//   - journal_mode=DELETE: WAL shared memory is unsafe over network filesystems
//   - synchronous=FULL
//   - busy_timeout=30000
//   - one pooled connection per process
//
// Transient driver errors are retried with exponential backoff and then
// surfaced as errors.StorageError.
package store
