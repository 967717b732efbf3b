// Package provisioning implements the run state machine that walks a
// provisioning plan.
//
// States:
//   - not_started -> in_progress -> completed | halted
//   - halted -> in_progress when a halted run is resumed
//
// Drive launches every Pending step whose dependencies are Done, up to
// MaxParallel at a time. Only the dispatcher goroutine mutates the step
// views; step goroutines talk to the ledger and write their own journal rows.
// The first Failed step halts the run: in-flight steps finish, nothing new
// starts, and the halt is persisted as the run reason.
//
// Cancelling the context stops new launches. Submissions already sent are
// not cancellable, so Drive waits for them and leaves the run in_progress.
//
// Resume reconciles attempts left running by an interrupted process before
// dispatching, so re-running never duplicates a ledger effect.
//
// Auditing:
//   - Each run transition emits one audit event when an AuditSink is set.
package provisioning
