// Package runs implements the control actions callers take on runs.
//
// Actions:
//   - Create compiles and persists a spec, then asks the scheduler to prepare it.
//   - Transition applies a caller-reported condition.
//   - Stop, Approve, Invalidate, Delete and Transfer mutate an existing run.
//   - Restart, Copy and Resume recompile a run through the compiler's clone paths.
//
// Every action that changes state publishes the scheduler signal that moves
// the run forward. Scheduling itself happens asynchronously in the scheduler
// worker and the admission controller.
//
// Auditing:
//   - Successful actions record exactly one audit event when an Auditor is configured.
//   - Rejected actions and no-ops record nothing.
//   - Audit failures are logged and never undo the action.
package runs
