// Package engine provides the core types and interfaces for the supervisor orchestration engine.
//
// # Overview
//
// The supervisor keeps a fixed constellation of containerised components
// alive: the primary application (core), the system plugins and any number
// of add-ons. Everything the supervisor does is driven by a small set of
// shared primitives defined here:
//
//   - Lifecycle: the single live CoreState shared by reference
//   - Component: the capability interface the watchdog and snapshots drive
//   - EngineError: classified errors returned by jobs and workflows
//
// # Lifecycle
//
// CoreState moves through initialize, setup and running. While a snapshot
// or restore runs the state is freeze, which scheduled maintenance treats as
// not running. Stopping, close and shutdown end the process; entering close
// or shutdown closes the Terminated channel so the scheduler stops firing.
//
//	lc := engine.NewLifecycle(logger)
//	lc.SetState(engine.StateRunning)
//	if lc.IsRunning() {
//	    // scheduled work may proceed
//	}
//
// No transition table is enforced. Callers are trusted to move the state in
// a sensible order.
//
// # Error Classification
//
//   - Condition: a job precondition was not met, nothing happened
//   - Conflict: another operation of the same class is in progress
//   - Component: a container action failed
//   - Workflow: a snapshot or restore aborted
//   - Permanent: wrong password, wrong snapshot type, not found
//
//	if name, ok := engine.FailedCondition(err); ok {
//	    logger.Warnf("skipped, %s not satisfied", name)
//	}
package engine
