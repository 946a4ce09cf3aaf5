// Package jobs guards supervisor operations with preconditions and
// fail-fast mutual exclusion.
//
// A Job names an operation, the conditions that must hold before it may
// start, and optionally the Lock of its operation class. Run checks, in
// order: the lock is free, every condition holds, the lock can be taken.
// Only then is the body invoked, and the lock is released on every exit
// path. Callers that lose get a typed error immediately; nothing waits.
//
//	job := jobs.NewJob("snapshot_full", checker,
//	    jobs.WithConditions(jobs.ConditionFreeSpace, jobs.ConditionRunning),
//	    jobs.WithLock(locks.Get("snapshot")),
//	)
//	err := job.Run(ctx, func(ctx context.Context) error { ... })
//	if engine.IsInProgress(err) { ... }
package jobs
