/*
Package reconciler runs replguard's control loop: audit the fleet, heal
what the policy allows, verify the repairs and record the outcome.

# Run Phases

	┌──────────────────────────────────────────────────────────┐
	│                        RunOnce                           │
	└────────────┬─────────────────────────────────────────────┘
	             │
	             ▼
	   resolve scope ──► delta decision ──► scan ──► classify
	                                                     │
	          ┌──────────────────────────────────────────┤
	          │ audit / verify                           │ repair
	          ▼                                          ▼
	     observe snapshots                 policy ──► dispatch ──► verify
	          │                                          │
	          └──────────────────┬───────────────────────┘
	                             ▼
	            delta cache ──► summary ──► run store

Scope resolution turns node names, a site or the whole inventory into a
sorted, deduplicated node list. The delta decision narrows that list to
the nodes flagged by a recent run; a full scan is used when there is no
cache, the cache is older than its maximum age, the last run was healthy,
the flagged set does not overlap the scope, or the caller forces it.

In repair mode the policy engine reserves the eligible issues (stamping
the cooldown ledger before anything runs), the dispatcher repairs them and
the verifier rescans the repaired nodes once the convergence wait has
passed. Issues on verified nodes are replaced by what the rescan found.
Dry runs evaluate the policy without reserving or dispatching.

Verify mode rescans the requested nodes only. It never heals and leaves
the delta cache as it was.

# Result Codes

	0  every node healthy, or repaired and verified
	2  issues remain, or a node could not be classified
	3  at least one node is unreachable
	4  fatal: invalid scope or request, storage failure, internal panic

Per-node probe failures and failed repairs are part of the result, not
errors. RunOnce returns an error only for fatal conditions, and even then
returns a Run whose summary carries code 4.

# Periodic Mode

Start runs one cycle immediately and then one per interval until Stop is
called or the context is cancelled. Runs never overlap; RunOnce holds a
mutex for the whole cycle. A hook registered with OnRun sees every result.

	r := reconciler.NewReconciler(components)
	r.OnRun(func(run *reconciler.Run, err error) {
		// write the report
	})
	r.Start(ctx, 15*time.Minute, req)
	defer r.Stop()

# Events

When a broker is configured each phase publishes an event (run.started,
scan.completed, issue.detected, heal.performed, heal.failed,
heal.manual_review, rollback.performed, verify.completed, run.completed).
Publishing never blocks a run.
*/
package reconciler
