// Package engine provides the workflow engine that drives pluggable
// Think-Act-Observe strategies to completion.
//
// # Overview
//
// The engine is generic over the Strategy contract: callers register named
// factories, obtain a strategy instance for a request, and hand it to Execute.
// Each execution performs up to a configured number of TAO cycles:
//
//	Think → (Approval Gate) → Act → Observe → Refine → ...
//
// When an analysis requires approval and the engine is not configured to
// auto-approve everything, the approval gate is consulted synchronously inside
// the loop. A denied action terminates the execution as a normal unsuccessful
// result, bypassing Act and Observe for that iteration.
//
// # Execution state
//
// Every Execute call owns one ExecutionState in the live table. States cycle
// through the phase statuses and end in completed or failed; terminal statuses
// are sticky. Completed states remain queryable via GetState for a retention
// window before eviction, so late status queries still succeed.
//
// # Cancellation
//
// Cancellation is cooperative and non-preemptive. Both context cancellation
// and Cancel(id) are observed only at the top of an iteration; phases already
// in flight run to completion. Execute returns ErrExecutionCancelled in that
// case, distinguishable from ordinary failures.
//
// # Failure semantics
//
// Errors from Think, Act, Observe, and Refine propagate unmodified to the
// caller; the engine performs no retries and synthesizes no partial result.
// Approval denial and iteration cap exhaustion are not errors: they are
// terminal results with Success=false and explanatory feedback.
package engine
