// Package approval implements the approval gate: governance rule evaluation
// plus the lifecycle of time-bounded human approval requests.
//
// # Rule evaluation
//
// Governance rules carry a boolean predicate over the proposed action and an
// integer priority. Rules are evaluated in descending priority order and the
// first match decides: an AutoApprove rule resolves immediately with no
// request created and no prompt shown; a rule with RequiresApproval falls
// through to the interactive path; a rule with neither flag denies
// immediately.
//
// # Request lifecycle
//
// An interactive request races four settlement paths: an explicit Resolve
// call, the timeout timer, an explicit Cancel, and gate Dispose. Whichever
// happens first wins; the pending entry is removed on first settlement so all
// later attempts on the same id are no-ops. The timer is stopped on any other
// settlement path.
//
// Settled requests stay in the history table for a retention window to serve
// audit and history queries, then are evicted. Every decision, auto or
// interactive, is reported to the audit recorder exactly once.
package approval
