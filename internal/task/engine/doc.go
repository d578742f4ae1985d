// Package engine runs claimed task executions.
//
// An Executor takes one Request (a descriptor plus the history row the
// scheduler already claimed), resolves and activates the handler, and drives
// it under a cancellable context registered in the asyncstate scope. Progress
// is mirrored into the scope and throttled into storage. Whatever the handler
// does (succeed, fail, panic, acknowledge cancellation) the history row is
// finalized, retrying store failures with backoff.
package engine
