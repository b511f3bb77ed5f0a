// Package dedupe remembers which request each idempotency key created, so a
// submission retried within a configurable window returns the original
// request instead of queueing a second one.
package dedupe
