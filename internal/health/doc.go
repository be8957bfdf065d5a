// Package health provides composable probes and the HTTP handlers behind
// the liveness and readiness endpoints.
//
// Probes combine with [All] (AND) and [Any] (OR). [Named] prefixes a probe's
// failure reason with the subsystem it checks, and [CheckFunc] adapts a plain
// function.
//
// [ShutdownGate] fails readiness the moment drain starts, so load balancers
// stop routing new requests before the listener closes.
package health
