// Package ratelimit is the per-identity admission gate.
//
// Each identity may own an ordered set of rules, each rule a (window, max
// requests) pair. Rules are conjunctive: a request is admitted only when every
// rule still has room in its sliding window, and only admitted requests are
// recorded. Identities without rules are never throttled.
//
// # Simple in-memory implementation, not shared between instances or distributed
//
// State lives in process memory and is lost on restart. Every identity has its
// own lock around the prune-count-append sequence so two callers can never both
// take the last slot, and unrelated identities never wait on each other.
//
// Window logs of identities that went quiet are dropped by a background reaper
// tied to the context passed to New, so long-lived processes don't keep every
// identity they have ever seen.
package ratelimit
