// Package lock grants bounded, expiring slots on shared resources. A resource
// accepts at most limit concurrent holders, each holder owns at most one slot
// per resource and every slot expires after its TTL unless refreshed.
//
// All decisions are taken inside Redis Lua scripts so concurrent callers on
// different nodes cannot over-allocate a resource. Expiry relies on the native
// key TTL: nothing is swept, and the per-holder index is a best-effort
// convenience that may reference slots which already expired.
package lock
