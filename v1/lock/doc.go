// Package lock coordinates access to named resources across processes.
//
// A Client turns a Request into the acquire/execute/release protocol against
// a Backend: RunGuarded acquires the lock (waiting up to the request's wait
// time), runs the operation exactly once and releases the lock on every exit
// path. Backends are the ordering and ownership authority; InMemory serves a
// single process and tests, Redis serves fleets of processes and signals
// releases over a syncbus.Bus.
//
// Two lock types are supported. Fair locks grant waiters in arrival order.
// Reentrant locks let the holder that owns a key acquire it again without
// blocking; the key is freed when every nested acquisition has been
// released. Fair locks are reentrant for their holder as well.
//
// Every lock carries a lease. If the holder neither releases nor renews it,
// the backend reclaims the key when the lease expires, so a crashed process
// cannot block a key forever. An operation that outlives its lease may lose
// exclusivity; pick a lease comfortably above the expected execution time,
// or use a non-positive lease to have the client renew it in the background.
package lock
