// Package registry is the in-memory authority on which instances of each
// logical service exist and whether they are alive.
//
// Every service name owns a shard holding an immutable slice of instances.
// Writers (Register, Deregister, Heartbeat, MarkDown, the liveness sweep) take the
// shard's mutex, copy the slice, modify the copy and publish it with an atomic
// pointer swap. Readers never lock: HealthyInstances loads the current slice and
// filters it, so a reader observes either the state before a write or after it,
// never a half-applied one. Different services never contend with each other.
//
// Liveness is heartbeat based. An instance is healthy while its status is UP and
// its last heartbeat is no older than the TTL. The background sweep flips expired
// instances to DOWN without removing them; a later heartbeat brings them back.
package registry
