// Package events holds the sinks that consume state transition events emitted by
// the registry, balancer, breakers and rate limiters.
package events
