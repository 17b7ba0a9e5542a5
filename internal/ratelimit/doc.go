// Package ratelimit provides per-caller admission control.
//
// FixedWindowLimiter counts calls per key in fixed windows that start with the
// first call after the previous window expired. TokenBucketLimiter offers the
// same interface on top of golang.org/x/time/rate for callers that cannot
// accept fixed-window boundary bursts.
//
// Caller keys are opaque strings. State is partitioned per key so callers with
// different keys never contend on the same lock. Windows and buckets that stay
// idle longer than the configured idle TTL are evicted by Sweep, which Start
// runs periodically.
package ratelimit
