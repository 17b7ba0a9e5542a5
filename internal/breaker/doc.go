// Package breaker implements per-dependency circuit breakers.
//
// A breaker starts CLOSED and counts consecutive failures of the calls it wraps.
// Reaching the failure threshold opens it; while OPEN every call is answered by
// the caller's fallback without touching the dependency. Once the timeout has
// elapsed the next call moves the breaker to HALF_OPEN and becomes the single
// trial call. Concurrent callers during the trial get the fallback. A
// successful trial closes the breaker, a failed one reopens it.
//
//	result := breaker.Run(cb, func() (Profile, error) {
//		return client.Profile(ctx, id)
//	}, func(err error) Profile {
//		return Profile{ID: id, Cached: true}
//	})
//
// Wrapped-call errors and panics never escape Execute or Run; they are counted
// as failures and the fallback receives them as its argument. Short-circuited
// calls pass an error matching errors.ErrCircuitOpen.
package breaker
