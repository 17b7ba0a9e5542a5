/*
Package balancer picks one instance out of a candidate set for every outbound call.

The balancer never looks instances up itself: callers pass the candidates they
got from the registry, usually the result of HealthyInstances. Per service it
keeps a round-robin cursor and smooth weighted round-robin weights; per instance
it keeps an in-flight call counter.

	sel, err := lb.Select("games", reg.HealthyInstances("games"), domain.LeastConnections)
	if err != nil {
		return err // errors.ErrNoAvailableInstance
	}
	defer sel.Done()

Every Selection holds one in-flight slot on its instance until Done is called,
whatever the strategy. Counters therefore stay correct when the strategy is
swapped at runtime, and least_connections always sees the real load.

Strategies:

  - round_robin: candidates[cursor mod len(candidates)], cursor advanced on every selection.
    The cursor is not stored modulo the candidate count, so a shrinking or growing
    instance set does not skew the rotation.
  - random: uniform over candidates.
  - least_connections: the candidate with the fewest in-flight calls; ties are broken by
    the round-robin cursor. Selection and increment happen under the service lock so
    concurrent selectors cannot both pick a stale minimum.
  - weighted_round_robin: smooth weighted round robin, every instance with a positive
    weight is picked in proportion to it and none is starved.
*/
package balancer
