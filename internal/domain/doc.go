/*
Package domain contains the entities and interfaces shared by the traffic toolkit.

The toolkit is made of four independent components that an outbound call passes
through in order:

	admit  := limiter.Admit(caller, max, window)    // ratelimit
	insts  := reg.HealthyInstances(service)         // registry
	sel, _ := lb.Select(service, insts, strategy)   // balancer
	res    := cb.Execute(call, fallback)            // breaker

This package holds only the vocabulary those components share:

ServiceInstance:
One running deployment of a named service. Instances are values; the registry
hands out copies so a caller can never mutate registry state through them.

	inst := domain.ServiceInstance{
		InstanceID:  "games-1",
		ServiceName: "games",
		Host:        "10.0.0.4",
		Port:        8080,
		Weight:      2,
	}
	fmt.Println(inst.URL()) // http://10.0.0.4:8080

Strategy:
The load balancing strategy names accepted by the balancer and by configuration
(round_robin, random, least_connections, weighted_round_robin).

Event and EventSink:
Every state transition (breaker phase change, instance marked down, rate-limit
denial) is published as an Event to an injected EventSink. The events package
provides log, recorder, metrics and fan-out sinks.

Clock:
Components read time through a Clock so tests can drive TTLs, breaker timeouts
and rate windows deterministically.
*/
package domain
