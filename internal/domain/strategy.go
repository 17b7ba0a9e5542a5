package domain

import (
	"fmt"
	"strings"
)

// Strategy represents the type of load balancing strategy
type Strategy string

const (
	// RoundRobin cycles through candidates in order
	RoundRobin Strategy = "round_robin"
	// Random picks uniformly among candidates
	Random Strategy = "random"
	// LeastConnections picks the candidate with the fewest in-flight calls
	LeastConnections Strategy = "least_connections"
	// WeightedRoundRobin interleaves candidates proportionally to their weight
	WeightedRoundRobin Strategy = "weighted_round_robin"
)

// String returns the string representation of Strategy
func (s Strategy) String() string {
	return string(s)
}

// Valid reports whether s names a supported strategy
func (s Strategy) Valid() bool {
	switch s {
	case RoundRobin, Random, LeastConnections, WeightedRoundRobin:
		return true
	default:
		return false
	}
}

// ParseStrategy parses a strategy name. Both "round_robin" and "ROUND_ROBIN" are accepted.
func ParseStrategy(name string) (Strategy, error) {
	s := Strategy(strings.ToLower(strings.TrimSpace(name)))
	if !s.Valid() {
		return "", fmt.Errorf("unsupported load balancing strategy: %s", name)
	}
	return s, nil
}

// AvailableStrategies returns all supported strategies
func AvailableStrategies() []Strategy {
	return []Strategy{
		RoundRobin,
		Random,
		LeastConnections,
		WeightedRoundRobin,
	}
}
