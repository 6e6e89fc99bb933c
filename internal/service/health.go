package service

import (
	"sort"
	"time"

	"bgg-roller/internal/models"
)

const (
	maxConsecutiveFailures = 5
	minSuccessRate         = 0.2
	minRateSamples         = 10
	staleSuccessAfter      = time.Hour

	// relays with no history rank as if they had this success rate
	neutralSuccessRate = 0.5
)

// recordResult returns h updated with the outcome of one attempt at t.
func recordResult(h models.EndpointHealth, success bool, t time.Time) models.EndpointHealth {
	checked := t
	h.LastCheck = &checked
	if success {
		h.SuccessCount++
		h.ConsecutiveFailures = 0
		succeeded := t
		h.LastSuccess = &succeeded
	} else {
		h.FailureCount++
		h.ConsecutiveFailures++
	}
	return h
}

// skipReason explains why a relay with the given health must not be tried
// this pass, or returns "" when it is usable.
func skipReason(h models.EndpointHealth, known bool, now time.Time) string {
	if !known {
		return ""
	}
	if h.ConsecutiveFailures >= maxConsecutiveFailures {
		return "too many consecutive failures"
	}
	if h.Samples() >= minRateSamples && h.SuccessRate() < minSuccessRate {
		return "success rate below 20%"
	}
	if h.LastSuccess != nil && now.Sub(*h.LastSuccess) > staleSuccessAfter {
		return "no success in the last hour"
	}
	return ""
}

func rankRate(name string, health map[string]models.EndpointHealth) float64 {
	h, ok := health[name]
	if !ok {
		return neutralSuccessRate
	}
	return h.SuccessRate()
}

// orderEndpoints sorts a copy of endpoints by descending success rate,
// keeping configuration order for ties.
func orderEndpoints(endpoints []models.Endpoint, health map[string]models.EndpointHealth) []models.Endpoint {
	ordered := make([]models.Endpoint, len(endpoints))
	copy(ordered, endpoints)
	sort.SliceStable(ordered, func(i, j int) bool {
		return rankRate(ordered[i].Name, health) > rankRate(ordered[j].Name, health)
	})
	return ordered
}
