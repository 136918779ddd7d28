package scheduler

import "math"

// The cap policies below are pure: they take the current counters and cap and
// return the new cap, always clamped to [1, maxConcurrent-1].

// shedCap shrinks the task cap when a realtime request is admitted.
// activeRealtime is the count after the new request was added.
func shedCap(activeRealtime, maxConcurrent, cur int) int {
	ar, mc := float64(activeRealtime), float64(maxConcurrent)
	next := cur
	switch {
	case ar >= 0.7*mc:
		next = max(1, roundInt(0.1*mc))
	case ar >= 0.4*mc:
		next = max(2, roundInt(0.3*mc))
	case activeRealtime > 0:
		next = max(3, maxConcurrent-activeRealtime-1)
	}
	return clampCap(next, maxConcurrent)
}

// recoverCap relaxes the task cap after a realtime request finishes.
// Release is deliberately slower than admission: one step at a time unless fully idle.
func recoverCap(activeRealtime, maxConcurrent, cur int) int {
	next := cur
	switch {
	case activeRealtime == 0:
		next = maxConcurrent - 2
	case float64(activeRealtime) < 0.4*float64(maxConcurrent):
		next = min(maxConcurrent-1, cur+1)
	}
	return clampCap(next, maxConcurrent)
}

// feedbackCap applies the aggregator's latency feedback.
func feedbackCap(avgLatencyMs, thresholdMs float64, activeRealtime, maxConcurrent, cur int) int {
	next := cur
	switch {
	case avgLatencyMs > thresholdMs:
		next = max(1, cur-1)
	case activeRealtime == 0 && cur < maxConcurrent-1:
		next = cur + 1
	}
	return clampCap(next, maxConcurrent)
}

func clampCap(c, maxConcurrent int) int {
	if hi := maxConcurrent - 1; c > hi {
		c = hi
	}
	if c < 1 {
		c = 1
	}
	return c
}

func roundInt(f float64) int { return int(math.Round(f)) }
