package services

import "time"

const (
	baseBackoff    = 30 * time.Second
	maxBackoff     = 5 * time.Minute
	backoffCeilExp = 5 // 30s * 2^4 > 5m already, anything above saturates
)

// NextRetryDelay maps an attempt number (>= 1) to the delay before the next
// retry: exponential from 30s, capped at 5m. Pure and total.
func NextRetryDelay(attempt int) time.Duration {
	exp := attempt - 1
	if exp < 0 {
		exp = 0
	}
	if exp >= backoffCeilExp {
		return maxBackoff
	}
	delay := baseBackoff << uint(exp)
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

// NextRetryAt schedules the next retry relative to now.
func NextRetryAt(attempt int, now time.Time) time.Time {
	return now.Add(NextRetryDelay(attempt))
}
