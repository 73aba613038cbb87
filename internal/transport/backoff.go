package transport

import "time"

// BackoffDelay returns the wait before reconnect attempt n (zero based):
// initial doubled n times, capped at max.
func BackoffDelay(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		return 0
	}
	d := initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
