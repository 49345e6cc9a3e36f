package syncer

import "time"

// backoffSchedule maps consecutive failed cycles to the delay before the
// next attempted cycle. The 1st failure retries immediately; the 5th and
// beyond stay at the final step. Any cycle with at least one success resets
// the counter.
var backoffSchedule = []time.Duration{
	0,
	30 * time.Second,
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
}

// backoffDelay returns the delay for the given consecutive-failure count.
func backoffDelay(consecutiveFailures int) time.Duration {
	if consecutiveFailures <= 0 {
		return 0
	}
	if consecutiveFailures > len(backoffSchedule) {
		return backoffSchedule[len(backoffSchedule)-1]
	}
	return backoffSchedule[consecutiveFailures-1]
}
