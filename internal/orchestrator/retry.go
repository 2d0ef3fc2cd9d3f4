package orchestrator

import "time"

var DefaultRetrySchedule = []time.Duration{
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
}

// NextRunTime returns when a failed run should be retried. attempts counts the
// failed runs so far (1 after the first failure). The last step of the schedule
// repeats once the schedule is exhausted; ok is false when no retry is left.
func NextRunTime(now time.Time, attempts, maxAttempts int, schedule []time.Duration) (time.Time, bool) {
	if attempts >= maxAttempts {
		return time.Time{}, false
	}
	if len(schedule) == 0 {
		schedule = DefaultRetrySchedule
	}
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	return now.UTC().Add(schedule[idx]), true
}
