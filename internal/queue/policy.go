package queue

import "time"

const defaultJobTimeout = 60 * time.Second

// Policy is the retry budget of a job kind.
type Policy struct {
	// Tries is the maximum number of attempts, including the first.
	Tries int
	// Backoff[n-1] is the wait after attempt n fails. The last entry repeats,
	// so a single entry gives a flat delay.
	Backoff []time.Duration
	// MaxExceptions abandons the job early once this many attempts panicked.
	// Zero means only Tries applies.
	MaxExceptions int
	// Timeout bounds one attempt. Zero means 60s.
	Timeout time.Duration
}

// Delay returns how long to wait before the attempt following attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}

	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.Backoff) {
		idx = len(p.Backoff) - 1
	}

	return p.Backoff[idx]
}

func (p Policy) withDefaults() Policy {
	if p.Tries < 1 {
		p.Tries = 1
	}
	if p.Timeout <= 0 {
		p.Timeout = defaultJobTimeout
	}
	return p
}
