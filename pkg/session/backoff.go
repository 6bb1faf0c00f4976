package session

import "time"

// Retry is a bounded exponential backoff counter.
type Retry struct {
	base     time.Duration
	attempts int
	n        int
}

func NewRetry(base time.Duration, attempts int) Retry {
	return Retry{base: base, attempts: attempts}
}

// Next returns the delay before the next attempt,
// or false when the attempts are exhausted.
func (r *Retry) Next() (time.Duration, bool) {
	if r.n >= r.attempts {
		return 0, false
	}
	d := r.base << r.n
	r.n++
	return d, true
}

func (r *Retry) Count() int { return r.n }
func (r *Retry) Reset()     { r.n = 0 }
