package ws

import "time"

var DefaultBackoff = Backoff{
	Delays:      []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second},
	MaxAttempts: 10,
}

// Backoff walks Delays and then repeats the last one, for at most
// MaxAttempts attempts in total.
type Backoff struct {
	Delays      []time.Duration
	MaxAttempts int
}

// Delay returns the wait before attempt (zero based) and whether that
// attempt is allowed at all.
func (b Backoff) Delay(attempt int) (time.Duration, bool) {
	if attempt < 0 || attempt >= b.MaxAttempts {
		return 0, false
	}
	if len(b.Delays) == 0 {
		return 0, true
	}
	if attempt >= len(b.Delays) {
		return b.Delays[len(b.Delays)-1], true
	}
	return b.Delays[attempt], true
}
