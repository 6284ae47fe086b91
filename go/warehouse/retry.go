package warehouse

import "time"

// backoff produces successively longer waits between attempts.
type backoff struct {
	initialMillis float64
	maxMillis     float64
	multiplier    float64

	currentMillis float64
}

// nextBackoff returns a channel that fires after the current delay, and
// advances the delay for the next call.
func (b *backoff) nextBackoff() <-chan time.Time {
	if b.currentMillis == 0 {
		b.currentMillis = b.initialMillis
	}
	var ch = time.After(time.Duration(b.currentMillis) * time.Millisecond)
	b.currentMillis = b.currentMillis * b.multiplier
	if b.currentMillis > b.maxMillis {
		b.currentMillis = b.maxMillis
	}
	return ch
}
