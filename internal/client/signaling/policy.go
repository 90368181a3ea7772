package signaling

import "time"

// Policy is the reconnection schedule of the signaling link.
type Policy struct {
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	MaxAttempts   int // 0 means retry forever
	RegisterRetry time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		InitialDelay:  time.Second,
		MaxDelay:      10 * time.Second,
		MaxAttempts:   10,
		RegisterRetry: 2 * time.Second,
	}
}

// Delay is the wait before reconnect attempt n (1-based): doubling from
// InitialDelay, capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.InitialDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Exhausted reports whether n consecutive failed dials use up the budget.
func (p Policy) Exhausted(n int) bool {
	return p.MaxAttempts > 0 && n >= p.MaxAttempts
}
