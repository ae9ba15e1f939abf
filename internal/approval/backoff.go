package approval

import "time"

// Tier polls every Interval until Until of total wait has elapsed. The last
// tier applies forever.
type Tier struct {
	Until    time.Duration
	Interval time.Duration
}

// Backoff is the gate's polling and heartbeat cadence
type Backoff struct {
	Tiers     []Tier
	Heartbeat time.Duration
}

// DefaultBackoff polls every 2s for the first 30s, every 10s up to 5m and
// every 30s after that, heartbeating every 30s
func DefaultBackoff() Backoff {
	return Backoff{
		Tiers: []Tier{
			{Until: 30 * time.Second, Interval: 2 * time.Second},
			{Until: 5 * time.Minute, Interval: 10 * time.Second},
			{Interval: 30 * time.Second},
		},
		Heartbeat: 30 * time.Second,
	}
}

// Interval returns the poll interval after elapsed time waiting
func (b Backoff) Interval(elapsed time.Duration) time.Duration {
	if len(b.Tiers) == 0 {
		return DefaultBackoff().Interval(elapsed)
	}
	for _, t := range b.Tiers {
		if t.Until <= 0 || elapsed < t.Until {
			return t.Interval
		}
	}
	return b.Tiers[len(b.Tiers)-1].Interval
}

func (b Backoff) heartbeat() time.Duration {
	if b.Heartbeat <= 0 {
		return 30 * time.Second
	}
	return b.Heartbeat
}
