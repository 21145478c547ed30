package pqnb

import "time"

// SetClock overrides the pool's monotonic clock and rebases every
// connection's lastActivity onto it.
func SetClock(p *Pool, now func() time.Time) {
	p.now = now
	t := now()
	for _, c := range p.conns {
		c.lastActivity = t
	}
}
