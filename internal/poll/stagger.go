package poll

import "time"

// staggerDelayLocked allocates the initial execution offset for the next
// registration and advances the counter. Offsets cycle through
// {0, step, 2*step, ...} over StaggerSlots slots, so registrations made in a
// burst start spread out instead of together. Beyond StaggerSlots
// concurrently registering tasks the slots wrap and collide; that is an
// accepted bound, not an exclusion guarantee.
func (c *Coordinator) staggerDelayLocked() time.Duration {
	d := staggerDelay(c.seq, c.cfg.StaggerSlots, c.cfg.StaggerStep)
	c.seq++
	return d
}

func staggerDelay(seq uint64, slots int, step time.Duration) time.Duration {
	if slots <= 0 {
		return 0
	}
	return time.Duration(seq%uint64(slots)) * step
}

// jitterDelay maps a uniform draw from [0,1) onto [0,max).
func jitterDelay(u float64, max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	if u < 0 {
		u = 0
	}
	if u >= 1 {
		u = 1 - 1e-9
	}
	return time.Duration(u * float64(max))
}
