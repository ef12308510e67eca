package poll

import (
	"sort"
	"time"

	"pollmux/internal/signalbus"
	logx "pollmux/pkg/logx"
)

// SetupFocusListener subscribes to the bus and maps every "regained
// attention" signal to a refresh burst. Only one listener may be active;
// calling this again while one is installed logs a warning and does nothing.
func (c *Coordinator) SetupFocusListener() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		c.log.Warn("poll.focus_setup_after_dispose")
		return
	}
	if c.focusUnsub != nil {
		c.mu.Unlock()
		c.log.Warn("poll.focus_listener_already_installed")
		return
	}
	if c.bus == nil {
		c.mu.Unlock()
		c.log.Warn("poll.focus_listener_needs_bus")
		return
	}
	ch, unsub := c.bus.Subscribe(8)
	c.focusUnsub = unsub
	c.mu.Unlock()

	go func() {
		// Exits when CleanupFocusListener (or Dispose) closes the channel.
		for s := range ch {
			if s.Kind == signalbus.KindFocus {
				c.TriggerRefresh()
			}
		}
	}()
	c.log.Debug("poll.focus_listener_installed")
}

// CleanupFocusListener removes the handler if present. Safe to call when
// absent.
func (c *Coordinator) CleanupFocusListener() {
	c.mu.Lock()
	unsub := c.focusUnsub
	c.focusUnsub = nil
	c.mu.Unlock()
	if unsub != nil {
		unsub()
		c.log.Debug("poll.focus_listener_removed")
	}
}

// TriggerRefresh fires one extra invocation of every currently-unpaused task:
// the first immediately, each subsequent one a stagger step later, in
// registration order. These are bursts outside the tasks' own cadence: a
// task's pending cycle timer is not touched, so its regular schedule is
// unchanged.
func (c *Coordinator) TriggerRefresh() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	eligible := make([]*task, 0, len(c.tasks))
	for _, t := range c.tasks {
		if !t.pausedLocked() {
			eligible = append(eligible, t)
		}
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].order < eligible[j].order })

	for i, t := range eligible {
		key := t.key
		if i == 0 {
			go c.burstFire(key)
			continue
		}
		id := c.focusSeq
		c.focusSeq++
		delay := time.Duration(i) * c.cfg.StaggerStep
		c.focusTimers[id] = time.AfterFunc(delay, func() {
			c.mu.Lock()
			delete(c.focusTimers, id)
			c.mu.Unlock()
			c.burstFire(key)
		})
	}
	n := len(eligible)
	c.mu.Unlock()

	if n > 0 {
		c.log.Info("poll.refresh_burst", logx.Int("tasks", n))
	}
}

// burstFire is the focus-triggered variant of a cycle: same eligibility
// re-check at fire time, same settle bookkeeping, but deliberately no re-arm.
func (c *Coordinator) burstFire(key string) {
	c.mu.Lock()
	t := c.tasks[key]
	if t == nil || c.disposed || t.pausedLocked() || t.running {
		c.mu.Unlock()
		return
	}
	t.running = true
	run := t.run
	c.mu.Unlock()

	err := c.invoke(key, run)

	c.mu.Lock()
	defer c.mu.Unlock()
	if cur := c.tasks[key]; cur != t {
		return
	}
	t.running = false
	t.lastRun = time.Now()
	if err != nil {
		c.warnFailureLocked(t, err)
	}
}
