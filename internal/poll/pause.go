package poll

import (
	"time"

	logx "pollmux/pkg/logx"
)

// Pause suspends one task until a matching Resume. Idempotent; unknown keys
// are a no-op.
func (c *Coordinator) Pause(key string) {
	c.pauseOne(key, ReasonManual)
}

// Resume lifts a Pause. With jitter the re-arm delay is drawn uniformly from
// [0, MaxResumeJitter); without, the task fires immediately. The task only
// actually re-arms once no reason at all holds it paused.
func (c *Coordinator) Resume(key string, jitter bool) {
	c.resumeOne(key, ReasonManual, jitter)
}

// PauseAll / ResumeAll apply the manual reason to every registered task.
func (c *Coordinator) PauseAll()             { c.pauseMatching(ReasonManual, nil) }
func (c *Coordinator) ResumeAll(jitter bool) { c.resumeMatching(ReasonManual, nil, jitter) }

// PauseAuthenticated / ResumeAuthenticated touch only tasks registered with
// RequiresAuth. Driven by the credential owner on sign-out/sign-in.
func (c *Coordinator) PauseAuthenticated() {
	c.pauseMatching(ReasonAuth, func(t *task) bool { return t.requiresAuth })
}

func (c *Coordinator) ResumeAuthenticated() {
	c.resumeMatching(ReasonAuth, func(t *task) bool { return t.requiresAuth }, false)
}

// PauseHealthGated / ResumeHealthGated touch only tasks that did not opt out
// of health gating. Driven by the backend-health observer on outage/recovery;
// recovery normally resumes with jitter so a fleet of tasks does not revive
// in one synchronized burst.
func (c *Coordinator) PauseHealthGated() {
	c.pauseMatching(ReasonHealth, func(t *task) bool { return t.healthGated })
}

func (c *Coordinator) ResumeHealthGated(jitter bool) {
	c.resumeMatching(ReasonHealth, func(t *task) bool { return t.healthGated }, jitter)
}

func (c *Coordinator) pauseOne(key string, reason Reason) {
	c.mu.Lock()
	t := c.tasks[key]
	if t != nil {
		c.pauseLocked(t, reason)
	}
	c.mu.Unlock()
	if t != nil {
		c.log.Debug("poll.paused", logx.String("task", key), logx.String("reason", string(reason)))
	}
}

func (c *Coordinator) resumeOne(key string, reason Reason, jitter bool) {
	c.mu.Lock()
	t := c.tasks[key]
	if t != nil {
		c.resumeLocked(t, reason, jitter)
	}
	c.mu.Unlock()
	if t != nil {
		c.log.Debug("poll.resumed", logx.String("task", key), logx.String("reason", string(reason)), logx.Bool("jitter", jitter))
	}
}

func (c *Coordinator) pauseMatching(reason Reason, match func(*task) bool) {
	c.mu.Lock()
	n := 0
	for _, t := range c.tasks {
		if match == nil || match(t) {
			c.pauseLocked(t, reason)
			n++
		}
	}
	c.mu.Unlock()
	if n > 0 {
		c.log.Info("poll.paused_bulk", logx.String("reason", string(reason)), logx.Int("count", n))
	}
}

func (c *Coordinator) resumeMatching(reason Reason, match func(*task) bool, jitter bool) {
	c.mu.Lock()
	n := 0
	for _, t := range c.tasks {
		if match == nil || match(t) {
			c.resumeLocked(t, reason, jitter)
			n++
		}
	}
	c.mu.Unlock()
	if n > 0 {
		c.log.Info("poll.resumed_bulk", logx.String("reason", string(reason)), logx.Int("count", n), logx.Bool("jitter", jitter))
	}
}

// pauseLocked records the reason and cancels any pending cycle. An in-flight
// invocation is left alone; its completion handler sees the reason set and
// does not re-arm.
func (c *Coordinator) pauseLocked(t *task, reason Reason) {
	t.pausedBy[reason] = struct{}{}
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	// Invalidate a fire that beat the Stop but hasn't taken the lock yet.
	t.gen++
}

// resumeLocked clears one reason and re-arms only when the set is empty.
// If the task is mid-invocation or already has a pending cycle, that path
// owns the next arm.
func (c *Coordinator) resumeLocked(t *task, reason Reason, jitter bool) {
	delete(t.pausedBy, reason)
	if t.pausedLocked() {
		return
	}
	if t.running || t.timer != nil {
		return
	}
	var delay time.Duration
	if jitter {
		delay = jitterDelay(c.randFloat(), c.cfg.MaxResumeJitter)
	}
	c.armLocked(t, delay)
}
