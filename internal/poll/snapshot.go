package poll

import (
	"sort"
	"time"
)

// Status is the per-task diagnostic surface.
type Status struct {
	Paused  bool
	LastRun time.Time // zero if the task has never completed
}

// Status reports one task's state; ok is false for unknown keys.
func (c *Coordinator) Status(key string) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.tasks[key]
	if t == nil {
		return Status{}, false
	}
	return Status{Paused: t.pausedLocked(), LastRun: t.lastRun}, true
}

// Keys returns the currently registered keys, sorted.
func (c *Coordinator) Keys() []string {
	c.mu.Lock()
	keys := make([]string, 0, len(c.tasks))
	for k := range c.tasks {
		keys = append(keys, k)
	}
	c.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// TaskInfo is one row of a Snapshot.
type TaskInfo struct {
	Key          string
	Interval     time.Duration
	RequiresAuth bool
	HealthGated  bool
	Paused       bool
	PausedBy     []string
	Pending      bool // a cycle timer is armed
	Running      bool
	LastRun      time.Time
}

// Snapshot is a point-in-time view for diagnostics and the status report.
type Snapshot struct {
	Disposed bool
	Tasks    []TaskInfo // registration order
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	ordered := make([]*task, 0, len(c.tasks))
	for _, t := range c.tasks {
		ordered = append(ordered, t)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].order < ordered[j].order })

	snap := Snapshot{Disposed: c.disposed, Tasks: make([]TaskInfo, 0, len(ordered))}
	for _, t := range ordered {
		reasons := make([]string, 0, len(t.pausedBy))
		for r := range t.pausedBy {
			reasons = append(reasons, string(r))
		}
		sort.Strings(reasons)
		snap.Tasks = append(snap.Tasks, TaskInfo{
			Key:          t.key,
			Interval:     t.interval,
			RequiresAuth: t.requiresAuth,
			HealthGated:  t.healthGated,
			Paused:       t.pausedLocked(),
			PausedBy:     reasons,
			Pending:      t.timer != nil,
			Running:      t.running,
			LastRun:      t.lastRun,
		})
	}
	return snap
}
