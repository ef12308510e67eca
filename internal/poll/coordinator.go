package poll

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pollmux/internal/signalbus"
	logx "pollmux/pkg/logx"
)

// Coordinator owns the task registry and all scheduling state. Construct with
// New, tear down with Dispose. There is no ambient instance: whoever needs it
// gets the pointer.
type Coordinator struct {
	cfg Config
	log logx.Logger
	bus signalbus.Bus // optional; nil disables signals and the focus listener

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	tasks    map[string]*task
	seq      uint64 // registration counter; drives the stagger allocator
	disposed bool

	// randFloat feeds jittered resume delays; tests stub it.
	randFloat func() float64

	focusUnsub  func()
	focusTimers map[uint64]*time.Timer
	focusSeq    uint64
}

func New(cfg Config, log logx.Logger, bus signalbus.Bus) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:         cfg.withDefaults(),
		log:         log,
		bus:         bus,
		ctx:         ctx,
		cancel:      cancel,
		tasks:       map[string]*task{},
		randFloat:   rand.Float64,
		focusTimers: map[uint64]*time.Timer{},
	}
}

// Register adds a task and arms its first cycle at the allocated stagger
// offset. The returned teardown stops the task; it is safe to call more than
// once and is a no-op if the registration has already been replaced.
//
// Invalid input is an error. A duplicate key is not: the prior registration
// is torn down and replaced, with a warning. Registration after Dispose is a
// logged no-op.
func (c *Coordinator) Register(tc TaskConfig) (func(), error) {
	noop := func() {}
	if strings.TrimSpace(tc.Key) == "" {
		return noop, errors.New("key required")
	}
	if tc.Run == nil {
		return noop, fmt.Errorf("task %q: callback required", tc.Key)
	}
	if tc.Interval <= 0 {
		return noop, fmt.Errorf("task %q: interval must be > 0, got %v", tc.Key, tc.Interval)
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		c.log.Warn("poll.register_after_dispose", logx.String("task", tc.Key))
		return noop, nil
	}
	if old := c.tasks[tc.Key]; old != nil {
		c.log.Warn("poll.replacing_registration", logx.String("task", tc.Key))
		c.removeLocked(old)
	}

	t := &task{
		key:          tc.Key,
		run:          tc.Run,
		interval:     tc.Interval,
		requiresAuth: tc.RequiresAuth,
		healthGated:  !tc.IgnoreHealth,
		order:        c.seq,
		pausedBy:     map[Reason]struct{}{},
		warnLimit:    rate.NewLimiter(rate.Every(failureWarnEvery), 1),
	}
	delay := c.staggerDelayLocked()
	c.tasks[tc.Key] = t
	c.armLocked(t, delay)
	c.mu.Unlock()

	c.log.Debug("poll.registered",
		logx.String("task", tc.Key),
		logx.Duration("interval", tc.Interval),
		logx.Duration("initial_delay", delay),
		logx.Bool("requires_auth", tc.RequiresAuth),
		logx.Bool("health_gated", t.healthGated),
	)

	return func() {
		c.mu.Lock()
		// Only remove if this exact registration is still current, so a stale
		// teardown can't kill a replacement under the same key.
		if cur := c.tasks[t.key]; cur == t {
			c.removeLocked(t)
		}
		c.mu.Unlock()
	}, nil
}

// Unregister cancels any pending cycle and removes the task. Unknown keys are
// a no-op.
func (c *Coordinator) Unregister(key string) {
	c.mu.Lock()
	t := c.tasks[key]
	if t != nil {
		c.removeLocked(t)
	}
	c.mu.Unlock()
	if t != nil {
		c.log.Debug("poll.unregistered", logx.String("task", key))
	}
}

// removeLocked cancels the pending timer (if any) and deletes the entry.
// An in-flight invocation is left to finish; its completion handler notices
// the entry is gone and does not re-arm.
func (c *Coordinator) removeLocked(t *task) {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
	delete(c.tasks, t.key)
}

// armLocked schedules the next fire of t after delay. The captured generation
// makes any previously scheduled fire stale.
func (c *Coordinator) armLocked(t *task, delay time.Duration) {
	t.gen++
	gen := t.gen
	key := t.key
	t.timer = time.AfterFunc(delay, func() { c.cycle(key, gen) })
}

// cycle is one execute, wait, re-arm step. Eligibility is re-read under the
// lock at the moment of firing and again after the callback settles; it is
// never trusted from scheduling time.
func (c *Coordinator) cycle(key string, gen uint64) {
	c.mu.Lock()
	t := c.tasks[key]
	if t == nil || t.gen != gen || c.disposed {
		c.mu.Unlock()
		return
	}
	t.timer = nil
	if t.pausedLocked() {
		// Paused between arming and firing; a resume will re-arm.
		c.mu.Unlock()
		return
	}
	if t.running {
		// An out-of-cycle (focus burst) invocation is still in flight. Skip
		// this run rather than overlap it, and try again a full interval on.
		c.armLocked(t, t.interval)
		c.mu.Unlock()
		c.log.Debug("poll.overlap_skipped", logx.String("task", key))
		return
	}
	t.running = true
	run := t.run
	c.mu.Unlock()

	err := c.invoke(key, run)

	c.mu.Lock()
	defer c.mu.Unlock()
	if cur := c.tasks[key]; cur != t {
		// Removed or replaced while running; nothing more to do.
		return
	}
	t.running = false
	t.lastRun = time.Now()
	if err != nil {
		c.warnFailureLocked(t, err)
	}
	if c.disposed || t.pausedLocked() {
		return
	}
	c.armLocked(t, t.interval)
}

// invoke runs the callback, converting panics to errors. Failures never
// propagate: the caller decides whether the task cycles again.
func (c *Coordinator) invoke(key string, run Callback) error {
	start := time.Now()
	c.log.Debug("poll.started", logx.String("task", key))
	c.publish(signalbus.KindPollStarted, Event{Key: key, Started: start})

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				c.log.Error("poll.panic",
					logx.String("task", key),
					logx.Any("panic", r),
					logx.Stack(string(debug.Stack())),
				)
			}
		}()
		err = run(c.ctx)
	}()

	dur := time.Since(start)
	if err != nil {
		c.publish(signalbus.KindPollFailed, Event{Key: key, Started: start, Duration: dur, Error: err.Error()})
		return err
	}
	c.log.Debug("poll.completed", logx.String("task", key), logx.Duration("dur", dur))
	c.publish(signalbus.KindPollCompleted, Event{Key: key, Started: start, Duration: dur})
	return nil
}

// warnFailureLocked logs a callback failure, throttling repeats of the same
// task to one warning per failureWarnEvery.
func (c *Coordinator) warnFailureLocked(t *task, err error) {
	if t.warnLimit.Allow() {
		c.log.Warn("poll.failed", logx.String("task", t.key), logx.Err(err))
		return
	}
	c.log.Debug("poll.failed", logx.String("task", t.key), logx.Err(err))
}

func (c *Coordinator) publish(kind string, ev Event) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(signalbus.Signal{Kind: kind, Payload: ev})
}

// Dispose cancels every timer and listener, empties the registry, and blocks
// further registration. Idempotent. In-flight callbacks run to completion but
// trigger no further scheduling.
func (c *Coordinator) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	n := len(c.tasks)
	for _, t := range c.tasks {
		if t.timer != nil {
			t.timer.Stop()
			t.timer = nil
		}
		t.gen++
	}
	c.tasks = map[string]*task{}
	for id, tmr := range c.focusTimers {
		tmr.Stop()
		delete(c.focusTimers, id)
	}
	unsub := c.focusUnsub
	c.focusUnsub = nil
	c.mu.Unlock()

	c.cancel()
	if unsub != nil {
		unsub()
	}
	c.log.Info("poll.disposed", logx.Int("tasks", n))
}
