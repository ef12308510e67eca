package poll

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "pollmux/pkg/logx"
)

// Tests run the real timer path with shrunken steps and intervals. Positive
// assertions wait with a deadline; negative assertions sleep past a generous
// margin.

func newTestCoordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	c := New(cfg, logx.Nop(), nil)
	t.Cleanup(c.Dispose)
	return c
}

func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", d, msg)
}

// fireLog records invocation order and per-key counts.
type fireLog struct {
	mu     sync.Mutex
	order  []string
	counts map[string]int
	starts map[string][]time.Time
}

func newFireLog() *fireLog {
	return &fireLog{counts: map[string]int{}, starts: map[string][]time.Time{}}
}

func (f *fireLog) callback(key string) Callback {
	return func(ctx context.Context) error {
		f.mu.Lock()
		f.order = append(f.order, key)
		f.counts[key]++
		f.starts[key] = append(f.starts[key], time.Now())
		f.mu.Unlock()
		return nil
	}
}

func (f *fireLog) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[key]
}

func (f *fireLog) sequence() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func (f *fireLog) startTimes(key string) []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.starts[key]...)
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t, Config{})

	if _, err := c.Register(TaskConfig{Key: "", Interval: time.Second, Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatal("expected error for empty key")
	}
	if _, err := c.Register(TaskConfig{Key: "x", Interval: time.Second}); err == nil {
		t.Fatal("expected error for nil callback")
	}
	if _, err := c.Register(TaskConfig{Key: "x", Interval: 0, Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatal("expected error for zero interval")
	}
	if got := len(c.Keys()); got != 0 {
		t.Fatalf("keys = %d, want 0 after rejected registrations", got)
	}
}

func TestInitialStaggerOrdering(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t, Config{StaggerStep: 30 * time.Millisecond})
	f := newFireLog()

	for _, key := range []string{"a", "b", "c"} {
		if _, err := c.Register(TaskConfig{Key: key, Interval: time.Hour, Run: f.callback(key)}); err != nil {
			t.Fatalf("register %s: %v", key, err)
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		return f.count("a") >= 1 && f.count("b") >= 1 && f.count("c") >= 1
	}, "all three initial fires")

	seq := f.sequence()[:3]
	want := []string{"a", "b", "c"}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("initial fire order = %v, want %v", seq, want)
		}
	}
}

func TestFixedDelaySpacing(t *testing.T) {
	t.Parallel()
	const interval = 50 * time.Millisecond
	c := newTestCoordinator(t, Config{StaggerStep: time.Millisecond})
	f := newFireLog()

	if _, err := c.Register(TaskConfig{Key: "tick", Interval: interval, Run: f.callback("tick")}); err != nil {
		t.Fatalf("register: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return f.count("tick") >= 3 }, "three cycles")

	starts := f.startTimes("tick")
	for i := 1; i < 3; i++ {
		if gap := starts[i].Sub(starts[i-1]); gap < interval {
			t.Fatalf("cycle %d started %v after previous, want >= %v (fixed delay)", i, gap, interval)
		}
	}
}

func TestCallbackFailureIsIsolated(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t, Config{StaggerStep: time.Millisecond})
	f := newFireLog()

	var mu sync.Mutex
	badRuns := 0
	bad := func(ctx context.Context) error {
		mu.Lock()
		badRuns++
		mu.Unlock()
		return errors.New("backend said no")
	}

	if _, err := c.Register(TaskConfig{Key: "bad", Interval: 20 * time.Millisecond, Run: bad}); err != nil {
		t.Fatalf("register bad: %v", err)
	}
	if _, err := c.Register(TaskConfig{Key: "good", Interval: 20 * time.Millisecond, Run: f.callback("good")}); err != nil {
		t.Fatalf("register good: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		b := badRuns
		mu.Unlock()
		return b >= 3 && f.count("good") >= 3
	}, "failing task keeps cycling and healthy task is unaffected")
}

func TestCallbackPanicIsRecovered(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t, Config{StaggerStep: time.Millisecond})

	var mu sync.Mutex
	runs := 0
	if _, err := c.Register(TaskConfig{Key: "boom", Interval: 15 * time.Millisecond, Run: func(ctx context.Context) error {
		mu.Lock()
		runs++
		mu.Unlock()
		panic("kaboom")
	}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs >= 2
	}, "panicking task cycles again")
}

func TestTeardownStopsTask(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t, Config{StaggerStep: time.Millisecond})
	f := newFireLog()

	teardown, err := c.Register(TaskConfig{Key: "x", Interval: 15 * time.Millisecond, Run: f.callback("x")})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return f.count("x") >= 1 }, "first fire")

	teardown()
	teardown() // second call must be harmless

	if got := len(c.Keys()); got != 0 {
		t.Fatalf("keys = %v, want empty after teardown", c.Keys())
	}
	n := f.count("x")
	time.Sleep(100 * time.Millisecond)
	if f.count("x") != n {
		t.Fatalf("task fired after teardown: %d -> %d", n, f.count("x"))
	}
}

func TestReplaceOnDuplicateKey(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t, Config{StaggerStep: time.Millisecond})
	f := newFireLog()

	oldTeardown, err := c.Register(TaskConfig{Key: "dup", Interval: 15 * time.Millisecond, Run: f.callback("old")})
	if err != nil {
		t.Fatalf("register old: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return f.count("old") >= 1 }, "old registration fires")

	if _, err := c.Register(TaskConfig{Key: "dup", Interval: 15 * time.Millisecond, Run: f.callback("new")}); err != nil {
		t.Fatalf("register replacement: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return f.count("new") >= 1 }, "replacement fires")

	oldCount := f.count("old")
	time.Sleep(100 * time.Millisecond)
	if f.count("old") != oldCount {
		t.Fatal("replaced registration kept firing")
	}

	// A stale teardown from the replaced registration must not remove the
	// replacement.
	oldTeardown()
	if got := len(c.Keys()); got != 1 {
		t.Fatalf("keys = %v, want the replacement to survive a stale teardown", c.Keys())
	}
}

func TestUnknownKeyOperationsAreNoops(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t, Config{})

	c.Unregister("ghost")
	c.Pause("ghost")
	c.Resume("ghost", true)

	if _, ok := c.Status("ghost"); ok {
		t.Fatal("Status should report unknown key")
	}
}

func TestStatusReportsLastRun(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t, Config{StaggerStep: time.Millisecond})
	f := newFireLog()

	if _, err := c.Register(TaskConfig{Key: "x", Interval: time.Hour, Run: f.callback("x")}); err != nil {
		t.Fatalf("register: %v", err)
	}

	st, ok := c.Status("x")
	if !ok {
		t.Fatal("registered key should have status")
	}
	if !st.LastRun.IsZero() {
		t.Fatal("LastRun should be zero before the first completion")
	}

	waitFor(t, 2*time.Second, func() bool {
		st, _ := c.Status("x")
		return !st.LastRun.IsZero()
	}, "LastRun recorded after first completion")
}

func TestDisposeIsTerminalAndIdempotent(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t, Config{StaggerStep: time.Millisecond})
	f := newFireLog()

	if _, err := c.Register(TaskConfig{Key: "x", Interval: 10 * time.Millisecond, Run: f.callback("x")}); err != nil {
		t.Fatalf("register: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return f.count("x") >= 1 }, "first fire")

	c.Dispose()
	c.Dispose()

	if got := len(c.Keys()); got != 0 {
		t.Fatalf("keys = %v, want empty after dispose", c.Keys())
	}

	teardown, err := c.Register(TaskConfig{Key: "late", Interval: 10 * time.Millisecond, Run: f.callback("late")})
	if err != nil {
		t.Fatalf("register after dispose should be a non-error no-op, got %v", err)
	}
	teardown()

	// Every mutation surface must stay safe after disposal.
	c.Pause("x")
	c.Resume("x", true)
	c.PauseAll()
	c.ResumeAll(false)
	c.TriggerRefresh()
	c.SetupFocusListener()
	c.CleanupFocusListener()

	n := f.count("x")
	time.Sleep(80 * time.Millisecond)
	if f.count("x") != n || f.count("late") != 0 {
		t.Fatal("tasks fired after dispose")
	}
	if got := len(c.Keys()); got != 0 {
		t.Fatalf("keys = %v, want empty", c.Keys())
	}
}

func TestSnapshotOrdering(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t, Config{StaggerStep: time.Millisecond})
	f := newFireLog()

	for _, key := range []string{"zeta", "alpha", "mid"} {
		if _, err := c.Register(TaskConfig{Key: key, Interval: time.Hour, Run: f.callback(key)}); err != nil {
			t.Fatalf("register %s: %v", key, err)
		}
	}

	snap := c.Snapshot()
	if len(snap.Tasks) != 3 {
		t.Fatalf("snapshot tasks = %d, want 3", len(snap.Tasks))
	}
	want := []string{"zeta", "alpha", "mid"} // registration order, not lexical
	for i, ti := range snap.Tasks {
		if ti.Key != want[i] {
			t.Fatalf("snapshot order = %v at %d, want %v", ti.Key, i, want[i])
		}
	}
}
