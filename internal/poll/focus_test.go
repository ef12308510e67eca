package poll

import (
	"testing"
	"time"

	"pollmux/internal/signalbus"
	logx "pollmux/pkg/logx"
)

func newBusCoordinator(t *testing.T, cfg Config) (*Coordinator, signalbus.Bus) {
	t.Helper()
	bus := signalbus.New()
	c := New(cfg, logx.Nop(), bus)
	t.Cleanup(c.Dispose)
	return c, bus
}

func TestFocusSignalFiresEachActiveTaskOnceInOrder(t *testing.T) {
	t.Parallel()
	c, bus := newBusCoordinator(t, Config{StaggerStep: 20 * time.Millisecond})
	f := newFireLog()

	for _, key := range []string{"a", "b"} {
		if _, err := c.Register(TaskConfig{Key: key, Interval: time.Hour, Run: f.callback(key)}); err != nil {
			t.Fatalf("register %s: %v", key, err)
		}
	}
	waitFor(t, 2*time.Second, func() bool { return f.count("a") >= 1 && f.count("b") >= 1 }, "initial fires")

	c.SetupFocusListener()
	bus.Publish(signalbus.Signal{Kind: signalbus.KindFocus})

	waitFor(t, 2*time.Second, func() bool { return f.count("a") >= 2 && f.count("b") >= 2 }, "burst fires")

	// Exactly one extra invocation each, in registration order.
	time.Sleep(80 * time.Millisecond)
	if f.count("a") != 2 || f.count("b") != 2 {
		t.Fatalf("burst counts = %d/%d, want 2/2", f.count("a"), f.count("b"))
	}
	seq := f.sequence()
	if seq[len(seq)-2] != "a" || seq[len(seq)-1] != "b" {
		t.Fatalf("burst order = %v, want ...a,b", seq)
	}
}

func TestFocusSkipsPausedTasks(t *testing.T) {
	t.Parallel()
	c, bus := newBusCoordinator(t, Config{StaggerStep: time.Millisecond})
	f := newFireLog()

	for _, key := range []string{"live", "idle"} {
		if _, err := c.Register(TaskConfig{Key: key, Interval: time.Hour, Run: f.callback(key)}); err != nil {
			t.Fatalf("register %s: %v", key, err)
		}
	}
	waitFor(t, 2*time.Second, func() bool { return f.count("live") >= 1 && f.count("idle") >= 1 }, "initial fires")

	c.Pause("idle")
	c.SetupFocusListener()
	bus.Publish(signalbus.Signal{Kind: signalbus.KindFocus})

	waitFor(t, 2*time.Second, func() bool { return f.count("live") >= 2 }, "live task bursts")
	time.Sleep(60 * time.Millisecond)
	if f.count("idle") != 1 {
		t.Fatalf("paused task received a burst fire: count = %d", f.count("idle"))
	}
}

func TestFocusDoesNotDisturbPendingCycle(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t, Config{StaggerStep: time.Millisecond})
	f := newFireLog()

	if _, err := c.Register(TaskConfig{Key: "x", Interval: 200 * time.Millisecond, Run: f.callback("x")}); err != nil {
		t.Fatalf("register: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return f.count("x") >= 1 }, "first regular fire")

	c.TriggerRefresh()
	waitFor(t, 2*time.Second, func() bool { return f.count("x") >= 2 }, "burst fire")

	// The task's own cycle timer must still be armed after the burst.
	snap := c.Snapshot()
	if len(snap.Tasks) != 1 || !snap.Tasks[0].Pending {
		t.Fatal("burst fire should leave the regular cycle timer pending")
	}

	// And the regular cycle still comes around on its own.
	waitFor(t, 2*time.Second, func() bool { return f.count("x") >= 3 }, "next regular fire")
}

func TestSetupFocusListenerTwiceInstallsOne(t *testing.T) {
	t.Parallel()
	c, bus := newBusCoordinator(t, Config{StaggerStep: time.Millisecond})
	f := newFireLog()

	if _, err := c.Register(TaskConfig{Key: "x", Interval: time.Hour, Run: f.callback("x")}); err != nil {
		t.Fatalf("register: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return f.count("x") >= 1 }, "initial fire")

	c.SetupFocusListener()
	c.SetupFocusListener() // warns, no second handler

	bus.Publish(signalbus.Signal{Kind: signalbus.KindFocus})
	waitFor(t, 2*time.Second, func() bool { return f.count("x") >= 2 }, "burst fire")

	time.Sleep(60 * time.Millisecond)
	if got := f.count("x"); got != 2 {
		t.Fatalf("count = %d, want 2 (double listener would double-fire)", got)
	}
}

func TestCleanupFocusListener(t *testing.T) {
	t.Parallel()
	c, bus := newBusCoordinator(t, Config{StaggerStep: time.Millisecond})
	f := newFireLog()

	c.CleanupFocusListener() // absent: safe

	if _, err := c.Register(TaskConfig{Key: "x", Interval: time.Hour, Run: f.callback("x")}); err != nil {
		t.Fatalf("register: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return f.count("x") >= 1 }, "initial fire")

	c.SetupFocusListener()
	c.CleanupFocusListener()

	bus.Publish(signalbus.Signal{Kind: signalbus.KindFocus})
	time.Sleep(60 * time.Millisecond)
	if got := f.count("x"); got != 1 {
		t.Fatalf("count = %d, want 1 (no handler should remain)", got)
	}
}

func TestTriggerRefreshWithoutBus(t *testing.T) {
	t.Parallel()
	c := newTestCoordinator(t, Config{StaggerStep: time.Millisecond})
	f := newFireLog()

	c.SetupFocusListener() // no bus: warns, no-op

	if _, err := c.Register(TaskConfig{Key: "x", Interval: time.Hour, Run: f.callback("x")}); err != nil {
		t.Fatalf("register: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return f.count("x") >= 1 }, "initial fire")

	c.TriggerRefresh()
	waitFor(t, 2*time.Second, func() bool { return f.count("x") >= 2 }, "direct refresh fires")
}
