package probe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"pollmux/internal/config"
	"pollmux/internal/poll"
	"pollmux/internal/signalbus"
	logx "pollmux/pkg/logx"
)

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

func TestClientCheckClassifiesStatus(t *testing.T) {
	t.Parallel()
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer okSrv.Close()
	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer badSrv.Close()

	c := NewClient()
	defer c.Close()

	if err := c.Check(context.Background(), Request{URL: okSrv.URL, Timeout: time.Second}); err != nil {
		t.Fatalf("healthy endpoint: %v", err)
	}
	if err := c.Check(context.Background(), Request{URL: badSrv.URL, Timeout: time.Second}); err == nil {
		t.Fatal("expected error for 500 response")
	}
	if err := c.Check(context.Background(), Request{URL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond}); err == nil {
		t.Fatal("expected error for unreachable endpoint")
	}
}

func TestHealthTransitionsPublishOnce(t *testing.T) {
	t.Parallel()
	bus := signalbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	coord := poll.New(poll.Config{}, logx.Nop(), nil)
	defer coord.Dispose()
	s := New(coord, logx.Nop(), bus)
	s.healthSource = "hc"
	s.failThreshold = 2

	fail := errors.New("boom")
	s.recordResult("other", fail) // non-source probes never gate health
	s.recordResult("hc", fail)
	s.recordResult("hc", fail) // threshold reached
	s.recordResult("hc", fail) // already down; no second signal

	select {
	case sig := <-ch:
		if sig.Kind != signalbus.KindBackendDown {
			t.Fatalf("kind = %q, want backend.down", sig.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no backend.down signal")
	}
	if got := len(ch); got != 0 {
		t.Fatalf("extra signals queued: %d", got)
	}

	s.recordResult("hc", nil)
	select {
	case sig := <-ch:
		if sig.Kind != signalbus.KindBackendUp {
			t.Fatalf("kind = %q, want backend.up", sig.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no backend.up signal")
	}
}

func TestApplyRegistersAndRemovesProbes(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	coord := poll.New(poll.Config{StaggerStep: time.Millisecond}, logx.Nop(), nil)
	defer coord.Dispose()
	s := New(coord, logx.Nop(), nil)
	defer s.Stop()

	cfg := &config.Config{}
	cfg.Probe.Endpoints = []config.ProbeConfig{
		{Name: "a", URL: srv.URL, Interval: "50ms"},
		{Name: "b", URL: srv.URL, Interval: "50ms"},
	}
	if err := s.Apply(cfg); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := len(coord.Keys()); got != 2 {
		t.Fatalf("keys = %v, want 2 probes", coord.Keys())
	}

	cfg2 := &config.Config{}
	cfg2.Probe.Endpoints = []config.ProbeConfig{
		{Name: "b", URL: srv.URL, Interval: "50ms"},
	}
	if err := s.Apply(cfg2); err != nil {
		t.Fatalf("Apply removal: %v", err)
	}
	keys := coord.Keys()
	if len(keys) != 1 || keys[0] != "b" {
		t.Fatalf("keys = %v, want [b]", keys)
	}
}

func TestAuthHeaderAttached(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = r.Header.Get("Authorization")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	coord := poll.New(poll.Config{StaggerStep: time.Millisecond}, logx.Nop(), nil)
	defer coord.Dispose()
	s := New(coord, logx.Nop(), nil)
	defer s.Stop()

	cfg := &config.Config{}
	cfg.Auth.Token = "tok123"
	cfg.Probe.Endpoints = []config.ProbeConfig{
		{Name: "secure", URL: srv.URL, Interval: "20ms", RequiresAuth: true},
	}
	if err := s.Apply(cfg); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got == "Bearer tok123"
	}, "auth header on probe request")
}
