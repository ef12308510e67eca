// Package probe turns configured HTTP endpoints into registered poll tasks
// and derives backend health from the designated health-source probe.
package probe

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pollmux/internal/config"
	"pollmux/internal/poll"
	"pollmux/internal/signalbus"
	logx "pollmux/pkg/logx"
)

const (
	defaultFailThreshold = 3
	defaultProbeTimeout  = 10 * time.Second
)

type registration struct {
	cfg      config.ProbeConfig
	teardown func()
}

type Service struct {
	log   logx.Logger
	bus   signalbus.Bus
	coord *poll.Coordinator

	client *Client

	mu      sync.Mutex
	regs    map[string]registration
	limiter *rate.Limiter

	authToken  string
	authHeader string

	// Health gating: consecutive failures of the source probe flip the
	// backend down; one success flips it back up.
	healthSource  string
	failThreshold int
	consecFails   int
	backendDown   bool
}

func New(coord *poll.Coordinator, log logx.Logger, bus signalbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:    log,
		bus:    bus,
		coord:  coord,
		client: NewClient(),
		regs:   map[string]registration{},
	}
}

// Apply registers the configured endpoints with the coordinator, tearing down
// probes that disappeared and re-registering ones whose config changed.
// Called at boot and on every config hot reload.
func (s *Service) Apply(cfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rps := cfg.Probe.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)

	s.authToken = strings.TrimSpace(cfg.Auth.Token)
	s.authHeader = strings.TrimSpace(cfg.Auth.Header)

	s.healthSource = strings.TrimSpace(cfg.Health.Source)
	s.failThreshold = cfg.Health.FailThreshold
	if s.failThreshold <= 0 {
		s.failThreshold = defaultFailThreshold
	}

	desired := map[string]config.ProbeConfig{}
	for _, ep := range cfg.Probe.Endpoints {
		desired[ep.Name] = ep
	}

	// Drop probes no longer configured.
	for name, reg := range s.regs {
		if _, ok := desired[name]; !ok {
			reg.teardown()
			delete(s.regs, name)
			s.log.Info("probe removed", logx.String("probe", name))
		}
	}

	// Register new probes and re-register changed ones.
	for _, ep := range cfg.Probe.Endpoints {
		if old, ok := s.regs[ep.Name]; ok {
			if reflect.DeepEqual(old.cfg, ep) {
				continue
			}
			old.teardown()
			delete(s.regs, ep.Name)
		}

		interval, err := config.ParseDurationField("interval", ep.Interval)
		if err != nil {
			return fmt.Errorf("probe %q: %w", ep.Name, err)
		}
		timeout, err := config.ParseDurationOrDefault("timeout", ep.Timeout, defaultProbeTimeout)
		if err != nil {
			return fmt.Errorf("probe %q: %w", ep.Name, err)
		}

		teardown, err := s.coord.Register(poll.TaskConfig{
			Key:          ep.Name,
			Interval:     interval,
			RequiresAuth: ep.RequiresAuth,
			IgnoreHealth: ep.IgnoreHealth,
			Run:          s.callbackFor(ep, timeout),
		})
		if err != nil {
			return fmt.Errorf("probe %q: %w", ep.Name, err)
		}
		s.regs[ep.Name] = registration{cfg: ep, teardown: teardown}
		s.log.Info("probe registered",
			logx.String("probe", ep.Name),
			logx.Duration("interval", interval),
			logx.Bool("requires_auth", ep.RequiresAuth),
		)
	}
	return nil
}

// Stop tears down every registration and releases the HTTP client.
func (s *Service) Stop() {
	s.mu.Lock()
	for name, reg := range s.regs {
		reg.teardown()
		delete(s.regs, name)
	}
	s.mu.Unlock()
	s.client.Close()
	s.log.Info("probe service stopped")
}

func (s *Service) callbackFor(ep config.ProbeConfig, timeout time.Duration) poll.Callback {
	name := ep.Name
	return func(ctx context.Context) error {
		s.mu.Lock()
		lim := s.limiter
		req := Request{
			Method:  ep.Method,
			URL:     ep.URL,
			Timeout: timeout,
			Headers: map[string]string{},
		}
		for k, v := range ep.Headers {
			req.Headers[k] = v
		}
		if ep.RequiresAuth && s.authToken != "" {
			if s.authHeader == "" {
				req.Headers["Authorization"] = "Bearer " + s.authToken
			} else {
				req.Headers[s.authHeader] = s.authToken
			}
		}
		s.mu.Unlock()

		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return err
			}
		}

		err := s.client.Check(ctx, req)
		s.recordResult(name, err)
		return err
	}
}

// recordResult tracks consecutive failures of the health-source probe and
// publishes backend.down / backend.up transitions.
func (s *Service) recordResult(name string, err error) {
	s.mu.Lock()
	if name != s.healthSource || s.healthSource == "" {
		s.mu.Unlock()
		return
	}

	var transition string
	if err != nil {
		s.consecFails++
		if !s.backendDown && s.consecFails >= s.failThreshold {
			s.backendDown = true
			transition = signalbus.KindBackendDown
		}
	} else {
		s.consecFails = 0
		if s.backendDown {
			s.backendDown = false
			transition = signalbus.KindBackendUp
		}
	}
	fails := s.consecFails
	s.mu.Unlock()

	if transition == "" {
		return
	}
	if transition == signalbus.KindBackendDown {
		s.log.Warn("backend declared down", logx.String("probe", name), logx.Int("consecutive_failures", fails))
	} else {
		s.log.Info("backend recovered", logx.String("probe", name))
	}
	if s.bus != nil {
		s.bus.Publish(signalbus.Signal{Kind: transition, Payload: name})
	}
}
