package config

import (
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Engine tunes the polling coordinator. Omitted fields keep the
	// built-in defaults (1s stagger step, 5 slots, 5s max resume jitter).
	Engine EngineConfig `json:"engine,omitempty"`

	Auth   AuthConfig   `json:"auth,omitempty"`
	Health HealthConfig `json:"health,omitempty"`
	Report ReportConfig `json:"report,omitempty"`

	Probe ProbeServiceConfig `json:"probe"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"` // trace|debug|info|warn|error
	Console *bool         `json:"console,omitempty"`
	File    FileLogConfig `json:"file,omitempty"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// ConsoleEnabled defaults to true when the field is omitted.
func (l LoggingConfig) ConsoleEnabled() bool {
	return l.Console == nil || *l.Console
}

// EngineConfig knobs for the coordinator.
//
// All durations are Go duration strings (e.g. "500ms", "1s", "5s").
type EngineConfig struct {
	StaggerStep     string `json:"stagger_step,omitempty"`
	StaggerSlots    int    `json:"stagger_slots,omitempty"`
	MaxResumeJitter string `json:"max_resume_jitter,omitempty"`
}

// AuthConfig carries the credential for probes that need one.
//
// Token presence doubles as the signed-in signal: flipping it across a hot
// reload pauses or resumes auth-requiring probes.
type AuthConfig struct {
	Token string `json:"token,omitempty"`
	// Header the token is sent in. Defaults to "Authorization" with a
	// "Bearer " prefix.
	Header string `json:"header,omitempty"`
}

func (a AuthConfig) Present() bool { return strings.TrimSpace(a.Token) != "" }

// HealthConfig selects the probe whose results gate health-aware polling.
type HealthConfig struct {
	// Source names a probe endpoint. Empty disables health gating.
	Source string `json:"source,omitempty"`
	// FailThreshold is the number of consecutive failures before the
	// backend is declared down. Defaults to 3.
	FailThreshold int `json:"fail_threshold,omitempty"`
}

// ReportConfig controls the periodic status report.
type ReportConfig struct {
	Enabled bool `json:"enabled,omitempty"`
	// Schedule is a cron spec or "@every <duration>". Defaults to "@every 10m".
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"` // IANA TZ, e.g. "Europe/London"
}

type ProbeServiceConfig struct {
	// RatePerSec caps outbound probe requests across all endpoints.
	// Defaults to 5.
	RatePerSec int           `json:"rate_per_sec,omitempty"`
	Endpoints  []ProbeConfig `json:"endpoints"`
}

// ProbeConfig describes one polled HTTP endpoint.
type ProbeConfig struct {
	Name     string            `json:"name"`
	URL      string            `json:"url"`
	Method   string            `json:"method,omitempty"`  // default GET
	Timeout  string            `json:"timeout,omitempty"` // default "10s"
	Interval string            `json:"interval"`          // required, > 0
	Headers  map[string]string `json:"headers,omitempty"`

	// RequiresAuth marks the probe as credential-dependent; it is paused
	// while no auth token is configured.
	RequiresAuth bool `json:"requires_auth,omitempty"`

	// IgnoreHealth keeps the probe running while the backend is degraded.
	// The health source probe itself should set this, otherwise nothing
	// would ever observe recovery.
	IgnoreHealth bool `json:"ignore_health,omitempty"`
}

// Validate checks cross-field constraints that the strict decoder can't.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Probe.Endpoints))
	for i, p := range c.Probe.Endpoints {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return fmt.Errorf("probe.endpoints[%d]: name required", i)
		}
		if seen[name] {
			return fmt.Errorf("probe.endpoints[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
		if strings.TrimSpace(p.URL) == "" {
			return fmt.Errorf("probe.endpoints[%d] (%s): url required", i, name)
		}
		d, err := ParseDurationField(fmt.Sprintf("probe.endpoints[%d].interval", i), p.Interval)
		if err != nil {
			return err
		}
		if d <= 0 {
			return fmt.Errorf("probe.endpoints[%d] (%s): interval must be > 0", i, name)
		}
		if _, err := ParseDurationField(fmt.Sprintf("probe.endpoints[%d].timeout", i), p.Timeout); err != nil {
			return err
		}
	}

	if src := strings.TrimSpace(c.Health.Source); src != "" && !seen[src] {
		return fmt.Errorf("health.source: unknown probe %q", src)
	}
	if c.Health.FailThreshold < 0 {
		return errors.New("health.fail_threshold must be >= 0")
	}

	if _, err := ParseDurationField("engine.stagger_step", c.Engine.StaggerStep); err != nil {
		return err
	}
	if _, err := ParseDurationField("engine.max_resume_jitter", c.Engine.MaxResumeJitter); err != nil {
		return err
	}
	if c.Engine.StaggerSlots < 0 {
		return errors.New("engine.stagger_slots must be >= 0")
	}
	return nil
}
