package poll

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Callback is one unit of periodic work. It may block; the coordinator runs
// it off the timer goroutine and never starts the next cycle of the same task
// until it returns. The context is cancelled when the coordinator is disposed.
type Callback func(ctx context.Context) error

// TaskConfig is immutable once registered.
type TaskConfig struct {
	// Key uniquely identifies the task. Registering an existing key replaces
	// the prior registration (a warning is logged).
	Key string

	// Interval between the completion of one invocation and the start of the
	// next. Must be > 0.
	Interval time.Duration

	Run Callback

	// RequiresAuth marks the task as credential-dependent; it is paused by
	// PauseAuthenticated.
	RequiresAuth bool

	// IgnoreHealth opts the task out of health gating: PauseHealthGated
	// leaves it running. Health gating is on by default.
	IgnoreHealth bool
}

// Config tunes the coordinator. Zero values take the defaults below.
type Config struct {
	// StaggerStep spaces both initial executions and focus-burst fires.
	StaggerStep time.Duration
	// StaggerSlots is the number of distinct initial-delay slots; the
	// allocator cycles through them, so it bounds simultaneous starts
	// rather than excluding collisions outright.
	StaggerSlots int
	// MaxResumeJitter bounds the random delay applied by jittered resumes.
	MaxResumeJitter time.Duration
}

const (
	DefaultStaggerStep     = time.Second
	DefaultStaggerSlots    = 5
	DefaultMaxResumeJitter = 5 * time.Second

	// Repeated failures of the same task warn at most this often; the rest
	// are logged at debug.
	failureWarnEvery = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.StaggerStep <= 0 {
		c.StaggerStep = DefaultStaggerStep
	}
	if c.StaggerSlots <= 0 {
		c.StaggerSlots = DefaultStaggerSlots
	}
	if c.MaxResumeJitter <= 0 {
		c.MaxResumeJitter = DefaultMaxResumeJitter
	}
	return c
}

// Reason identifies who is holding a task paused. A task runs only while its
// reason set is empty.
type Reason string

const (
	ReasonManual Reason = "manual"
	ReasonAuth   Reason = "auth"
	ReasonHealth Reason = "health"
)

// Event is the payload carried on poll.* signals.
type Event struct {
	Key      string
	Started  time.Time
	Duration time.Duration
	Error    string
}

// task is the registry entry. All fields are guarded by Coordinator.mu except
// the immutable configuration copied in at registration.
type task struct {
	key          string
	run          Callback
	interval     time.Duration
	requiresAuth bool
	healthGated  bool

	// order preserves registration order for focus bursts; it comes from the
	// same counter the stagger allocator advances.
	order uint64

	pausedBy map[Reason]struct{}
	timer    *time.Timer
	// gen invalidates timer callbacks that fired before a cancel could stop
	// them: a fire whose captured gen no longer matches is stale and exits.
	gen     uint64
	running bool
	lastRun time.Time // zero until the first completion

	warnLimit *rate.Limiter
}

func (t *task) pausedLocked() bool { return len(t.pausedBy) > 0 }
