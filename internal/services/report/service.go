// Package report logs a periodic operational summary of the coordinator on a
// cron schedule, so long-running deployments leave a trail of poll health in
// the logs without anyone asking.
package report

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pollmux/internal/config"
	"pollmux/internal/poll"
	logx "pollmux/pkg/logx"
)

const defaultSchedule = "@every 10m"

type Service struct {
	mu sync.Mutex

	log   logx.Logger
	coord *poll.Coordinator
	cfg   config.ReportConfig

	parser cron.Parser
	loc    *time.Location
	c      *cron.Cron
}

func New(coord *poll.Coordinator, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:   log,
		coord: coord,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Apply swaps in a new schedule/timezone, restarting the cron runner if it is
// already live.
func (s *Service) Apply(cfg config.ReportConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if s.c != nil {
		s.restartLocked()
	}
}

func (s *Service) Start(ctx context.Context) {
	_ = ctx // reserved for future drain/stop policies

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Debug("report disabled")
		return
	}
	s.restartLocked()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	s.log.Info("report stopped")
}

// restartLocked (re)builds the cron runner from the current config.
// Call with s.mu held.
func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
	if !s.cfg.Enabled {
		return
	}

	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))

	spec := strings.TrimSpace(s.cfg.Schedule)
	if spec == "" {
		spec = defaultSchedule
	}
	if _, err := s.c.AddFunc(spec, s.emit); err != nil {
		s.log.Error("report schedule invalid; falling back",
			logx.String("spec", spec), logx.Err(err))
		_, _ = s.c.AddFunc(defaultSchedule, s.emit)
		spec = defaultSchedule
	}
	s.c.Start()
	s.log.Info("report started", logx.String("spec", spec), logx.String("tz", s.loc.String()))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// emit logs one status summary. Per-task detail goes to debug so the info
// line stays greppable.
func (s *Service) emit() {
	snap := s.coord.Snapshot()

	paused, running, neverRan := 0, 0, 0
	var oldest time.Duration
	for _, t := range snap.Tasks {
		if t.Paused {
			paused++
		}
		if t.Running {
			running++
		}
		if t.LastRun.IsZero() {
			neverRan++
			continue
		}
		if age := time.Since(t.LastRun); age > oldest {
			oldest = age
		}
	}

	s.log.Info("poll status report",
		logx.Int("tasks", len(snap.Tasks)),
		logx.Int("paused", paused),
		logx.Int("running", running),
		logx.Int("never_ran", neverRan),
		logx.Duration("oldest_result", oldest),
	)

	if !s.log.Enabled(logx.LevelDebug) {
		return
	}
	for _, t := range snap.Tasks {
		s.log.Debug("poll status",
			logx.String("task", t.Key),
			logx.Bool("paused", t.Paused),
			logx.Any("paused_by", t.PausedBy),
			logx.Time("last_run", t.LastRun),
			logx.Duration("interval", t.Interval),
		)
	}
}
