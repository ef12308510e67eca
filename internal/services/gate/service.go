// Package gate bridges external state signals onto the coordinator's
// category pause/resume surface: sign-out pauses credential-dependent polls,
// a backend outage pauses health-gated polls, and recovery resumes them with
// jitter so they don't all revive at once.
package gate

import (
	"context"
	"sync"

	"pollmux/internal/poll"
	"pollmux/internal/signalbus"
	logx "pollmux/pkg/logx"
)

type Service struct {
	log   logx.Logger
	bus   signalbus.Bus
	coord *poll.Coordinator

	mu    sync.Mutex
	unsub func()
	done  chan struct{}
}

func New(coord *poll.Coordinator, log logx.Logger, bus signalbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log, bus: bus, coord: coord}
}

// Start subscribes to the bus and reacts until Stop or context cancellation.
// Idempotent while running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsub != nil {
		return
	}
	ch, unsub := s.bus.Subscribe(16)
	s.unsub = unsub
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-ch:
				if !ok {
					return
				}
				s.handle(sig)
			}
		}
	}(s.done)
	s.log.Debug("gate started")
}

// Stop unsubscribes and waits for the reaction loop to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	unsub := s.unsub
	done := s.done
	s.unsub = nil
	s.done = nil
	s.mu.Unlock()
	if unsub == nil {
		return
	}
	unsub()
	<-done
	s.log.Debug("gate stopped")
}

func (s *Service) handle(sig signalbus.Signal) {
	switch sig.Kind {
	case signalbus.KindSignOut:
		s.log.Info("signed out; pausing credential-dependent polls")
		s.coord.PauseAuthenticated()
	case signalbus.KindSignIn:
		s.log.Info("signed in; resuming credential-dependent polls")
		s.coord.ResumeAuthenticated()
	case signalbus.KindBackendDown:
		s.log.Warn("backend down; pausing health-gated polls", logx.Any("source", sig.Payload))
		s.coord.PauseHealthGated()
	case signalbus.KindBackendUp:
		s.log.Info("backend up; resuming health-gated polls with jitter")
		s.coord.ResumeHealthGated(true)
	}
}
