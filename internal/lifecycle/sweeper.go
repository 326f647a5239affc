package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/clock"
)

// Sweeper periodically runs ExpireStale. It is only started when an
// offline threshold is configured.
type Sweeper struct {
	machine    *Machine
	clock      clock.Clock
	interval   time.Duration
	maxSilence time.Duration

	mu      sync.Mutex
	timer   *clock.Timer
	stopped bool
}

// NewSweeper creates a sweeper that checks every interval for agents silent
// longer than maxSilence.
func NewSweeper(m *Machine, c clock.Clock, interval, maxSilence time.Duration) *Sweeper {
	if interval <= 0 {
		interval = maxSilence / 2
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{machine: m, clock: c, interval: interval, maxSilence: maxSilence}
}

// Start schedules the first sweep.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = false
	s.timer = s.clock.AfterFunc(s.interval, s.tick)
}

// Stop cancels the pending sweep. A sweep already running finishes.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Sweeper) tick() {
	if _, err := s.machine.ExpireStale(context.Background(), s.maxSilence); err != nil {
		s.machine.logger.Error("liveness sweep failed", "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.timer = s.clock.AfterFunc(s.interval, s.tick)
	}
}
