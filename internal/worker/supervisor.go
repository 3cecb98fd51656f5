package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/js-owl/maas-back/pkg/infra"
	"github.com/js-owl/maas-back/pkg/metrics"
)

// a run longer than this counts as healthy and resets the restart backoff
const stableRun = time.Minute

// Status is the supervisor's view of the loop it runs
type Status struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	Restarts  int       `json:"restarts"`
	LastError string    `json:"last_error,omitempty"`
	LastTick  time.Time `json:"last_tick,omitzero"`
}

// Supervisor keeps a long-running loop alive: a panic or an unexpected
// return is logged and the loop is started again after a backoff
type Supervisor struct {
	name      string
	run       func(ctx context.Context) error
	heartbeat func() time.Time
	backoff   *infra.Backoff
	logger    *slog.Logger

	mu       sync.Mutex
	running  bool
	restarts int
	lastErr  string
}

// NewSupervisor wraps run. heartbeat, when not nil, reports the loop's last progress
func NewSupervisor(name string, run func(ctx context.Context) error, heartbeat func() time.Time, backoff *infra.Backoff, logger *slog.Logger) *Supervisor {
	if backoff == nil {
		backoff = infra.NewBackoff(time.Second, time.Minute, 2.0)
	}
	return &Supervisor{
		name:      name,
		run:       run,
		heartbeat: heartbeat,
		backoff:   backoff,
		logger:    logger.With("component", "supervisor", "loop", name),
	}
}

// Run blocks until ctx is cancelled
func (s *Supervisor) Run(ctx context.Context) {
	for {
		start := time.Now()
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			s.logger.Info("Supervised loop stopped")
			return
		}
		if err == nil {
			err = errors.New("loop returned without being cancelled")
		}

		s.mu.Lock()
		s.restarts++
		s.lastErr = err.Error()
		s.mu.Unlock()
		metrics.WorkerRestarts.Inc()

		if time.Since(start) > stableRun {
			s.backoff.Reset()
		}
		wait := s.backoff.Next()
		s.logger.Error("Supervised loop crashed, restarting", "error", err, "wait_duration", wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context) (err error) {
	s.setRunning(true)
	defer s.setRunning(false)

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return s.run(ctx)
}

func (s *Supervisor) setRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.mu.Unlock()
	if v {
		metrics.WorkerRunning.Set(1)
	} else {
		metrics.WorkerRunning.Set(0)
	}
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{
		Name:      s.name,
		Running:   s.running,
		Restarts:  s.restarts,
		LastError: s.lastErr,
	}
	s.mu.Unlock()
	if s.heartbeat != nil {
		st.LastTick = s.heartbeat()
	}
	return st
}

// Alive reports whether the loop runs and made progress within maxIdle
func (s *Supervisor) Alive(maxIdle time.Duration) bool {
	st := s.Status()
	if !st.Running {
		return false
	}
	if s.heartbeat == nil || st.LastTick.IsZero() {
		return true
	}
	return time.Since(st.LastTick) <= maxIdle
}
