// Package scheduler drives the ETL pipeline through one cycle per fixed
// period until its context is cancelled.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smukkama/weather-warehouse/internal/logger"
	"github.com/smukkama/weather-warehouse/internal/metrics"
	"github.com/smukkama/weather-warehouse/internal/notification"
	"github.com/smukkama/weather-warehouse/internal/pipeline"
)

// State is the scheduler's position in the cycle state machine.
type State string

const (
	Idle         State = "IDLE"
	Extracting   State = "EXTRACTING"
	Transforming State = "TRANSFORMING"
	Loading      State = "LOADING"
	Sleeping     State = "SLEEPING"
	Aborting     State = "ABORTING"
)

// States lists every state, for metric registration.
var States = []State{Idle, Extracting, Transforming, Loading, Sleeping, Aborting}

// ErrCycleTimeout is returned when a cycle runs past its soft bound.
var ErrCycleTimeout = errors.New("cycle timed out")

// Cycle outcomes reported to the metrics recorder.
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeTimeout = "timeout"
)

// Cycle is one pass through the pipeline stages.
type Cycle interface {
	ID() string
	Extract(ctx context.Context) error
	Transform(ctx context.Context) error
	Load(ctx context.Context) error
	Summary() pipeline.Summary
}

// Notifier is told when cycles keep failing and when they recover.
type Notifier interface {
	CyclesFailing(alert notification.Alert) error
	CyclesRecovered(alert notification.Alert) error
}

// Options configures a Scheduler.
type Options struct {
	// Period is the time between the starts of two consecutive cycles.
	Period time.Duration
	// Timeout is the soft bound of one cycle. Zero disables it.
	Timeout time.Duration
	// MaxBackoff caps the period growth after consecutive failures.
	MaxBackoff time.Duration
	// AlertAfter is the number of consecutive failures that triggers the
	// notifier. Zero disables notification.
	AlertAfter int

	Recorder metrics.Recorder
	Notifier Notifier
	// OnTransition is called after every state change.
	OnTransition func(from, to State)
}

// Scheduler runs cycles on a fixed period.
type Scheduler struct {
	newCycle func() Cycle
	opts     Options

	mu    sync.Mutex
	state State

	failures     int
	firstFailure time.Time
	alerted      bool

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a scheduler that starts each cycle with newCycle.
func New(newCycle func() Cycle, opts Options) *Scheduler {
	if opts.Period <= 0 {
		opts.Period = time.Minute
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.Noop{}
	}
	return &Scheduler{
		newCycle: newCycle,
		opts:     opts,
		state:    Idle,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Failures returns the number of consecutive failed cycles.
func (s *Scheduler) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Run executes cycles until ctx is cancelled. A failed cycle never stops
// the loop; it only stretches the wait before the next one.
func (s *Scheduler) Run(ctx context.Context) error {
	s.transition(Idle)
	logger.Infof("ETL scheduler started (period=%s, timeout=%s)", s.opts.Period, s.opts.Timeout)

	for {
		start := s.now()
		_, err := s.RunOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := s.delay(start)
		s.transition(Sleeping)
		if err != nil {
			logger.Infof("next cycle in %s after %d consecutive failures", wait, s.Failures())
		} else {
			logger.Debugf("next cycle in %s", wait)
		}
		if err := s.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// RunOnce runs a single cycle and updates the failure streak.
func (s *Scheduler) RunOnce(ctx context.Context) (pipeline.Summary, error) {
	cycleCtx := ctx
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		cycleCtx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	start := s.now()
	c := s.newCycle()
	err := s.runStages(cycleCtx, c)
	summary := c.Summary()
	elapsed := s.now().Sub(start)

	if ctx.Err() != nil {
		return summary, ctx.Err()
	}

	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeFailed
		if errors.Is(cycleCtx.Err(), context.DeadlineExceeded) {
			outcome = OutcomeTimeout
			err = fmt.Errorf("%w after %s: %w", ErrCycleTimeout, s.opts.Timeout, err)
		}
		s.transition(Aborting)
		logger.Errorf("cycle=%s aborted: %v", c.ID(), err)
		s.recordFailure(c.ID(), err)
	} else {
		s.recordSuccess(c.ID())
	}

	s.opts.Recorder.RecordCycle(outcome, elapsed, summary.Stats())
	return summary, err
}

func (s *Scheduler) runStages(ctx context.Context, c Cycle) error {
	stages := []struct {
		state State
		run   func(context.Context) error
	}{
		{Extracting, c.Extract},
		{Transforming, c.Transform},
		{Loading, c.Load},
	}

	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.transition(stage.state)
		if err := stage.run(ctx); err != nil {
			return fmt.Errorf("%s: %w", stage.state, err)
		}
	}
	return nil
}

// delay returns how long to sleep so that the next cycle starts one
// interval after start. An overrun starts the next cycle immediately.
func (s *Scheduler) delay(start time.Time) time.Duration {
	wait := s.interval() - s.now().Sub(start)
	if wait < 0 {
		return 0
	}
	return wait
}

// interval is the period doubled for each consecutive failure after the
// first, capped at MaxBackoff.
func (s *Scheduler) interval() time.Duration {
	failures := s.Failures()
	d := s.opts.Period
	for i := 1; i < failures; i++ {
		d *= 2
		if s.opts.MaxBackoff > 0 && d >= s.opts.MaxBackoff {
			return s.opts.MaxBackoff
		}
	}
	return d
}

func (s *Scheduler) recordFailure(cycleID string, err error) {
	s.mu.Lock()
	s.failures++
	if s.failures == 1 {
		s.firstFailure = s.now()
	}
	alert := notification.Alert{
		Failures:     s.failures,
		CycleID:      cycleID,
		LastError:    err.Error(),
		FirstFailure: s.firstFailure,
		At:           s.now(),
	}
	notify := s.opts.Notifier != nil && s.opts.AlertAfter > 0 && s.failures == s.opts.AlertAfter
	if notify {
		s.alerted = true
	}
	s.mu.Unlock()

	if notify {
		if err := s.opts.Notifier.CyclesFailing(alert); err != nil {
			logger.Warnf("failed to send failure notification: %v", err)
		}
	}
}

func (s *Scheduler) recordSuccess(cycleID string) {
	s.mu.Lock()
	alert := notification.Alert{
		Failures:     s.failures,
		CycleID:      cycleID,
		FirstFailure: s.firstFailure,
		At:           s.now(),
	}
	recovered := s.alerted
	s.failures = 0
	s.firstFailure = time.Time{}
	s.alerted = false
	s.mu.Unlock()

	if recovered {
		if err := s.opts.Notifier.CyclesRecovered(alert); err != nil {
			logger.Warnf("failed to send recovery notification: %v", err)
		}
	}
}

func (s *Scheduler) transition(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()

	s.opts.Recorder.RecordState(string(to))
	if s.opts.OnTransition != nil {
		s.opts.OnTransition(from, to)
	}
	logger.Debugf("scheduler %s -> %s", from, to)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
