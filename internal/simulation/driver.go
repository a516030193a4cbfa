package simulation

// ============================================================================
// Tick Driver
// Responsibility:
// 1. Run Session.Tick on a background goroutine at tick_interval / speed
// 2. Pause and resume at tick boundaries without touching state
// 3. Stop promptly: no tick executes after Stop returns
// 4. Write the session report and flush the trace on stop
// ============================================================================

import (
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/ChuLiYu/procsim/internal/eventlog"
	"github.com/ChuLiYu/procsim/pkg/types"
)

var log = slog.Default()

var (
	ErrAlreadyRunning = errors.New("driver already running")
	ErrNotRunning     = errors.New("driver not running")
)

// Start launches the tick loop. The driver can be restarted after Stop;
// session state carries over.
func (s *Session) Start() error {
	s.dmu.Lock()
	defer s.dmu.Unlock()

	if s.running.Load() {
		return ErrAlreadyRunning
	}
	s.stopCh = make(chan struct{})
	s.paused.Store(false)
	s.running.Store(true)

	s.loopWg.Add(1)
	go s.tickLoop(s.stopCh)

	log.Info("Driver started", "session", s.id, "interval", s.interval(), "speed", s.Speed())
	s.events.Record(source, eventlog.Info, "driver started (speed %.1fx)", s.Speed())
	return nil
}

// tickLoop waits interval() between ticks. The interval is recomputed
// every iteration so speed changes apply from the next tick.
func (s *Session) tickLoop(stopCh <-chan struct{}) {
	defer s.loopWg.Done()
	timer := time.NewTimer(s.interval())
	defer timer.Stop()

	for {
		select {
		case <-stopCh:
			log.Debug("Tick loop stopped", "session", s.id)
			return

		case <-timer.C:
			// a stop may have raced the timer
			select {
			case <-stopCh:
				return
			default:
			}
			s.tickUnlessPaused()
			timer.Reset(s.interval())
		}
	}
}

// tickUnlessPaused reads the pause flag under s.mu, the lock Pause takes to
// set it, so a tick in progress finishes before Pause returns and none
// starts afterwards.
func (s *Session) tickUnlessPaused() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused.Load() {
		s.tickLocked()
	}
}

// Pause suspends tick execution. No tick runs after Pause returns.
func (s *Session) Pause() error {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if !s.running.Load() {
		return ErrNotRunning
	}
	s.mu.Lock()
	was := s.paused.Swap(true)
	s.mu.Unlock()
	if !was {
		s.events.Record(source, eventlog.Info, "driver paused")
	}
	return nil
}

// Resume continues a paused driver.
func (s *Session) Resume() error {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if !s.running.Load() {
		return ErrNotRunning
	}
	if s.paused.Swap(false) {
		s.events.Record(source, eventlog.Info, "driver resumed")
	}
	return nil
}

// Stop ends the tick loop and waits for it to exit, then writes the report
// (when report.path is set) and flushes the trace journal. A report write
// failure is returned after the driver has already stopped.
func (s *Session) Stop() error {
	s.dmu.Lock()
	defer s.dmu.Unlock()

	if !s.running.Load() {
		return ErrNotRunning
	}
	close(s.stopCh)
	s.loopWg.Wait()
	s.running.Store(false)
	s.paused.Store(false)

	s.events.Record(source, eventlog.Info, "driver stopped after %d ticks", s.ticks.Load())
	log.Info("Driver stopped", "session", s.id, "ticks", s.ticks.Load())

	var err error
	if s.reports != nil {
		if err = s.SaveReport(); err != nil {
			log.Error("Failed to write session report", "path", s.reports.Path(), "error", err)
		} else {
			log.Info("Session report written", "path", s.reports.Path())
		}
	}
	if s.journal != nil {
		if ferr := s.journal.Flush(); ferr != nil {
			log.Error("Failed to flush trace journal", "error", ferr)
		}
	}
	return err
}

// SetSpeed sets the pacing multiplier, clamped to [min_speed, max_speed],
// and returns the value applied. Simulated time is unaffected.
func (s *Session) SetSpeed(speed float64) float64 {
	applied := s.cfg.ClampSpeed(speed)
	s.speed.Store(math.Float64bits(applied))
	s.events.Record(source, eventlog.Info, "speed set to %.1fx", applied)
	return applied
}

// Speed returns the pacing multiplier.
func (s *Session) Speed() float64 {
	return math.Float64frombits(s.speed.Load())
}

func (s *Session) interval() time.Duration {
	return time.Duration(float64(s.cfg.Simulation.TickInterval) / s.Speed())
}

// Running reports whether the driver loop is active.
func (s *Session) Running() bool { return s.running.Load() }

// Paused reports whether the driver is paused.
func (s *Session) Paused() bool { return s.paused.Load() }

// Status describes the driver. It never takes the session lock.
func (s *Session) Status() types.DriverStatus {
	return types.DriverStatus{
		SessionID: s.id,
		Running:   s.running.Load(),
		Paused:    s.paused.Load(),
		Speed:     s.Speed(),
		Ticks:     s.ticks.Load(),
	}
}
