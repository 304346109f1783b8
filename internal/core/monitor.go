package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SimplyPrint/pcsc-agent/internal/logging"
)

// MonitorState is the lifecycle of a presence monitor.
type MonitorState int32

const (
	MonitorIdle MonitorState = iota
	MonitorRunning
	MonitorCancelled       // Cancel was called or the context ended
	MonitorStopped         // the callback asked to stop
	MonitorTransportFailed // the transport or the callback failed
)

func (m MonitorState) String() string {
	switch m {
	case MonitorIdle:
		return "idle"
	case MonitorRunning:
		return "running"
	case MonitorCancelled:
		return "cancelled"
	case MonitorStopped:
		return "stopped"
	case MonitorTransportFailed:
		return "transport-failed"
	}
	return fmt.Sprintf("MonitorState(%d)", int32(m))
}

// StatusCallback is invoked with each reader state change. A negative
// return fails the monitor, zero keeps it running and a positive value stops
// it gracefully.
type StatusCallback func(s *Session, state uint32) int

// Event is a reader state change as published on Monitor.Events.
type Event struct {
	Reader  string
	State   uint32
	Present bool
	Time    time.Time
}

const monitorEventBuffer = 16

// Monitor watches card insertion and removal on a session's reader.
type Monitor struct {
	session *Session
	cb      StatusCallback
	events  chan Event
	done    chan struct{}

	cancelRequested atomic.Bool
	state           atomic.Int32

	mu  sync.Mutex
	err error
}

// StartMonitor starts watching the reader in the background. Only one
// monitor may run per session at a time. The monitor is cancelled when ctx
// ends. cb may be nil when only Events is consumed.
//
// A status wait that times out is not reported, whatever the session
// timeout: the monitor waits again and cb is not called.
func (s *Session) StartMonitor(ctx context.Context, cb StatusCallback) (*Monitor, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, s.fail(newError("monitor", ErrSessionClosed, nil))
	}
	if s.monitor != nil {
		s.mu.Unlock()
		return nil, s.fail(errorf("monitor", ErrMonitorAlreadyRunning, "reader %s", s.readerName))
	}
	m := &Monitor{
		session: s,
		cb:      cb,
		events:  make(chan Event, monitorEventBuffer),
		done:    make(chan struct{}),
	}
	m.state.Store(int32(MonitorRunning))
	s.monitor = m
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, m.Cancel)

	go func() {
		defer stop()
		m.run()
	}()

	logging.Info(logging.CatMonitor, "Monitor started", map[string]any{
		"reader":  s.readerName,
		"timeout": s.timeout.String(),
	})
	return m, nil
}

// Events delivers state changes. The channel is closed when the monitor
// exits. Events are dropped when the buffer is full.
func (m *Monitor) Events() <-chan Event { return m.events }

// State returns the current lifecycle state.
func (m *Monitor) State() MonitorState { return MonitorState(m.state.Load()) }

// cancelRetry is how often Cancel repeats the transport cancel until the
// monitor exits. pcsc-lite drops a cancel that arrives before the wait starts.
const cancelRetry = 100 * time.Millisecond

// Cancel aborts the pending status wait. It cancels every blocking call of
// the session, not just the monitor's, and returns without waiting for the
// monitor to exit.
func (m *Monitor) Cancel() {
	if m.cancelRequested.Swap(true) {
		return
	}
	m.cancelWait()

	go func() {
		ticker := time.NewTicker(cancelRetry)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				m.cancelWait()
			}
		}
	}()
}

func (m *Monitor) cancelWait() {
	if err := m.session.ctx.Cancel(); err != nil {
		logging.Warn(logging.CatMonitor, "Cancel failed", map[string]any{
			"reader": m.session.readerName,
			"error":  err.Error(),
		})
	}
}

// Wait blocks until the monitor exits and returns its final state.
func (m *Monitor) Wait() (MonitorState, error) {
	<-m.done
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.State(), m.err
}

// Done is closed when the monitor exits.
func (m *Monitor) Done() <-chan struct{} { return m.done }

func (m *Monitor) run() {
	s := m.session
	final, err := MonitorTransportFailed, error(nil)

	defer func() {
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()
		m.state.Store(int32(final))

		s.mu.Lock()
		if s.monitor == m {
			s.monitor = nil
		}
		s.mu.Unlock()

		close(m.events)
		close(m.done)

		fields := map[string]any{"reader": s.readerName, "state": final.String()}
		if err != nil {
			fields["error"] = err.Error()
			logging.Error(logging.CatMonitor, "Monitor exited", fields)
		} else {
			logging.Info(logging.CatMonitor, "Monitor exited", fields)
		}
	}()
	defer logging.RecoverAndLog("card monitor", false)

	final, err = m.loop()
	if err != nil {
		s.fail(err)
		if final == MonitorTransportFailed {
			logging.CaptureError(err, "card monitor", map[string]any{"reader": s.readerName})
		}
	}
}

func (m *Monitor) loop() (MonitorState, error) {
	s := m.session

	wait := s.timeout
	if wait == 0 {
		wait = -1
	}

	rs := []ReaderState{{Reader: s.readerName, CurrentState: StateUnaware}}
	for {
		if m.cancelRequested.Load() {
			return MonitorCancelled, nil
		}

		err := s.ctx.GetStatusChange(rs, wait)
		switch {
		case errors.Is(err, ErrCancelled):
			return MonitorCancelled, nil
		case errors.Is(err, ErrTimeout):
			continue
		case err != nil:
			return MonitorTransportFailed, newError("monitor", ErrTransport, err)
		}

		if rs[0].CurrentState != rs[0].EventState {
			rs[0].CurrentState = rs[0].EventState

			if rs[0].EventState&StatePresent != 0 {
				if err := s.connect(); err != nil {
					return MonitorTransportFailed, err
				}
			}
			if rs[0].EventState&StateEmpty != 0 {
				s.clearCard()
			}
		}

		state := rs[0].EventState
		logging.Debug(logging.CatMonitor, "Reader state changed", map[string]any{
			"reader": s.readerName,
			"state":  fmt.Sprintf("0x%x", state),
		})
		m.publish(Event{
			Reader:  s.readerName,
			State:   state,
			Present: state&StatePresent != 0,
			Time:    time.Now(),
		})

		if m.cb == nil {
			continue
		}
		switch rc := m.cb(s, state); {
		case rc < 0:
			return MonitorTransportFailed, errorf("monitor", ErrTransport, "status callback failed (%d)", rc)
		case rc > 0:
			return MonitorStopped, nil
		}
	}
}

func (m *Monitor) publish(ev Event) {
	select {
	case m.events <- ev:
	default:
		logging.Debug(logging.CatMonitor, "Event dropped, consumer too slow", map[string]any{
			"reader": ev.Reader,
		})
	}
}
