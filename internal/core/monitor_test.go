package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func waitMonitor(t *testing.T, m *Monitor) (MonitorState, error) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not exit")
	}
	return m.Wait()
}

func TestMonitor_AlreadyRunning(t *testing.T) {
	s, _ := newTestSession(t, NewMockClassic1K(), WithTimeout(0))

	m, err := s.StartMonitor(context.Background(), nil)
	if err != nil {
		t.Fatalf("StartMonitor() error = %v", err)
	}
	if _, err := s.StartMonitor(context.Background(), nil); !errors.Is(err, ErrMonitorAlreadyRunning) {
		t.Fatalf("second StartMonitor() error = %v, want ErrMonitorAlreadyRunning", err)
	}

	m.Cancel()
	state, err := waitMonitor(t, m)
	if state != MonitorCancelled || err != nil {
		t.Errorf("Wait() = %v, %v; want cancelled", state, err)
	}

	m2, err := s.StartMonitor(context.Background(), nil)
	if err != nil {
		t.Fatalf("StartMonitor() after exit error = %v", err)
	}
	m2.Cancel()
	waitMonitor(t, m2)
}

func TestMonitor_InsertAndRemove(t *testing.T) {
	card := NewMockClassic1K()
	mctx := NewMockContext().WithSteps(
		statusStep{state: StatePresent | StateChanged, insert: card},
		statusStep{state: StateEmpty | StateChanged, remove: true},
	)
	s, err := Open(mockFactory{ctx: mctx}, "", WithTimeout(0))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	var mu sync.Mutex
	var seen []uint32
	var typeOnInsert CardType
	m, err := s.StartMonitor(context.Background(), func(s *Session, state uint32) int {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, state)
		if state&StatePresent != 0 {
			typeOnInsert, _ = s.CheckATR()
			return 0
		}
		return 1
	})
	if err != nil {
		t.Fatal(err)
	}

	state, err := waitMonitor(t, m)
	if state != MonitorStopped || err != nil {
		t.Fatalf("Wait() = %v, %v; want stopped", state, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("callback calls = %d, want 2", len(seen))
	}
	if typeOnInsert != CardMifareClassic1K {
		t.Errorf("card type on insert = %v", typeOnInsert)
	}
	if s.CardType() != CardUnknown {
		t.Errorf("CardType() after removal = %v, want Unknown", s.CardType())
	}

	var events []Event
	for ev := range m.Events() {
		events = append(events, ev)
	}
	if len(events) != 2 || !events[0].Present || events[1].Present {
		t.Errorf("events = %+v", events)
	}
}

func TestMonitor_TimeoutIsNonEvent(t *testing.T) {
	for _, timeout := range []time.Duration{0, 5 * time.Second} {
		t.Run(fmt.Sprintf("timeout %v", timeout), func(t *testing.T) {
			expired := fmt.Errorf("%w: mock", ErrTimeout)
			mctx := NewMockContext().WithSteps(
				statusStep{err: expired},
				statusStep{err: expired},
				statusStep{state: StateEmpty},
			)
			s, err := Open(mockFactory{ctx: mctx}, "", WithTimeout(timeout))
			if err != nil {
				t.Fatal(err)
			}
			defer s.Close()

			calls := 0
			m, err := s.StartMonitor(context.Background(), func(*Session, uint32) int {
				calls++
				return 1
			})
			if err != nil {
				t.Fatal(err)
			}

			if state, err := waitMonitor(t, m); state != MonitorStopped || err != nil {
				t.Fatalf("Wait() = %v, %v; want stopped", state, err)
			}
			if calls != 1 {
				t.Errorf("callback calls = %d, want 1", calls)
			}
		})
	}
}

func TestMonitor_CallbackFailure(t *testing.T) {
	mctx := NewMockContext().WithSteps(statusStep{state: StateEmpty})
	s, err := Open(mockFactory{ctx: mctx}, "", WithTimeout(0))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	m, err := s.StartMonitor(context.Background(), func(*Session, uint32) int { return -1 })
	if err != nil {
		t.Fatal(err)
	}

	state, err := waitMonitor(t, m)
	if state != MonitorTransportFailed || !errors.Is(err, ErrTransport) {
		t.Errorf("Wait() = %v, %v; want transport failure", state, err)
	}
	if s.LastError() == "" {
		t.Error("LastError() empty after monitor failure")
	}
}

func TestMonitor_TransportFailure(t *testing.T) {
	mctx := NewMockContext().WithSteps(statusStep{err: errors.New("reader unavailable")})
	s, err := Open(mockFactory{ctx: mctx}, "", WithTimeout(0))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	m, err := s.StartMonitor(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if state, err := waitMonitor(t, m); state != MonitorTransportFailed || !errors.Is(err, ErrTransport) {
		t.Errorf("Wait() = %v, %v; want transport failure", state, err)
	}
}

func TestMonitor_UnknownProtocolIsFatal(t *testing.T) {
	card := NewMockClassic1K()
	card.protocol = 0x0004
	mctx := NewMockContext().WithSteps(statusStep{state: StatePresent, insert: card})
	s, err := Open(mockFactory{ctx: mctx}, "", WithTimeout(0))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	m, err := s.StartMonitor(context.Background(), func(*Session, uint32) int { return 0 })
	if err != nil {
		t.Fatal(err)
	}
	if state, err := waitMonitor(t, m); state != MonitorTransportFailed || !errors.Is(err, ErrUnknownProtocol) {
		t.Errorf("Wait() = %v, %v; want unknown protocol failure", state, err)
	}
}

func TestMonitor_ContextCancel(t *testing.T) {
	s, _ := newTestSession(t, NewMockClassic1K(), WithTimeout(0))

	ctx, cancel := context.WithCancel(context.Background())
	m, err := s.StartMonitor(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if m.State() != MonitorRunning {
		t.Errorf("State() = %v, want running", m.State())
	}

	cancel()
	if state, _ := waitMonitor(t, m); state != MonitorCancelled {
		t.Errorf("Wait() = %v, want cancelled", state)
	}
}

func TestSessionClose_StopsMonitor(t *testing.T) {
	s, _ := newTestSession(t, NewMockClassic1K(), WithTimeout(0))

	m, err := s.StartMonitor(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("Close() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close() blocked on the monitor")
	}
	if m.State() != MonitorCancelled {
		t.Errorf("State() = %v, want cancelled", m.State())
	}
	if _, err := s.StartMonitor(context.Background(), nil); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("StartMonitor() after Close error = %v, want ErrSessionClosed", err)
	}
}

func TestSessionClose_RepeatsLostCancel(t *testing.T) {
	s, mctx := newTestSession(t, NewMockClassic1K(), WithTimeout(0))

	before := mctx.Waits()
	m, err := s.StartMonitor(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for mctx.Waits() == before {
		if time.Now().After(deadline) {
			t.Fatal("monitor never waited")
		}
		time.Sleep(time.Millisecond)
	}

	// The first cancel is lost, as when it lands just before the wait.
	mctx.DropCancels(1)

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close() blocked after a lost cancel")
	}
	if m.State() != MonitorCancelled {
		t.Errorf("State() = %v, want cancelled", m.State())
	}
}

func TestMonitorStateString(t *testing.T) {
	if MonitorTransportFailed.String() != "transport-failed" {
		t.Errorf("String() = %q", MonitorTransportFailed.String())
	}
}
