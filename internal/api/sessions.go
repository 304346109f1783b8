package api

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/SimplyPrint/pcsc-agent/internal/core"
	"github.com/SimplyPrint/pcsc-agent/internal/logging"
)

// Sessions keeps one core.Session per reader, opened on first use. Requests
// on the same reader are serialized.
type Sessions struct {
	factory core.ContextFactory
	opts    []core.Option

	mu     sync.Mutex
	open   map[string]*readerSession
	closed bool
}

type readerSession struct {
	mu      sync.Mutex
	session *core.Session
}

// ErrShutdown is returned once Close has been called.
var ErrShutdown = errors.New("agent is shutting down")

// NewSessions creates a session manager. opts apply to every session it opens.
func NewSessions(factory core.ContextFactory, opts ...core.Option) *Sessions {
	if factory == nil {
		factory = core.DefaultContextFactory{}
	}
	return &Sessions{
		factory: factory,
		opts:    opts,
		open:    make(map[string]*readerSession),
	}
}

// Readers lists the connected readers.
func (m *Sessions) Readers() ([]string, error) {
	return core.List(m.factory)
}

// ReaderName resolves a reader index as used in API paths.
func (m *Sessions) ReaderName(index int) (string, error) {
	readers, err := m.Readers()
	if err != nil {
		return "", err
	}
	if len(readers) == 0 {
		return "", fmt.Errorf("%w: no readers found", core.ErrReaderNotFound)
	}
	if index < 0 || index >= len(readers) {
		return "", fmt.Errorf("%w: reader index %d out of range", core.ErrReaderNotFound, index)
	}
	return readers[index], nil
}

// WithCard runs fn with the session of the reader at index after
// (re)connecting the card currently in it.
func (m *Sessions) WithCard(ctx context.Context, index int, fn func(*core.Session) error) error {
	reader, err := m.ReaderName(index)
	if err != nil {
		return err
	}

	rs, err := m.get(reader)
	if err != nil {
		return err
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if err := rs.session.WaitForCard(ctx, 0); err != nil {
		if errors.Is(err, core.ErrTransport) || errors.Is(err, core.ErrSessionClosed) {
			m.drop(reader, rs)
		}
		return err
	}

	err = fn(rs.session)
	if errors.Is(err, core.ErrTransport) {
		m.drop(reader, rs)
	}
	return err
}

func (m *Sessions) get(reader string) (*readerSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrShutdown
	}
	if rs, ok := m.open[reader]; ok {
		return rs, nil
	}
	s, err := core.Open(m.factory, reader, m.opts...)
	if err != nil {
		return nil, err
	}
	rs := &readerSession{session: s}
	m.open[reader] = rs
	return rs, nil
}

// drop closes a session after a transport failure so the next request opens
// a fresh context.
func (m *Sessions) drop(reader string, rs *readerSession) {
	m.mu.Lock()
	if m.open[reader] == rs {
		delete(m.open, reader)
	}
	m.mu.Unlock()

	logging.Warn(logging.CatReader, "Dropping reader session", map[string]any{
		"reader":    reader,
		"lastError": rs.session.LastError(),
	})
	_ = rs.session.Close()
}

// Close closes every open session. Later requests fail with ErrShutdown.
func (m *Sessions) Close() error {
	m.mu.Lock()
	m.closed = true
	open := m.open
	m.open = make(map[string]*readerSession)
	m.mu.Unlock()

	var errs []error
	for reader, rs := range open {
		if err := rs.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", reader, err))
		}
	}
	return errors.Join(errs...)
}

// Snapshot describes the open sessions for crash reports. It never waits on
// a busy session manager.
func (m *Sessions) Snapshot() map[string]any {
	if !m.mu.TryLock() {
		return map[string]any{"sessions": "busy"}
	}
	defer m.mu.Unlock()

	state := map[string]any{"sessions": len(m.open), "closed": m.closed}
	for reader, rs := range m.open {
		state["reader."+reader] = rs.session.CardType().String()
	}
	return state
}

// Watch opens a dedicated session on reader and starts a monitor on it. The
// session is closed when the monitor exits.
func (m *Sessions) Watch(ctx context.Context, reader string, cb core.StatusCallback) (*core.Monitor, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrShutdown
	}

	s, err := core.Open(m.factory, reader, m.opts...)
	if err != nil {
		return nil, err
	}
	mon, err := s.StartMonitor(ctx, cb)
	if err != nil {
		s.Close()
		return nil, err
	}
	go func() {
		<-mon.Done()
		s.Close()
	}()
	return mon, nil
}
