package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/SimplyPrint/pcsc-agent/internal/logging"
)

const (
	// MaxReaders bounds reader discovery; further readers are ignored.
	MaxReaders = 8
	// DefaultTimeout is the status-change wait of a session.
	DefaultTimeout = 60 * time.Second
	// cardWaitTick is the status-change wait of one WaitForCard tick.
	cardWaitTick = 10 * time.Second
)

// Session is an exclusive connection to one reader and the card it holds.
// Block operations are serialized; a Monitor may update the card state
// concurrently.
type Session struct {
	ctx        SmartCardContext
	readerName string
	timeout    time.Duration
	verbose    bool
	tracer     Tracer
	defaults   Defaults
	userData   any

	// txMu spans authentication and the block I/O that depends on it.
	txMu sync.Mutex

	mu       sync.Mutex
	card     SmartCard
	protocol uint32
	cardType CardType
	uidRaw   []byte
	uid      uint64
	lastErr  string
	closed   bool
	monitor  *Monitor
}

// Option configures a Session.
type Option func(*Session)

// WithTimeout sets the status-change wait used by the monitor. Zero waits
// indefinitely.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d >= 0 {
			s.timeout = d
		}
	}
}

// WithVerbose traces every exchange. Without WithTracer the trace goes to stderr.
func WithVerbose(v bool) Option {
	return func(s *Session) { s.verbose = v }
}

// WithTracer traces every exchange through t.
func WithTracer(t Tracer) Option {
	return func(s *Session) {
		s.tracer = t
		s.verbose = t != nil
	}
}

// WithDefaults replaces the default key and access bits.
func WithDefaults(d Defaults) Option {
	return func(s *Session) {
		if d.Key != nil {
			s.defaults.Key = d.Key
		}
		if d.AccessBits != nil {
			s.defaults.AccessBits = d.AccessBits
		}
	}
}

// WithUserData attaches an arbitrary value retrievable with UserData.
func WithUserData(v any) Option {
	return func(s *Session) { s.userData = v }
}

// List returns the names of the readers known to the resource manager.
func List(factory ContextFactory) ([]string, error) {
	if factory == nil {
		factory = DefaultContextFactory{}
	}
	sc, err := factory.EstablishContext()
	if err != nil {
		return nil, newError("list", ErrTransport, err)
	}
	defer sc.Release()

	return listReaders(sc)
}

func listReaders(sc SmartCardContext) ([]string, error) {
	readers, err := sc.ListReaders()
	if err != nil {
		return nil, newError("list", ErrTransport, err)
	}
	if len(readers) > MaxReaders {
		logging.Warn(logging.CatReader, "Too many readers, remaining ignored", map[string]any{
			"count": len(readers),
			"max":   MaxReaders,
		})
		readers = readers[:MaxReaders]
	}
	return readers, nil
}

// FindReader returns the first reader whose name contains name, ignoring
// case. An empty name selects the first reader.
func FindReader(readers []string, name string) (string, bool) {
	if len(readers) == 0 {
		return "", false
	}
	if name == "" {
		return readers[0], true
	}
	needle := strings.ToLower(name)
	for _, r := range readers {
		if strings.Contains(strings.ToLower(r), needle) {
			return r, true
		}
	}
	return "", false
}

// Open establishes a resource manager context and selects a reader. The card
// is not connected until WaitForCard.
func Open(factory ContextFactory, readerName string, opts ...Option) (*Session, error) {
	if factory == nil {
		factory = DefaultContextFactory{}
	}

	s := &Session{
		timeout:  DefaultTimeout,
		defaults: DefaultDefaults(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.verbose && s.tracer == nil {
		s.tracer = WriterTracer{W: os.Stderr}
	}

	sc, err := factory.EstablishContext()
	if err != nil {
		return nil, newError("open", ErrTransport, err)
	}

	readers, err := listReaders(sc)
	if err != nil {
		sc.Release()
		return nil, err
	}

	name, ok := FindReader(readers, readerName)
	if !ok {
		sc.Release()
		logging.Error(logging.CatReader, "Reader not found", map[string]any{
			"reader":    readerName,
			"available": readers,
		})
		return nil, errorf("open", ErrReaderNotFound, "no reader matching %q (%d available)", readerName, len(readers))
	}

	s.ctx = sc
	s.readerName = name

	logging.Info(logging.CatReader, "Session opened", map[string]any{
		"reader":  name,
		"timeout": s.timeout.String(),
	})
	return s, nil
}

// WaitForCard connects to the card in the reader. When the reader is empty it
// waits up to ticks status changes of 10s each for a card to be inserted.
func (s *Session) WaitForCard(ctx context.Context, ticks int) error {
	if err := s.checkOpen("connect"); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() { _ = s.ctx.Cancel() })
	defer stop()

	err := s.connect()
	if !errors.Is(err, ErrNoCard) {
		return err
	}

	if s.verbose {
		fmt.Fprintf(os.Stderr, "Please insert a smartcard in reader=%s\n", s.readerName)
	}
	logging.Info(logging.CatReader, "Waiting for card", map[string]any{
		"reader": s.readerName,
		"ticks":  ticks,
	})

	rs := []ReaderState{{Reader: s.readerName, CurrentState: StateUnaware}}
	for i := 0; i < ticks; i++ {
		err := s.ctx.GetStatusChange(rs, cardWaitTick)
		if errors.Is(err, ErrTimeout) {
			continue
		}
		if errors.Is(err, ErrCancelled) && ctx.Err() != nil {
			return s.fail(newError("connect", ErrCancelled, ctx.Err()))
		}
		if err != nil {
			return s.fail(newError("connect", ErrTransport, err))
		}
		if rs[0].EventState != rs[0].CurrentState {
			rs[0].CurrentState = rs[0].EventState
			if rs[0].EventState&StatePresent != 0 {
				break
			}
		}
	}

	return s.connect()
}

// connect (re)connects the card and selects the protocol profile.
func (s *Session) connect() error {
	card, err := s.ctx.Connect(s.readerName, ShareShared, ProtocolAny)
	if err != nil {
		if errors.Is(err, ErrNoCard) {
			return s.fail(newError("connect", ErrNoCard, err))
		}
		return s.fail(newError("connect", ErrTransport, err))
	}

	st, err := card.Status()
	if err != nil {
		card.Disconnect(LeaveCard)
		return s.fail(newError("connect", ErrTransport, err))
	}

	switch st.ActiveProtocol {
	case ProtocolT0, ProtocolT1:
	default:
		card.Disconnect(LeaveCard)
		logging.Error(logging.CatReader, "Unknown card protocol", map[string]any{
			"reader":   s.readerName,
			"protocol": st.ActiveProtocol,
		})
		return s.fail(errorf("connect", ErrUnknownProtocol, "protocol 0x%x", st.ActiveProtocol))
	}

	s.mu.Lock()
	old := s.card
	s.card = card
	s.protocol = st.ActiveProtocol
	s.cardType = CardUnknown
	s.uid = 0
	s.uidRaw = nil
	s.mu.Unlock()

	if old != nil && old != card {
		old.Disconnect(LeaveCard)
	}

	logging.Info(logging.CatCard, "Card connected", map[string]any{
		"reader":   s.readerName,
		"protocol": protocolName(st.ActiveProtocol),
	})
	return nil
}

func protocolName(p uint32) string {
	switch p {
	case ProtocolT0:
		return "T0"
	case ProtocolT1:
		return "T1"
	}
	return fmt.Sprintf("0x%x", p)
}

// clearCard forgets the card type and UID after removal.
func (s *Session) clearCard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cardType = CardUnknown
	s.uid = 0
	s.uidRaw = nil
}

// CheckATR reads the ATR of the connected card and identifies it.
func (s *Session) CheckATR() (CardType, error) {
	card, _, err := s.cardForIO("atr")
	if err != nil {
		return CardUnknown, s.fail(err)
	}

	st, err := card.Status()
	if err != nil {
		return CardUnknown, s.fail(newError("atr", ErrTransport, err))
	}

	ct, idErr := IdentifyCard(st.Atr)

	s.mu.Lock()
	s.cardType = ct
	s.mu.Unlock()

	if idErr != nil {
		logging.Warn(logging.CatCard, "Unsupported card", map[string]any{
			"reader": s.readerName,
			"atr":    fmt.Sprintf("% X", st.Atr),
		})
		return CardUnknown, s.fail(idErr)
	}

	logging.Debug(logging.CatCard, "Card identified", map[string]any{
		"reader": s.readerName,
		"type":   ct.String(),
	})
	return ct, nil
}

// ATR returns the raw ATR of the connected card.
func (s *Session) ATR() ([]byte, error) {
	card, _, err := s.cardForIO("atr")
	if err != nil {
		return nil, s.fail(err)
	}
	st, err := card.Status()
	if err != nil {
		return nil, s.fail(newError("atr", ErrTransport, err))
	}
	return bytes.Clone(st.Atr), nil
}

// CardType returns the last identified card type.
func (s *Session) CardType() CardType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cardType
}

// ReadUID asks the reader for the card serial number.
func (s *Session) ReadUID() ([]byte, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	rsp, err := s.sendCommand("uid", GetUIDFrame())
	if err != nil {
		return nil, err
	}
	uid := bytes.Clone(rsp.Data)

	s.mu.Lock()
	s.uidRaw = uid
	s.mu.Unlock()
	return bytes.Clone(uid), nil
}

// CardUID returns the UID folded big-endian into an integer. It identifies
// the card first when needed and caches the result until the card changes.
func (s *Session) CardUID() (uint64, error) {
	if s.CardType() == CardUnknown {
		if _, err := s.CheckATR(); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	cached := s.uid
	s.mu.Unlock()
	if cached != 0 {
		return cached, nil
	}

	raw, err := s.ReadUID()
	if err != nil {
		return 0, err
	}

	var uid uint64
	for _, b := range raw {
		uid = uid<<8 | uint64(b)
	}

	s.mu.Lock()
	s.uid = uid
	s.mu.Unlock()
	return uid, nil
}

// ReaderName returns the full name of the selected reader.
func (s *Session) ReaderName() string { return s.readerName }

// Timeout returns the status-change wait, zero meaning indefinite.
func (s *Session) Timeout() time.Duration { return s.timeout }

// LastError returns the text of the most recent failure.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) UserData() any { return s.userData }

// Close aborts pending waits, stops the monitor, disconnects the card and
// releases the context. Closing twice is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	mon := s.monitor
	card := s.card
	s.card = nil
	s.mu.Unlock()

	var errs []error
	if mon != nil {
		mon.Cancel()
		mon.Wait()
	} else if err := s.ctx.Cancel(); err != nil {
		errs = append(errs, fmt.Errorf("cancel: %w", err))
	}
	if card != nil {
		if err := card.Disconnect(LeaveCard); err != nil && !errors.Is(err, ErrNoCard) {
			errs = append(errs, fmt.Errorf("disconnect: %w", err))
		}
	}
	if err := s.ctx.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release: %w", err))
	}

	logging.Info(logging.CatReader, "Session closed", map[string]any{"reader": s.readerName})
	return errors.Join(errs...)
}

func (s *Session) checkOpen(op string) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return s.fail(newError(op, ErrSessionClosed, nil))
	}
	return nil
}

// cardForIO returns the connected card and the tracer to report through.
func (s *Session) cardForIO(op string) (SmartCard, Tracer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, newError(op, ErrSessionClosed, nil)
	}
	if s.card == nil {
		return nil, nil, errorf(op, ErrNoCard, "no card connected on %s, wait for a card first", s.readerName)
	}
	return s.card, s.activeTracerLocked(), nil
}

func (s *Session) activeTracer() Tracer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeTracerLocked()
}

func (s *Session) activeTracerLocked() Tracer {
	if !s.verbose {
		return nil
	}
	return s.tracer
}

// fail records err as the last error and returns it.
func (s *Session) fail(err error) error {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
	return err
}
