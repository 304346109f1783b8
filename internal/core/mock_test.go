package core

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// Reader names as reported by pcscd for the readers the agent is used with.
var mockReaders = []string{
	"ACS ACR122U PICC Interface 00 00",
	"ACS ACR1252 Dual Reader PICC 01 00",
	"SpringCard Prox'N'Roll PC/SC 02 00",
}

// statusStep is one scripted outcome of GetStatusChange.
type statusStep struct {
	state  uint32
	err    error
	insert *MockSmartCard // card placed in the reader before reporting state
	remove bool           // card taken out before reporting state
}

// MockSmartCardContext implements SmartCardContext for testing
type MockSmartCardContext struct {
	mu       sync.Mutex
	readers  []string
	cards    map[string]*MockSmartCard
	listErr  error
	steps    []statusStep
	waits    int
	released bool

	// cancel holds at most one pending Cancel so a cancel issued before the
	// wait starts is still observed.
	cancel chan struct{}
	// dropCancels loses the next n Cancel calls, as pcsc-lite does for a
	// cancel that arrives while no wait is in progress.
	dropCancels int
}

// NewMockContext creates a new mock context with predefined readers
func NewMockContext() *MockSmartCardContext {
	return &MockSmartCardContext{
		readers: mockReaders,
		cards:   make(map[string]*MockSmartCard),
		cancel:  make(chan struct{}, 1),
	}
}

// WithReaders sets the readers for the mock context
func (m *MockSmartCardContext) WithReaders(readers []string) *MockSmartCardContext {
	m.readers = readers
	return m
}

// WithCard places a card in a reader
func (m *MockSmartCardContext) WithCard(readerName string, card *MockSmartCard) *MockSmartCardContext {
	m.cards[readerName] = card
	return m
}

// WithSteps scripts GetStatusChange results; once exhausted the call blocks
// until Cancel or the timeout.
func (m *MockSmartCardContext) WithSteps(steps ...statusStep) *MockSmartCardContext {
	m.steps = append(m.steps, steps...)
	return m
}

func (m *MockSmartCardContext) ListReaders() ([]string, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.readers, nil
}

func (m *MockSmartCardContext) Connect(reader string, shareMode uint32, protocol uint32) (SmartCard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	card, ok := m.cards[reader]
	if !ok {
		return nil, fmt.Errorf("%w: reader %s is empty", ErrNoCard, reader)
	}
	card.mu.Lock()
	card.disconnected = false
	card.mu.Unlock()
	return card, nil
}

func (m *MockSmartCardContext) GetStatusChange(states []ReaderState, timeout time.Duration) error {
	m.mu.Lock()
	m.waits++
	if len(m.steps) > 0 {
		step := m.steps[0]
		m.steps = m.steps[1:]
		if step.insert != nil {
			m.cards[states[0].Reader] = step.insert
		}
		if step.remove {
			delete(m.cards, states[0].Reader)
		}
		m.mu.Unlock()
		if step.err != nil {
			return step.err
		}
		states[0].EventState = step.state
		return nil
	}
	m.mu.Unlock()

	var expired <-chan time.Time
	if timeout >= 0 {
		expired = time.After(timeout)
	}
	select {
	case <-m.cancel:
		return fmt.Errorf("%w: mock", ErrCancelled)
	case <-expired:
		return fmt.Errorf("%w: mock", ErrTimeout)
	}
}

// DropCancels makes the next n Cancel calls have no effect.
func (m *MockSmartCardContext) DropCancels(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropCancels = n
}

// Waits returns how many GetStatusChange calls were made.
func (m *MockSmartCardContext) Waits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waits
}

func (m *MockSmartCardContext) Cancel() error {
	m.mu.Lock()
	if m.dropCancels > 0 {
		m.dropCancels--
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	select {
	case m.cancel <- struct{}{}:
	default:
	}
	return nil
}

func (m *MockSmartCardContext) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = true
	return nil
}

func (m *MockSmartCardContext) Released() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

type mockFactory struct {
	ctx *MockSmartCardContext
	err error
}

func (f mockFactory) EstablishContext() (SmartCardContext, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ctx, nil
}

// MockSmartCard implements SmartCard for testing. It answers the PC/SC
// pseudo-APDUs against an in-memory block map.
type MockSmartCard struct {
	mu           sync.Mutex
	atr          []byte
	uid          []byte
	protocol     uint32
	memory       map[uint16][]byte
	refuse       map[byte]StatusWord // INS -> status returned instead of 90 00
	transmitErr  error
	commands     [][]byte
	disconnected bool
}

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// ATRs captured from real cards on an ACR122U.
var (
	atrClassic1K  = mustHex("3b8f8001804f0ca000000306030001000000006a")
	atrClassic4K  = mustHex("3b8f8001804f0ca0000003060300020000000069")
	atrUltralight = mustHex("3b8f8001804f0ca0000003060300030000000068")
	atrFelica212K = mustHex("3b8f8001804f0ca00000030611f011000000008a")
	atrBankFR     = mustHex("3b6500002063cb6600")
)

// NewMockCard creates a card with the given ATR and UID.
func NewMockCard(atr, uid []byte) *MockSmartCard {
	return &MockSmartCard{
		atr:      atr,
		uid:      uid,
		protocol: ProtocolT1,
		memory:   make(map[uint16][]byte),
		refuse:   make(map[byte]StatusWord),
	}
}

func NewMockClassic1K() *MockSmartCard {
	return NewMockCard(atrClassic1K, mustHex("932bae0e"))
}

func NewMockUltralight() *MockSmartCard {
	return NewMockCard(atrUltralight, mustHex("ff0f39c8d60000"))
}

func (c *MockSmartCard) Transmit(cmd []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.commands = append(c.commands, append([]byte(nil), cmd...))
	if c.transmitErr != nil {
		return nil, c.transmitErr
	}
	if c.disconnected {
		return nil, errors.New("card disconnected")
	}
	if len(cmd) < 4 || cmd[0] != ClaPCSC {
		return []byte{0x6E, 0x00}, nil
	}
	if sw, ok := c.refuse[cmd[1]]; ok {
		return []byte{sw.SW1(), sw.SW2()}, nil
	}

	address := uint16(cmd[2])<<8 | uint16(cmd[3])
	switch cmd[1] {
	case InsGetData:
		return append(append([]byte(nil), c.uid...), 0x90, 0x00), nil
	case InsLoadKey, InsAuthenticate:
		return []byte{0x90, 0x00}, nil
	case InsReadBinary:
		le := int(cmd[4])
		out := make([]byte, le, le+2)
		copy(out, c.memory[address])
		return append(out, 0x90, 0x00), nil
	case InsUpdateBinary:
		c.memory[address] = append([]byte(nil), cmd[5:]...)
		return []byte{0x90, 0x00}, nil
	}
	return []byte{0x6D, 0x00}, nil
}

func (c *MockSmartCard) Status() (SmartCardStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return SmartCardStatus{
		State:          StatePresent,
		ActiveProtocol: c.protocol,
		Atr:            c.atr,
	}, nil
}

func (c *MockSmartCard) Disconnect(disposition uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

// Commands returns the frames transmitted so far as hex strings.
func (c *MockSmartCard) Commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.commands))
	for i, cmd := range c.commands {
		out[i] = hex.EncodeToString(cmd)
	}
	return out
}

func (c *MockSmartCard) ResetCommands() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = nil
}

func (c *MockSmartCard) Block(address uint16) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memory[address]
}

// newTestSession opens a session on the first mock reader holding card,
// connects it and identifies it.
func newTestSession(t *testing.T, card *MockSmartCard, opts ...Option) (*Session, *MockSmartCardContext) {
	t.Helper()

	mctx := NewMockContext().WithCard(mockReaders[0], card)
	s, err := Open(mockFactory{ctx: mctx}, "", opts...)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.WaitForCard(context.Background(), 0); err != nil {
		t.Fatalf("WaitForCard() error = %v", err)
	}
	if _, err := s.CheckATR(); err != nil {
		t.Fatalf("CheckATR() error = %v", err)
	}
	card.ResetCommands()
	return s, mctx
}
