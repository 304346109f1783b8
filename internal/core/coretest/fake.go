// Package coretest provides an in-memory PC/SC stack for tests of packages
// built on core.Session.
package coretest

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/SimplyPrint/pcsc-agent/internal/core"
)

// ATRs reported by an ACR122U for the emulated card families.
var (
	ATRClassic1K  = []byte{0x3B, 0x8F, 0x80, 0x01, 0x80, 0x4F, 0x0C, 0xA0, 0x00, 0x00, 0x03, 0x06, 0x03, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x6A}
	ATRUltralight = []byte{0x3B, 0x8F, 0x80, 0x01, 0x80, 0x4F, 0x0C, 0xA0, 0x00, 0x00, 0x03, 0x06, 0x03, 0x00, 0x03, 0x00, 0x00, 0x00, 0x00, 0x68}
)

// Factory establishes contexts that share the readers and cards of Readers.
// Each context has its own cancellation, as with pcscd.
type Factory struct {
	Readers *Readers
}

func (f Factory) EstablishContext() (core.SmartCardContext, error) {
	return &Context{readers: f.Readers, cancel: make(chan struct{}, 1)}, nil
}

// Readers is the fake reader bus. Cards are inserted and removed with Insert
// and Remove; waiting contexts observe those changes.
type Readers struct {
	mu      sync.Mutex
	names   []string
	cards   map[string]*Card
	changed chan struct{} // closed and replaced on every change
}

// NewReaders returns a bus with the given readers, all empty.
func NewReaders(names ...string) *Readers {
	return &Readers{
		names:   names,
		cards:   make(map[string]*Card),
		changed: make(chan struct{}),
	}
}

// Insert places card in reader.
func (r *Readers) Insert(reader string, card *Card) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cards[reader] = card
	close(r.changed)
	r.changed = make(chan struct{})
}

// Remove empties reader.
func (r *Readers) Remove(reader string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cards, reader)
	close(r.changed)
	r.changed = make(chan struct{})
}

// state returns the presence flag of reader and the channel closed on the
// next change.
func (r *Readers) state(reader string) (uint32, <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cards[reader]; ok {
		return core.StatePresent, r.changed
	}
	return core.StateEmpty, r.changed
}

// Context is one established context on a Readers bus.
type Context struct {
	readers *Readers
	cancel  chan struct{}
}

func (c *Context) ListReaders() ([]string, error) {
	return c.readers.names, nil
}

func (c *Context) Connect(reader string, shareMode, protocol uint32) (core.SmartCard, error) {
	c.readers.mu.Lock()
	defer c.readers.mu.Unlock()
	card, ok := c.readers.cards[reader]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrNoCard, reader)
	}
	return card, nil
}

func (c *Context) GetStatusChange(states []core.ReaderState, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		changed := false
		var next <-chan struct{}
		for i := range states {
			var st uint32
			st, next = c.readers.state(states[i].Reader)
			if st != states[i].CurrentState&(core.StatePresent|core.StateEmpty) {
				states[i].EventState = st | core.StateChanged
				changed = true
			} else {
				states[i].EventState = states[i].CurrentState
			}
		}
		if changed {
			return nil
		}
		select {
		case <-next:
		case <-c.cancel:
			return core.ErrCancelled
		case <-expired:
			return core.ErrTimeout
		}
	}
}

func (c *Context) Cancel() error {
	select {
	case c.cancel <- struct{}{}:
	default:
	}
	return nil
}

func (c *Context) Release() error { return nil }

// Card emulates a MIFARE card behind an ACR122U. Authentication always
// succeeds unless the card is locked.
type Card struct {
	mu     sync.Mutex
	atr    []byte
	uid    []byte
	memory map[uint16][]byte
	locked bool
}

// NewClassic1K returns an emulated MIFARE Classic 1K card with default
// trailers.
func NewClassic1K(uid []byte) *Card {
	c := &Card{atr: ATRClassic1K, uid: uid, memory: make(map[uint16][]byte)}
	for sector := uint16(0); sector < 16; sector++ {
		c.memory[sector*4+3] = []byte{0, 0, 0, 0, 0, 0, 0xFF, 0x07, 0x80, 0x69, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	}
	return c
}

// NewUltralight returns an emulated MIFARE Ultralight card.
func NewUltralight(uid []byte) *Card {
	return &Card{atr: ATRUltralight, uid: uid, memory: make(map[uint16][]byte)}
}

// Block returns the stored content of a block, or nil if never written.
func (c *Card) Block(address uint16) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memory[address]
}

// SetLocked makes every authentication fail with 63 00.
func (c *Card) SetLocked(locked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locked = locked
}

// SetBlock stores data at address.
func (c *Card) SetBlock(address uint16, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memory[address] = append([]byte(nil), data...)
}

func (c *Card) Transmit(cmd []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ok := []byte{0x90, 0x00}
	if len(cmd) < 5 || cmd[0] != core.ClaPCSC {
		return []byte{0x6E, 0x00}, nil
	}
	address := binary.BigEndian.Uint16(cmd[2:4])
	switch cmd[1] {
	case core.InsGetData:
		return append(append([]byte(nil), c.uid...), ok...), nil
	case core.InsLoadKey:
		return ok, nil
	case core.InsAuthenticate:
		if c.locked {
			return []byte{0x63, 0x00}, nil
		}
		return ok, nil
	case core.InsReadBinary:
		n := int(cmd[4])
		out := make([]byte, n)
		copy(out, c.memory[address])
		return append(out, ok...), nil
	case core.InsUpdateBinary:
		c.memory[address] = append([]byte(nil), cmd[5:]...)
		return ok, nil
	}
	return []byte{0x6D, 0x00}, nil
}

func (c *Card) Status() (core.SmartCardStatus, error) {
	return core.SmartCardStatus{State: core.StatePresent, ActiveProtocol: core.ProtocolT1, Atr: c.atr}, nil
}

func (c *Card) Disconnect(disposition uint32) error { return nil }
