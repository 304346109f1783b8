package core

import "time"

// SmartCardContext represents a PC/SC resource manager context used to list
// readers, connect to cards and wait for reader state changes.
type SmartCardContext interface {
	ListReaders() ([]string, error)
	// Connect returns ErrNoCard (wrapped) when the reader is empty.
	Connect(reader string, shareMode uint32, protocol uint32) (SmartCard, error)
	// GetStatusChange blocks until one of the reader states differs from its
	// CurrentState, the timeout expires (ErrTimeout) or Cancel is called
	// (ErrCancelled). A negative timeout blocks indefinitely.
	GetStatusChange(states []ReaderState, timeout time.Duration) error
	// Cancel aborts every blocking call pending on the context.
	Cancel() error
	Release() error
}

// SmartCard represents a connected smart card for transmitting commands
type SmartCard interface {
	Transmit(cmd []byte) ([]byte, error)
	Status() (SmartCardStatus, error)
	Disconnect(disposition uint32) error
}

// SmartCardStatus represents the status of a smart card
type SmartCardStatus struct {
	Reader         string
	State          uint32
	ActiveProtocol uint32
	Atr            []byte
}

// ReaderState is the in/out parameter of GetStatusChange.
type ReaderState struct {
	Reader       string
	CurrentState uint32
	EventState   uint32
	Atr          []byte
}

// ContextFactory creates SmartCardContext instances
// This allows for dependency injection and mocking in tests
type ContextFactory interface {
	EstablishContext() (SmartCardContext, error)
}

// DefaultContextFactory is the production factory that uses real PC/SC
type DefaultContextFactory struct{}

// Share modes, protocols and reader state flags. The values match PC/SC so
// adapters can pass them through unchanged.
const (
	ShareShared uint32 = 0x0002

	ProtocolT0  uint32 = 0x0001
	ProtocolT1  uint32 = 0x0002
	ProtocolAny        = ProtocolT0 | ProtocolT1

	StateUnaware     uint32 = 0x0000
	StateIgnore      uint32 = 0x0001
	StateChanged     uint32 = 0x0002
	StateUnknown     uint32 = 0x0004
	StateUnavailable uint32 = 0x0008
	StateEmpty       uint32 = 0x0010
	StatePresent     uint32 = 0x0020
	StateAtrmatch    uint32 = 0x0040
	StateExclusive   uint32 = 0x0080
	StateInuse       uint32 = 0x0100
	StateMute        uint32 = 0x0200

	LeaveCard uint32 = 0
)
