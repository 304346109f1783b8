package core

import (
	"fmt"
	"io"
	"strings"

	"github.com/SimplyPrint/pcsc-agent/internal/logging"
)

// PC/SC pseudo-APDUs (CLA FF) understood by the reader firmware itself, as
// documented for ACR122U/ACR1252 and SpringCard readers.
const (
	ClaPCSC byte = 0xFF

	InsLoadKey      byte = 0x82
	InsAuthenticate byte = 0x86
	InsReadBinary   byte = 0xB0
	InsGetData      byte = 0xCA
	InsUpdateBinary byte = 0xD6

	// General authenticate data block version.
	authVersion byte = 0x01
	// Authentication method byte is authKeyTypeA | key slot (0=A, 1=B).
	authKeyTypeA byte = 0x60

	// statusLength is the size of the SW1 SW2 suffix of every response.
	statusLength = 2
)

// Frame is a command APDU assembled field by field.
type Frame struct {
	CLA, INS, P1, P2 byte
	Data             []byte
	Le               byte
	HasLe            bool
}

// NewFrame starts a command with the given header.
func NewFrame(cla, ins, p1, p2 byte) *Frame {
	return &Frame{CLA: cla, INS: ins, P1: p1, P2: p2}
}

// WithData sets the command body; Lc is derived from its length.
func (f *Frame) WithData(data ...byte) *Frame {
	f.Data = data
	return f
}

// WithLe sets the expected response length byte.
func (f *Frame) WithLe(le byte) *Frame {
	f.Le = le
	f.HasLe = true
	return f
}

// Bytes encodes the frame as header [Lc Data] [Le] (short length only).
func (f *Frame) Bytes() []byte {
	out := make([]byte, 0, 4+1+len(f.Data)+1)
	out = append(out, f.CLA, f.INS, f.P1, f.P2)
	if len(f.Data) > 0 {
		out = append(out, byte(len(f.Data)))
		out = append(out, f.Data...)
	}
	if f.HasLe {
		out = append(out, f.Le)
	}
	return out
}

// LoadKeyFrame loads a 6-byte MIFARE key into the reader's volatile slot 0.
func LoadKeyFrame(key []byte) *Frame {
	return NewFrame(ClaPCSC, InsLoadKey, 0x00, 0x00).WithData(key...)
}

// AuthenticateFrame authenticates a block with the key held in slot 0.
func AuthenticateFrame(sector, block byte, slot KeySlot) *Frame {
	return NewFrame(ClaPCSC, InsAuthenticate, 0x00, 0x00).
		WithData(authVersion, sector, block, authKeyTypeA|byte(slot), 0x00)
}

// ReadBinaryFrame reads length bytes at a 16-bit block address.
func ReadBinaryFrame(address uint16, length byte) *Frame {
	return NewFrame(ClaPCSC, InsReadBinary, byte(address>>8), byte(address)).WithLe(length)
}

// UpdateBinaryFrame writes data at a 16-bit block address.
func UpdateBinaryFrame(address uint16, data []byte) *Frame {
	return NewFrame(ClaPCSC, InsUpdateBinary, byte(address>>8), byte(address)).WithData(data...)
}

// GetUIDFrame asks the reader for the card serial number.
func GetUIDFrame() *Frame {
	return NewFrame(ClaPCSC, InsGetData, 0x00, 0x00).WithLe(0x00)
}

// StatusWord is the SW1 SW2 trailer of a response.
type StatusWord uint16

// SWNoError is the only status accepted as success.
const SWNoError StatusWord = 0x9000

// NewStatusWord creates a StatusWord from its two bytes.
func NewStatusWord(sw1, sw2 byte) StatusWord {
	return StatusWord(uint16(sw1)<<8 | uint16(sw2))
}

func (sw StatusWord) SW1() byte { return byte(sw >> 8) }
func (sw StatusWord) SW2() byte { return byte(sw) }

// IsSuccess reports whether the card accepted the command.
func (sw StatusWord) IsSuccess() bool {
	return sw == SWNoError
}

var statusWordDescriptions = map[StatusWord]string{
	0x9000: "Success",
	0x6300: "Operation failed (authentication?)",
	0x6581: "Memory failure",
	0x6700: "Wrong length",
	0x6800: "Function in CLA not supported",
	0x6981: "Command incompatible with file structure",
	0x6982: "Security status not satisfied",
	0x6983: "Authentication method blocked",
	0x6986: "Command not allowed",
	0x6A81: "Function not supported",
	0x6A82: "Block not found",
	0x6B00: "Wrong parameters P1-P2",
	0x6D00: "Instruction not supported",
	0x6E00: "Class not supported",
}

// Verbose returns a human-readable description of the status word.
func (sw StatusWord) Verbose() string {
	if desc, ok := statusWordDescriptions[sw]; ok {
		return fmt.Sprintf("[%04X] %s", uint16(sw), desc)
	}
	switch sw.SW1() {
	case 0x63:
		return fmt.Sprintf("[%04X] Warning: NV memory changed", uint16(sw))
	case 0x69:
		return fmt.Sprintf("[%04X] Command not allowed", uint16(sw))
	case 0x6A:
		return fmt.Sprintf("[%04X] Wrong parameters", uint16(sw))
	}
	return fmt.Sprintf("[%04X] Unknown status", uint16(sw))
}

// Response is a parsed response APDU.
type Response struct {
	Data   []byte // payload without the status word
	Status StatusWord
}

// ParseResponse splits a raw response into payload and status word.
func ParseResponse(raw []byte) (*Response, error) {
	if len(raw) < statusLength {
		return nil, fmt.Errorf("response too short: length %d", len(raw))
	}
	n := len(raw) - statusLength
	return &Response{
		Data:   raw[:n:n],
		Status: NewStatusWord(raw[n], raw[n+1]),
	}, nil
}

// Text returns the payload read as a NUL-terminated string.
func (r *Response) Text() string {
	return CString(r.Data)
}

// CString returns b up to its first NUL byte, or all of b if there is none.
// Use it on ReadBlock payloads that hold text.
func CString(b []byte) string {
	if i := indexNUL(b); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

func indexNUL(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// Tracer observes the raw traffic of a session. It is only called when the
// session is verbose.
type Tracer interface {
	TraceCommand(action string, frame []byte)
	TraceResponse(action string, raw []byte)
	TracePayload(op string, data []byte)
}

// WriterTracer renders traffic as text, printable ASCII first then hex.
type WriterTracer struct {
	W io.Writer
}

func (t WriterTracer) TraceCommand(action string, frame []byte) {
	fmt.Fprintf(t.W, "\n -- action=%s\n -- len=%d sending:[%s]\n", action, len(frame), hexList(frame))
}

func (t WriterTracer) TraceResponse(action string, raw []byte) {
	fmt.Fprintf(t.W, " -- len=%d received: ", len(raw))
	if ascii := Printable(raw); ascii != "" {
		fmt.Fprintf(t.W, "[%s] ", ascii)
	}
	fmt.Fprintf(t.W, "[%s]\n", hexList(raw))
}

func (t WriterTracer) TracePayload(op string, data []byte) {
	fmt.Fprintf(t.W, "%s received=%d data:[%s]\n", op, len(data), Printable(data))
}

// Printable keeps the printable ASCII characters of b up to the first NUL.
func Printable(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		if c == 0 {
			break
		}
		if c >= ' ' && c <= '~' {
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

func hexList(b []byte) string {
	parts := make([]string, len(b))
	for i, c := range b {
		parts[i] = fmt.Sprintf("0x%02X", c)
	}
	return strings.Join(parts, ",")
}

// sendCommand transmits a frame and checks the status word. The returned
// response never includes the status suffix.
func (s *Session) sendCommand(action string, f *Frame) (*Response, error) {
	card, tracer, err := s.cardForIO(action)
	if err != nil {
		return nil, s.fail(err)
	}

	frame := f.Bytes()
	if tracer != nil {
		tracer.TraceCommand(action, frame)
	}

	raw, err := card.Transmit(frame)
	if err != nil {
		return nil, s.fail(newError(action, ErrTransport, err))
	}

	if tracer != nil {
		tracer.TraceResponse(action, raw)
	}

	rsp, err := ParseResponse(raw)
	if err != nil {
		return nil, s.fail(newError(action, ErrTransport, err))
	}

	if !rsp.Status.IsSuccess() {
		logging.Debug(logging.CatCard, "Command refused", map[string]any{
			"reader": s.readerName,
			"action": action,
			"status": fmt.Sprintf("%04X", uint16(rsp.Status)),
		})
		return nil, s.fail(&Error{Op: action, Kind: ErrCardRefused, Status: rsp.Status})
	}

	return rsp, nil
}
