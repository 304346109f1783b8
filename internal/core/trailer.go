package core

import (
	"bytes"
	"fmt"

	"github.com/SimplyPrint/pcsc-agent/internal/logging"
)

// Sector trailer layout of a MIFARE Classic card (NXP MF1S50/MF1S70 §8.6.3).
const (
	TrailerSize      = 16
	AccessBitsSize   = 4
	trailerKeyAStart = 0
	trailerACLStart  = KeySize
	trailerKeyBStart = KeySize + AccessBitsSize
)

// Trailer is the content of a sector trailer block.
//
// Writing a trailer with wrong keys or inconsistent access bits can lock the
// sector permanently. Nothing in this package can undo that.
type Trailer struct {
	KeyA       *Key
	KeyB       *Key
	AccessBits AccessBits // nil selects the session default access bits
}

// EncodeTrailer lays out t in a trailer block. capacity is the size of the
// destination block and must hold TrailerSize bytes. Nil access bits encode
// as DefaultAccessBits; a nil key B encodes as zeros.
func EncodeTrailer(t *Trailer, capacity int) ([]byte, error) {
	return encodeTrailer(t, capacity, DefaultAccessBits)
}

// EncodeTrailer is like the package function but encodes nil access bits as
// d.AccessBits.
func (d Defaults) EncodeTrailer(t *Trailer, capacity int) ([]byte, error) {
	return encodeTrailer(t, capacity, d.accessBits())
}

func (d Defaults) accessBits() AccessBits {
	if d.AccessBits == nil {
		return DefaultAccessBits
	}
	return d.AccessBits
}

func encodeTrailer(t *Trailer, capacity int, defaultACL AccessBits) ([]byte, error) {
	if t == nil || t.KeyA == nil {
		return nil, errorf("trailer", ErrMissingKeyA, "trailer key A is mandatory")
	}
	if err := t.KeyA.validate(); err != nil {
		return nil, err
	}
	if t.KeyB != nil {
		if err := t.KeyB.validate(); err != nil {
			return nil, err
		}
	}
	if capacity < TrailerSize {
		return nil, errorf("trailer", ErrInvalidLength, "trailer buffer too small: %d < %d", capacity, TrailerSize)
	}

	acls := t.AccessBits
	if acls == nil {
		acls = defaultACL
	}
	if len(acls) != AccessBitsSize {
		return nil, errorf("trailer", ErrInvalidTrailer, "access bits must be %d bytes, got %d", AccessBitsSize, len(acls))
	}

	buf := make([]byte, TrailerSize)
	copy(buf[trailerKeyAStart:], t.KeyA.Value)
	copy(buf[trailerACLStart:], acls)
	if t.KeyB != nil {
		copy(buf[trailerKeyBStart:], t.KeyB.Value)
	}
	return buf, nil
}

// DecodeTrailer splits a trailer block into its keys and access bits.
// Cards return key A as zeros on read.
func DecodeTrailer(block []byte) (*Trailer, error) {
	if len(block) < TrailerSize {
		return nil, errorf("trailer", ErrInvalidLength, "trailer block must be %d bytes, got %d", TrailerSize, len(block))
	}
	return &Trailer{
		KeyA:       &Key{Value: bytes.Clone(block[trailerKeyAStart:trailerACLStart]), Slot: KeyA},
		AccessBits: AccessBits(bytes.Clone(block[trailerACLStart:trailerKeyBStart])),
		KeyB:       &Key{Value: bytes.Clone(block[trailerKeyBStart:TrailerSize]), Slot: KeyB},
	}, nil
}

// IsTrailerBlock reports whether block is the last block of a 4-block sector.
func IsTrailerBlock(block int) bool {
	return block%4 == 3
}

// WriteTrailer writes the keys and access bits of a MIFARE Classic sector.
// key authenticates the write; nil uses the session default key, and nil
// access bits in t use the session default access bits.
func (s *Session) WriteTrailer(sector, block int, key *Key, t *Trailer) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if card := s.CardType(); !card.IsMifareClassic() {
		return s.fail(errorf("trailer", ErrUnsupportedCard, "trailer access bits unsupported on %s", card))
	}
	if t == nil || t.KeyA == nil {
		return s.fail(errorf("trailer", ErrMissingKeyA, "trailer key A is mandatory"))
	}
	if t.KeyB == nil {
		return s.fail(errorf("trailer", ErrInvalidTrailer, "trailer key B is mandatory"))
	}
	if !IsTrailerBlock(block) {
		return s.fail(errorf("trailer", ErrInvalidTrailerBlock, "block %d is not the last block of a sector", block))
	}

	acls := t.AccessBits
	if acls == nil {
		acls = s.defaults.accessBits()
	}
	if !acls.Valid() {
		logging.Warn(logging.CatCard, "Access bits fail the inverted copy check, sector may become unusable", map[string]any{
			"reader":     s.readerName,
			"sector":     sector,
			"accessBits": fmt.Sprintf("% X", []byte(acls)),
		})
	}

	data, err := s.defaults.EncodeTrailer(t, TrailerSize)
	if err != nil {
		return s.fail(err)
	}
	return s.writeBlock(sector, block, data, key)
}

// AccessBits are bytes 6-9 of a sector trailer: three access condition bits
// per block stored with their inverted copy, followed by the general purpose
// byte.
type AccessBits []byte

// NewAccessBits encodes per-block access conditions (C1C2C3 as a 3-bit
// value, index 3 is the trailer) and the general purpose byte.
func NewAccessBits(conditions [4]byte, gpb byte) AccessBits {
	var c1, c2, c3 byte
	for i, c := range conditions {
		c1 |= (c >> 2 & 1) << i
		c2 |= (c >> 1 & 1) << i
		c3 |= (c & 1) << i
	}
	return AccessBits{
		(^c2&0x0F)<<4 | ^c1&0x0F,
		c1<<4 | ^c3&0x0F,
		c3<<4 | c2,
		gpb,
	}
}

func (a AccessBits) nibbles() (c1, c2, c3, nc1, nc2, nc3 byte) {
	nc1 = a[0] & 0x0F
	nc2 = a[0] >> 4
	nc3 = a[1] & 0x0F
	c1 = a[1] >> 4
	c2 = a[2] & 0x0F
	c3 = a[2] >> 4
	return
}

// Valid reports whether every condition bit matches its inverted copy.
func (a AccessBits) Valid() bool {
	if len(a) != AccessBitsSize {
		return false
	}
	c1, c2, c3, nc1, nc2, nc3 := a.nibbles()
	return c1 == ^nc1&0x0F && c2 == ^nc2&0x0F && c3 == ^nc3&0x0F
}

// Conditions returns the C1C2C3 access condition of a block (0-3) within the
// sector as a 3-bit value.
func (a AccessBits) Conditions(block int) (byte, error) {
	if !a.Valid() {
		return 0, errorf("trailer", ErrInvalidTrailer, "inconsistent access bits % X", []byte(a))
	}
	if block < 0 || block > 3 {
		return 0, errorf("trailer", ErrInvalidTrailerBlock, "block %d outside sector", block)
	}
	c1, c2, c3, _, _, _ := a.nibbles()
	bit := func(v byte) byte { return v >> block & 1 }
	return bit(c1)<<2 | bit(c2)<<1 | bit(c3), nil
}
