package core

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

// KeySize is the length of a MIFARE Classic key.
const KeySize = 6

// KeySlot selects which sector key an authentication uses.
type KeySlot byte

const (
	KeyA KeySlot = 0
	KeyB KeySlot = 1
)

func (k KeySlot) String() string {
	if k == KeyB {
		return "B"
	}
	return "A"
}

// Key is a MIFARE key together with the slot it authenticates as.
type Key struct {
	Value []byte
	Slot  KeySlot
	Name  string // optional label for logs
}

// NewKey copies value into a new key. It fails unless value is KeySize bytes.
func NewKey(value []byte, slot KeySlot) (*Key, error) {
	if len(value) != KeySize {
		return nil, errorf("key", ErrInvalidKey, "key must be %d bytes, got %d", KeySize, len(value))
	}
	if slot != KeyA && slot != KeyB {
		return nil, errorf("key", ErrInvalidKey, "unknown key slot %d", slot)
	}
	return &Key{Value: bytes.Clone(value), Slot: slot}, nil
}

// ParseKey reads a key written as 12 hex digits, optionally separated by
// spaces or colons ("FFFFFFFFFFFF", "FF:FF:FF:FF:FF:FF").
func ParseKey(s string, slot KeySlot) (*Key, error) {
	clean := strings.NewReplacer(" ", "", ":", "", "-", "").Replace(s)
	value, err := hex.DecodeString(clean)
	if err != nil {
		return nil, errorf("key", ErrInvalidKey, "invalid hex key %q", s)
	}
	return NewKey(value, slot)
}

func (k *Key) validate() error {
	if k == nil || len(k.Value) != KeySize {
		n := 0
		if k != nil {
			n = len(k.Value)
		}
		return errorf("key", ErrInvalidKey, "key must be %d bytes, got %d", KeySize, n)
	}
	return nil
}

// String masks the key material.
func (k *Key) String() string {
	if k == nil {
		return "<nil>"
	}
	label := k.Name
	if label == "" {
		label = "key"
	}
	return fmt.Sprintf("%s/%s[%d bytes]", label, k.Slot, len(k.Value))
}

// DefaultAccessBits is the transport configuration of a blank Classic card:
// key A authenticates data blocks, key B is readable.
var DefaultAccessBits = []byte{0xFF, 0x07, 0x80, 0x69}

// Defaults carries the key and access bits used when a caller supplies none.
type Defaults struct {
	Key        *Key
	AccessBits []byte
}

// DefaultDefaults returns the factory key FFFFFFFFFFFF (slot A) and the
// transport access bits.
func DefaultDefaults() Defaults {
	return Defaults{
		Key: &Key{
			Value: bytes.Repeat([]byte{0xFF}, KeySize),
			Slot:  KeyA,
			Name:  "default",
		},
		AccessBits: bytes.Clone(DefaultAccessBits),
	}
}
