package core

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testTrailer(t *testing.T) *Trailer {
	t.Helper()
	keyA, err := NewKey(mustHex("a0a1a2a3a4a5"), KeyA)
	if err != nil {
		t.Fatal(err)
	}
	keyB, err := NewKey(mustHex("b0b1b2b3b4b5"), KeyB)
	if err != nil {
		t.Fatal(err)
	}
	return &Trailer{KeyA: keyA, KeyB: keyB, AccessBits: AccessBits(mustHex("7f078869"))}
}

func TestEncodeTrailer_RoundTrip(t *testing.T) {
	tr := testTrailer(t)

	block, err := EncodeTrailer(tr, TrailerSize)
	if err != nil {
		t.Fatalf("EncodeTrailer() error = %v", err)
	}
	if got := hex.EncodeToString(block); got != "a0a1a2a3a4a57f078869b0b1b2b3b4b5" {
		t.Errorf("EncodeTrailer() = %s", got)
	}

	decoded, err := DecodeTrailer(block)
	if err != nil {
		t.Fatalf("DecodeTrailer() error = %v", err)
	}
	if diff := cmp.Diff(tr.KeyA.Value, decoded.KeyA.Value); diff != "" {
		t.Errorf("key A mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(tr.KeyB.Value, decoded.KeyB.Value); diff != "" {
		t.Errorf("key B mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(tr.AccessBits, decoded.AccessBits); diff != "" {
		t.Errorf("access bits mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeTrailer_Defaults(t *testing.T) {
	keyA, _ := NewKey(bytes.Repeat([]byte{0xFF}, KeySize), KeyA)

	block, err := EncodeTrailer(&Trailer{KeyA: keyA}, 32)
	if err != nil {
		t.Fatalf("EncodeTrailer() error = %v", err)
	}
	if got := hex.EncodeToString(block[6:10]); got != "ff078069" {
		t.Errorf("access bits = %s, want ff078069", got)
	}
	if !bytes.Equal(block[10:16], make([]byte, 6)) {
		t.Errorf("key B = % X, want zeros", block[10:16])
	}
}

func TestEncodeTrailer_Errors(t *testing.T) {
	tr := testTrailer(t)

	tests := []struct {
		name     string
		trailer  *Trailer
		capacity int
		want     error
	}{
		{"nil trailer", nil, 16, ErrMissingKeyA},
		{"missing key A", &Trailer{KeyB: tr.KeyB}, 16, ErrMissingKeyA},
		{"short key A", &Trailer{KeyA: &Key{Value: []byte{1, 2, 3, 4, 5}}}, 16, ErrInvalidKey},
		{"long key B", &Trailer{KeyA: tr.KeyA, KeyB: &Key{Value: make([]byte, 7)}}, 16, ErrInvalidKey},
		{"small buffer", tr, 15, ErrInvalidLength},
		{"short access bits", &Trailer{KeyA: tr.KeyA, AccessBits: AccessBits{0xFF, 0x07}}, 16, ErrInvalidTrailer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := EncodeTrailer(tt.trailer, tt.capacity); !errors.Is(err, tt.want) {
				t.Errorf("EncodeTrailer() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestWriteTrailer_RejectsNonTrailerBlocks(t *testing.T) {
	card := NewMockClassic1K()
	s, _ := newTestSession(t, card)
	tr := testTrailer(t)

	for block := 0; block <= 255; block++ {
		if block%4 == 3 {
			continue
		}
		if err := s.WriteTrailer(0, block, nil, tr); !errors.Is(err, ErrInvalidTrailerBlock) {
			t.Fatalf("WriteTrailer(block %d) error = %v, want ErrInvalidTrailerBlock", block, err)
		}
	}
	if n := len(card.Commands()); n != 0 {
		t.Errorf("rejected trailers sent %d commands", n)
	}
}

func TestWriteTrailer(t *testing.T) {
	card := NewMockClassic1K()
	s, _ := newTestSession(t, card)

	if err := s.WriteTrailer(1, 3, nil, testTrailer(t)); err != nil {
		t.Fatalf("WriteTrailer() error = %v", err)
	}

	want := []string{
		"ff82000006ffffffffffff",
		"ff860000050100046000",
		"ffd6000710a0a1a2a3a4a57f078869b0b1b2b3b4b5",
	}
	if diff := cmp.Diff(want, card.Commands()); diff != "" {
		t.Errorf("exchanges mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteTrailer_SessionDefaultAccessBits(t *testing.T) {
	tr := testTrailer(t)
	tr.AccessBits = nil

	t.Run("factory default", func(t *testing.T) {
		card := NewMockClassic1K()
		s, _ := newTestSession(t, card)
		if err := s.WriteTrailer(0, 3, nil, tr); err != nil {
			t.Fatalf("WriteTrailer() error = %v", err)
		}
		cmds := card.Commands()
		if got, want := cmds[len(cmds)-1], "ffd6000310a0a1a2a3a4a5ff078069b0b1b2b3b4b5"; got != want {
			t.Errorf("update = %s, want %s", got, want)
		}
	})

	t.Run("overridden", func(t *testing.T) {
		card := NewMockClassic1K()
		s, _ := newTestSession(t, card, WithDefaults(Defaults{AccessBits: mustHex("78778800")}))
		if err := s.WriteTrailer(0, 3, nil, tr); err != nil {
			t.Fatalf("WriteTrailer() error = %v", err)
		}
		cmds := card.Commands()
		if got, want := cmds[len(cmds)-1], "ffd6000310a0a1a2a3a4a578778800b0b1b2b3b4b5"; got != want {
			t.Errorf("update = %s, want %s", got, want)
		}
	})
}

func TestDefaultsEncodeTrailer(t *testing.T) {
	tr := testTrailer(t)
	tr.AccessBits = nil

	d := Defaults{AccessBits: mustHex("78778800")}
	buf, err := d.EncodeTrailer(tr, TrailerSize)
	if err != nil {
		t.Fatalf("EncodeTrailer() error = %v", err)
	}
	if diff := cmp.Diff(mustHex("78778800"), buf[6:10]); diff != "" {
		t.Errorf("access bits mismatch (-want +got):\n%s", diff)
	}

	buf, err = Defaults{}.EncodeTrailer(tr, TrailerSize)
	if err != nil {
		t.Fatalf("EncodeTrailer() error = %v", err)
	}
	if diff := cmp.Diff(DefaultAccessBits, buf[6:10]); diff != "" {
		t.Errorf("zero Defaults access bits mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteTrailer_Requirements(t *testing.T) {
	tr := testTrailer(t)

	t.Run("classic only", func(t *testing.T) {
		s, _ := newTestSession(t, NewMockUltralight())
		if err := s.WriteTrailer(0, 3, nil, tr); !errors.Is(err, ErrUnsupportedCard) {
			t.Errorf("WriteTrailer() error = %v, want ErrUnsupportedCard", err)
		}
	})

	tests := []struct {
		name    string
		trailer *Trailer
		want    error
	}{
		{"nil trailer", nil, ErrMissingKeyA},
		{"missing key A", &Trailer{KeyB: tr.KeyB, AccessBits: tr.AccessBits}, ErrMissingKeyA},
		{"missing key B", &Trailer{KeyA: tr.KeyA, AccessBits: tr.AccessBits}, ErrInvalidTrailer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			card := NewMockClassic1K()
			s, _ := newTestSession(t, card)
			if err := s.WriteTrailer(0, 3, nil, tt.trailer); !errors.Is(err, tt.want) {
				t.Errorf("WriteTrailer() error = %v, want %v", err, tt.want)
			}
			if n := len(card.Commands()); n != 0 {
				t.Errorf("sent %d commands", n)
			}
		})
	}
}

func TestAccessBits(t *testing.T) {
	transport := NewAccessBits([4]byte{0, 0, 0, 1}, 0x69)
	if diff := cmp.Diff(AccessBits(DefaultAccessBits), transport); diff != "" {
		t.Errorf("NewAccessBits(transport) mismatch (-want +got):\n%s", diff)
	}
	if !transport.Valid() {
		t.Error("transport configuration reported invalid")
	}

	conds := [4]byte{0b100, 0b010, 0b110, 0b011}
	bits := NewAccessBits(conds, 0x00)
	if !bits.Valid() {
		t.Fatalf("NewAccessBits(% X) invalid", []byte(bits))
	}
	for block, want := range conds {
		got, err := bits.Conditions(block)
		if err != nil {
			t.Fatalf("Conditions(%d) error = %v", block, err)
		}
		if got != want {
			t.Errorf("Conditions(%d) = %03b, want %03b", block, got, want)
		}
	}

	corrupt := AccessBits{0xFF, 0x0F, 0x80, 0x69}
	if corrupt.Valid() {
		t.Error("corrupt access bits reported valid")
	}
	if _, err := corrupt.Conditions(0); !errors.Is(err, ErrInvalidTrailer) {
		t.Errorf("Conditions() error = %v, want ErrInvalidTrailer", err)
	}
	if _, err := transport.Conditions(4); !errors.Is(err, ErrInvalidTrailerBlock) {
		t.Errorf("Conditions(4) error = %v, want ErrInvalidTrailerBlock", err)
	}
}
