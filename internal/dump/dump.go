// Package dump reads a whole card into a portable image and serializes it as
// CBOR.
package dump

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/SimplyPrint/pcsc-agent/internal/core"
	"github.com/SimplyPrint/pcsc-agent/internal/logging"
)

// ImageVersion is bumped when the CBOR layout changes incompatibly.
const ImageVersion = 2

// Card is the part of a core.Session a dump needs.
type Card interface {
	ReaderName() string
	CardType() core.CardType
	CheckATR() (core.CardType, error)
	ReadUID() ([]byte, error)
	ReadBlock(sector, block, length int, key *core.Key) ([]byte, error)
}

// Image is a snapshot of the readable memory of a card.
type Image struct {
	Version  int       `cbor:"0,keyasint" json:"version"`
	ID       string    `cbor:"1,keyasint" json:"id"`
	UID      []byte    `cbor:"2,keyasint" json:"uid"`
	CardType string    `cbor:"3,keyasint" json:"cardType"`
	Reader   string    `cbor:"4,keyasint,omitempty" json:"reader,omitempty"`
	TakenAt  time.Time `cbor:"5,keyasint" json:"takenAt"`
	Sectors  []Sector  `cbor:"6,keyasint" json:"sectors"`
}

// Sector holds the blocks of one sector. Ultralight pages are grouped by four.
type Sector struct {
	Index   int          `cbor:"0,keyasint" json:"index"`
	Blocks  [][]byte     `cbor:"1,keyasint,omitempty" json:"blocks,omitempty"`
	Trailer *TrailerInfo `cbor:"2,keyasint,omitempty" json:"trailer,omitempty"`
	Error   string       `cbor:"3,keyasint,omitempty" json:"error,omitempty"`
}

// TrailerInfo is the readable part of a sector trailer. Key A always reads
// back as zeros. Key B is never stored; KeyBReadable records whether the
// access bits let the card return it.
type TrailerInfo struct {
	AccessBits   []byte  `cbor:"0,keyasint" json:"accessBits"`
	KeyBReadable bool    `cbor:"1,keyasint" json:"keyBReadable"`
	Conditions   []uint8 `cbor:"2,keyasint,omitempty" json:"conditions,omitempty"`
}

const (
	classic1KSectors = 16
	// Sectors 32-39 of a 4K card hold 16 blocks each and are not reachable
	// with 4-block addressing.
	classic4KSectors  = 32
	classicBlockBytes = 16
	ultralightPages   = 38
	ultralightBytes   = 4
	statusBytes       = 2
)

// ErrUnsupported is returned for card types without block access.
var ErrUnsupported = errors.New("card type cannot be dumped")

// Read dumps every reachable block of the card. Sectors that fail (usually
// because key does not open them) are recorded with their error and skipped.
func Read(card Card, key *core.Key) (*Image, error) {
	ct := card.CardType()
	if ct == core.CardUnknown {
		var err error
		if ct, err = card.CheckATR(); err != nil {
			return nil, fmt.Errorf("identify card: %w", err)
		}
	}

	uid, err := card.ReadUID()
	if err != nil {
		return nil, fmt.Errorf("read uid: %w", err)
	}

	img := &Image{
		Version:  ImageVersion,
		ID:       InstanceID(uid).String(),
		UID:      uid,
		CardType: ct.String(),
		Reader:   card.ReaderName(),
		TakenAt:  time.Now().UTC().Truncate(time.Second),
	}

	switch ct {
	case core.CardMifareClassic1K:
		img.Sectors = readClassic(card, key, classic1KSectors)
	case core.CardMifareClassic4K:
		img.Sectors = readClassic(card, key, classic4KSectors)
	case core.CardMifareUltralight:
		img.Sectors = readUltralight(card)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, ct)
	}

	failed := 0
	for _, s := range img.Sectors {
		if s.Error != "" {
			failed++
		}
	}
	logging.Info(logging.CatCard, "Card dumped", map[string]any{
		"reader":  img.Reader,
		"type":    img.CardType,
		"id":      img.ID,
		"sectors": len(img.Sectors),
		"failed":  failed,
	})
	return img, nil
}

func readClassic(card Card, key *core.Key, sectors int) []Sector {
	out := make([]Sector, 0, sectors)
	for i := 0; i < sectors; i++ {
		sec := Sector{Index: i}

		data, err := card.ReadBlock(i, 0, 3*classicBlockBytes+statusBytes, key)
		if err != nil {
			sec.Error = err.Error()
			out = append(out, sec)
			continue
		}
		for off := 0; off+classicBlockBytes <= len(data); off += classicBlockBytes {
			sec.Blocks = append(sec.Blocks, data[off:off+classicBlockBytes])
		}

		raw, err := card.ReadBlock(i, 3, classicBlockBytes+statusBytes, key)
		if err != nil {
			sec.Error = fmt.Sprintf("trailer: %v", err)
		} else if tr, err := core.DecodeTrailer(raw); err == nil {
			sec.Trailer = trailerInfo(tr)
		}
		out = append(out, sec)
	}
	return out
}

func trailerInfo(tr *core.Trailer) *TrailerInfo {
	info := &TrailerInfo{
		AccessBits:   []byte(tr.AccessBits),
		KeyBReadable: slices.ContainsFunc(tr.KeyB.Value, func(b byte) bool { return b != 0 }),
	}
	if !tr.AccessBits.Valid() {
		return info
	}
	for b := 0; b < 4; b++ {
		c, err := tr.AccessBits.Conditions(b)
		if err != nil {
			return info
		}
		info.Conditions = append(info.Conditions, c)
	}
	return info
}

func readUltralight(card Card) []Sector {
	var out []Sector
	for page := 0; page < ultralightPages; page++ {
		if page%4 == 0 {
			out = append(out, Sector{Index: page / 4})
		}
		sec := &out[len(out)-1]
		if sec.Error != "" {
			continue
		}
		data, err := card.ReadBlock(0, page, ultralightBytes+statusBytes, nil)
		if err != nil {
			sec.Error = fmt.Sprintf("page %d: %v", page, err)
			continue
		}
		sec.Blocks = append(sec.Blocks, data)
	}
	return out
}
