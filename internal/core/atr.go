package core

import (
	"bytes"
	"fmt"
)

// CardType identifies the memory model of an inserted card.
type CardType int

const (
	CardUnknown CardType = iota
	CardMifareClassic1K
	CardMifareClassic4K
	CardMifareUltralight
	CardMifareMini
	CardFelica212K
	CardFelica424K
	CardBankFR
)

var cardTypeNames = map[CardType]string{
	CardUnknown:          "Unknown",
	CardMifareClassic1K:  "MIFARE Classic 1K",
	CardMifareClassic4K:  "MIFARE Classic 4K",
	CardMifareUltralight: "MIFARE Ultralight",
	CardMifareMini:       "MIFARE Mini",
	CardFelica212K:       "FeliCa 212K",
	CardFelica424K:       "FeliCa 424K",
	CardBankFR:           "Bank card (FR)",
}

func (c CardType) String() string {
	if name, ok := cardTypeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CardType(%d)", int(c))
}

// IsMifareClassic reports whether the card uses the 4x16 authenticated layout.
func (c CardType) IsMifareClassic() bool {
	return c == CardMifareClassic1K || c == CardMifareClassic4K
}

// ATR layout for contactless storage cards as defined by PC/SC part 3
// supplement: 3B 8F 80 01 80 4F 0C <RID:5> <SS> <NN:2> <RFU:4> <TCK>.
const (
	storageATRLength = 20
	bankATRLength    = 9

	atrRIDOffset      = 7
	atrStandardOffset = 12
	atrCardIDOffset   = 13
)

// pcscRID is the registered application provider identifier of the PC/SC workgroup.
var pcscRID = []byte{0xA0, 0x00, 0x00, 0x03, 0x06}

// atrCardIDs maps the two card-name bytes of a storage ATR to a card type.
// Reference: http://ludovic.rousseau.free.fr/softwares/pcsc-tools/smartcard_list.txt
var atrCardIDs = []struct {
	id   uint16
	card CardType
}{
	{0x0001, CardMifareClassic1K},
	{0x0002, CardMifareClassic4K},
	{0x0003, CardMifareUltralight},
	{0x0026, CardMifareMini},
	{0xF011, CardFelica212K},
	{0xF012, CardFelica424K},
}

// IdentifyCard returns the card type encoded in an ATR.
//
// A 9-byte ATR is accepted as a French bank card without further checks; the
// length alone is a loose match and other 9-byte ATRs are misidentified.
func IdentifyCard(atr []byte) (CardType, error) {
	switch len(atr) {
	case storageATRLength:
		if !bytes.Equal(atr[atrRIDOffset:atrRIDOffset+len(pcscRID)], pcscRID) {
			return CardUnknown, errorf("atr", ErrUnsupportedCard, "unknown RID % X", atr[atrRIDOffset:atrRIDOffset+len(pcscRID)])
		}
		id := uint16(atr[atrCardIDOffset])<<8 | uint16(atr[atrCardIDOffset+1])
		for _, entry := range atrCardIDs {
			if entry.id == id {
				return entry.card, nil
			}
		}
		return CardUnknown, errorf("atr", ErrUnsupportedCard, "unknown card id %04X", id)

	case bankATRLength:
		return CardBankFR, nil

	default:
		return CardUnknown, errorf("atr", ErrUnsupportedCard, "unexpected ATR length %d", len(atr))
	}
}

// ATRStandard returns the PC/SC standard byte (SS) of a storage ATR, or 0
// when the ATR does not use the storage layout.
func ATRStandard(atr []byte) byte {
	if len(atr) != storageATRLength {
		return 0
	}
	return atr[atrStandardOffset]
}
