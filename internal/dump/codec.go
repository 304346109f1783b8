package dump

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// CBOR encoding/decoding modes
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.EncOptions{
		Sort: cbor.SortCanonical,
		Time: cbor.TimeRFC3339,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder: %v", err))
	}

	// Images written by newer versions may carry extra keys.
	decMode, err = cbor.DecOptions{
		IntDec:            cbor.IntDecConvertSigned,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder: %v", err))
	}
}

// Encode serializes the image as canonical CBOR.
func (img *Image) Encode() ([]byte, error) {
	data, err := encMode.Marshal(img)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return data, nil
}

// Decode parses a CBOR image.
func Decode(data []byte) (*Image, error) {
	var img Image
	if err := decMode.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if img.Version > ImageVersion {
		return nil, fmt.Errorf("unsupported image version %d", img.Version)
	}
	return &img, nil
}

// instanceNamespace is the UUIDv5 namespace for card instance ids.
var instanceNamespace = uuid.MustParse("8f3b5a3e-2c4d-5e6f-9a1b-7c8d9e0f1a2b")

// InstanceID derives a stable identifier for a card from its UID:
// uuid5(instanceNamespace, uid).
func InstanceID(uid []byte) uuid.UUID {
	return uuid.NewSHA1(instanceNamespace, uid)
}
