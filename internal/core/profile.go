package core

// Geometry is the block organisation used to walk a read or write.
type Geometry struct {
	BlocksPerSector int
	BytesPerBlock   int
}

const (
	classicMaxPayload = 3 * 16
	// Ultralight reads and writes address 38 pages of 4 bytes.
	ultralightPages   = 38
	ultralightMaxSpan = ultralightPages * 4

	// The reader pseudo-APDUs carry the block number in a single byte.
	maxBlockAddress = 0xFF
)

// access is the validated request a profile authorises.
type access struct {
	sector int
	block  int
	length int // payload bytes, status excluded
	key    *Key
	write  bool
}

// addresses returns the first and last block address req touches with
// geometry g. Reads start at sector*bps+block, writes at the block's offset
// within the sector.
func (req access) addresses(g Geometry) (first, last int) {
	offset := req.block % g.BlocksPerSector
	first = req.sector*g.BlocksPerSector + req.block
	if req.write {
		first = req.sector*g.BlocksPerSector + offset
	}
	n := min(g.BlocksPerSector-offset, (req.length+g.BytesPerBlock-1)/g.BytesPerBlock)
	return first, first + max(n, 1) - 1
}

// CardProfile groups everything that depends on the card family: geometry,
// validation and authentication.
type CardProfile interface {
	Name() string
	Geometry() Geometry
	RequiresAuth() bool
	// authorize validates req and performs any authentication the card needs
	// before block I/O.
	authorize(s *Session, req access) error
}

func profileFor(card CardType) CardProfile {
	switch card {
	case CardMifareClassic1K, CardMifareClassic4K:
		return classicProfile{}
	case CardMifareUltralight:
		return ultralightProfile{}
	default:
		return unsupportedProfile{card: card}
	}
}

type classicProfile struct{}

func (classicProfile) Name() string       { return "mifare-classic" }
func (classicProfile) RequiresAuth() bool { return true }
func (classicProfile) Geometry() Geometry {
	return Geometry{BlocksPerSector: 4, BytesPerBlock: 16}
}

// authorize loads the key into the reader and authenticates the sector.
// Authentication is per sector, so a nonzero sector is folded into the
// absolute block number of its first block.
func (p classicProfile) authorize(s *Session, req access) error {
	sector, block := req.sector, req.block
	if sector != 0 {
		block = sector * p.Geometry().BlocksPerSector
		sector = 0
	}

	if req.length <= 0 || req.length > classicMaxPayload || req.length%p.Geometry().BytesPerBlock != 0 {
		return s.fail(errorf("authent", ErrInvalidLength,
			"MIFARE Classic length must be 16, 32 or 48, got %d", req.length))
	}
	if block > maxBlockAddress {
		return s.fail(errorf("authent", ErrInvalidLength,
			"authentication block %d out of range (sector %d)", block, req.sector))
	}

	key := req.key
	if key == nil {
		key = s.defaults.Key
	}
	if err := key.validate(); err != nil {
		return s.fail(err)
	}

	if _, err := s.sendCommand("key", LoadKeyFrame(key.Value)); err != nil {
		return err
	}
	if _, err := s.sendCommand("authent", AuthenticateFrame(byte(sector), byte(block), key.Slot)); err != nil {
		return err
	}
	return nil
}

type ultralightProfile struct{}

func (ultralightProfile) Name() string       { return "mifare-ultralight" }
func (ultralightProfile) RequiresAuth() bool { return false }
func (ultralightProfile) Geometry() Geometry {
	return Geometry{BlocksPerSector: 4, BytesPerBlock: 4}
}

func (p ultralightProfile) authorize(s *Session, req access) error {
	bpb := p.Geometry().BytesPerBlock
	if req.length != bpb || req.block*bpb+req.length > ultralightMaxSpan {
		return s.fail(errorf("authent", ErrInvalidLength,
			"MIFARE Ultralight length must be %d within %d pages (block %d, length %d)",
			bpb, ultralightPages, req.block, req.length))
	}
	return nil
}

type unsupportedProfile struct {
	card CardType
}

func (p unsupportedProfile) Name() string     { return "unsupported" }
func (unsupportedProfile) RequiresAuth() bool { return false }
func (unsupportedProfile) Geometry() Geometry { return Geometry{} }

func (p unsupportedProfile) authorize(s *Session, _ access) error {
	return s.fail(errorf("authent", ErrUnsupportedCard, "no block access for %s", p.card))
}

// authenticate validates a read request for the current card and runs its
// authentication sequence. It returns the geometry to iterate with.
func (s *Session) authenticate(sector, block, length int, key *Key) (Geometry, error) {
	return s.authorize(access{sector: sector, block: block, length: length, key: key})
}

func (s *Session) authorize(req access) (Geometry, error) {
	if req.sector < 0 || req.block < 0 {
		return Geometry{}, s.fail(errorf("authent", ErrInvalidLength,
			"negative address: sector %d, block %d", req.sector, req.block))
	}

	profile := profileFor(s.CardType())
	geo := profile.Geometry()
	if geo.BlocksPerSector > 0 {
		if _, last := req.addresses(geo); last > maxBlockAddress {
			return Geometry{}, s.fail(errorf("authent", ErrInvalidLength,
				"sector %d block %d reaches block address %d, past %d", req.sector, req.block, last, maxBlockAddress))
		}
	}
	if err := profile.authorize(s, req); err != nil {
		return Geometry{}, err
	}
	return geo, nil
}
