package core

import (
	"github.com/SimplyPrint/pcsc-agent/internal/logging"
)

// ReadBlock reads consecutive blocks of one sector starting at block, stopping
// at the end of the sector.
//
// length is the size of the caller buffer in the classic PC/SC convention and
// includes the 2 status bytes; length-2 payload bytes are read. The payload is
// returned as a new slice and is never NUL-terminated in place.
func (s *Session) ReadBlock(sector, block, length int, key *Key) ([]byte, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	usable := length - statusLength
	if usable < 0 {
		return nil, s.fail(errorf("read", ErrInvalidLength, "length %d is smaller than the status suffix", length))
	}

	logging.Debug(logging.CatCard, "Reading block", map[string]any{
		"reader": s.readerName,
		"sector": sector,
		"block":  block,
		"length": usable,
	})

	geo, err := s.authenticate(sector, block, usable, key)
	if err != nil {
		return nil, err
	}

	data := make([]byte, 0, usable)
	for n, idx := 0, block%geo.BlocksPerSector; idx < geo.BlocksPerSector && len(data) < usable; n, idx = n+1, idx+1 {
		address := uint16(sector*geo.BlocksPerSector + block + n)
		rsp, err := s.sendCommand("read", ReadBinaryFrame(address, byte(geo.BytesPerBlock)))
		if err != nil {
			return nil, err
		}
		if len(rsp.Data) < geo.BytesPerBlock {
			return nil, s.fail(errorf("read", ErrTransport,
				"short read at block %d: got %d bytes, want %d", address, len(rsp.Data), geo.BytesPerBlock))
		}
		data = append(data, rsp.Data[:geo.BytesPerBlock]...)
	}
	if len(data) > usable {
		data = data[:usable]
	}

	if tracer := s.activeTracer(); tracer != nil {
		tracer.TracePayload("pcscReadBlock", data)
	}
	return data, nil
}

// WriteBlock writes data to consecutive blocks of one sector starting at
// block. block is taken modulo the sector size. A failure part way through
// leaves the earlier blocks written.
func (s *Session) WriteBlock(sector, block int, data []byte, key *Key) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.writeBlock(sector, block, data, key)
}

func (s *Session) writeBlock(sector, block int, data []byte, key *Key) error {
	logging.Debug(logging.CatCard, "Writing block", map[string]any{
		"reader": s.readerName,
		"sector": sector,
		"block":  block,
		"length": len(data),
	})

	geo, err := s.authorize(access{sector: sector, block: block, length: len(data), key: key, write: true})
	if err != nil {
		return err
	}

	written := 0
	for idx := block % geo.BlocksPerSector; idx < geo.BlocksPerSector && written < len(data); idx++ {
		address := uint16(sector*geo.BlocksPerSector + idx)
		chunk := data[written:min(written+geo.BytesPerBlock, len(data))]
		if _, err := s.sendCommand("write", UpdateBinaryFrame(address, chunk)); err != nil {
			logging.Warn(logging.CatCard, "Block write aborted", map[string]any{
				"reader":  s.readerName,
				"address": address,
				"written": written,
				"error":   err.Error(),
			})
			return err
		}
		written += geo.BytesPerBlock
	}
	return nil
}
