package udp

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Every UDP datagram starts with a Header followed by one datagram frame.
const (
	HeaderSize = 8
	Magic      = 0x4F43
	Version    = 1
)

var (
	ErrShortDatagram = errors.New("udp: datagram shorter than its header")
	ErrBadMagic      = errors.New("udp: bad magic")
	ErrBadVersion    = errors.New("udp: unsupported version")
	ErrBadLength     = errors.New("udp: length does not match datagram")
)

// Header is the UDP socket data header, little-endian:
//
//	0       2     3     4              8
//	+-------+-----+-----+--------------+
//	| magic | ver | flg |    length    |
//	+-------+-----+-----+--------------+
//
// Length counts the frame bytes following the header.
type Header struct {
	Magic   uint16
	Version uint8
	Flags   uint8
	Length  uint32
}

func (h *Header) Encode(b []byte) {
	_ = b[HeaderSize-1]
	binary.LittleEndian.PutUint16(b[0:], h.Magic)
	b[2] = h.Version
	b[3] = h.Flags
	binary.LittleEndian.PutUint32(b[4:], h.Length)
}

// Decode parses and validates the header of datagram b.
func (h *Header) Decode(b []byte) error {
	if len(b) < HeaderSize {
		return ErrShortDatagram
	}
	h.Magic = binary.LittleEndian.Uint16(b[0:])
	h.Version = b[2]
	h.Flags = b[3]
	h.Length = binary.LittleEndian.Uint32(b[4:])
	switch {
	case h.Magic != Magic:
		return errors.Wrapf(ErrBadMagic, "0x%04x", h.Magic)
	case h.Version != Version:
		return errors.Wrapf(ErrBadVersion, "%d", h.Version)
	case uint64(h.Length) != uint64(len(b)-HeaderSize):
		return errors.Wrapf(ErrBadLength, "header %d, payload %d", h.Length, len(b)-HeaderSize)
	}
	return nil
}
