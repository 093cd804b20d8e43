package datagram

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Wire sizes in bytes. All fields are little-endian.
const (
	FrameHeaderSize = 16
	MsgHeaderSize   = 40
)

// FrameHasMessages is set in FrameHeader.Flags when message headers follow.
const FrameHasMessages uint8 = 1 << 0

var (
	ErrShortFrame   = errors.New("datagram: frame shorter than its headers")
	ErrShortMessage = errors.New("datagram: message payload truncated")
)

// FrameHeader starts every frame. A frame acknowledges AckCount frames of
// the reverse direction starting at AckStart, and carries MsgCount messages
// when FrameHasMessages is set.
//
//	0      2      4          8          12     14    15
//	+------+------+----------+----------+------+-----+-----+
//	| dest | src  | frameSeq | ackStart | ackN | flg | msgN|
//	+------+------+----------+----------+------+-----+-----+
type FrameHeader struct {
	DestID   uint16
	SrcID    uint16
	FrameSeq uint32
	AckStart uint32
	AckCount uint16
	Flags    uint8
	MsgCount uint8
}

func (h *FrameHeader) Encode(b []byte) {
	_ = b[FrameHeaderSize-1]
	binary.LittleEndian.PutUint16(b[0:], h.DestID)
	binary.LittleEndian.PutUint16(b[2:], h.SrcID)
	binary.LittleEndian.PutUint32(b[4:], h.FrameSeq)
	binary.LittleEndian.PutUint32(b[8:], h.AckStart)
	binary.LittleEndian.PutUint16(b[12:], h.AckCount)
	b[14] = h.Flags
	b[15] = h.MsgCount
}

func (h *FrameHeader) Decode(b []byte) error {
	if len(b) < FrameHeaderSize {
		return ErrShortFrame
	}
	h.DestID = binary.LittleEndian.Uint16(b[0:])
	h.SrcID = binary.LittleEndian.Uint16(b[2:])
	h.FrameSeq = binary.LittleEndian.Uint32(b[4:])
	h.AckStart = binary.LittleEndian.Uint32(b[8:])
	h.AckCount = binary.LittleEndian.Uint16(b[12:])
	h.Flags = b[14]
	h.MsgCount = b[15]
	return nil
}

// MsgKind says what a message carries.
type MsgKind uint8

const (
	// MsgData carries payload only.
	MsgData MsgKind = iota
	// MsgDataFlag carries payload and, as the last message of its
	// transaction, a flag word to store once the transaction is complete.
	MsgDataFlag
	// MsgFlag carries only a flag word.
	MsgFlag
)

func (k MsgKind) hasFlag() bool { return k == MsgDataFlag || k == MsgFlag }

// MsgHeader precedes each message payload inside a frame.
type MsgHeader struct {
	TransactionID     uint32
	MsgsInTransaction uint16
	MsgSeq            uint16
	DstOffset         uint64
	Length            uint32
	FlagValue         uint32
	FlagAddr          uint64
	Kind              MsgKind
}

func (h *MsgHeader) Encode(b []byte) {
	_ = b[MsgHeaderSize-1]
	binary.LittleEndian.PutUint32(b[0:], h.TransactionID)
	binary.LittleEndian.PutUint16(b[4:], h.MsgsInTransaction)
	binary.LittleEndian.PutUint16(b[6:], h.MsgSeq)
	binary.LittleEndian.PutUint64(b[8:], h.DstOffset)
	binary.LittleEndian.PutUint32(b[16:], h.Length)
	binary.LittleEndian.PutUint32(b[20:], h.FlagValue)
	binary.LittleEndian.PutUint64(b[24:], h.FlagAddr)
	b[32] = byte(h.Kind)
	clear(b[33:MsgHeaderSize])
}

func (h *MsgHeader) Decode(b []byte) error {
	if len(b) < MsgHeaderSize {
		return ErrShortFrame
	}
	h.TransactionID = binary.LittleEndian.Uint32(b[0:])
	h.MsgsInTransaction = binary.LittleEndian.Uint16(b[4:])
	h.MsgSeq = binary.LittleEndian.Uint16(b[6:])
	h.DstOffset = binary.LittleEndian.Uint64(b[8:])
	h.Length = binary.LittleEndian.Uint32(b[16:])
	h.FlagValue = binary.LittleEndian.Uint32(b[20:])
	h.FlagAddr = binary.LittleEndian.Uint64(b[24:])
	h.Kind = MsgKind(b[32])
	return nil
}

// message is one decoded message of a received frame.
type message struct {
	hdr     MsgHeader
	payload []byte
}

// decodeMessages splits the body of a frame into its messages.
func decodeMessages(body []byte, count uint8, dst []message) ([]message, error) {
	dst = dst[:0]
	for range count {
		var m message
		if err := m.hdr.Decode(body); err != nil {
			return nil, err
		}
		body = body[MsgHeaderSize:]
		if uint64(m.hdr.Length) > uint64(len(body)) {
			return nil, ErrShortMessage
		}
		m.payload = body[:m.hdr.Length]
		body = body[m.hdr.Length:]
		dst = append(dst, m)
	}
	return dst, nil
}
