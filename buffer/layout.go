package buffer

import (
	"encoding/binary"

	"github.com/opencpi/opencpi-sub021/xfer"
)

// MaxPContribs bounds the state and metadata slots of one buffer, and with
// that the input ports one output port may feed.
const MaxPContribs = 16

// Flag word sentinels. The empty word of a buffer holds EFEmptyValue or
// EFFullValue; the full word holds FFFullValue or FFEmptyValue, which is also
// the value of zeroed memory.
const (
	EFEmptyValue uint32 = 0x4546_454d
	EFFullValue  uint32 = 0x4546_4655
	FFFullValue  uint32 = 0x4646_4655
	FFEmptyValue uint32 = 0
)

// Constant words every port keeps in its header, used as the sources of
// flag transfers.
const (
	ConstEFEmpty = iota
	ConstEFFull
	ConstFFFull
	ConstFFEmpty
)

const (
	headerSize  = 64
	stateSize   = MaxPContribs * 8
	metaSize    = MaxPContribs * MetaDataSize
	dataOffset  = stateSize + metaSize // 640, a multiple of 64
	portMagic   = 0x4f435042           // "OCPB"
	magicOffset = 16
)

func align64(n uint64) uint64 { return (n + 63) &^ 63 }

// Layout places the buffers of one port inside its window, relative to the
// port's base offset:
//
//	header   64 bytes: 4 constant words, magic, buffer count, buffer size
//	buffer i state[MaxPContribs]{empty, full uint32}
//	         meta[MaxPContribs]MetaData
//	         data, 64 byte aligned
//	shadow   [MaxPContribs][Shadow] empty words mirroring input buffers
type Layout struct {
	Buffers    int
	BufferSize uint64
	// Shadow is the number of input buffers per input port an output port
	// mirrors. Zero for input ports.
	Shadow int
}

func (l Layout) stride() uint64 { return dataOffset + align64(l.BufferSize) }

func (l Layout) Const(c int) uint64 { return uint64(c) * 4 }

func (l Layout) Buffer(i int) uint64 {
	if i < 0 || i >= l.Buffers {
		xfer.Violate("buffer %d out of range [0,%d)", i, l.Buffers)
	}
	return headerSize + uint64(i)*l.stride()
}

func checkSlot(slot int) {
	if slot < 0 || slot >= MaxPContribs {
		xfer.Violate("contributor slot %d out of range [0,%d)", slot, MaxPContribs)
	}
}

// EmptyWord is the offset of the empty flag of buffer i, slot.
func (l Layout) EmptyWord(i, slot int) uint64 {
	checkSlot(slot)
	return l.Buffer(i) + uint64(slot)*8
}

// FullWord is the offset of the full flag of buffer i, slot.
func (l Layout) FullWord(i, slot int) uint64 {
	checkSlot(slot)
	return l.Buffer(i) + uint64(slot)*8 + 4
}

func (l Layout) Meta(i, slot int) uint64 {
	checkSlot(slot)
	return l.Buffer(i) + stateSize + uint64(slot)*MetaDataSize
}

func (l Layout) Data(i int) uint64 { return l.Buffer(i) + dataOffset }

func (l Layout) shadowBase() uint64 { return headerSize + uint64(l.Buffers)*l.stride() }

// ShadowWord is the offset of the mirror of buffer buf of input port port.
func (l Layout) ShadowWord(port, buf int) uint64 {
	checkSlot(port)
	if buf < 0 || buf >= l.Shadow {
		xfer.Violate("shadow buffer %d out of range [0,%d)", buf, l.Shadow)
	}
	return l.shadowBase() + uint64(port*l.Shadow+buf)*4
}

// Size is the number of window bytes the port occupies.
func (l Layout) Size() uint64 {
	return align64(l.shadowBase() + uint64(MaxPContribs*l.Shadow)*4)
}

// MetaDataSize is the encoded size of MetaData.
const MetaDataSize = 32

// MetaData describes the contents of one buffer to its receiver.
type MetaData struct {
	Length        uint32
	OpCode        uint32
	EndOfWhole    bool
	PartsPerWhole uint32
	Sequence      uint32
	PartSequence  uint32
	EndOfStream   bool
}

func boolWord(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// Encode writes m little-endian into b.
func (m *MetaData) Encode(b []byte) {
	_ = b[MetaDataSize-1]
	binary.LittleEndian.PutUint32(b[0:], m.Length)
	binary.LittleEndian.PutUint32(b[4:], m.OpCode)
	binary.LittleEndian.PutUint32(b[8:], boolWord(m.EndOfWhole))
	binary.LittleEndian.PutUint32(b[12:], m.PartsPerWhole)
	binary.LittleEndian.PutUint32(b[16:], m.Sequence)
	binary.LittleEndian.PutUint32(b[20:], m.PartSequence)
	binary.LittleEndian.PutUint32(b[24:], boolWord(m.EndOfStream))
	binary.LittleEndian.PutUint32(b[28:], 0)
}

func (m *MetaData) Decode(b []byte) {
	_ = b[MetaDataSize-1]
	m.Length = binary.LittleEndian.Uint32(b[0:])
	m.OpCode = binary.LittleEndian.Uint32(b[4:])
	m.EndOfWhole = binary.LittleEndian.Uint32(b[8:]) != 0
	m.PartsPerWhole = binary.LittleEndian.Uint32(b[12:])
	m.Sequence = binary.LittleEndian.Uint32(b[16:])
	m.PartSequence = binary.LittleEndian.Uint32(b[20:])
	m.EndOfStream = binary.LittleEndian.Uint32(b[24:]) != 0
}
