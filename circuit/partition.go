package circuit

import "fmt"

// Distribution says how the data of one side is spread over its ports.
type Distribution int

const (
	// Indivisible sides move whole buffers.
	Indivisible Distribution = iota
	// Block sides move fixed size parts of a whole.
	Block
)

func (d Distribution) String() string {
	switch d {
	case Indivisible:
		return "indivisible"
	case Block:
		return "block"
	}
	return fmt.Sprintf("Distribution(%d)", int(d))
}

// Side describes one end of a transfer for offset calculation.
type Side struct {
	Distribution Distribution
	// PortCount and Rank place the port within its port set.
	PortCount int
	Rank      int
	// PartSize is the size of one part on a Block side.
	PartSize uint64
	// BufferSize is the capacity of the side's buffers.
	BufferSize uint64
	// Length is the number of valid bytes in the source buffer.
	Length uint64
}

// Info is the result of CalculateBufferOffsets.
type Info struct {
	SrcOffset uint64
	DstOffset uint64
	// Length is zero when the sequence needs no transfer.
	Length uint64
	// DstRank is the destination rank that receives the transfer.
	DstRank int
	// Last is set when the transfer completes the destination buffer,
	// which is when its full flag is written.
	Last bool
}

// CalculateBufferOffsets computes the slice moved by the sequence-th
// transfer from src to dst.
func CalculateBufferOffsets(sequence int, src, dst Side) Info {
	switch {
	case src.Distribution == Indivisible && dst.Distribution == Indivisible:
		return calculateWholeToWhole(sequence, src, dst)
	case src.Distribution == Indivisible && dst.Distribution == Block:
		return calculateWholeToParts(sequence, src, dst)
	case src.Distribution == Block && dst.Distribution == Indivisible:
		return calculatePartsToWhole(sequence, src, dst)
	default:
		return calculatePartsToParts(sequence, src, dst)
	}
}

func calculateWholeToWhole(sequence int, src, dst Side) Info {
	if sequence != 0 {
		return Info{DstRank: dst.Rank}
	}
	return Info{Length: min(src.Length, dst.BufferSize), DstRank: dst.Rank, Last: true}
}

// calculateWholeToParts deals the parts of a whole round robin over the
// destination ports. The last part is clamped to the end of the whole.
func calculateWholeToParts(sequence int, src, dst Side) Info {
	off := (uint64(dst.PortCount*sequence+dst.Rank) * dst.PartSize)
	info := Info{SrcOffset: off, DstRank: dst.Rank, Last: true}
	if off >= src.Length {
		return info
	}
	info.Length = min(dst.PartSize, src.Length-off, dst.BufferSize)
	return info
}

// calculatePartsToWhole places part sequence of source rank Rank into the
// destination whole. Parts of the source ports interleave like the parts of
// calculateWholeToParts. Last marks the final part of this rank, after which
// the next part of the rank would start past the end of the whole.
func calculatePartsToWhole(sequence int, src, dst Side) Info {
	off := uint64(src.PortCount*sequence+src.Rank) * src.PartSize
	info := Info{DstOffset: off, DstRank: dst.Rank}
	if off >= dst.BufferSize {
		return info
	}
	info.Length = min(src.Length, src.PartSize, dst.BufferSize-off)
	info.Last = off+uint64(src.PortCount)*src.PartSize >= dst.BufferSize
	return info
}

// calculatePartsToParts routes part k = PortCount*sequence + Rank of the
// source to destination rank k mod the destination port count, whole.
func calculatePartsToParts(sequence int, src, dst Side) Info {
	k := src.PortCount*sequence + src.Rank
	return Info{
		Length:  min(src.Length, src.PartSize, dst.BufferSize),
		DstRank: k % max(dst.PortCount, 1),
		Last:    true,
	}
}
