// Package xfer defines the transfer request abstraction shared by every
// transport, the per-protocol factories that create it and the registry that
// selects a factory from an endpoint string.
//
// A Request is an ordered chain of segments moving bytes from a source window
// to a target window. Services own the requests they create until Release or
// Close. Drivers (pio, dma, datagram, udp) plug in through Driver and
// Transport.
package xfer

import (
	"github.com/opencpi/opencpi-sub021/smem"
)

// Flags qualify one segment of a request.
type Flags uint32

const (
	// FirstTransfer marks the first segment of a logical transfer.
	FirstTransfer Flags = 1 << iota
	// LastTransfer marks the last segment of a logical transfer.
	LastTransfer
	// SizeModifiable allows Modify to move the segment's source offset.
	SizeModifiable
	// DataOffset marks a segment addressing a data region.
	DataOffset
	// FlagTransfer marks a segment writing a 32-bit flag word. Flag segments
	// are applied after every data segment of the same request.
	FlagTransfer
)

func (f Flags) Has(o Flags) bool { return f&o == o }

// Segment moves Len bytes from source offset Src to target offset Dst.
type Segment struct {
	Src   uint64
	Dst   uint64
	Len   uint64
	Flags Flags
}

// Status of a started request.
type Status int

const (
	Pending Status = iota
	Complete
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Shape2D describes a strided copy of Rows rows of RowLen bytes each.
type Shape2D struct {
	Rows      uint64
	RowLen    uint64
	SrcStride uint64
	DstStride uint64
}

// Request is a reusable chain of segments.
//
// Start may be called again once Status reports Complete or Failed.
// Status never blocks.
type Request interface {
	Start() error
	Status() (Status, error)
	// Modify replaces the source offset of the first segment with
	// newOffsets[0] and returns the previous offset. Later entries are
	// ignored.
	Modify(newOffsets []uint64) (old []uint64, err error)
	Segments() []Segment
}

// Services create and track requests between one source and one target
// window.
type Services interface {
	// Copy creates a request for one segment, or appends the segment to
	// group when group is non-nil.
	Copy(src, dst, n uint64, flags Flags, group Request) (Request, error)
	// Copy2D creates or extends a request with one segment per row.
	Copy2D(src, dst uint64, shape Shape2D, flags Flags, group Request) (Request, error)
	// Group combines requests into one that starts and completes together.
	Group(reqs ...Request) (Request, error)
	// Release stops tracking r. Releasing twice returns ErrReleased.
	Release(r Request) error
	// Outstanding returns the number of requests not yet released.
	Outstanding() int
	Source() *smem.Services
	Target() *smem.Services
	// Close releases every outstanding request.
	Close() error
}
