package circuit

import "github.com/opencpi/opencpi-sub021/buffer"

// Transfer is one planned move from an output buffer into one input buffer.
type Transfer struct {
	out     *buffer.OutputBuffer
	src     *buffer.InputBuffer // data source of a zero-copy chain, else nil
	in      *inPort
	buf     int
	seq     int
	info    Info
	slot    int // metadata slot of out
	contrib int // state and metadata slot of the input buffer
	md      buffer.MetaData
	held    bool
}

func (t *Transfer) Output() *buffer.OutputBuffer { return t.out }

// Input returns the ordinal of the destination input port.
func (t *Transfer) Input() int { return t.in.ordinal }

// Buffer returns the index of the destination input buffer.
func (t *Transfer) Buffer() int { return t.buf }

func (t *Transfer) Sequence() int { return t.seq }
func (t *Transfer) Info() Info    { return t.info }

// MetaData returns the metadata delivered with the transfer.
func (t *Transfer) MetaData() buffer.MetaData { return t.md }
