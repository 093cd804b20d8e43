package xfer

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/opencpi/opencpi-sub021/smem"
)

var (
	ErrNotStarted     = errors.New("xfer: request not started")
	ErrBadFlagSegment = errors.New("xfer: flag segment must be one aligned 32-bit word")
)

// Transport moves the segments of chains on behalf of ChainServices.
type Transport interface {
	// Start begins moving the segments of c in order. Flag segments must
	// become visible at the target after every data segment of c.
	Start(c *Chain) error
	// Status polls the last start of c without blocking.
	Status(c *Chain) (Status, error)
	// Release drops any transport state attached to c.
	Release(c *Chain)
	// Close is called once after every chain has been released.
	Close() error
}

// ChainServices implements Services on top of a Transport.
type ChainServices struct {
	t        Transport
	src, dst *smem.Services

	mu     sync.Mutex
	live   SlotMap[Request]
	closed bool
}

var _ Services = (*ChainServices)(nil)

func NewChainServices(t Transport, src, dst *smem.Services) *ChainServices {
	return &ChainServices{t: t, src: src, dst: dst}
}

func (s *ChainServices) Source() *smem.Services { return s.src }
func (s *ChainServices) Target() *smem.Services { return s.dst }

// Transport returns the transport moving this services' chains.
func (s *ChainServices) Transport() Transport { return s.t }

func (s *ChainServices) Copy(src, dst, n uint64, flags Flags, group Request) (Request, error) {
	if err := s.checkSegment(src, dst, n, flags); err != nil {
		return nil, err
	}
	seg := Segment{Src: src, Dst: dst, Len: n, Flags: flags}
	if group != nil {
		c, err := s.ownChain(group)
		if err != nil {
			return nil, err
		}
		c.append(seg)
		return c, nil
	}
	return s.newChain([]Segment{seg})
}

func (s *ChainServices) Copy2D(
	src, dst uint64, shape Shape2D, flags Flags, group Request,
) (Request, error) {
	if shape.Rows == 0 {
		return nil, ErrZeroLength
	}
	segs := make([]Segment, 0, shape.Rows)
	inner := flags &^ (FirstTransfer | LastTransfer)
	for row := range shape.Rows {
		seg := Segment{
			Src:   src + row*shape.SrcStride,
			Dst:   dst + row*shape.DstStride,
			Len:   shape.RowLen,
			Flags: inner,
		}
		if row == 0 {
			seg.Flags |= flags & FirstTransfer
		}
		if row == shape.Rows-1 {
			seg.Flags |= flags & LastTransfer
		}
		if err := s.checkSegment(seg.Src, seg.Dst, seg.Len, seg.Flags); err != nil {
			return nil, errors.Wrapf(err, "row %d", row)
		}
		segs = append(segs, seg)
	}
	if group != nil {
		c, err := s.ownChain(group)
		if err != nil {
			return nil, err
		}
		for _, seg := range segs {
			c.append(seg)
		}
		return c, nil
	}
	return s.newChain(segs)
}

func (s *ChainServices) Group(reqs ...Request) (Request, error) {
	if len(reqs) == 0 {
		return nil, ErrEmptyGroup
	}
	for _, r := range reqs {
		if !s.owns(r) {
			return nil, ErrForeignRequest
		}
	}
	g := &groupRequest{owner: s, reqs: append([]Request(nil), reqs...)}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	g.handle = s.live.Insert(g)
	return g, nil
}

func (s *ChainServices) Release(r Request) error {
	var h Handle
	switch r := r.(type) {
	case *Chain:
		if r.owner != s {
			return ErrForeignRequest
		}
		h = r.handle
	case *groupRequest:
		if r.owner != s {
			return ErrForeignRequest
		}
		h = r.handle
	default:
		return ErrForeignRequest
	}

	s.mu.Lock()
	_, ok := s.live.Remove(h)
	s.mu.Unlock()
	if !ok {
		return ErrReleased
	}
	s.drop(r)
	return nil
}

func (s *ChainServices) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live.Len()
}

// Close releases every outstanding request and closes the transport.
// Close is idempotent.
func (s *ChainServices) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var live []Request
	s.live.Each(func(h Handle, r Request) { live = append(live, r) })
	for _, r := range live {
		switch r := r.(type) {
		case *Chain:
			s.live.Remove(r.handle)
		case *groupRequest:
			s.live.Remove(r.handle)
		}
	}
	s.mu.Unlock()

	for _, r := range live {
		s.drop(r)
	}
	return s.t.Close()
}

func (s *ChainServices) drop(r Request) {
	switch r := r.(type) {
	case *Chain:
		r.released.Store(true)
		s.t.Release(r)
	case *groupRequest:
		r.released.Store(true)
	}
}

func (s *ChainServices) newChain(segs []Segment) (*Chain, error) {
	c := &Chain{owner: s, segs: segs}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	c.handle = s.live.Insert(c)
	return c, nil
}

func (s *ChainServices) ownChain(r Request) (*Chain, error) {
	c, ok := r.(*Chain)
	if !ok || c.owner != s {
		return nil, ErrForeignRequest
	}
	if c.released.Load() {
		return nil, ErrReleased
	}
	return c, nil
}

func (s *ChainServices) owns(r Request) bool {
	switch r := r.(type) {
	case *Chain:
		return r.owner == s && !r.released.Load()
	case *groupRequest:
		return r.owner == s && !r.released.Load()
	}
	return false
}

func (s *ChainServices) checkSegment(src, dst, n uint64, flags Flags) error {
	if n == 0 {
		return ErrZeroLength
	}
	if flags.Has(FlagTransfer) && (n != 4 || dst%4 != 0 || src%4 != 0) {
		return ErrBadFlagSegment
	}
	if src+n < src || src+n > s.src.Size() {
		return errors.Wrapf(ErrOutOfRange, "source [%d,+%d) of %d", src, n, s.src.Size())
	}
	if dst+n < dst || dst+n > s.dst.Size() {
		return errors.Wrapf(ErrOutOfRange, "target [%d,+%d) of %d", dst, n, s.dst.Size())
	}
	return nil
}

// Chain is the Request created by ChainServices.
type Chain struct {
	owner    *ChainServices
	handle   Handle
	released atomic.Bool
	started  atomic.Bool

	mu    sync.Mutex
	segs  []Segment
	state any
}

// Services returns the services owning c.
func (c *Chain) Services() *ChainServices { return c.owner }

func (c *Chain) Start() error {
	if c.released.Load() {
		return ErrReleased
	}
	if err := c.owner.t.Start(c); err != nil {
		return err
	}
	c.started.Store(true)
	return nil
}

func (c *Chain) Status() (Status, error) {
	if c.released.Load() {
		return Failed, ErrReleased
	}
	if !c.started.Load() {
		return Pending, ErrNotStarted
	}
	return c.owner.t.Status(c)
}

func (c *Chain) Modify(newOffsets []uint64) ([]uint64, error) {
	if c.released.Load() {
		return nil, ErrReleased
	}
	if len(newOffsets) == 0 {
		return nil, ErrNoOffsets
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	first := &c.segs[0]
	if !first.Flags.Has(SizeModifiable) {
		return nil, ErrNotModifiable
	}
	off := newOffsets[0]
	if off+first.Len < off || off+first.Len > c.owner.src.Size() {
		return nil, errors.Wrapf(ErrOutOfRange, "source [%d,+%d)", off, first.Len)
	}
	old := first.Src
	first.Src = off
	return []uint64{old}, nil
}

// Segments returns a copy of the segment list.
func (c *Chain) Segments() []Segment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Segment(nil), c.segs...)
}

// State returns the transport state stored with SetState.
func (c *Chain) State() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Chain) SetState(v any) {
	c.mu.Lock()
	c.state = v
	c.mu.Unlock()
}

func (c *Chain) append(seg Segment) {
	c.mu.Lock()
	c.segs = append(c.segs, seg)
	c.mu.Unlock()
}

// groupRequest starts and completes a set of requests together.
type groupRequest struct {
	owner    *ChainServices
	handle   Handle
	released atomic.Bool
	reqs     []Request
}

func (g *groupRequest) Start() error {
	if g.released.Load() {
		return ErrReleased
	}
	for _, r := range g.reqs {
		if err := r.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (g *groupRequest) Status() (Status, error) {
	if g.released.Load() {
		return Failed, ErrReleased
	}
	agg := Complete
	for _, r := range g.reqs {
		st, err := r.Status()
		if err != nil || st == Failed {
			return Failed, err
		}
		if st == Pending {
			agg = Pending
		}
	}
	return agg, nil
}

func (g *groupRequest) Modify(newOffsets []uint64) ([]uint64, error) {
	if g.released.Load() {
		return nil, ErrReleased
	}
	return g.reqs[0].Modify(newOffsets)
}

func (g *groupRequest) Segments() []Segment {
	var segs []Segment
	for _, r := range g.reqs {
		segs = append(segs, r.Segments()...)
	}
	return segs
}
