package datagram

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/opencpi/opencpi-sub021/smem"
	"github.com/opencpi/opencpi-sub021/xfer"
)

// outMsg is a message waiting for a free frame. Payload and flag value are
// captured when the request starts.
type outMsg struct {
	tx      *Transaction
	hdr     MsgHeader
	payload []byte
}

// sender is the xfer.Transport of one (local source, remote target) pair.
// It fragments chains into messages, packs messages into frames and keeps
// every frame until the target acknowledges it.
type sender struct {
	st       *Station
	peerID   uint16
	peerAddr string
	src      *smem.Services
	conf     Config
	stats    *counters
	log      *logrus.Entry

	mu       sync.Mutex
	srcMem   []byte
	pool     framePool
	frameSeq uint32
	txID     uint32
	queue    []outMsg
	inflight map[uint32]*Frame
	// outbox holds frame images packed under mu and written after it is
	// released, so a pacing socket never stalls the sender lock.
	outbox []wireFrame
	closed bool
}

type wireFrame struct {
	seq uint32
	b   []byte
}

func newSender(st *Station, src, dst *smem.Services, conf Config, stats *counters, log *logrus.Entry) *sender {
	return &sender{
		st:       st,
		peerID:   dst.EndPoint().Mailbox,
		peerAddr: dst.EndPoint().Address,
		src:      src,
		conf:     conf,
		stats:    stats,
		log:      log,
		pool:     newFramePool(conf.Frames, conf.MaxFrameSize),
		frameSeq: rand.Uint32(),
		txID:     rand.Uint32(),
		inflight: make(map[uint32]*Frame),
	}
}

func (s *sender) peerKey() peerKey { return peerKey{s.peerAddr, s.peerID} }

// messageCount returns the number of messages segs fragment into.
func messageCount(segs []xfer.Segment, limit uint64) uint64 {
	var data, flags uint64
	for _, seg := range segs {
		if seg.Flags.Has(xfer.FlagTransfer) {
			flags++
			continue
		}
		data += (seg.Len + limit - 1) / limit
	}
	if data > 0 && flags > 0 {
		flags--
	}
	return data + flags
}

// messages fragments segs into the messages of one transaction. The first
// flag rides on the last data message; further flags travel alone.
func (s *sender) messages(segs []xfer.Segment) ([]outMsg, error) {
	var (
		data  []outMsg
		flags []xfer.Segment
		limit = uint64(s.conf.maxPayload())
	)
	if n := messageCount(segs, limit); n > MaxMsgsPerTransaction {
		return nil, errors.Wrapf(ErrTooManyMessages,
			"%d messages of at most %d bytes", n, limit)
	}
	for _, seg := range segs {
		if seg.Flags.Has(xfer.FlagTransfer) {
			flags = append(flags, seg)
			continue
		}
		src := s.srcMem[seg.Src : seg.Src+seg.Len]
		for off := uint64(0); off < seg.Len; off += limit {
			n := min(limit, seg.Len-off)
			data = append(data, outMsg{
				hdr: MsgHeader{
					Kind:      MsgData,
					DstOffset: seg.Dst + off,
					Length:    uint32(n),
				},
				payload: append([]byte(nil), src[off:off+n]...),
			})
		}
	}
	for i, f := range flags {
		v := smem.WordAt(s.srcMem, f.Src).Load()
		if i == 0 && len(data) > 0 {
			last := &data[len(data)-1]
			last.hdr.Kind = MsgDataFlag
			last.hdr.FlagAddr = f.Dst
			last.hdr.FlagValue = v
			continue
		}
		data = append(data, outMsg{hdr: MsgHeader{Kind: MsgFlag, FlagAddr: f.Dst, FlagValue: v}})
	}
	return data, nil
}

func (s *sender) Start(c *xfer.Chain) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return xfer.ErrClosed
	}
	if s.srcMem == nil {
		mem, err := s.src.Map(0, s.src.Size())
		if err != nil {
			s.mu.Unlock()
			return xfer.NewResourceError("datagram map", err)
		}
		s.srcMem = mem
	}

	msgs, err := s.messages(c.Segments())
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.txID++
	tx := NewTransaction(s.txID, len(msgs))
	for i := range msgs {
		msgs[i].tx = tx
		msgs[i].hdr.TransactionID = tx.ID
		msgs[i].hdr.MsgsInTransaction = uint16(len(msgs))
		msgs[i].hdr.MsgSeq = uint16(i)
	}
	c.SetState(tx)
	s.stats.transfersStarted.Add(1)
	s.queue = append(s.queue, msgs...)
	s.pumpLocked(time.Now())
	s.unlockAndWrite()
	return nil
}

// pumpLocked packs queued messages into free frames and queues them for
// sending.
func (s *sender) pumpLocked(now time.Time) {
	for len(s.queue) > 0 {
		// Messages of failed or released transactions are never sent.
		if s.queue[0].tx.Err() != nil {
			s.queue = s.queue[1:]
			continue
		}
		f := s.pool.get()
		if f == nil {
			return
		}
		s.pack(f)
		f.sent = now
		s.inflight[f.Seq] = f
		s.send(f)
	}
}

func (s *sender) pack(f *Frame) {
	s.frameSeq++
	f.Seq = s.frameSeq
	fh := FrameHeader{
		DestID:   s.peerID,
		SrcID:    s.st.id,
		FrameSeq: f.Seq,
		Flags:    FrameHasMessages,
	}
	if start, count, ok := s.st.takeAcks(s.peerKey()); ok {
		fh.AckStart, fh.AckCount = start, count
	}

	off := FrameHeaderSize
	for len(s.queue) > 0 && int(fh.MsgCount) < s.conf.MaxMsgsPerFrame {
		m := &s.queue[0]
		if m.tx.Err() != nil {
			s.queue = s.queue[1:]
			continue
		}
		need := MsgHeaderSize + int(m.hdr.Length)
		if off+need > len(f.buf) {
			break
		}
		m.hdr.Encode(f.buf[off:])
		copy(f.buf[off+MsgHeaderSize:], m.payload)
		off += need
		m.tx.MarkSent(m.hdr.MsgSeq)
		f.refs = append(f.refs, msgRef{tx: m.tx, seq: m.hdr.MsgSeq})
		fh.MsgCount++
		s.queue = s.queue[1:]
	}
	fh.Encode(f.buf)
	f.n = off
}

// send copies f into the outbox. The frame itself stays owned by inflight
// and may be recycled as soon as mu is released.
func (s *sender) send(f *Frame) {
	s.outbox = append(s.outbox, wireFrame{seq: f.Seq, b: append([]byte(nil), f.Bytes()...)})
}

// unlockAndWrite releases mu and writes the frames queued while it was held.
func (s *sender) unlockAndWrite() {
	out := s.outbox
	s.outbox = nil
	s.mu.Unlock()
	for _, w := range out {
		if err := s.st.sock.WriteTo(w.b, s.peerAddr); err != nil {
			// The frame stays in flight and is resent on timeout.
			s.log.WithError(err).WithField("frame", w.seq).Debug("frame send failed")
			continue
		}
		s.stats.framesSent.Add(1)
		s.stats.bytesSent.Add(uint64(len(w.b)))
	}
}

// applyAcks releases the acknowledged frames and credits their messages.
func (s *sender) applyAcks(start uint32, count uint16, now time.Time) {
	s.mu.Lock()
	for i := range uint32(count) {
		f, ok := s.inflight[start+i]
		if !ok {
			continue
		}
		for _, r := range f.refs {
			r.tx.Ack(r.seq)
		}
		delete(s.inflight, f.Seq)
		s.pool.put(f)
	}
	if !s.closed {
		s.pumpLocked(now)
	}
	s.unlockAndWrite()
}

// checkAcksLocked resends every frame whose ACK is overdue. A frame that has
// been resent MaxResends times fails its transactions instead.
func (s *sender) checkAcksLocked(now time.Time, timeout time.Duration) {
	for seq, f := range s.inflight {
		if now.Sub(f.sent) < timeout<<f.resends {
			continue
		}
		if f.resends >= s.conf.MaxResends {
			for _, r := range f.refs {
				r.tx.Fail(ErrResendsExhausted)
			}
			s.stats.framesFailed.Add(1)
			s.log.WithFields(logrus.Fields{
				"frame": seq, "resends": f.resends,
			}).Warn("frame was never acknowledged")
			delete(s.inflight, seq)
			s.pool.put(f)
			continue
		}
		f.resends++
		f.sent = now
		s.stats.framesResent.Add(1)
		s.send(f)
	}
}

func (s *sender) Status(c *xfer.Chain) (xfer.Status, error) {
	tx, _ := c.State().(*Transaction)
	if tx == nil {
		return xfer.Complete, nil
	}
	s.mu.Lock()
	if !s.conf.Monitor && !tx.IsComplete() && tx.Err() == nil {
		now := time.Now()
		s.checkAcksLocked(now, s.conf.ResendTimeout)
		s.pumpLocked(now)
	}
	st, err := xfer.Pending, tx.Err()
	switch {
	case err != nil:
		st = xfer.Failed
	case tx.IsComplete():
		st = xfer.Complete
	}
	s.unlockAndWrite()
	return st, err
}

func (s *sender) Release(c *xfer.Chain) {
	if tx, ok := c.State().(*Transaction); ok {
		s.mu.Lock()
		tx.Fail(xfer.ErrReleased)
		s.mu.Unlock()
	}
	c.SetState(nil)
}

func (s *sender) Close() error {
	s.st.removeSender(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.queue = nil
	s.outbox = nil
	if s.srcMem != nil {
		s.srcMem = nil
		return s.src.Unmap()
	}
	return nil
}

// inFlight returns the number of frames waiting for an ACK.
func (s *sender) inFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}
