package datagram

import (
	"sync"
	"time"

	"github.com/glycerine/idem"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/opencpi/opencpi-sub021/smem"
)

// peerKey names a remote endpoint. Mailbox ids are only unique within the
// process that allocated them, so the address is part of the key.
type peerKey struct {
	addr string
	id   uint16
}

// peer is the receive-side state a station keeps per remote endpoint.
type peer struct {
	addr string
	// acks holds received frame sequences not yet acknowledged, with the
	// time each arrived.
	acks map[uint32]time.Time
	// partial holds transactions still missing messages.
	partial map[uint32]*rxTransaction
	// done remembers recently completed transactions; doneOrder evicts the
	// oldest once the window is full.
	done      map[uint32]struct{}
	doneOrder []uint32
}

type rxTransaction struct {
	got   []bool
	count int
	flags []flagWrite
	// last is when the most recent new message arrived.
	last time.Time
}

type flagWrite struct {
	addr  uint64
	value uint32
}

// takeRun removes and returns the lowest contiguous run of pending ACKs.
func (p *peer) takeRun() (start uint32, count uint16, ok bool) {
	if len(p.acks) == 0 {
		return 0, 0, false
	}
	first := true
	for seq := range p.acks {
		if first || seq < start {
			start, first = seq, false
		}
	}
	for count < 0xffff {
		if _, ok := p.acks[start+uint32(count)]; !ok {
			break
		}
		delete(p.acks, start+uint32(count))
		count++
	}
	return start, count, true
}

func (p *peer) markDone(id uint32, window int) {
	p.done[id] = struct{}{}
	p.doneOrder = append(p.doneOrder, id)
	if len(p.doneOrder) > window {
		delete(p.done, p.doneOrder[0])
		p.doneOrder = p.doneOrder[1:]
	}
}

// Station is the datagram presence of one local endpoint. It owns the
// endpoint's socket, runs the frame monitor writing received messages into
// the endpoint window and routes ACKs to the senders of this endpoint.
type Station struct {
	id    uint16
	sock  Socket
	conf  Config
	stats *counters
	log   *logrus.Entry

	halt *idem.Halter
	wg   sync.WaitGroup

	mu      sync.Mutex
	mem     []byte
	senders map[peerKey]*sender
	peers   map[peerKey]*peer
	msgs    []message
}

func newStation(id uint16, sock Socket, conf Config, stats *counters, log *logrus.Entry) *Station {
	st := &Station{
		id:      id,
		sock:    sock,
		conf:    conf,
		stats:   stats,
		log:     log.WithFields(logrus.Fields{"station": sock.LocalAddr(), "mailbox": id}),
		halt:    idem.NewHalterNamed("datagram-station"),
		senders: make(map[peerKey]*sender),
		peers:   make(map[peerKey]*peer),
	}
	st.wg.Add(1)
	go st.receive()
	if conf.Monitor {
		st.wg.Add(1)
		go st.monitor()
	}
	return st
}

// Addr returns the endpoint address of the station.
func (st *Station) Addr() string { return st.sock.LocalAddr() }

// attach makes s the window received messages are written into.
func (st *Station) attach(s *smem.Services) error {
	mem, err := s.Map(0, s.Size())
	if err != nil {
		return err
	}
	st.mu.Lock()
	st.mem = mem
	st.mu.Unlock()
	s.OnClose(func() {
		st.mu.Lock()
		st.mem = nil
		st.mu.Unlock()
	})
	return nil
}

func (st *Station) receive() {
	defer st.wg.Done()
	buf := make([]byte, 1<<16)
	// Incomplete transactions are kept twice as long as a sender resends.
	horizon := 2 * st.conf.resendHorizon()
	nextExpiry := time.Now().Add(horizon)
	for !st.halt.ReqStop.IsClosed() {
		n, from, err := st.sock.ReadFrom(buf, st.conf.PollInterval)
		now := time.Now()
		if now.After(nextExpiry) {
			st.expirePartial(now, horizon)
			nextExpiry = now.Add(horizon / 2)
		}
		switch {
		case err == nil:
			st.handle(buf[:n], from, now)
		case errors.Is(err, ErrTimeout), st.halt.ReqStop.IsClosed():
		default:
			st.log.WithError(err).Warn("frame monitor read failed")
		}
		if !st.conf.Monitor && st.conf.AckDelay > 0 {
			st.SendAcks(now, st.conf.AckDelay)
		}
	}
}

// monitor resends timed out frames and flushes delayed ACKs.
func (st *Station) monitor() {
	defer st.wg.Done()
	t := time.NewTicker(st.conf.MonitorInterval)
	defer t.Stop()
	for {
		select {
		case <-st.halt.ReqStop.Chan:
			return
		case now := <-t.C:
			st.CheckAcks(now, st.conf.ResendTimeout)
			st.SendAcks(now, st.conf.AckDelay)
		}
	}
}

func (st *Station) handle(pkt []byte, from string, now time.Time) {
	var fh FrameHeader
	if err := fh.Decode(pkt); err != nil || fh.DestID != st.id {
		st.stats.framesDropped.Add(1)
		return
	}
	st.stats.framesReceived.Add(1)
	st.stats.bytesReceived.Add(uint64(len(pkt)))

	if fh.AckCount > 0 {
		st.stats.acksReceived.Add(1)
		st.mu.Lock()
		snd := st.senders[peerKey{from, fh.SrcID}]
		st.mu.Unlock()
		if snd != nil {
			snd.applyAcks(fh.AckStart, fh.AckCount, now)
		}
	}
	if fh.Flags&FrameHasMessages == 0 {
		return
	}

	st.mu.Lock()
	if !st.deliverLocked(&fh, pkt[FrameHeaderSize:], from, now) {
		st.mu.Unlock()
		st.stats.framesDropped.Add(1)
		return
	}
	st.mu.Unlock()
	if st.conf.AckDelay == 0 {
		st.SendAcks(now, 0)
	}
}

// deliverLocked writes the messages of one frame into the window and queues
// the frame's ACK. A frame with any invalid message is dropped unacknowledged.
func (st *Station) deliverLocked(fh *FrameHeader, body []byte, from string, now time.Time) bool {
	if st.mem == nil {
		return false
	}
	msgs, err := decodeMessages(body, fh.MsgCount, st.msgs)
	if err != nil {
		st.log.WithError(err).Debug("dropping malformed frame")
		return false
	}
	st.msgs = msgs
	size := uint64(len(st.mem))
	for i := range msgs {
		h := &msgs[i].hdr
		if h.MsgSeq >= h.MsgsInTransaction ||
			h.DstOffset > size || uint64(h.Length) > size-h.DstOffset ||
			(h.Kind.hasFlag() && (h.FlagAddr%4 != 0 || h.FlagAddr+4 > size)) {
			st.log.WithFields(logrus.Fields{
				"tx": h.TransactionID, "offset": h.DstOffset, "len": h.Length,
			}).Warn("dropping frame addressing outside the window")
			return false
		}
	}

	key := peerKey{from, fh.SrcID}
	p := st.peers[key]
	if p == nil {
		p = &peer{
			addr:    from,
			acks:    make(map[uint32]time.Time),
			partial: make(map[uint32]*rxTransaction),
			done:    make(map[uint32]struct{}),
		}
		st.peers[key] = p
	}

	for i := range msgs {
		m := &msgs[i]
		id := m.hdr.TransactionID
		if _, ok := p.done[id]; ok {
			st.stats.duplicateMsgs.Add(1)
			continue
		}
		rx := p.partial[id]
		if rx == nil {
			rx = &rxTransaction{got: make([]bool, m.hdr.MsgsInTransaction)}
			p.partial[id] = rx
		}
		if int(m.hdr.MsgSeq) >= len(rx.got) || rx.got[m.hdr.MsgSeq] {
			st.stats.duplicateMsgs.Add(1)
			continue
		}
		rx.last = now
		copy(st.mem[m.hdr.DstOffset:], m.payload)
		if m.hdr.Kind.hasFlag() {
			rx.flags = append(rx.flags, flagWrite{addr: m.hdr.FlagAddr, value: m.hdr.FlagValue})
		}
		rx.got[m.hdr.MsgSeq] = true
		rx.count++
		if rx.count == len(rx.got) {
			for _, fw := range rx.flags {
				smem.WordAt(st.mem, fw.addr).Store(fw.value)
			}
			delete(p.partial, id)
			p.markDone(id, st.conf.DoneWindow)
		}
	}
	if _, ok := p.acks[fh.FrameSeq]; !ok {
		p.acks[fh.FrameSeq] = now
	}
	return true
}

// expirePartial drops incomplete transactions that saw no new message for
// longer than horizon. Their sender has given up on them by then, so their
// flags are never written. Late messages of a dropped transaction count as
// duplicates.
func (st *Station) expirePartial(now time.Time, horizon time.Duration) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, p := range st.peers {
		for id, rx := range p.partial {
			if now.Sub(rx.last) <= horizon {
				continue
			}
			delete(p.partial, id)
			p.markDone(id, st.conf.DoneWindow)
			st.log.WithFields(logrus.Fields{
				"peer": p.addr, "tx": id, "received": rx.count, "messages": len(rx.got),
			}).Debug("dropping incomplete transaction")
		}
	}
}

// partialCount returns the number of incomplete transactions held.
func (st *Station) partialCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	n := 0
	for _, p := range st.peers {
		n += len(p.partial)
	}
	return n
}

// takeAcks removes the lowest run of pending ACKs for a piggyback ride.
func (st *Station) takeAcks(key peerKey) (start uint32, count uint16, ok bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if p := st.peers[key]; p != nil {
		return p.takeRun()
	}
	return 0, 0, false
}

// SendAcks sends standalone ACK frames to every peer whose oldest pending
// ACK has waited at least delay.
func (st *Station) SendAcks(now time.Time, delay time.Duration) {
	type ackFrame struct {
		addr string
		hdr  FrameHeader
	}
	var out []ackFrame

	st.mu.Lock()
	for key, p := range st.peers {
		if len(p.acks) == 0 {
			continue
		}
		oldest := now
		for _, at := range p.acks {
			if at.Before(oldest) {
				oldest = at
			}
		}
		if now.Sub(oldest) < delay {
			continue
		}
		for {
			start, count, ok := p.takeRun()
			if !ok {
				break
			}
			out = append(out, ackFrame{addr: p.addr, hdr: FrameHeader{
				DestID: key.id, SrcID: st.id, AckStart: start, AckCount: count,
			}})
		}
	}
	st.mu.Unlock()

	var buf [FrameHeaderSize]byte
	for _, a := range out {
		a.hdr.Encode(buf[:])
		if err := st.sock.WriteTo(buf[:], a.addr); err != nil {
			st.log.WithError(err).Debug("sending ack frame failed")
			continue
		}
		st.stats.acksSent.Add(1)
	}
}

// CheckAcks resends every frame of every sender whose ACK is overdue.
// The first resend happens after timeout; each further one waits twice as
// long as the previous.
func (st *Station) CheckAcks(now time.Time, timeout time.Duration) {
	st.mu.Lock()
	senders := make([]*sender, 0, len(st.senders))
	for _, s := range st.senders {
		senders = append(senders, s)
	}
	st.mu.Unlock()
	for _, s := range senders {
		s.mu.Lock()
		s.checkAcksLocked(now, timeout)
		s.pumpLocked(now)
		s.unlockAndWrite()
	}
}

func (st *Station) addSender(s *sender) {
	st.mu.Lock()
	st.senders[s.peerKey()] = s
	st.mu.Unlock()
}

func (st *Station) removeSender(s *sender) {
	st.mu.Lock()
	if st.senders[s.peerKey()] == s {
		delete(st.senders, s.peerKey())
	}
	st.mu.Unlock()
}

// Close stops the frame monitor and closes the socket.
func (st *Station) Close() error {
	if st.halt.ReqStop.IsClosed() {
		return nil
	}
	st.halt.ReqStop.Close()
	err := st.sock.Close()
	st.wg.Wait()
	st.halt.Done.Close()
	return err
}
