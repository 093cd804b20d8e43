package datagram

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrAddrInUse    = errors.New("datagram: address in use")
	ErrBadAddress   = errors.New("datagram: address must be <host>;<port>")
	ErrSocketClosed = errors.New("datagram: socket closed")
)

// Verdict tells a LoopNetwork what to do with one frame.
type Verdict int

const (
	Deliver Verdict = iota
	Drop
	// Hold parks the frame until LoopNetwork.Release.
	Hold
	// Duplicate delivers the frame twice.
	Duplicate
)

// Filter inspects every frame before delivery. It must not call back into
// the network.
type Filter func(frame []byte, from, to string) Verdict

const loopQueueLen = 1024

type loopPacket struct {
	b    []byte
	from string
}

// LoopNetwork is an in-process datagram network. Frames are queued per
// socket and a full queue drops frames, like a socket buffer would.
type LoopNetwork struct {
	mu       sync.Mutex
	sockets  map[string]*loopSocket
	nextPort int
	filter   Filter
	held     []heldPacket
}

type heldPacket struct {
	to  string
	pkt loopPacket
}

var _ Network = (*LoopNetwork)(nil)

func NewLoopNetwork() *LoopNetwork {
	return &LoopNetwork{sockets: make(map[string]*loopSocket), nextPort: 1}
}

// SetFilter installs f. A nil filter delivers everything.
func (n *LoopNetwork) SetFilter(f Filter) {
	n.mu.Lock()
	n.filter = f
	n.mu.Unlock()
}

// Release delivers every held frame, last held first.
func (n *LoopNetwork) Release() int {
	n.mu.Lock()
	held := n.held
	n.held = nil
	n.mu.Unlock()
	for i := len(held) - 1; i >= 0; i-- {
		n.deliver(held[i].to, held[i].pkt)
	}
	return len(held)
}

func (n *LoopNetwork) Address(node string, _ uint16) string { return node + ";0" }

func (n *LoopNetwork) Listen(addr string) (Socket, error) {
	host, port, ok := strings.Cut(addr, ";")
	if !ok || host == "" {
		return nil, errors.Wrapf(ErrBadAddress, "%q", addr)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 {
		return nil, errors.Wrapf(ErrBadAddress, "%q", addr)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if p == 0 {
		for {
			addr = fmt.Sprintf("%s;%d", host, n.nextPort)
			n.nextPort++
			if _, used := n.sockets[addr]; !used {
				break
			}
		}
	} else if _, used := n.sockets[addr]; used {
		return nil, errors.Wrapf(ErrAddrInUse, "%q", addr)
	}
	s := &loopSocket{
		net:  n,
		addr: addr,
		in:   make(chan loopPacket, loopQueueLen),
		done: make(chan struct{}),
	}
	n.sockets[addr] = s
	return s, nil
}

func (n *LoopNetwork) send(b []byte, from, to string) {
	pkt := loopPacket{b: append([]byte(nil), b...), from: from}
	n.mu.Lock()
	v := Deliver
	if n.filter != nil {
		v = n.filter(pkt.b, from, to)
	}
	if v == Hold {
		n.held = append(n.held, heldPacket{to: to, pkt: pkt})
	}
	n.mu.Unlock()

	switch v {
	case Deliver:
		n.deliver(to, pkt)
	case Duplicate:
		n.deliver(to, pkt)
		n.deliver(to, loopPacket{b: append([]byte(nil), pkt.b...), from: from})
	}
}

func (n *LoopNetwork) deliver(to string, pkt loopPacket) {
	n.mu.Lock()
	s := n.sockets[to]
	n.mu.Unlock()
	if s == nil {
		return
	}
	select {
	case s.in <- pkt:
	case <-s.done:
	default:
	}
}

type loopSocket struct {
	net  *LoopNetwork
	addr string
	in   chan loopPacket
	done chan struct{}
	once sync.Once
}

func (s *loopSocket) WriteTo(b []byte, addr string) error {
	select {
	case <-s.done:
		return ErrSocketClosed
	default:
	}
	s.net.send(b, s.addr, addr)
	return nil
}

func (s *loopSocket) ReadFrom(b []byte, timeout time.Duration) (int, string, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case pkt := <-s.in:
		return copy(b, pkt.b), pkt.from, nil
	case <-t.C:
		return 0, "", ErrTimeout
	case <-s.done:
		return 0, "", ErrSocketClosed
	}
}

func (s *loopSocket) LocalAddr() string { return s.addr }

func (s *loopSocket) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.net.mu.Lock()
		if s.net.sockets[s.addr] == s {
			delete(s.net.sockets, s.addr)
		}
		s.net.mu.Unlock()
	})
	return nil
}
