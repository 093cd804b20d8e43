// Package udp implements the ocpi-udp-rdma transport: the datagram frame
// protocol carried over UDP sockets. Endpoint addresses have the form
// "<host>;<port>".
package udp

import (
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/opencpi/opencpi-sub021/datagram"
	"github.com/opencpi/opencpi-sub021/ratelimit"
	"github.com/opencpi/opencpi-sub021/smem"
)

const Protocol = "ocpi-udp-rdma"

const (
	DefaultHost       = "127.0.0.1"
	DefaultReadBuffer = 4 << 20
)

var ErrBadAddress = errors.New("udp: address must be <host>;<port>")

// Config configures the UDP transport.
type Config struct {
	// Host is the interface address of locally allocated endpoints.
	Host string `yaml:"host"`
	// ReadBuffer is the kernel receive buffer size of every socket.
	ReadBuffer int              `yaml:"read-buffer"`
	Pacing     ratelimit.Config `yaml:"pacing"`
	Datagram   datagram.Config  `yaml:"datagram"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.ReadBuffer == 0 {
		c.ReadBuffer = DefaultReadBuffer
	}
	if _, err := netip.ParseAddr(c.Host); err != nil {
		return errors.Wrapf(err, "udp host %q", c.Host)
	}
	// Lost datagrams are only ever detected by the monitor.
	c.Datagram.Monitor = true
	return c.Datagram.ValidateAndSetDefaults()
}

// New returns the datagram driver serving ocpi-udp-rdma endpoints.
func New(conf Config, provider *smem.Provider, log *logrus.Entry) (*datagram.Driver, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	n := &Network{
		conf:  conf,
		pacer: ratelimit.New(conf.Pacing),
		log:   log.WithField("transport", Protocol),
	}
	return datagram.New(Protocol, conf.Datagram, n, provider, log)
}

// Network creates UDP sockets for datagram stations.
type Network struct {
	conf  Config
	pacer *ratelimit.Pacer
	log   *logrus.Entry
}

var _ datagram.Network = (*Network)(nil)

func (n *Network) Address(string, uint16) string { return n.conf.Host + ";0" }

func (n *Network) Listen(addr string) (datagram.Socket, error) {
	ap, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(ap))
	if err != nil {
		return nil, errors.Wrapf(err, "listening on %s", addr)
	}
	if err := conn.SetReadBuffer(n.conf.ReadBuffer); err != nil {
		n.log.WithError(err).Warn("setting socket read buffer")
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	s := &socket{
		conn:  conn,
		addr:  formatAddr(netip.AddrPortFrom(ap.Addr(), uint16(port))),
		pacer: n.pacer,
		peers: make(map[string]netip.AddrPort),
		rbuf:  make([]byte, 1<<16),
	}
	n.log.WithField("addr", s.addr).Debug("socket bound")
	return s, nil
}

// parseAddr converts "<host>;<port>" to an address.
func parseAddr(addr string) (netip.AddrPort, error) {
	host, port, ok := strings.Cut(addr, ";")
	if !ok {
		return netip.AddrPort{}, errors.Wrapf(ErrBadAddress, "%q", addr)
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.AddrPort{}, errors.Wrapf(ErrBadAddress, "%q: %v", addr, err)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return netip.AddrPort{}, errors.Wrapf(ErrBadAddress, "%q: %v", addr, err)
	}
	return netip.AddrPortFrom(ip, uint16(p)), nil
}

func formatAddr(ap netip.AddrPort) string {
	return ap.Addr().Unmap().String() + ";" + strconv.Itoa(int(ap.Port()))
}

type socket struct {
	conn  *net.UDPConn
	addr  string
	pacer *ratelimit.Pacer

	wmu   sync.Mutex
	wbuf  []byte
	peers map[string]netip.AddrPort

	rbuf []byte // used by the single reader only
}

func (s *socket) WriteTo(b []byte, addr string) error {
	s.pacer.Wait(HeaderSize + len(b))
	s.wmu.Lock()
	defer s.wmu.Unlock()
	ap, ok := s.peers[addr]
	if !ok {
		var err error
		if ap, err = parseAddr(addr); err != nil {
			return err
		}
		s.peers[addr] = ap
	}
	need := HeaderSize + len(b)
	if cap(s.wbuf) < need {
		s.wbuf = make([]byte, need)
	}
	s.wbuf = s.wbuf[:need]
	h := Header{Magic: Magic, Version: Version, Length: uint32(len(b))}
	h.Encode(s.wbuf)
	copy(s.wbuf[HeaderSize:], b)

	_, err := s.conn.WriteToUDPAddrPort(s.wbuf, ap)
	return err
}

func (s *socket) ReadFrom(b []byte, timeout time.Duration) (int, string, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, "", err
	}
	n, from, err := s.conn.ReadFromUDPAddrPort(s.rbuf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return 0, "", datagram.ErrTimeout
		}
		return 0, "", err
	}
	var h Header
	if err := h.Decode(s.rbuf[:n]); err != nil {
		return 0, "", errors.Wrapf(err, "from %s", from)
	}
	return copy(b, s.rbuf[HeaderSize:n]), formatAddr(from), nil
}

func (s *socket) LocalAddr() string { return s.addr }

func (s *socket) Close() error { return s.conn.Close() }
