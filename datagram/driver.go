// Package datagram implements RDMA over an unreliable datagram network.
//
// Every local endpoint owns a Station: a socket plus a frame monitor writing
// received messages into the endpoint window. Transfers are fragmented into
// messages, packed into frames and resent until acknowledged. A flag word
// written by a transfer becomes visible at the target only after every
// message of that transfer has arrived.
package datagram

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/opencpi/opencpi-sub021/endpoint"
	"github.com/opencpi/opencpi-sub021/smem"
	"github.com/opencpi/opencpi-sub021/xfer"
	"github.com/opencpi/opencpi-sub021/xferstat"
)

// LoopProtocol is the protocol of the in-process datagram transport.
const LoopProtocol = "ocpi-dgram-loop"

// Driver serves the endpoints of one datagram protocol.
type Driver struct {
	protocol string
	conf     Config
	net      Network
	provider *smem.Provider
	log      *logrus.Entry
	stats    counters

	mu       sync.Mutex
	stations map[string]*Station
}

var (
	_ xfer.Driver     = (*Driver)(nil)
	_ xfer.Binder     = (*Driver)(nil)
	_ xferstat.Source = (*Driver)(nil)
)

// New creates a driver for protocol whose stations listen on net.
func New(protocol string, conf Config, net Network, provider *smem.Provider, log *logrus.Entry) (*Driver, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Driver{
		protocol: protocol,
		conf:     conf,
		net:      net,
		provider: provider,
		log:      log.WithField("transport", protocol),
		stations: make(map[string]*Station),
	}, nil
}

func (d *Driver) Protocol() string { return d.protocol }

// IsLocal reports whether a station of this driver listens on ep's address.
func (d *Driver) IsLocal(ep *endpoint.EndPoint) bool {
	return d.Station(ep.Address) != nil
}

// Station returns the station bound to addr, or nil.
func (d *Driver) Station(addr string) *Station {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stations[addr]
}

// LocalAddress starts a station on the network's proposed address for node
// and returns the address it actually bound.
func (d *Driver) LocalAddress(node string, mailbox uint16) (string, error) {
	return d.listen(d.net.Address(node, mailbox), mailbox)
}

// Bind starts a station on the address of ep.
func (d *Driver) Bind(ep *endpoint.EndPoint) error {
	if d.Station(ep.Address) != nil {
		return nil
	}
	_, err := d.listen(ep.Address, ep.Mailbox)
	return err
}

func (d *Driver) listen(addr string, mailbox uint16) (string, error) {
	sock, err := d.net.Listen(addr)
	if err != nil {
		return "", errors.Wrapf(err, "listening on %s", addr)
	}
	st := newStation(mailbox, sock, d.conf, &d.stats, d.log)
	d.mu.Lock()
	d.stations[sock.LocalAddr()] = st
	d.mu.Unlock()
	st.log.Debug("station started")
	return sock.LocalAddr(), nil
}

// NewSmem maps the window of a local endpoint and attaches it to the
// endpoint's station. Remote endpoints get unmappable services.
func (d *Driver) NewSmem(ep *endpoint.EndPoint) (*smem.Services, error) {
	st := d.Station(ep.Address)
	if st == nil {
		return smem.NewRemote(ep), nil
	}
	s, err := d.provider.Open(ep)
	if err != nil {
		return nil, err
	}
	if err := st.attach(s); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (d *Driver) NewServices(src, dst *smem.Services) (xfer.Services, error) {
	st := d.Station(src.EndPoint().Address)
	if st == nil || src.Remote() {
		return nil, errors.Wrapf(xfer.ErrNotLocal, "source %s", src.EndPoint())
	}
	s := newSender(st, src, dst, d.conf, &d.stats, st.log.WithField("dst", dst.EndPoint().String()))
	st.addSender(s)
	return xfer.NewChainServices(s, src, dst), nil
}

// Counters returns the counters summed over every station of the driver.
func (d *Driver) Counters() xferstat.TransportStats { return d.stats.snapshot() }

// Close stops every station.
func (d *Driver) Close() error {
	d.mu.Lock()
	stations := d.stations
	d.stations = make(map[string]*Station)
	d.mu.Unlock()

	var firstErr error
	for _, st := range stations {
		if err := st.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
