// Package dataplane assembles a process's transfer stack from its
// configuration: the memory provider, the transport registry with every
// enabled driver, and the endpoint directory.
package dataplane

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/opencpi/opencpi-sub021/circuit"
	"github.com/opencpi/opencpi-sub021/config"
	"github.com/opencpi/opencpi-sub021/container"
	"github.com/opencpi/opencpi-sub021/datagram"
	"github.com/opencpi/opencpi-sub021/directory"
	"github.com/opencpi/opencpi-sub021/dma"
	"github.com/opencpi/opencpi-sub021/pio"
	"github.com/opencpi/opencpi-sub021/smem"
	"github.com/opencpi/opencpi-sub021/udp"
	"github.com/opencpi/opencpi-sub021/xfer"
	"github.com/opencpi/opencpi-sub021/xferstat"
)

var ErrProtocolMismatch = errors.New("dataplane: windows use different protocols")

var _ circuit.Resolver = (*Dataplane)(nil)

type Dataplane struct {
	conf     config.Config
	log      *logrus.Entry
	provider *smem.Provider
	reg      *xfer.Registry
	dir      directory.Directory
	sources  []xferstat.Source
}

// New creates the provider, registers the configured transports and opens
// the directory. conf is validated first.
func New(conf config.Config, log *logrus.Entry) (*Dataplane, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	d := &Dataplane{conf: conf, log: log.WithField("node", conf.Registry.Node)}

	var err error
	if d.provider, err = smem.NewProvider(conf.Smem, d.log); err != nil {
		return nil, errors.Wrap(err, "creating memory provider")
	}
	if d.reg, err = xfer.NewRegistry(conf.Registry, d.log); err != nil {
		return nil, errors.Wrap(err, "creating registry")
	}
	if err := d.registerTransports(); err != nil {
		_ = d.Close()
		return nil, err
	}
	if d.dir, err = directory.Open(conf.Directory, d.log); err != nil {
		_ = d.Close()
		return nil, errors.Wrap(err, "opening directory")
	}
	d.log.WithField("transports", d.reg.Protocols()).Info("dataplane ready")
	return d, nil
}

func (d *Dataplane) registerTransports() error {
	for _, proto := range d.conf.Transports {
		var (
			drv xfer.Driver
			err error
		)
		switch proto {
		case pio.Protocol:
			drv = pio.New(d.provider, d.log)
		case dma.Protocol:
			drv, err = dma.New(d.conf.DMA, d.provider, nil, d.log)
		case datagram.LoopProtocol:
			drv, err = datagram.New(datagram.LoopProtocol, d.conf.Loop, datagram.NewLoopNetwork(), d.provider, d.log)
		case udp.Protocol:
			drv, err = udp.New(d.conf.UDP, d.provider, d.log)
		default:
			return errors.Wrapf(config.ErrUnknownTransport, "%q", proto)
		}
		if err != nil {
			return errors.Wrapf(err, "creating %s driver", proto)
		}
		if _, err := d.reg.Register(drv); err != nil {
			_ = drv.Close()
			return err
		}
		if src, ok := drv.(xferstat.Source); ok {
			d.sources = append(d.sources, src)
		}
	}
	return nil
}

func (d *Dataplane) Config() config.Config { return d.conf }

func (d *Dataplane) Registry() *xfer.Registry { return d.reg }

func (d *Dataplane) Directory() directory.Directory { return d.dir }

// Window allocates a local endpoint of size bytes for protocol and maps it.
// A non-empty name publishes the endpoint in the directory.
func (d *Dataplane) Window(ctx context.Context, protocol, name string, size uint64) (*smem.Services, error) {
	f, err := d.reg.Factory(protocol)
	if err != nil {
		return nil, err
	}
	s, err := f.AllocateEndpoint(size)
	if err != nil {
		return nil, err
	}
	ep, err := f.Bind(s)
	if err != nil {
		return nil, err
	}
	sm, err := f.SmemServices(ep)
	if err != nil {
		return nil, err
	}
	if name != "" {
		if err := d.dir.Publish(ctx, directory.Record{Name: name, EndPoint: s}); err != nil {
			return nil, errors.Wrapf(err, "publishing window %q", name)
		}
	}
	return sm, nil
}

// Lookup resolves a published window. Windows of other processes come back
// without a mapping.
func (d *Dataplane) Lookup(ctx context.Context, name string) (*smem.Services, error) {
	r, err := d.dir.Lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	f, ep, err := d.reg.EndPoint(r.EndPoint)
	if err != nil {
		return nil, err
	}
	return f.SmemServices(ep)
}

// XferServices returns the transfer services between two windows of the
// same protocol.
func (d *Dataplane) XferServices(src, dst *smem.Services) (xfer.Services, error) {
	sp, dp := src.EndPoint().Protocol, dst.EndPoint().Protocol
	if sp != dp {
		return nil, errors.Wrapf(ErrProtocolMismatch, "%s to %s", sp, dp)
	}
	f, err := d.reg.Factory(sp)
	if err != nil {
		return nil, err
	}
	return f.XferServices(src, dst)
}

// NewCircuit opens a circuit whose transfers are resolved by d.
func (d *Dataplane) NewCircuit(conf circuit.Config) (*circuit.Circuit, error) {
	return circuit.New(conf, d, d.log)
}

func (d *Dataplane) NewContainer(name string) (*container.Container, error) {
	return container.New(name, d.conf.Container, d.log)
}

// Stats snapshots the counters of every transport.
func (d *Dataplane) Stats() xferstat.Stats { return xferstat.Snapshot(d.sources...) }

// Close closes the directory, every transport and the provider.
func (d *Dataplane) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.dir != nil {
		keep(d.dir.Close())
	}
	if d.reg != nil {
		keep(d.reg.Close())
	}
	keep(d.provider.Close())
	return firstErr
}
