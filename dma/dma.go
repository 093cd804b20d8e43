// Package dma implements the ocpi-ppp-dma transport. Requests are turned into
// descriptor batches and handed to an asynchronous Engine; Status polls the
// batch's completion word.
package dma

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/opencpi/opencpi-sub021/endpoint"
	"github.com/opencpi/opencpi-sub021/smem"
	"github.com/opencpi/opencpi-sub021/xfer"
	"github.com/opencpi/opencpi-sub021/xferstat"
)

const Protocol = "ocpi-ppp-dma"

// Config configures the DMA driver.
type Config struct {
	Engine EngineConfig `yaml:"engine"`
	// InlineMax is the largest segment captured into its descriptor at
	// submit time instead of being read by the engine.
	InlineMax uint64 `yaml:"inline-max"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.InlineMax == 0 {
		c.InlineMax = DefaultInlineMax
	}
	return c.Engine.ValidateAndSetDefaults()
}

type Driver struct {
	conf     Config
	provider *smem.Provider
	engine   Engine
	log      *logrus.Entry

	started atomic.Uint64
	bytes   atomic.Uint64
}

var _ xfer.Driver = (*Driver)(nil)

// New creates a driver. A SoftEngine is started when engine is nil.
func New(conf Config, provider *smem.Provider, engine Engine, log *logrus.Entry) (*Driver, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("transport", Protocol)
	if engine == nil {
		var err error
		if engine, err = NewSoftEngine(conf.Engine, log); err != nil {
			return nil, err
		}
	}
	return &Driver{conf: conf, provider: provider, engine: engine, log: log}, nil
}

// Engine returns the engine executing this driver's requests.
func (d *Driver) Engine() Engine { return d.engine }

func (d *Driver) Protocol() string { return Protocol }

func (d *Driver) IsLocal(*endpoint.EndPoint) bool { return true }

func (d *Driver) LocalAddress(node string, mailbox uint16) (string, error) {
	return fmt.Sprintf("%s-%d.0", node, mailbox), nil
}

func (d *Driver) NewSmem(ep *endpoint.EndPoint) (*smem.Services, error) {
	return d.provider.Open(ep)
}

func (d *Driver) NewServices(src, dst *smem.Services) (xfer.Services, error) {
	t := &transport{
		drv:       d,
		engine:    d.engine,
		inlineMax: d.conf.InlineMax,
		src:       src,
		dst:       dst,
		log: d.log.WithFields(logrus.Fields{
			"src": src.EndPoint().String(),
			"dst": dst.EndPoint().String(),
		}),
	}
	return xfer.NewChainServices(t, src, dst), nil
}

// Counters returns the driver's transfer counters, plus the submission
// counters of engines that keep them.
func (d *Driver) Counters() xferstat.TransportStats {
	st := xferstat.TransportStats{
		xferstat.TransfersStarted: d.started.Load(),
		xferstat.BytesSent:        d.bytes.Load(),
	}
	if e, ok := d.engine.(interface {
		Counters() (submitted, completed, rejected uint64)
	}); ok {
		st[xferstat.EngineSubmitted], st[xferstat.EngineCompleted], st[xferstat.EngineRejected] = e.Counters()
	}
	return st
}

func (d *Driver) Close() error { return d.engine.Close() }

type transport struct {
	drv       *Driver
	engine    Engine
	inlineMax uint64
	src, dst  *smem.Services
	log       *logrus.Entry

	once           sync.Once
	srcMem, dstMem []byte
	mapErr         error
}

func (t *transport) mapWindows() error {
	t.once.Do(func() {
		if t.srcMem, t.mapErr = t.src.Map(0, t.src.Size()); t.mapErr != nil {
			return
		}
		t.dstMem, t.mapErr = t.dst.Map(0, t.dst.Size())
	})
	return t.mapErr
}

func (t *transport) descriptors(segs []xfer.Segment) []Descriptor {
	descs := make([]Descriptor, 0, len(segs))
	for _, s := range segs {
		d := Descriptor{
			Dst:  t.dstMem[s.Dst : s.Dst+s.Len],
			Flag: s.Flags.Has(xfer.FlagTransfer),
		}
		src := t.srcMem[s.Src : s.Src+s.Len]
		if s.Len <= t.inlineMax {
			d.Inline = append([]byte(nil), src...)
		} else {
			d.Src = src
		}
		descs = append(descs, d)
	}
	return descs
}

// Start submits the chain. A rejected submission is retried once; a second
// rejection fails the start.
func (t *transport) Start(c *xfer.Chain) error {
	if err := t.mapWindows(); err != nil {
		return xfer.NewResourceError("dma map", err)
	}
	descs := t.descriptors(c.Segments())
	job, err := t.engine.Submit(descs)
	if err != nil {
		t.log.WithError(err).Debug("dma submit rejected, retrying")
		if job, err = t.engine.Submit(descs); err != nil {
			return xfer.NewResourceError("dma submit", err)
		}
	}
	c.SetState(job)
	t.drv.started.Add(1)
	for _, d := range descs {
		if !d.Flag {
			t.drv.bytes.Add(uint64(len(d.Dst)))
		}
	}
	return nil
}

func (t *transport) Status(c *xfer.Chain) (xfer.Status, error) {
	job, _ := c.State().(*Job)
	if job == nil || job.Done() {
		return xfer.Complete, nil
	}
	return xfer.Pending, nil
}

func (t *transport) Release(c *xfer.Chain) { c.SetState(nil) }

func (t *transport) Close() error {
	if t.srcMem != nil {
		_ = t.src.Unmap()
	}
	if t.dstMem != nil {
		_ = t.dst.Unmap()
	}
	return nil
}
