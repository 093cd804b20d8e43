// Package pio implements the programmed-I/O transport: both windows are
// mapped into this process and segments are copied by the CPU when a request
// starts.
package pio

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/opencpi/opencpi-sub021/endpoint"
	"github.com/opencpi/opencpi-sub021/smem"
	"github.com/opencpi/opencpi-sub021/xfer"
	"github.com/opencpi/opencpi-sub021/xferstat"
)

const Protocol = "ocpi-smb-pio"

// Driver serves ocpi-smb-pio endpoints from a smem.Provider.
type Driver struct {
	provider *smem.Provider
	log      *logrus.Entry

	started atomic.Uint64
	bytes   atomic.Uint64
}

var _ xfer.Driver = (*Driver)(nil)

func New(provider *smem.Provider, log *logrus.Entry) *Driver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Driver{provider: provider, log: log.WithField("transport", Protocol)}
}

func (d *Driver) Protocol() string { return Protocol }

// IsLocal is always true: every PIO window is mappable on this host.
func (d *Driver) IsLocal(*endpoint.EndPoint) bool { return true }

func (d *Driver) LocalAddress(node string, mailbox uint16) (string, error) {
	return fmt.Sprintf("%s-%d", node, mailbox), nil
}

func (d *Driver) NewSmem(ep *endpoint.EndPoint) (*smem.Services, error) {
	return d.provider.Open(ep)
}

func (d *Driver) NewServices(src, dst *smem.Services) (xfer.Services, error) {
	t := &transport{drv: d, src: src, dst: dst, log: d.log.WithFields(logrus.Fields{
		"src": src.EndPoint().String(),
		"dst": dst.EndPoint().String(),
	})}
	return xfer.NewChainServices(t, src, dst), nil
}

// Counters returns the transfers started and bytes copied so far.
func (d *Driver) Counters() xferstat.TransportStats {
	return xferstat.TransportStats{
		xferstat.TransfersStarted: d.started.Load(),
		xferstat.BytesSent:        d.bytes.Load(),
	}
}

func (d *Driver) Close() error { return nil }

type transport struct {
	drv      *Driver
	src, dst *smem.Services
	log      *logrus.Entry

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

// Start copies every data segment, then stores every flag segment.
func (t *transport) Start(c *xfer.Chain) error {
	if err := t.mapWindows(); err != nil {
		return xfer.NewResourceError("pio map", err)
	}
	segs := c.Segments()
	var n uint64
	for _, s := range segs {
		if s.Flags.Has(xfer.FlagTransfer) {
			continue
		}
		n += uint64(Copy(t.dstMem[s.Dst:s.Dst+s.Len], t.srcMem[s.Src:s.Src+s.Len]))
	}
	for _, s := range segs {
		if !s.Flags.Has(xfer.FlagTransfer) {
			continue
		}
		smem.WordAt(t.dstMem, s.Dst).Store(smem.WordAt(t.srcMem, s.Src).Load())
	}
	t.drv.started.Add(1)
	t.drv.bytes.Add(n)
	return nil
}

func (t *transport) Status(*xfer.Chain) (xfer.Status, error) { return xfer.Complete, nil }

func (t *transport) Release(*xfer.Chain) {}

func (t *transport) Close() error {
	if t.srcMem != nil {
		_ = t.src.Unmap()
	}
	if t.dstMem != nil {
		_ = t.dst.Unmap()
	}
	t.log.Debug("closed pio services")
	return nil
}

// Copy copies min(len(dst), len(src)) bytes and returns the count.
// When dst and src have the same address modulo 4 the aligned middle is moved
// as 32-bit words; otherwise every byte is moved on its own.
func Copy(dst, src []byte) int {
	n := min(len(dst), len(src))
	if n == 0 {
		return 0
	}
	d := uintptr(unsafe.Pointer(&dst[0]))
	s := uintptr(unsafe.Pointer(&src[0]))
	if d&3 != s&3 {
		for i := range n {
			dst[i] = src[i]
		}
		return n
	}

	i := 0
	for ; i < n && (d+uintptr(i))&3 != 0; i++ {
		dst[i] = src[i]
	}
	if words := (n - i) / 4; words > 0 {
		dw := unsafe.Slice((*uint32)(unsafe.Pointer(&dst[i])), words)
		sw := unsafe.Slice((*uint32)(unsafe.Pointer(&src[i])), words)
		for k := range dw {
			dw[k] = sw[k]
		}
		i += words * 4
	}
	for ; i < n; i++ {
		dst[i] = src[i]
	}
	return n
}
