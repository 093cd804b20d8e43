package xfer

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/opencpi/opencpi-sub021/endpoint"
	"github.com/opencpi/opencpi-sub021/smem"
)

// Driver is the per-protocol part of a transport.
type Driver interface {
	// Protocol returns the endpoint protocol string the driver serves.
	Protocol() string
	// IsLocal reports whether this process serves the window of ep.
	IsLocal(ep *endpoint.EndPoint) bool
	// LocalAddress returns the address part for a new local endpoint.
	LocalAddress(node string, mailbox uint16) (string, error)
	// NewSmem creates the memory services for ep.
	NewSmem(ep *endpoint.EndPoint) (*smem.Services, error)
	// NewServices creates transfer services from src to dst.
	NewServices(src, dst *smem.Services) (Services, error)
	Close() error
}

// Binder is implemented by drivers whose local endpoints own a network
// resource that has to be bound before use.
type Binder interface {
	Bind(ep *endpoint.EndPoint) error
}

type pairKey struct {
	src, dst *smem.Services
}

// Factory creates endpoints, memory services and transfer services for one
// protocol. Everything it creates is cached until ClearCache.
type Factory struct {
	reg *Registry
	drv Driver
	log *logrus.Entry

	mu        sync.Mutex
	endpoints []*endpoint.EndPoint
	smems     map[*endpoint.EndPoint]*smem.Services
	services  map[pairKey]Services
}

func (f *Factory) Protocol() string { return f.drv.Protocol() }

// Driver returns the driver behind f.
func (f *Factory) Driver() Driver { return f.drv }

// EndPoint returns the cached EndPoint for s, parsing it on first use.
// Equal strings always yield the same *EndPoint.
func (f *Factory) EndPoint(s string) (*endpoint.EndPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.endPointLocked(s)
}

func (f *Factory) endPointLocked(s string) (*endpoint.EndPoint, error) {
	for _, ep := range f.endpoints {
		if ep.String() == s {
			return ep, nil
		}
	}
	ep, err := endpoint.Parse(s)
	if err != nil {
		return nil, err
	}
	if ep.Protocol != f.Protocol() {
		return nil, errors.Wrapf(ErrProtocolMismatch, "%q for %s", ep.Protocol, f.Protocol())
	}
	ep.Local = f.drv.IsLocal(ep)
	f.endpoints = append(f.endpoints, ep)
	return ep, nil
}

// Bind makes s a local endpoint of this process and returns it.
func (f *Factory) Bind(s string) (*endpoint.EndPoint, error) {
	var stale []io.Closer
	defer func() {
		for _, c := range stale {
			if err := c.Close(); err != nil {
				f.log.WithError(err).WithField("endpoint", s).Warn("closing services of a rebound endpoint")
			}
		}
	}()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ep := range f.endpoints {
		if ep.String() == s && ep.Local {
			return ep, nil
		}
	}
	if b, ok := f.drv.(Binder); ok {
		ep, err := endpoint.Parse(s)
		if err != nil {
			return nil, err
		}
		if err := b.Bind(ep); err != nil {
			return nil, errors.Wrapf(err, "binding %s", s)
		}
		// Forget a remote view cached before the bind.
		stale = f.forgetLocked(s)
	}
	ep, err := f.endPointLocked(s)
	if err != nil {
		return nil, err
	}
	if !ep.Local {
		return nil, errors.Wrapf(ErrNotLocal, "%s", s)
	}
	return ep, nil
}

// AllocateEndpoint returns a new local endpoint string with the next free
// mailbox of the registry and a window of size bytes.
func (f *Factory) AllocateEndpoint(size uint64) (string, error) {
	mb, err := f.reg.nextMailbox()
	if err != nil {
		return "", err
	}
	addr, err := f.drv.LocalAddress(f.reg.Node(), mb)
	if err != nil {
		return "", errors.Wrap(err, "allocating local address")
	}
	s := endpoint.Format(f.Protocol(), addr, size, mb, f.reg.MaxMailboxes())
	f.log.WithFields(logrus.Fields{"endpoint": s}).Debug("allocated endpoint")
	return s, nil
}

// SmemServices returns the memory services of ep, creating them once.
func (f *Factory) SmemServices(ep *endpoint.EndPoint) (*smem.Services, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.smems[ep]; ok {
		return s, nil
	}
	s, err := f.drv.NewSmem(ep)
	if err != nil {
		return nil, err
	}
	f.smems[ep] = s
	return s, nil
}

// XferServices returns the transfer services from src to dst, creating them
// once per pair.
func (f *Factory) XferServices(src, dst *smem.Services) (Services, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := pairKey{src, dst}
	if s, ok := f.services[k]; ok {
		return s, nil
	}
	s, err := f.drv.NewServices(src, dst)
	if err != nil {
		return nil, err
	}
	f.services[k] = s
	return s, nil
}

// ClearCache closes every cached services value and forgets every endpoint.
// ClearCache is idempotent.
func (f *Factory) ClearCache() error {
	f.mu.Lock()
	services, smems := f.services, f.smems
	f.services = make(map[pairKey]Services)
	f.smems = make(map[*endpoint.EndPoint]*smem.Services)
	f.endpoints = nil
	f.mu.Unlock()

	var firstErr error
	for _, s := range services {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, s := range smems {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close clears the cache and closes the driver.
func (f *Factory) Close() error {
	err := f.ClearCache()
	if derr := f.drv.Close(); derr != nil && err == nil {
		err = derr
	}
	return err
}

// forgetLocked drops the cached endpoint s together with its memory
// services and every transfer services using them. It returns what has to
// be closed.
func (f *Factory) forgetLocked(s string) []io.Closer {
	var stale []io.Closer
	for _, ep := range f.endpoints {
		if ep.String() != s {
			continue
		}
		sm, ok := f.smems[ep]
		if !ok {
			continue
		}
		delete(f.smems, ep)
		for k, svc := range f.services {
			if k.src == sm || k.dst == sm {
				delete(f.services, k)
				stale = append(stale, svc)
			}
		}
		stale = append(stale, sm)
	}
	f.endpoints = slicesDeleteString(f.endpoints, s)
	return stale
}

func slicesDeleteString(eps []*endpoint.EndPoint, s string) []*endpoint.EndPoint {
	out := eps[:0]
	for _, ep := range eps {
		if ep.String() != s {
			out = append(out, ep)
		}
	}
	return out
}
