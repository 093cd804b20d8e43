// Package smem provides the shared-memory services behind transfer endpoints.
//
// Every endpoint window is served by one Services value which maps the window
// into this process. Backends:
//
//   - heap: process-local memory, shared by all endpoints naming the same
//     target and offset inside one Provider.
//   - shm: a file under a tmpfs directory (default /dev/shm) mapped MAP_SHARED,
//     usable across processes on one host.
//   - bpf: a pinned BPF array map created with BPF_F_MMAPABLE, mapped through
//     the map file descriptor. Requires CAP_BPF or root.
//
// Flags inside windows are accessed through Word, never through plain loads.
package smem

import (
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/opencpi/opencpi-sub021/endpoint"
)

var (
	ErrRemote          = errors.New("smem: endpoint is not mappable in this process")
	ErrClosed          = errors.New("smem: services closed")
	ErrOutOfRange      = errors.New("smem: mapping out of range")
	ErrSizeMismatch    = errors.New("smem: existing region is smaller than endpoint size")
	ErrUnknownBackend  = errors.New("smem: unknown backend")
	ErrNotAttached     = errors.New("smem: detach without attach")
	ErrBackendDisabled = errors.New("smem: backend unsupported on this platform")
)

// Backend names a memory backend.
type Backend string

const (
	BackendHeap Backend = "heap"
	BackendShm  Backend = "shm"
	BackendBPF  Backend = "bpf"
)

const (
	DefaultBackend   = BackendHeap
	DefaultShmDir    = "/dev/shm"
	DefaultBPFPinDir = "/sys/fs/bpf/ocpi"
)

// Config selects and configures the memory backend.
type Config struct {
	// Backend is one of heap, shm or bpf.
	Backend Backend `yaml:"backend"`
	// ShmDir is the tmpfs directory shm regions are created in.
	ShmDir string `yaml:"shm-dir"`
	// BPFPinDir is the bpffs directory bpf regions are pinned in.
	BPFPinDir string `yaml:"bpf-pin-dir"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Backend == "" {
		c.Backend = DefaultBackend
	}
	if c.ShmDir == "" {
		c.ShmDir = DefaultShmDir
	}
	if c.BPFPinDir == "" {
		c.BPFPinDir = DefaultBPFPinDir
	}
	switch c.Backend {
	case BackendHeap, BackendShm, BackendBPF:
		return nil
	}
	return errors.Wrapf(ErrUnknownBackend, "%q", c.Backend)
}

// region is one mapped window.
type region interface {
	Bytes() []byte
	Close() error
}

// Provider creates Services for endpoints. Mapping setup is serialized by the
// provider; mapped memory itself is not guarded.
type Provider struct {
	conf Config
	log  *logrus.Entry

	mu   sync.Mutex
	heap map[string]*heapRegion
}

func NewProvider(conf Config, log *logrus.Entry) (*Provider, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Provider{
		conf: conf,
		log:  log.WithField("backend", string(conf.Backend)),
		heap: make(map[string]*heapRegion),
	}, nil
}

// Backend returns the configured backend.
func (p *Provider) Backend() Backend { return p.conf.Backend }

// Open maps the window named by ep.
func (p *Provider) Open(ep *endpoint.EndPoint) (*Services, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var (
		r   region
		err error
	)
	switch p.conf.Backend {
	case BackendHeap:
		r, err = p.openHeap(ep)
	case BackendShm:
		r, err = openShm(p.conf.ShmDir, regionName(ep), ep.Offset, ep.Size)
	case BackendBPF:
		r, err = openBPF(p.conf.BPFPinDir, regionName(ep)+"_"+strconv.FormatUint(ep.Offset, 10), ep.Size)
	default:
		err = errors.Wrapf(ErrUnknownBackend, "%q", p.conf.Backend)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", ep)
	}
	p.log.WithField("endpoint", ep.String()).Debug("mapped endpoint window")
	return &Services{ep: ep, region: r}, nil
}

// Close drops every heap region still referenced by the provider.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.heap)
	return nil
}

// regionName derives a file-system safe name from the endpoint address.
func regionName(ep *endpoint.EndPoint) string {
	return "ocpi_" + strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_':
			return r
		}
		return '_'
	}, ep.Target)
}

// Services maps one endpoint window.
type Services struct {
	ep     *endpoint.EndPoint
	region region // nil for remote endpoints

	mu       sync.Mutex
	attached int
	maps     int
	closed   bool
	onClose  []func()
}

// NewRemote returns Services for an endpoint served by another process.
// Its window cannot be mapped; transfers address it by offset only.
func NewRemote(ep *endpoint.EndPoint) *Services {
	return &Services{ep: ep}
}

func (s *Services) EndPoint() *endpoint.EndPoint { return s.ep }

// Remote reports whether the window is not mappable here.
func (s *Services) Remote() bool { return s.region == nil }

// Size returns the window size in bytes.
func (s *Services) Size() uint64 { return s.ep.Size }

// Attach registers a user of the window.
func (s *Services) Attach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.attached++
	return nil
}

// Detach drops a user registered by Attach.
func (s *Services) Detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached == 0 {
		return ErrNotAttached
	}
	s.attached--
	return nil
}

// Map returns size bytes of the window starting at offset.
// The returned slice aliases the window and stays valid until Close.
func (s *Services) Map(offset, size uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.region == nil {
		return nil, errors.Wrapf(ErrRemote, "%s", s.ep)
	}
	b := s.region.Bytes()
	if offset > uint64(len(b)) || size > uint64(len(b))-offset {
		return nil, errors.Wrapf(ErrOutOfRange,
			"map [%d,+%d) of %d bytes", offset, size, len(b))
	}
	s.maps++
	return b[offset : offset+size : offset+size], nil
}

// Unmap releases one mapping returned by Map.
func (s *Services) Unmap() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maps > 0 {
		s.maps--
	}
	return nil
}

// Mapped returns the number of mappings not yet released.
func (s *Services) Mapped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maps
}

// OnClose registers fn to run when the window is closed, before its memory
// is released.
func (s *Services) OnClose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = append(s.onClose, fn)
}

// Close releases the window. Close is idempotent.
func (s *Services) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.maps, s.attached = 0, 0
	hooks := s.onClose
	s.onClose = nil
	s.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	if s.region == nil {
		return nil
	}
	return s.region.Close()
}
