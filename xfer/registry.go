package xfer

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/opencpi/opencpi-sub021/endpoint"
	"github.com/opencpi/opencpi-sub021/smem"
)

const (
	DefaultMaxMailboxes = 20
	DefaultFirstMailbox = 1
)

var ErrInvalidNode = errors.New("xfer: node id must not contain '.', ':', ';' or '/'")

// RegistryConfig identifies this node to its peers.
type RegistryConfig struct {
	// Node is embedded in every locally allocated endpoint address.
	// Defaults to "n<pid>".
	Node string `yaml:"node"`
	// MaxMailboxes is the size of the mailbox space.
	MaxMailboxes uint16 `yaml:"max-mailboxes"`
	// FirstMailbox is the first mailbox handed out by AllocateEndpoint.
	FirstMailbox uint16 `yaml:"first-mailbox"`
}

func (c *RegistryConfig) ValidateAndSetDefaults() error {
	if c.Node == "" {
		c.Node = fmt.Sprintf("n%d", os.Getpid())
	}
	if strings.ContainsAny(c.Node, ".:;/") {
		return errors.Wrapf(ErrInvalidNode, "%q", c.Node)
	}
	if c.MaxMailboxes == 0 {
		c.MaxMailboxes = DefaultMaxMailboxes
	}
	if c.FirstMailbox == 0 {
		c.FirstMailbox = DefaultFirstMailbox
	}
	if c.FirstMailbox >= c.MaxMailboxes {
		return errors.Errorf("xfer: first-mailbox %d must be below max-mailboxes %d",
			c.FirstMailbox, c.MaxMailboxes)
	}
	return nil
}

// Registry maps protocol strings to factories and hands out mailboxes for
// locally allocated endpoints.
type Registry struct {
	conf RegistryConfig
	log  *logrus.Entry

	mu        sync.Mutex
	factories map[string]*Factory
	mailbox   uint16 // next mailbox to allocate
}

func NewRegistry(conf RegistryConfig, log *logrus.Entry) (*Registry, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{
		conf:      conf,
		log:       log.WithField("node", conf.Node),
		factories: make(map[string]*Factory),
		mailbox:   conf.FirstMailbox,
	}, nil
}

func (r *Registry) Node() string { return r.conf.Node }

func (r *Registry) MaxMailboxes() uint16 { return r.conf.MaxMailboxes }

// Register adds a driver and returns its factory.
func (r *Registry) Register(d Driver) (*Factory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := d.Protocol()
	if _, ok := r.factories[p]; ok {
		return nil, errors.Wrapf(ErrDuplicateProtocol, "%q", p)
	}
	f := &Factory{
		reg:      r,
		drv:      d,
		log:      r.log.WithField("transport", p),
		smems:    make(map[*endpoint.EndPoint]*smem.Services),
		services: make(map[pairKey]Services),
	}
	r.factories[p] = f
	r.log.WithField("transport", p).Debug("registered transport")
	return f, nil
}

// Factory returns the factory for protocol.
func (r *Registry) Factory(protocol string) (*Factory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.factories[protocol]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownProtocol, "%q", protocol)
	}
	return f, nil
}

// Find returns the factory serving the protocol of an endpoint string.
func (r *Registry) Find(endpointString string) (*Factory, error) {
	proto, _, ok := strings.Cut(endpointString, "://")
	if !ok {
		return nil, errors.Wrapf(endpoint.ErrMissingProtocol, "%q", endpointString)
	}
	return r.Factory(proto)
}

// EndPoint resolves an endpoint string through the factory of its protocol.
func (r *Registry) EndPoint(s string) (*Factory, *endpoint.EndPoint, error) {
	f, err := r.Find(s)
	if err != nil {
		return nil, nil, err
	}
	ep, err := f.EndPoint(s)
	if err != nil {
		return nil, nil, err
	}
	return f, ep, nil
}

// Protocols returns the registered protocols in sorted order.
func (r *Registry) Protocols() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps := make([]string, 0, len(r.factories))
	for p := range r.factories {
		ps = append(ps, p)
	}
	slices.Sort(ps)
	return ps
}

// ClearCaches clears the cache of every factory.
func (r *Registry) ClearCaches() error {
	var firstErr error
	for _, p := range r.Protocols() {
		f, _ := r.Factory(p)
		if err := f.ClearCache(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "clearing %s", p)
		}
	}
	return firstErr
}

// Close closes every factory.
func (r *Registry) Close() error {
	var firstErr error
	for _, p := range r.Protocols() {
		f, _ := r.Factory(p)
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "closing %s", p)
		}
	}
	return firstErr
}

func (r *Registry) nextMailbox() (uint16, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mailbox >= r.conf.MaxMailboxes {
		return 0, NewResourceError("allocateEndpoint", ErrMailboxesExhausted)
	}
	mb := r.mailbox
	r.mailbox++
	return mb, nil
}
