// Package directory exchanges endpoint strings between the processes of a
// deployment. A producer publishes the endpoint of its window under a name;
// its peers look the name up before building their circuits.
package directory

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/opencpi/opencpi-sub021/endpoint"
)

var (
	ErrNotFound       = errors.New("directory: name not found")
	ErrExists         = errors.New("directory: name already published")
	ErrEmptyName      = errors.New("directory: empty name")
	ErrUnknownBackend = errors.New("directory: unknown backend")
)

// Record is one published endpoint.
type Record struct {
	Name     string `json:"name"`
	EndPoint string `json:"endpoint"`
	// Protocol and Address are taken from EndPoint on Publish.
	Protocol string `json:"protocol"`
	Address  string `json:"address"`
}

// Directory stores records by name.
type Directory interface {
	// Publish stores r unless its name is taken.
	Publish(ctx context.Context, r Record) error
	Lookup(ctx context.Context, name string) (Record, error)
	// List returns every record ordered by name.
	List(ctx context.Context) ([]Record, error)
	Withdraw(ctx context.Context, name string) error
	Close() error
}

type Backend string

const (
	BackendMemory Backend = "memory"
	BackendEtcd   Backend = "etcd"
)

const (
	DefaultBackend     = BackendMemory
	DefaultPrefix      = "/ocpi/v1/endpoints/"
	DefaultDialTimeout = 5 * time.Second
)

type Config struct {
	Backend Backend `yaml:"backend"`
	// Endpoints are the etcd cluster members.
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial-timeout"`
	// Prefix is the etcd key prefix of every record.
	Prefix string `yaml:"prefix"`
	// TTL attaches published records to a lease kept alive until Close.
	// Zero publishes records without a lease.
	TTL time.Duration `yaml:"ttl"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Backend == "" {
		c.Backend = DefaultBackend
	}
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	switch c.Backend {
	case BackendMemory:
		return nil
	case BackendEtcd:
		if len(c.Endpoints) == 0 {
			return errors.New("directory: etcd backend needs endpoints")
		}
		if c.TTL != 0 && c.TTL < time.Second {
			return errors.Errorf("directory: ttl %s below one second", c.TTL)
		}
		return nil
	}
	return errors.Wrapf(ErrUnknownBackend, "%q", c.Backend)
}

// Open creates the directory selected by conf.
func Open(conf Config, log *logrus.Entry) (Directory, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("directory", string(conf.Backend))
	if conf.Backend == BackendEtcd {
		return newEtcd(conf, log)
	}
	return NewMemory(), nil
}

// complete validates r and fills the fields derived from its endpoint.
func complete(r Record) (Record, error) {
	if r.Name == "" {
		return r, ErrEmptyName
	}
	ep, err := endpoint.Parse(r.EndPoint)
	if err != nil {
		return r, errors.Wrapf(err, "publishing %q", r.Name)
	}
	r.Protocol = ep.Protocol
	r.Address = ep.Address
	return r, nil
}
