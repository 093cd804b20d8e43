// Package config is the YAML configuration of a dataplane process.
package config

import (
	"bytes"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/opencpi/opencpi-sub021/container"
	"github.com/opencpi/opencpi-sub021/datagram"
	"github.com/opencpi/opencpi-sub021/directory"
	"github.com/opencpi/opencpi-sub021/dma"
	"github.com/opencpi/opencpi-sub021/pio"
	"github.com/opencpi/opencpi-sub021/smem"
	"github.com/opencpi/opencpi-sub021/udp"
	"github.com/opencpi/opencpi-sub021/xfer"
)

var ErrUnknownTransport = errors.New("config: unknown transport")

// Transports lists every protocol a dataplane can register.
var Transports = []string{pio.Protocol, dma.Protocol, datagram.LoopProtocol, udp.Protocol}

const (
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"
)

type LogConfig struct {
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

func (c *LogConfig) ValidateAndSetDefaults() error {
	if c.Level == "" {
		c.Level = DefaultLogLevel
	}
	if c.Format == "" {
		c.Format = DefaultLogFormat
	}
	if _, err := logrus.ParseLevel(c.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	if c.Format != "text" && c.Format != "json" {
		return errors.Errorf("log.format %q is neither text nor json", c.Format)
	}
	return nil
}

// Logger returns a logger writing to w as configured.
func (c LogConfig) Logger(w io.Writer) *logrus.Entry {
	l := logrus.New()
	l.SetOutput(w)
	if lvl, err := logrus.ParseLevel(c.Level); err == nil {
		l.SetLevel(lvl)
	}
	if c.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logrus.NewEntry(l)
}

type Config struct {
	Registry  xfer.RegistryConfig `yaml:"registry"`
	Log       LogConfig           `yaml:"log"`
	Smem      smem.Config         `yaml:"smem"`
	DMA       dma.Config          `yaml:"dma"`
	Loop      datagram.Config     `yaml:"loop"`
	UDP       udp.Config          `yaml:"udp"`
	Container container.Config    `yaml:"container"`
	Directory directory.Config    `yaml:"directory"`
	// Transports are the protocols the dataplane registers. Empty
	// registers every transport.
	Transports []string `yaml:"transports"`
}

func (c *Config) ValidateAndSetDefaults() error {
	if len(c.Transports) == 0 {
		c.Transports = slices.Clone(Transports)
	}
	for _, t := range c.Transports {
		if !slices.Contains(Transports, t) {
			return errors.Wrapf(ErrUnknownTransport, "%q (known: %s)", t, strings.Join(Transports, ", "))
		}
	}
	for name, v := range map[string]interface{ ValidateAndSetDefaults() error }{
		"registry":  &c.Registry,
		"log":       &c.Log,
		"smem":      &c.Smem,
		"dma":       &c.DMA,
		"loop":      &c.Loop,
		"udp":       &c.UDP,
		"container": &c.Container,
		"directory": &c.Directory,
	} {
		if err := v.ValidateAndSetDefaults(); err != nil {
			return errors.Wrapf(err, "config %s", name)
		}
	}
	return nil
}

// Enabled reports whether protocol is among the configured transports.
func (c *Config) Enabled(protocol string) bool { return slices.Contains(c.Transports, protocol) }

// Parse decodes YAML, rejecting unknown keys, and applies the defaults.
func Parse(b []byte) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "parsing YAML")
	}
	if err := c.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}
	return Parse(b)
}
